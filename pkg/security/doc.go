/*
Package security manages the deployment's certificate authority and the
leaf certificates issued from it.

# Architecture

	┌──────────────────── CA LIFECYCLE ─────────────────────┐
	│                                                       │
	│  UNINITIALIZED ──Bootstrap──▶ BOOTSTRAPPED (once)      │
	│                                   │                   │
	│                      per service  ▼                   │
	│          ┌──────▶ ISSUING ──▶ VALID ──▶ EXPIRING ──┐   │
	│          └─────────────────────────────────────────┘   │
	└───────────────────────────────────────────────────────┘

Authority generates the root and intermediate exactly once. The marker file
<ca>/bootstrap.json, holding the root fingerprint, is written after every
other artifact; its presence turns Bootstrap into a load. Regenerating the
root would invalidate every issued certificate, so a marker is never
removed by this package.

The intermediate carries no DNS name constraints, since nodes can be added
to a deployment long after its CA exists; MaxPathLenZero keeps it from
minting further CAs. The CA directory and secrets/ are created 0700.

Files below the CA directory follow the layout the CA container expects
when the directory is mounted at ContainerHome:

	certs/root_ca.crt           certs/intermediate_ca.crt
	secrets/root_ca_key         secrets/intermediate_ca_key
	secrets/password            db/
	config/ca.json              server configuration with the JWK provisioner
	config/defaults.json        client configuration with the root fingerprint

The root is also copied to <shared>/root_ca.crt for services that must
trust it without access to the CA's private storage.

# Issuance

Issuer.Ensure inspects <certs>/<service>/{tls.crt,tls.key,ca-chain.crt,meta.json}.
A consistent bundle whose expiry is at least the renewal threshold away,
issued for the same names under the current root, is returned without any
network activity. meta.json records the root fingerprint so a bundle from a
regenerated CA is reissued. Otherwise a new key and CSR are
created, and a one-time token (ES256 JWT: issuer = provisioner name,
subject = common name, audience = the sign URL, sans, sha = root
fingerprint, five minute lifetime, random jti) is signed with the
deployment's provisioner key. The request

	POST {ca}/1.0/sign {"csr", "ott", "notAfter"} → {"crt", "ca", "certChain"}

is retried through retry.Attempt while the CA is still starting. The TLS
connection trusts only the deployment's root.

The returned leaf is checked against the generated key and the root, then
written file by file with the metadata last.

# Errors

ErrNotBootstrapped is returned by Root, and wrapped by Ensure, until the
marker exists. A CA that never answers within the retry timeout yields an
error matching retry.ErrTimeout; a refusal carries a *SignError.
*/
package security
