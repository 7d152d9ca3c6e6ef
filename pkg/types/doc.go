/*
Package types defines the data structures shared by every Overwatch package.

# Core Types

Deployment configuration:
  - Deployment: the declarative deployment description (name, nodes, overrides)
  - KeyBundle: secret material stored beside each snapshot
  - Snapshot / SnapshotInfo: one immutable, timestamped configuration

Derived state:
  - ClusterMode: ephemeral, standalone or cluster, computed by DeriveMode
    from the current snapshot and never persisted

Service catalog:
  - ServiceKind: the fixed set of platform services
  - BootstrapKind: one-time initialization a kind requires
  - TLSRequirement: the leaf certificate a kind consumes
  - ServiceDescriptor / ContainerSpec: a resolved service, computed on demand

Certificates:
  - CertificateBundle: an issued leaf with key, chain and expiry
  - CertificateMeta: the metadata document stored next to a bundle

Run bookkeeping:
  - Phase: resolve, issue, image, create, bootstrap, start, ready
  - ServiceOutcome / StartupRun: results of one driver run

# Exhaustive decisions

ServiceKind methods switch over every kind and panic on an unknown value
instead of consulting a name-keyed table:

	switch kind.Bootstrap() {
	case types.BootstrapCA:
		// bootstrap the certificate authority
	case types.BootstrapConsole:
		// write the console configuration
	case types.BootstrapNone:
	}

A new kind must be added to AllServiceKinds and to each switch in
service.go; the catalog tests walk AllServiceKinds so a missing case
fails there first.
*/
package types
