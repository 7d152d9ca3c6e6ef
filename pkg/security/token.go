package security

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/cuemby/overwatch/pkg/types"
)

// TokenTTL bounds every one-time token
const TokenTTL = 5 * time.Minute

// TokenClaims are the private claims of a signing token
type TokenClaims struct {
	SANs []string `json:"sans"`
	SHA  string   `json:"sha"`
}

// TokenSigner builds single-use signing tokens with the deployment's
// provisioner key. The CA trusts the matching public key, so possession of
// the key authorizes the request and no shared secret is needed.
type TokenSigner struct {
	name   string
	key    *ecdsa.PrivateKey
	kid    string
	signer jose.Signer
	now    func() time.Time
}

// NewTokenSigner creates a signer from the key bundle's provisioner identity
func NewTokenSigner(keys *types.KeyBundle) (*TokenSigner, error) {
	if keys == nil || keys.ProvisionerName == "" {
		return nil, fmt.Errorf("key bundle has no provisioner name")
	}
	key, err := ParseKeyPEM(keys.ProvisionerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioner key: %w", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}
	kid, err := thumbprint(&jwk)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}

	return &TokenSigner{
		name:   keys.ProvisionerName,
		key:    key,
		kid:    kid,
		signer: signer,
		now:    time.Now,
	}, nil
}

// KeyID is the JWK thumbprint the CA uses to pick the provisioner key
func (s *TokenSigner) KeyID() string { return s.kid }

// Sign returns a compact JWT authorizing one certificate for subject and
// sans, usable only at audience and only for TokenTTL
func (s *TokenSigner) Sign(subject string, sans []string, audience, rootFingerprint string) (string, error) {
	now := s.now()
	claims := jwt.Claims{
		ID:        uuid.NewString(),
		Issuer:    s.name,
		Subject:   subject,
		Audience:  jwt.Audience{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token, err := jwt.Signed(s.signer).
		Claims(claims).
		Claims(TokenClaims{SANs: sans, SHA: rootFingerprint}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ProvisionerJWK derives the public JWK the CA server is configured with
func ProvisionerJWK(keys *types.KeyBundle) (*jose.JSONWebKey, error) {
	if keys == nil {
		return nil, fmt.Errorf("key bundle is nil")
	}
	key, err := ParseKeyPEM(keys.ProvisionerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioner key: %w", err)
	}
	jwk := &jose.JSONWebKey{Key: &key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}
	kid, err := thumbprint(jwk)
	if err != nil {
		return nil, err
	}
	jwk.KeyID = kid
	return jwk, nil
}

func thumbprint(jwk *jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// GenerateProvisionerKey creates a new provisioner private key in PEM form
func GenerateProvisionerKey() ([]byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return EncodeKeyPEM(key)
}
