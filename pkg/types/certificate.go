package types

import "time"

// DefaultRenewalThreshold is how long before expiry a leaf is re-issued
const DefaultRenewalThreshold = 66 * 24 * time.Hour

// CertificateBundle is a CA-issued leaf with its key and trust chain
type CertificateBundle struct {
	Service     string
	Certificate string // PEM; leaf, plus intermediate when a full chain is requested
	Key         string // PEM
	Chain       string // PEM; intermediate + root
	IssuedAt    time.Time
	ExpiresAt   time.Time

	// File locations the bundle was written to
	CertFile  string
	KeyFile   string
	ChainFile string
}

// NeedsRenewal reports whether less than threshold remains before expiry.
// Exactly threshold remaining is still valid.
func (b *CertificateBundle) NeedsRenewal(now time.Time, threshold time.Duration) bool {
	if b == nil || b.ExpiresAt.IsZero() {
		return true
	}
	return b.ExpiresAt.Sub(now) < threshold
}

// CertificateMeta is the small metadata document stored beside a bundle
type CertificateMeta struct {
	Service         string    `json:"service"`
	CommonName      string    `json:"common_name"`
	SANs            []string  `json:"sans"`
	Serial          string    `json:"serial"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Fingerprint     string    `json:"fingerprint"`
	RootFingerprint string    `json:"root_fingerprint"`
}
