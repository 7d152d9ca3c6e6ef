package security

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/fsutil"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/retry"
	"github.com/cuemby/overwatch/pkg/types"
)

// Files of a leaf bundle directory
const (
	CertFileName  = "tls.crt"
	KeyFileName   = "tls.key"
	ChainFileName = "ca-chain.crt"
	MetaFileName  = "meta.json"
)

// IssuerConfig tunes leaf issuance
type IssuerConfig struct {
	// CertsDir holds one bundle directory per service
	CertsDir string

	// CAURL is the base URL of the CA's signing endpoint
	CAURL string

	RenewalThreshold time.Duration
	LeafLifetime     time.Duration
	RetryInterval    time.Duration
	RetryTimeout     time.Duration

	// Clock replaces time.Now for expiry decisions
	Clock func() time.Time
}

// LeafRequest describes the certificate one service needs
type LeafRequest struct {
	Service    string
	CommonName string
	SANs       []string
	FullChain  bool

	// UID and GID own the written files; -1 leaves ownership alone
	UID int
	GID int
}

// names returns the requested SANs with the common name first and no
// duplicates
func (r LeafRequest) names() []string {
	out := []string{r.CommonName}
	for _, s := range r.SANs {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Issuer issues and renews leaf certificates through the CA's sign
// endpoint. A bundle on disk that is far enough from expiry is reused
// without any network call.
type Issuer struct {
	cfg       IssuerConfig
	authority *Authority
	now       func() time.Time
	logger    zerolog.Logger
}

// NewIssuer creates an issuer backed by authority's root material
func NewIssuer(cfg IssuerConfig, authority *Authority) *Issuer {
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = types.DefaultRenewalThreshold
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		cfg:       cfg,
		authority: authority,
		now:       now,
		logger:    log.WithComponent("issuer"),
	}
}

// BundleDir is where a service's bundle lives
func (i *Issuer) BundleDir(service string) string {
	return filepath.Join(i.cfg.CertsDir, service)
}

// Threshold returns the renewal threshold in effect
func (i *Issuer) Threshold() time.Duration {
	return i.cfg.RenewalThreshold
}

// Inspect loads the bundle currently on disk for service
func (i *Issuer) Inspect(service string) (*types.CertificateBundle, error) {
	bundle, _, err := i.inspect(service)
	return bundle, err
}

// Ensure returns a valid bundle for req, issuing a new one when the bundle
// on disk is missing, inconsistent, for different names, or within the
// renewal threshold. issued reports whether a sign call was made.
func (i *Issuer) Ensure(ctx context.Context, req LeafRequest, keys *types.KeyBundle) (bundle *types.CertificateBundle, issued bool, err error) {
	logger := i.logger.With().Str("service", req.Service).Logger()
	now := i.now()

	existing, meta, inspectErr := i.inspect(req.Service)
	switch {
	case inspectErr != nil:
		logger.Debug().Err(inspectErr).Msg("No usable certificate on disk")
	case existing.NeedsRenewal(now, i.cfg.RenewalThreshold):
		logger.Info().Time("expires_at", existing.ExpiresAt).Msg("Certificate within renewal threshold")
	case !sameNames(meta.SANs, req.names()):
		logger.Info().Strs("had", meta.SANs).Strs("want", req.names()).Msg("Certificate names changed")
	default:
		metrics.CertificateExpiry.WithLabelValues(req.Service).Set(float64(existing.ExpiresAt.Unix()))
		return existing, false, nil
	}

	bundle, err = i.issue(ctx, req, keys, logger)
	if err != nil {
		metrics.CertificateIssueFailures.WithLabelValues(req.Service).Inc()
		return nil, false, err
	}
	metrics.CertificatesIssued.WithLabelValues(req.Service).Inc()
	metrics.CertificateExpiry.WithLabelValues(req.Service).Set(float64(bundle.ExpiresAt.Unix()))
	return bundle, true, nil
}

func (i *Issuer) issue(ctx context.Context, req LeafRequest, keys *types.KeyBundle, logger zerolog.Logger) (*types.CertificateBundle, error) {
	root, err := i.authority.Root()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA root: %w", err)
	}
	signer, err := NewTokenSigner(keys)
	if err != nil {
		return nil, err
	}

	names := req.names()
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	csrPEM, err := buildCSR(req.CommonName, names, key)
	if err != nil {
		return nil, err
	}

	client := NewSignClient(i.cfg.CAURL, root.Root)
	defer client.Close()

	probe := func(ctx context.Context) (*SignResponse, bool, error) {
		// a fresh token per attempt; the CA rejects a reused token id
		ott, err := signer.Sign(req.CommonName, names, client.Audience(), root.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		resp, err := client.Sign(ctx, &SignRequest{
			CSR:      string(csrPEM),
			OTT:      ott,
			NotAfter: i.cfg.LeafLifetime.String(),
		})
		if err != nil {
			return nil, false, err
		}
		return resp, true, nil
	}

	resp, err := retry.Attempt(ctx, i.cfg.RetryInterval, i.cfg.RetryTimeout, probe,
		retry.WithOperation("sign certificate for "+req.Service),
		retry.WithLogger(logger),
		retry.OnFailure(func(elapsed time.Duration) {
			logger.Debug().Dur("elapsed", elapsed).Msg("CA not ready, retrying sign")
		}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Certificate issuance failed")
		return nil, fmt.Errorf("failed to issue certificate for %s: %w", req.Service, err)
	}

	leaf, err := ParseCertPEM([]byte(resp.Crt))
	if err != nil {
		return nil, fmt.Errorf("invalid certificate from CA: %w", err)
	}
	if !KeyMatchesCertificate(key, leaf) {
		return nil, fmt.Errorf("CA returned a certificate for a different key")
	}
	interPEM := []byte(resp.CA)
	if len(interPEM) == 0 && len(resp.CertChain) > 1 {
		interPEM = []byte(resp.CertChain[1])
	}
	inters, err := ParseCertsPEM(interPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid intermediate from CA: %w", err)
	}
	if err := ValidateCertChain(leaf, inters, root.Root, i.now()); err != nil {
		return nil, err
	}

	keyPEM, err := EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	leafPEM := EncodeCertPEM(leaf.Raw)
	certPEM := leafPEM
	if req.FullChain {
		certPEM = ChainPEM(leafPEM, interPEM)
	}
	chainPEM := ChainPEM(interPEM, root.RootPEM)

	bundle := &types.CertificateBundle{
		Service:     req.Service,
		Certificate: string(certPEM),
		Key:         string(keyPEM),
		Chain:       string(chainPEM),
		IssuedAt:    leaf.NotBefore,
		ExpiresAt:   leaf.NotAfter,
	}
	if err := i.write(req, bundle, leaf, root.Fingerprint); err != nil {
		return nil, err
	}

	logger.Info().
		Str("serial", leaf.SerialNumber.String()).
		Time("expires_at", leaf.NotAfter).
		Msg("Certificate issued")
	return bundle, nil
}

// write replaces the bundle files one by one, metadata last. Inspect
// rejects a directory whose key does not match its certificate, so a crash
// midway causes re-issuance rather than a broken pair.
func (i *Issuer) write(req LeafRequest, bundle *types.CertificateBundle, leaf *x509.Certificate, rootFingerprint string) error {
	dir := i.BundleDir(req.Service)
	bundle.CertFile = filepath.Join(dir, CertFileName)
	bundle.KeyFile = filepath.Join(dir, KeyFileName)
	bundle.ChainFile = filepath.Join(dir, ChainFileName)
	metaPath := filepath.Join(dir, MetaFileName)

	meta, err := json.MarshalIndent(types.CertificateMeta{
		Service:         req.Service,
		CommonName:      leaf.Subject.CommonName,
		SANs:            req.names(),
		Serial:          leaf.SerialNumber.String(),
		IssuedAt:        leaf.NotBefore.UTC(),
		ExpiresAt:       leaf.NotAfter.UTC(),
		Fingerprint:     Fingerprint(leaf),
		RootFingerprint: rootFingerprint,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode certificate metadata: %w", err)
	}

	if err := fsutil.WriteFileAtomic(bundle.CertFile, []byte(bundle.Certificate), 0o644); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(bundle.KeyFile, []byte(bundle.Key), 0o600); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(bundle.ChainFile, []byte(bundle.Chain), 0o644); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(metaPath, meta, 0o644); err != nil {
		return err
	}
	return fsutil.Chown(req.UID, req.GID, dir, bundle.CertFile, bundle.KeyFile, bundle.ChainFile, metaPath)
}

func (i *Issuer) inspect(service string) (*types.CertificateBundle, *types.CertificateMeta, error) {
	dir := i.BundleDir(service)
	certPath := filepath.Join(dir, CertFileName)
	keyPath := filepath.Join(dir, KeyFileName)
	chainPath := filepath.Join(dir, ChainFileName)

	metaData, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate metadata: %w", err)
	}
	var meta types.CertificateMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode certificate metadata: %w", err)
	}
	root, err := i.authority.Root()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load CA root: %w", err)
	}
	if meta.RootFingerprint != root.Fingerprint {
		return nil, nil, fmt.Errorf("certificate was issued under root %q, current root is %q", meta.RootFingerprint, root.Fingerprint)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key: %w", err)
	}
	chainPEM, err := os.ReadFile(chainPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read chain: %w", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, nil, fmt.Errorf("certificate and key do not match: %w", err)
	}

	return &types.CertificateBundle{
		Service:     service,
		Certificate: string(certPEM),
		Key:         string(keyPEM),
		Chain:       string(chainPEM),
		IssuedAt:    meta.IssuedAt,
		ExpiresAt:   meta.ExpiresAt,
		CertFile:    certPath,
		KeyFile:     keyPath,
		ChainFile:   chainPath,
	}, &meta, nil
}

func buildCSR(commonName string, names []string, key interface{}) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}
	for _, n := range names {
		if ip := net.ParseIP(n); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, n)
		}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}), nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

// IsNotBootstrapped reports whether err stems from a missing CA
func IsNotBootstrapped(err error) bool {
	return errors.Is(err, ErrNotBootstrapped)
}
