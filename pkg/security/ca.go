package security

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/fsutil"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/types"
)

// ErrNotBootstrapped is returned when root material is requested before
// Bootstrap has completed
var ErrNotBootstrapped = errors.New("certificate authority is not bootstrapped")

const (
	// Root and intermediate validity: 10 years
	rootCAValidity         = 10 * 365 * 24 * time.Hour
	intermediateCAValidity = 10 * 365 * 24 * time.Hour

	// ContainerHome is where the CA container mounts the CA directory
	ContainerHome = "/home/step"

	// CAPort is the port the CA service listens on
	CAPort = 9000

	markerFile = "bootstrap.json"
)

// File layout below the CA directory, shared with the CA container
var (
	rootCertRel         = filepath.Join("certs", "root_ca.crt")
	intermediateCertRel = filepath.Join("certs", "intermediate_ca.crt")
	rootKeyRel          = filepath.Join("secrets", "root_ca_key")
	intermediateKeyRel  = filepath.Join("secrets", "intermediate_ca_key")
	passwordRel         = filepath.Join("secrets", "password")
	serverConfigRel     = filepath.Join("config", "ca.json")
	clientConfigRel     = filepath.Join("config", "defaults.json")
)

// AuthorityConfig locates the CA's durable state
type AuthorityConfig struct {
	// Dir is the CA's private directory
	Dir string

	// SharedDir receives a copy of the root certificate for other services
	SharedDir string

	// URL is the signing endpoint recorded in the client configuration
	URL string

	// UID and GID own every file below Dir; -1 leaves ownership alone
	UID int
	GID int
}

// RootMaterial is the long-lived CA state other components consume
type RootMaterial struct {
	Root            *x509.Certificate
	RootPEM         []byte
	Intermediate    *x509.Certificate
	IntermediatePEM []byte
	Fingerprint     string
	CreatedAt       time.Time
}

// marker is written last during bootstrap; its presence with a fingerprint
// means the CA exists
type marker struct {
	Fingerprint string    `json:"fingerprint"`
	Provisioner string    `json:"provisioner"`
	CreatedAt   time.Time `json:"created_at"`
}

// Authority owns the bootstrap of the deployment's certificate authority.
// Root material is generated exactly once; afterwards Bootstrap only loads
// it.
type Authority struct {
	cfg    AuthorityConfig
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	root *RootMaterial
}

// NewAuthority creates an authority over cfg.Dir
func NewAuthority(cfg AuthorityConfig) *Authority {
	return &Authority{
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("ca"),
	}
}

// Bootstrap generates and persists the CA's root and intermediate material
// unless the marker file shows it already exists, in which case the
// existing root is loaded. The marker is written after every other file, so
// a failed bootstrap is retried from scratch on the next start.
func (a *Authority) Bootstrap(d *types.Deployment, keys *types.KeyBundle) (*RootMaterial, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root != nil {
		return a.root, nil
	}

	m, err := a.readMarker()
	if err != nil && !errors.Is(err, ErrNotBootstrapped) {
		return nil, err
	}
	if err == nil {
		root, err := a.loadLocked(m)
		if err != nil {
			return nil, err
		}
		a.logger.Debug().Str("fingerprint", root.Fingerprint).Msg("CA already bootstrapped")
		return root, nil
	}

	if d == nil || d.NodeCount() == 0 {
		return nil, fmt.Errorf("cannot bootstrap CA without deployment nodes")
	}
	if keys == nil || len(keys.ProvisionerKey) == 0 {
		return nil, fmt.Errorf("cannot bootstrap CA without a provisioner key")
	}

	root, err := a.generate(d, keys)
	if err != nil {
		return nil, err
	}
	a.root = root
	metrics.CABootstrapped.Set(1)
	a.logger.Info().
		Str("fingerprint", root.Fingerprint).
		Strs("nodes", d.Hostnames()).
		Msg("CA bootstrapped")
	return root, nil
}

// Root returns the bootstrapped root material or ErrNotBootstrapped
func (a *Authority) Root() (*RootMaterial, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root != nil {
		return a.root, nil
	}
	m, err := a.readMarker()
	if err != nil {
		return nil, err
	}
	return a.loadLocked(m)
}

// IsBootstrapped reports whether the marker file carries a fingerprint
func (a *Authority) IsBootstrapped() bool {
	_, err := a.readMarker()
	return err == nil
}

// Status summarizes the CA for operators
type Status struct {
	Bootstrapped       bool      `json:"bootstrapped"`
	Fingerprint        string    `json:"fingerprint,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
	RootExpiry         time.Time `json:"root_expiry,omitempty"`
	IntermediateExpiry time.Time `json:"intermediate_expiry,omitempty"`
	URL                string    `json:"url,omitempty"`
}

// Status reads the CA state without bootstrapping
func (a *Authority) Status() (*Status, error) {
	root, err := a.Root()
	if errors.Is(err, ErrNotBootstrapped) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	st := &Status{
		Bootstrapped:       true,
		Fingerprint:        root.Fingerprint,
		CreatedAt:          root.CreatedAt,
		RootExpiry:         root.Root.NotAfter,
		IntermediateExpiry: root.Intermediate.NotAfter,
	}
	if cc, err := LoadClientConfig(a.path(clientConfigRel)); err == nil {
		st.URL = cc.CAURL
	}
	return st, nil
}

// IntermediateSigner loads the intermediate certificate and key from disk
func (a *Authority) IntermediateSigner() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	cert, err := LoadCertFile(a.path(intermediateCertRel))
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(a.path(intermediateKeyRel))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read intermediate key: %w", err)
	}
	key, err := ParseKeyPEM(data)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// Dir returns the CA's private directory
func (a *Authority) Dir() string { return a.cfg.Dir }

// SharedRootPath is the root copy readable by every service
func (a *Authority) SharedRootPath() string {
	return filepath.Join(a.cfg.SharedDir, "root_ca.crt")
}

// ServerConfigPath is the CA server's own configuration document
func (a *Authority) ServerConfigPath() string { return a.path(serverConfigRel) }

// ClientConfigPath is the configuration document CA clients read
func (a *Authority) ClientConfigPath() string { return a.path(clientConfigRel) }

// PasswordPath is the passphrase file handed to the CA process
func (a *Authority) PasswordPath() string { return a.path(passwordRel) }

func (a *Authority) path(rel string) string {
	return filepath.Join(a.cfg.Dir, rel)
}

func (a *Authority) readMarker() (*marker, error) {
	data, err := os.ReadFile(a.path(markerFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotBootstrapped
		}
		return nil, fmt.Errorf("failed to read CA marker: %w", err)
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode CA marker: %w", err)
	}
	if m.Fingerprint == "" {
		return nil, ErrNotBootstrapped
	}
	return &m, nil
}

func (a *Authority) loadLocked(m *marker) (*RootMaterial, error) {
	rootPEM, err := os.ReadFile(a.path(rootCertRel))
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	root, err := ParseCertPEM(rootPEM)
	if err != nil {
		return nil, err
	}
	if fp := Fingerprint(root); fp != m.Fingerprint {
		return nil, fmt.Errorf("root certificate fingerprint %s does not match marker %s", fp, m.Fingerprint)
	}

	interPEM, err := os.ReadFile(a.path(intermediateCertRel))
	if err != nil {
		return nil, fmt.Errorf("failed to read intermediate certificate: %w", err)
	}
	inter, err := ParseCertPEM(interPEM)
	if err != nil {
		return nil, err
	}

	a.root = &RootMaterial{
		Root:            root,
		RootPEM:         rootPEM,
		Intermediate:    inter,
		IntermediatePEM: interPEM,
		Fingerprint:     m.Fingerprint,
		CreatedAt:       m.CreatedAt,
	}
	metrics.CABootstrapped.Set(1)
	return a.root, nil
}

// generate creates and persists all CA material. Callers hold a.mu.
func (a *Authority) generate(d *types.Deployment, keys *types.KeyBundle) (*RootMaterial, error) {
	now := a.now()
	hostnames := d.Hostnames()
	name := d.Name
	if name == "" {
		name = "Overwatch"
	}

	// private storage first, so no key is ever written below a wider mode
	for _, dir := range []string{a.cfg.Dir, a.path("secrets")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create CA directory: %w", err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to restrict CA directory: %w", err)
		}
	}

	rootKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	rootSerial, err := newSerial()
	if err != nil {
		return nil, err
	}
	rootTemplate := &x509.Certificate{
		SerialNumber: rootSerial,
		Subject: pkix.Name{
			Organization: []string{name},
			CommonName:   name + " Root CA",
		},
		DNSNames:              hostnames,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	interKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate intermediate key: %w", err)
	}
	interSerial, err := newSerial()
	if err != nil {
		return nil, err
	}
	interTemplate := &x509.Certificate{
		SerialNumber: interSerial,
		Subject: pkix.Name{
			Organization: []string{name},
			CommonName:   name + " Intermediate CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(intermediateCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTemplate, root, &interKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create intermediate certificate: %w", err)
	}
	inter, err := x509.ParseCertificate(interDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse intermediate certificate: %w", err)
	}

	rootKeyPEM, err := EncodeKeyPEM(rootKey)
	if err != nil {
		return nil, err
	}
	interKeyPEM, err := EncodeKeyPEM(interKey)
	if err != nil {
		return nil, err
	}
	password, err := newPassword()
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(root)
	serverConfig, err := buildServerConfig(hostnames, keys)
	if err != nil {
		return nil, err
	}
	clientConfig, err := json.MarshalIndent(ClientConfig{
		CAURL:       a.cfg.URL,
		CAConfig:    filepath.Join(ContainerHome, serverConfigRel),
		Fingerprint: fingerprint,
		Root:        filepath.Join(ContainerHome, rootCertRel),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode client config: %w", err)
	}

	rootPEM := EncodeCertPEM(rootDER)
	interPEM := EncodeCertPEM(interDER)

	files := []struct {
		rel  string
		data []byte
		perm os.FileMode
	}{
		{rootCertRel, rootPEM, 0o644},
		{intermediateCertRel, interPEM, 0o644},
		{rootKeyRel, rootKeyPEM, 0o600},
		{intermediateKeyRel, interKeyPEM, 0o600},
		{passwordRel, password, 0o600},
		{serverConfigRel, serverConfig, 0o644},
		{clientConfigRel, clientConfig, 0o644},
	}
	written := make([]string, 0, len(files)+3)
	for _, f := range files {
		p := a.path(f.rel)
		if err := fsutil.WriteFileAtomic(p, f.data, f.perm); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.rel, err)
		}
		written = append(written, p)
	}
	written = append(written, a.cfg.Dir, a.path("certs"), a.path("secrets"), a.path("config"))
	if err := os.MkdirAll(a.path("db"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create CA database directory: %w", err)
	}
	written = append(written, a.path("db"))
	if err := fsutil.Chown(a.cfg.UID, a.cfg.GID, written...); err != nil {
		return nil, err
	}

	if err := fsutil.WriteFileAtomic(a.SharedRootPath(), rootPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to share root certificate: %w", err)
	}

	markerData, err := json.MarshalIndent(marker{
		Fingerprint: fingerprint,
		Provisioner: keys.ProvisionerName,
		CreatedAt:   now.UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode CA marker: %w", err)
	}
	if err := fsutil.WriteFileAtomic(a.path(markerFile), markerData, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write CA marker: %w", err)
	}

	return &RootMaterial{
		Root:            root,
		RootPEM:         rootPEM,
		Intermediate:    inter,
		IntermediatePEM: interPEM,
		Fingerprint:     fingerprint,
		CreatedAt:       now.UTC(),
	}, nil
}

func newPassword() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate CA password: %w", err)
	}
	return []byte(base64.RawURLEncoding.EncodeToString(raw) + "\n"), nil
}
