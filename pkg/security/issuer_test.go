package security_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/overwatch/pkg/retry"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/security/catest"
	"github.com/cuemby/overwatch/pkg/types"
)

type fixture struct {
	authority *security.Authority
	keys      *types.KeyBundle
	ca        *catest.Server
	caConfig  security.AuthorityConfig
	certsDir  string
	clock     atomic.Pointer[time.Time]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	provisionerKey, err := security.GenerateProvisionerKey()
	require.NoError(t, err)

	f := &fixture{
		keys:     &types.KeyBundle{ProvisionerName: "overwatch", ProvisionerKey: provisionerKey},
		certsDir: filepath.Join(dir, "certs"),
	}
	f.caConfig = security.AuthorityConfig{
		Dir:       filepath.Join(dir, "ca"),
		SharedDir: filepath.Join(dir, "shared"),
		UID:       -1,
		GID:       -1,
	}
	f.authority = security.NewAuthority(f.caConfig)
	f.ca = catest.New(t, f.authority, "overwatch")
	now := time.Now()
	f.clock.Store(&now)
	return f
}

func (f *fixture) bootstrap(t *testing.T) {
	t.Helper()
	_, err := f.authority.Bootstrap(&types.Deployment{
		Version: "1.0",
		Name:    "Acme",
		Nodes:   []types.Node{{Name: "node1.example.com"}},
	}, f.keys)
	require.NoError(t, err)
}

func (f *fixture) issuer(url string, timeout time.Duration) *security.Issuer {
	return security.NewIssuer(security.IssuerConfig{
		CertsDir:         f.certsDir,
		CAURL:            url,
		RenewalThreshold: types.DefaultRenewalThreshold,
		LeafLifetime:     90 * 24 * time.Hour,
		RetryInterval:    20 * time.Millisecond,
		RetryTimeout:     timeout,
		Clock:            func() time.Time { return *f.clock.Load() },
	}, f.authority)
}

func (f *fixture) setNow(now time.Time) { f.clock.Store(&now) }

func proxyRequest() security.LeafRequest {
	return security.LeafRequest{
		Service:    "proxy",
		CommonName: "node1.example.com",
		SANs:       []string{"proxy", "localhost"},
		FullChain:  true,
		UID:        -1,
		GID:        -1,
	}
}

// setExpiry rewrites the metadata so the bundle expires at expiresAt
func setExpiry(t *testing.T, dir string, expiresAt time.Time) {
	t.Helper()
	path := filepath.Join(dir, security.MetaFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var meta types.CertificateMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	meta.ExpiresAt = expiresAt
	data, err = json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestEnsureIssuesAndWritesBundle(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	bundle, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)
	assert.True(t, issued)
	assert.Equal(t, 1, f.ca.Issued())

	for _, name := range []string{security.CertFileName, security.KeyFileName, security.ChainFileName, security.MetaFileName} {
		assert.FileExists(t, filepath.Join(issuer.BundleDir("proxy"), name))
	}

	// full chain: leaf followed by intermediate
	certs, err := security.ParseCertsPEM([]byte(bundle.Certificate))
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "node1.example.com", certs[0].Subject.CommonName)
	assert.ElementsMatch(t, []string{"node1.example.com", "proxy", "localhost"}, certs[0].DNSNames)

	chain, err := security.ParseCertsPEM([]byte(bundle.Chain))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	root, err := f.authority.Root()
	require.NoError(t, err)
	assert.Equal(t, root.Root.Raw, chain[1].Raw)
	require.NoError(t, security.ValidateCertChain(certs[0], chain[:1], root.Root, time.Now()))

	info, err := os.Stat(bundle.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureRenewalThreshold(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name      string
		remaining time.Duration
		reissue   bool
	}{
		{name: "67 days left keeps bundle", remaining: 67 * day, reissue: false},
		{name: "exactly 66 days left keeps bundle", remaining: 66 * day, reissue: false},
		{name: "65 days left reissues", remaining: 65 * day, reissue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.bootstrap(t)
			issuer := f.issuer(f.ca.URL, 5*time.Second)

			_, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
			require.NoError(t, err)
			require.True(t, issued)

			now := time.Now().Truncate(time.Second)
			f.setNow(now)
			setExpiry(t, issuer.BundleDir("proxy"), now.Add(tt.remaining))
			before := f.ca.Requests()

			bundle, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
			require.NoError(t, err)
			assert.Equal(t, tt.reissue, issued)
			if tt.reissue {
				assert.Equal(t, before+1, f.ca.Requests())
			} else {
				assert.Equal(t, before, f.ca.Requests(), "a valid bundle needs no network call")
				assert.Equal(t, now.Add(tt.remaining).UTC(), bundle.ExpiresAt.UTC())
			}
		})
	}
}

func TestEnsureReissuesWhenNamesChange(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	_, _, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)

	req := proxyRequest()
	req.SANs = append(req.SANs, "127.0.0.1")
	bundle, issued, err := issuer.Ensure(context.Background(), req, f.keys)
	require.NoError(t, err)
	assert.True(t, issued)

	leaf, err := security.ParseCertPEM([]byte(bundle.Certificate))
	require.NoError(t, err)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestEnsureReissuesMismatchedKey(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	_, _, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)

	// a crash left a key from another issuance behind
	other, err := security.GenerateKey()
	require.NoError(t, err)
	otherPEM, err := security.EncodeKeyPEM(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(issuer.BundleDir("proxy"), security.KeyFileName), otherPEM, 0o600))

	_, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)
	assert.True(t, issued)
}

func TestEnsureReissuesAfterRootChange(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	first, _, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)

	// losing the marker regenerates the hierarchy under a new root
	require.NoError(t, os.Remove(filepath.Join(f.caConfig.Dir, "bootstrap.json")))
	f.authority = security.NewAuthority(f.caConfig)
	f.bootstrap(t)
	f.ca = catest.New(t, f.authority, "overwatch")
	issuer = f.issuer(f.ca.URL, 5*time.Second)

	_, err = issuer.Inspect("proxy")
	require.Error(t, err)

	bundle, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)
	assert.True(t, issued)
	assert.NotEqual(t, first.Certificate, bundle.Certificate)

	root, err := f.authority.Root()
	require.NoError(t, err)
	certs, err := security.ParseCertsPEM([]byte(bundle.Certificate))
	require.NoError(t, err)
	require.Len(t, certs, 2)
	require.NoError(t, security.ValidateCertChain(certs[0], certs[1:], root.Root, time.Now()))

	data, err := os.ReadFile(filepath.Join(issuer.BundleDir("proxy"), security.MetaFileName))
	require.NoError(t, err)
	var meta types.CertificateMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, root.Fingerprint, meta.RootFingerprint)

	_, issued, err = issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)
	assert.False(t, issued)
}

func TestEnsureAfterNodeAdded(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	// the CA was bootstrapped for node1 only
	req := proxyRequest()
	req.SANs = append(req.SANs, "node2.example.com")
	bundle, issued, err := issuer.Ensure(context.Background(), req, f.keys)
	require.NoError(t, err)
	assert.True(t, issued)

	root, err := f.authority.Root()
	require.NoError(t, err)
	assert.Empty(t, root.Intermediate.PermittedDNSDomains)
	certs, err := security.ParseCertsPEM([]byte(bundle.Certificate))
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Contains(t, certs[0].DNSNames, "node2.example.com")
	require.NoError(t, security.ValidateCertChain(certs[0], certs[1:], root.Root, time.Now()))
}

func TestEnsureRetriesWhileCAStarts(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	f.ca.FailNext(3)
	issuer := f.issuer(f.ca.URL, 5*time.Second)

	_, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.NoError(t, err)
	assert.True(t, issued)
	assert.Equal(t, 4, f.ca.Requests())
}

func TestEnsureTimesOutWhenCAUnreachable(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer("https://127.0.0.1:1", 200*time.Millisecond)

	start := time.Now()
	_, issued, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.Error(t, err)
	assert.False(t, issued)
	assert.True(t, errors.Is(err, retry.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	_, err = issuer.Inspect("proxy")
	assert.Error(t, err, "nothing may be written on failure")
}

func TestEnsureBeforeBootstrap(t *testing.T) {
	f := newFixture(t)
	issuer := f.issuer(f.ca.URL, time.Second)

	_, _, err := issuer.Ensure(context.Background(), proxyRequest(), f.keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrNotBootstrapped)
	assert.Equal(t, 0, f.ca.Requests())
}

func TestEnsureRejectsForeignProvisionerKey(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	issuer := f.issuer(f.ca.URL, 300*time.Millisecond)

	foreign, err := security.GenerateProvisionerKey()
	require.NoError(t, err)
	_, _, err = issuer.Ensure(context.Background(), proxyRequest(), &types.KeyBundle{
		ProvisionerName: "overwatch",
		ProvisionerKey:  foreign,
	})
	require.Error(t, err)

	var signErr *security.SignError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, 401, signErr.StatusCode)
	assert.Equal(t, 0, f.ca.Issued())
}
