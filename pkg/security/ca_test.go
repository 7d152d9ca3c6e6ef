package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/overwatch/pkg/types"
)

func testDeployment() *types.Deployment {
	return &types.Deployment{
		Version: "1.0",
		Name:    "Acme",
		Nodes:   []types.Node{{Name: "node1.example.com"}},
	}
}

func testKeys(t *testing.T) *types.KeyBundle {
	t.Helper()
	key, err := GenerateProvisionerKey()
	require.NoError(t, err)
	return &types.KeyBundle{ProvisionerName: "overwatch", ProvisionerKey: key}
}

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	return NewAuthority(AuthorityConfig{
		Dir:       filepath.Join(dir, "ca"),
		SharedDir: filepath.Join(dir, "shared"),
		URL:       "https://localhost:9000",
		UID:       -1,
		GID:       -1,
	})
}

func TestBootstrapCreatesMaterial(t *testing.T) {
	a := newTestAuthority(t)
	assert.False(t, a.IsBootstrapped())

	root, err := a.Bootstrap(testDeployment(), testKeys(t))
	require.NoError(t, err)

	assert.True(t, a.IsBootstrapped())
	assert.True(t, root.Root.IsCA)
	assert.Equal(t, "Acme Root CA", root.Root.Subject.CommonName)
	assert.Equal(t, []string{"node1.example.com"}, root.Root.DNSNames)
	assert.Equal(t, Fingerprint(root.Root), root.Fingerprint)
	assert.Len(t, root.Fingerprint, 64)

	assert.True(t, root.Intermediate.IsCA)
	assert.True(t, root.Intermediate.MaxPathLenZero)
	assert.Empty(t, root.Intermediate.PermittedDNSDomains)
	require.NoError(t, ValidateCertChain(root.Intermediate, nil, root.Root, time.Now()))

	for _, rel := range []string{rootCertRel, intermediateCertRel, rootKeyRel, intermediateKeyRel, passwordRel, serverConfigRel, clientConfigRel, markerFile} {
		assert.FileExists(t, a.path(rel))
	}
	info, err := os.Stat(a.path(rootKeyRel))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	shared, err := os.ReadFile(a.SharedRootPath())
	require.NoError(t, err)
	assert.Equal(t, root.RootPEM, shared)

	cc, err := LoadClientConfig(a.ClientConfigPath())
	require.NoError(t, err)
	assert.Equal(t, root.Fingerprint, cc.Fingerprint)
	assert.Equal(t, "https://localhost:9000", cc.CAURL)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	a := newTestAuthority(t)
	d, keys := testDeployment(), testKeys(t)

	first, err := a.Bootstrap(d, keys)
	require.NoError(t, err)

	keyFiles := []string{a.path(rootKeyRel), a.path(intermediateKeyRel), a.path(rootCertRel)}
	before := make(map[string]os.FileInfo)
	contents := make(map[string][]byte)
	for _, p := range keyFiles {
		info, err := os.Stat(p)
		require.NoError(t, err)
		before[p] = info
		contents[p], err = os.ReadFile(p)
		require.NoError(t, err)
	}

	// a fresh process sees only the marker on disk
	restarted := NewAuthority(a.cfg)
	second, err := restarted.Bootstrap(d, keys)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	third, err := restarted.Bootstrap(d, keys)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, third.Fingerprint)

	for _, p := range keyFiles {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, before[p].ModTime(), info.ModTime(), p)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, contents[p], data, p)
	}
}

func TestBootstrapRestrictsPrivateStorage(t *testing.T) {
	a := newTestAuthority(t)
	// an operator created the directory with a default umask
	require.NoError(t, os.MkdirAll(a.cfg.Dir, 0o755))

	_, err := a.Bootstrap(testDeployment(), testKeys(t))
	require.NoError(t, err)

	for _, dir := range []string{a.cfg.Dir, a.path("secrets")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm(), dir)
	}
}

func TestBootstrapWithoutMarkerRegenerates(t *testing.T) {
	a := newTestAuthority(t)
	d, keys := testDeployment(), testKeys(t)

	first, err := a.Bootstrap(d, keys)
	require.NoError(t, err)

	// an interrupted bootstrap never wrote its marker
	require.NoError(t, os.Remove(a.path(markerFile)))
	assert.False(t, a.IsBootstrapped())

	second, err := NewAuthority(a.cfg).Bootstrap(d, keys)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestMarkerWithoutFingerprintIsNotBootstrapped(t *testing.T) {
	a := newTestAuthority(t)
	require.NoError(t, os.MkdirAll(a.Dir(), 0o755))
	require.NoError(t, os.WriteFile(a.path(markerFile), []byte(`{"fingerprint":""}`), 0o644))

	_, err := a.Root()
	assert.ErrorIs(t, err, ErrNotBootstrapped)
}

func TestMarkerFingerprintMismatch(t *testing.T) {
	a := newTestAuthority(t)
	_, err := a.Bootstrap(testDeployment(), testKeys(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(a.path(markerFile), []byte(`{"fingerprint":"deadbeef"}`), 0o644))
	_, err = NewAuthority(a.cfg).Root()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotBootstrapped)
}

func TestRootBeforeBootstrap(t *testing.T) {
	a := newTestAuthority(t)
	_, err := a.Root()
	assert.ErrorIs(t, err, ErrNotBootstrapped)

	st, err := a.Status()
	require.NoError(t, err)
	assert.False(t, st.Bootstrapped)
}

func TestBootstrapRequiresIdentity(t *testing.T) {
	a := newTestAuthority(t)
	_, err := a.Bootstrap(&types.Deployment{}, testKeys(t))
	assert.Error(t, err)
	_, err = a.Bootstrap(testDeployment(), &types.KeyBundle{ProvisionerName: "x"})
	assert.Error(t, err)
	assert.False(t, a.IsBootstrapped())
}

func TestServerConfigCarriesProvisioner(t *testing.T) {
	a := newTestAuthority(t)
	keys := testKeys(t)
	_, err := a.Bootstrap(testDeployment(), keys)
	require.NoError(t, err)

	jwk, err := ProvisionerPublicKey(a.ServerConfigPath(), "overwatch")
	require.NoError(t, err)
	want, err := ProvisionerJWK(keys)
	require.NoError(t, err)
	assert.Equal(t, want.KeyID, jwk.KeyID)
	assert.True(t, jwk.IsPublic())

	_, err = ProvisionerPublicKey(a.ServerConfigPath(), "other")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	a := newTestAuthority(t)
	root, err := a.Bootstrap(testDeployment(), testKeys(t))
	require.NoError(t, err)

	st, err := a.Status()
	require.NoError(t, err)
	assert.True(t, st.Bootstrapped)
	assert.Equal(t, root.Fingerprint, st.Fingerprint)
	assert.Equal(t, "https://localhost:9000", st.URL)
	assert.True(t, st.RootExpiry.After(time.Now().Add(9*365*24*time.Hour)))
}
