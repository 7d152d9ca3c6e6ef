package orchestrator_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/overwatch/pkg/orchestrator"
	"github.com/cuemby/overwatch/pkg/runtime"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/security/catest"
	"github.com/cuemby/overwatch/pkg/types"
	"github.com/cuemby/overwatch/pkg/volume"
)

const testNetwork = "overwatch"

var errBoom = errors.New("boom")

type fixture struct {
	dir       string
	rt        *runtime.FakeRuntime
	authority *security.Authority
	issuer    *security.Issuer
	ca        *catest.Server
	keys      *types.KeyBundle
	cfg       orchestrator.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	provisionerKey, err := security.GenerateProvisionerKey()
	require.NoError(t, err)

	f := &fixture{
		dir:  dir,
		rt:   runtime.NewFakeRuntime(),
		keys: &types.KeyBundle{ProvisionerName: "overwatch", ProvisionerKey: provisionerKey},
		cfg: orchestrator.Config{
			Network:    testNetwork,
			VolumesDir: filepath.Join(dir, "volumes"),
			CAUID:      -1,
			CAGID:      -1,
		},
	}
	f.authority = security.NewAuthority(security.AuthorityConfig{
		Dir:       filepath.Join(dir, "ca"),
		SharedDir: filepath.Join(dir, "shared"),
		UID:       -1,
		GID:       -1,
	})
	f.ca = catest.New(t, f.authority, "overwatch")
	f.issuer = security.NewIssuer(security.IssuerConfig{
		CertsDir:      filepath.Join(dir, "certs"),
		CAURL:         f.ca.URL,
		LeafLifetime:  90 * 24 * time.Hour,
		RetryInterval: 20 * time.Millisecond,
		RetryTimeout:  2 * time.Second,
	}, f.authority)

	require.NoError(t, f.rt.EnsureNetwork(context.Background(), testNetwork))
	f.rt.Reset()
	return f
}

func (f *fixture) orchestrator(t *testing.T, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	volumes, err := volume.NewLocalDriver(f.cfg.VolumesDir)
	require.NoError(t, err)
	return orchestrator.New(f.cfg, f.rt, f.authority, f.issuer, volumes, opts...)
}

func (f *fixture) deployment() *types.Deployment {
	return &types.Deployment{
		Version: "1.0",
		Name:    "Acme",
		Nodes:   []types.Node{{Name: "Node1.Example.com"}},
	}
}

func (f *fixture) standalone() *orchestrator.Scope {
	return &orchestrator.Scope{
		Mode:        types.ModeStandalone,
		Deployment:  f.deployment(),
		Keys:        f.keys,
		NodeOrdinal: 1,
		NodeName:    "node1.example.com",
	}
}

func (f *fixture) bootstrap(t *testing.T) *security.RootMaterial {
	t.Helper()
	root, err := f.authority.Bootstrap(f.deployment(), f.keys)
	require.NoError(t, err)
	return root
}

func ephemeral() *orchestrator.Scope {
	return &orchestrator.Scope{Mode: types.ModeEphemeral}
}

func calls(rt *runtime.FakeRuntime) []string {
	var out []string
	for _, c := range rt.Calls() {
		out = append(out, c.String())
	}
	return out
}

func TestResolveEphemeral(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	desc, err := o.Resolve(types.ServiceProxy, ephemeral())
	require.NoError(t, err)

	assert.Equal(t, "overwatch-proxy", desc.Spec.Name)
	assert.Equal(t, testNetwork, desc.Spec.Network)
	assert.Equal(t, "proxy", desc.Spec.Labels[runtime.LabelService])
	assert.NotContains(t, desc.Spec.Labels, orchestrator.LabelRootFingerprint)
	assert.Contains(t, desc.Spec.Command, "--providers.docker.network="+testNetwork)
	assert.Contains(t, desc.Spec.Env, "OVERWATCH_MODE=ephemeral")
	assert.Nil(t, desc.Certificate)

	for _, m := range desc.Spec.Mounts {
		assert.NotEqual(t, "/certs", m.Target, "no certificate mount without a deployment")
	}

	api, err := o.Resolve(types.ServiceAPI, ephemeral())
	require.NoError(t, err)
	assert.Equal(t, "PathPrefix(`/api`)", api.Spec.Labels["traefik.http.routers.api.rule"])
	assert.Equal(t, "web", api.Spec.Labels["traefik.http.routers.api.entrypoints"])
	assert.Equal(t, "8080", api.Spec.Labels["traefik.http.services.api.loadbalancer.server.port"])
	assert.NotContains(t, api.Spec.Labels, "traefik.http.routers.api.tls")
}

func TestResolveProxyRequiresBootstrappedCA(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := o.Resolve(types.ServiceProxy, f.standalone())
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrNotBootstrapped)

	root := f.bootstrap(t)

	desc, err := o.Resolve(types.ServiceProxy, f.standalone())
	require.NoError(t, err)
	assert.Equal(t, root.Fingerprint, desc.Spec.Labels[orchestrator.LabelRootFingerprint])
	assert.Equal(t, "node1.example.com,proxy,localhost", desc.Spec.Labels[orchestrator.LabelTLSHostnames])
	assert.Equal(t, "/certs/tls.crt", desc.Spec.Labels["traefik.tls.stores.default.defaultcertificate.certfile"])
}

func TestResolveEnvironment(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	scope := f.standalone()
	scope.Deployment.Services = map[string]types.ServiceSettings{
		"api": {Env: map[string]string{
			"EXTRA":                "1",
			"OVERWATCH_API_LISTEN": ":9090",
		}},
	}

	desc, err := o.Resolve(types.ServiceAPI, scope)
	require.NoError(t, err)

	env := desc.Spec.Env
	assert.True(t, slices.IsSorted(env))
	assert.Contains(t, env, "EXTRA=1")
	assert.Contains(t, env, "OVERWATCH_API_LISTEN=:9090")
	assert.NotContains(t, env, "OVERWATCH_API_LISTEN=:8080")
	assert.Contains(t, env, "OVERWATCH_CLUSTER_NAME=Acme")
	assert.Contains(t, env, "OVERWATCH_NODES=node1.example.com")
	assert.Contains(t, env, "OVERWATCH_NODE_ORDINAL=1")
	assert.Contains(t, env, "OVERWATCH_MODE=standalone")

	// routes move to the TLS entrypoint once there is an identity
	assert.Equal(t, "web,websecure", desc.Spec.Labels["traefik.http.routers.api.entrypoints"])
	assert.Equal(t, "true", desc.Spec.Labels["traefik.http.routers.api.tls"])
}

func TestImagePrecedence(t *testing.T) {
	f := newFixture(t)
	f.cfg.Images = map[string]string{"ui": "registry.local/ui:1"}
	o := f.orchestrator(t)

	img, err := o.Image(types.ServiceUI, ephemeral())
	require.NoError(t, err)
	assert.Equal(t, "registry.local/ui:1", img)

	scope := f.standalone()
	scope.Deployment.Services = map[string]types.ServiceSettings{"ui": {Image: "registry.local/ui:2"}}
	img, err = o.Image(types.ServiceUI, scope)
	require.NoError(t, err)
	assert.Equal(t, "registry.local/ui:2", img)

	img, err = o.Image(types.ServiceAPI, scope)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.DefaultCatalog()[types.ServiceAPI].Image, img)
}

func TestEnsureServiceOrder(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)
	ctx := context.Background()
	image := orchestrator.DefaultCatalog()[types.ServiceAPI].Image

	handle, err := o.EnsureService(ctx, types.ServiceAPI, ephemeral())
	require.NoError(t, err)
	assert.Equal(t, "overwatch-api", handle.Name)
	assert.NotEmpty(t, handle.ContainerID)
	assert.False(t, handle.Issued)

	assert.Equal(t, []string{
		"list-images",
		"pull:" + image,
		"create:overwatch-api",
		"start:overwatch-api",
	}, calls(f.rt))
	assert.True(t, f.rt.Running("overwatch-api"))
	assert.DirExists(t, filepath.Join(f.cfg.VolumesDir, "api"))

	// the image is present the second time
	f.rt.Reset()
	_, err = o.EnsureService(ctx, types.ServiceAPI, ephemeral())
	require.NoError(t, err)
	assert.Empty(t, f.rt.CallsFor(runtime.OpPullImage))
}

func TestEnsureServicePhases(t *testing.T) {
	image := orchestrator.DefaultCatalog()[types.ServiceUI].Image

	tests := []struct {
		name   string
		op     string
		target string
		phase  types.Phase
	}{
		{name: "list images", op: runtime.OpListImages, phase: types.PhaseImage},
		{name: "pull", op: runtime.OpPullImage, target: image, phase: types.PhaseImage},
		{name: "create", op: runtime.OpCreate, target: "overwatch-ui", phase: types.PhaseCreate},
		{name: "start", op: runtime.OpStart, target: "overwatch-ui", phase: types.PhaseStart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rt.FailOn(tt.op, tt.target, errBoom)
			o := f.orchestrator(t)

			_, err := o.EnsureService(context.Background(), types.ServiceUI, ephemeral())
			require.Error(t, err)

			var stepErr *orchestrator.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, types.ServiceUI, stepErr.Service)
			assert.Equal(t, tt.phase, stepErr.Phase)
			assert.ErrorIs(t, err, errBoom)
			assert.False(t, f.rt.Running("overwatch-ui"))
		})
	}
}

func TestEnsureServiceResolveFailure(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := o.EnsureService(context.Background(), types.ServiceProxy, f.standalone())

	var stepErr *orchestrator.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, types.PhaseResolve, stepErr.Phase)
	assert.ErrorIs(t, err, security.ErrNotBootstrapped)
	assert.Empty(t, f.rt.CallsFor(runtime.OpCreate))
}

func TestEnsureServiceIssuesCertificate(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	o := f.orchestrator(t)
	ctx := context.Background()

	handle, err := o.EnsureService(ctx, types.ServiceProxy, f.standalone())
	require.NoError(t, err)
	assert.True(t, handle.Issued)
	require.NotNil(t, handle.Certificate)
	assert.Equal(t, 1, f.ca.Issued())

	spec, ok := f.rt.Container("overwatch-proxy")
	require.True(t, ok)
	assert.Contains(t, spec.Mounts, types.Mount{
		Source:   f.issuer.BundleDir("proxy"),
		Target:   "/certs",
		ReadOnly: true,
	})

	// a valid bundle is reused
	handle, err = o.EnsureService(ctx, types.ServiceProxy, f.standalone())
	require.NoError(t, err)
	assert.False(t, handle.Issued)
	assert.Equal(t, 1, f.ca.Issued())
}

func TestEnsureServiceIssueFailure(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	f.ca.FailNext(1000)
	f.issuer = security.NewIssuer(security.IssuerConfig{
		CertsDir:      filepath.Join(f.dir, "certs"),
		CAURL:         f.ca.URL,
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  100 * time.Millisecond,
	}, f.authority)
	o := f.orchestrator(t)

	_, err := o.EnsureService(context.Background(), types.ServiceBroker, f.standalone())

	var stepErr *orchestrator.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, types.PhaseIssue, stepErr.Phase)
	assert.Empty(t, f.rt.CallsFor(runtime.OpCreate))
}

func TestEnsureServiceBootstrapBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	o := f.orchestrator(t, orchestrator.WithBootstrapHook(func(kind types.ServiceKind, b types.BootstrapKind) {
		f.rt.Record("bootstrap", b.String())
	}))
	ctx := context.Background()

	_, err := o.EnsureService(ctx, types.ServiceConsole, f.standalone())
	require.NoError(t, err)

	log := calls(f.rt)
	create := slices.Index(log, "create:overwatch-console")
	boot := slices.Index(log, "bootstrap:console")
	start := slices.Index(log, "start:overwatch-console")
	require.NotEqual(t, -1, create)
	assert.Less(t, create, boot)
	assert.Less(t, boot, start)

	data, err := os.ReadFile(o.ConsoleConfigPath())
	require.NoError(t, err)

	var cfg struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			TLS     struct {
				Enabled    bool   `yaml:"enabled"`
				CAFilepath string `yaml:"caFilepath"`
			} `yaml:"tls"`
		} `yaml:"kafka"`
		Server struct {
			BasePath string `yaml:"basePath"`
		} `yaml:"server"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, []string{"node1.example.com:19092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.TLS.Enabled)
	assert.Equal(t, "/certs/ca-chain.crt", cfg.Kafka.TLS.CAFilepath)
	assert.Equal(t, "/console", cfg.Server.BasePath)

	// an existing file is kept as is
	require.NoError(t, os.WriteFile(o.ConsoleConfigPath(), []byte("edited: true\n"), 0o644))
	_, err = o.EnsureService(ctx, types.ServiceConsole, f.standalone())
	require.NoError(t, err)
	data, err = os.ReadFile(o.ConsoleConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "edited: true\n", string(data))
}

func TestEnsureServiceBootstrapFailure(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)
	o := f.orchestrator(t, orchestrator.WithBootstrap(types.BootstrapConsole,
		func(ctx context.Context, kind types.ServiceKind, scope *orchestrator.Scope) error {
			return errBoom
		}))

	_, err := o.EnsureService(context.Background(), types.ServiceConsole, f.standalone())

	var stepErr *orchestrator.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, types.PhaseBootstrap, stepErr.Phase)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"overwatch-console"}, f.rt.CallsFor(runtime.OpCreate))
	assert.Empty(t, f.rt.CallsFor(runtime.OpStart))
}

func TestEnsureServiceCABootstrapNeedsIdentity(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := o.EnsureService(context.Background(), types.ServiceCA, ephemeral())

	var stepErr *orchestrator.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, types.PhaseBootstrap, stepErr.Phase)
	assert.False(t, f.authority.IsBootstrapped())
}

func TestEnsureServiceReadiness(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	closed.Close()

	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "ready", address: ln.Addr().String()},
		{name: "never ready", address: closedAddr, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.WaitReady = true
			f.cfg.ReadyInterval = 10 * time.Millisecond
			f.cfg.ReadyTimeout = 200 * time.Millisecond

			catalog := orchestrator.DefaultCatalog()
			ui := catalog[types.ServiceUI]
			ui.Readiness = &types.ReadinessCheck{Type: "tcp", Address: tt.address, Timeout: 100 * time.Millisecond}
			catalog[types.ServiceUI] = ui

			o := f.orchestrator(t, orchestrator.WithCatalog(catalog))
			_, err := o.EnsureService(context.Background(), types.ServiceUI, ephemeral())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var stepErr *orchestrator.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, types.PhaseReady, stepErr.Phase)
		})
	}
}

func TestPrefetch(t *testing.T) {
	f := newFixture(t)
	catalog := orchestrator.DefaultCatalog()
	f.rt = runtime.NewFakeRuntime(catalog[types.ServiceUI].Image)
	o := f.orchestrator(t)

	kinds := []types.ServiceKind{types.ServiceProxy, types.ServiceAPI, types.ServiceUI, types.ServiceAPI}
	require.NoError(t, o.Prefetch(context.Background(), kinds, ephemeral()))

	pulled := f.rt.CallsFor(runtime.OpPullImage)
	assert.ElementsMatch(t, []string{
		catalog[types.ServiceProxy].Image,
		catalog[types.ServiceAPI].Image,
	}, pulled)
}

func TestPrefetchFailure(t *testing.T) {
	f := newFixture(t)
	image := orchestrator.DefaultCatalog()[types.ServiceAPI].Image
	f.rt.FailOn(runtime.OpPullImage, image, errBoom)
	o := f.orchestrator(t)

	err := o.Prefetch(context.Background(), []types.ServiceKind{types.ServiceAPI}, ephemeral())
	assert.ErrorIs(t, err, errBoom)
}
