package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/overwatch/pkg/config"
	"github.com/cuemby/overwatch/pkg/events"
	"github.com/cuemby/overwatch/pkg/health"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/runtime"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/types"
	"github.com/cuemby/overwatch/pkg/volume"
)

// prefetchParallelism bounds concurrent image pulls
const prefetchParallelism = 3

// StepError attributes a failure to one service and one phase of bringing
// it up
type StepError struct {
	Service types.ServiceKind
	Phase   types.Phase
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("service %s: %s failed: %v", e.Service, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Config holds the daemon settings the orchestrator needs
type Config struct {
	Network string
	// Images overrides catalog images by service name
	Images     map[string]string
	VolumesDir string

	// CAUID and CAGID own the CA's private directory
	CAUID int
	CAGID int

	// OperationTimeout bounds each pull, create and start call
	OperationTimeout time.Duration

	WaitReady     bool
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
}

// ConfigFrom extracts the orchestrator settings from the daemon config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Network:          cfg.Runtime.Network,
		Images:           cfg.Images,
		VolumesDir:       cfg.VolumesDir(),
		CAUID:            cfg.CA.UID,
		CAGID:            cfg.CA.GID,
		OperationTimeout: cfg.Runtime.OperationTimeout,
		WaitReady:        cfg.Readiness.Enabled,
		ReadyInterval:    cfg.Readiness.Interval,
		ReadyTimeout:     cfg.Readiness.Timeout,
	}
}

// BootstrapFunc performs a service's one-time initialization between
// container create and start
type BootstrapFunc func(ctx context.Context, kind types.ServiceKind, scope *Scope) error

// Handle describes a started service
type Handle struct {
	Kind        types.ServiceKind
	ContainerID string
	Name        string
	Image       string
	Certificate *types.CertificateBundle
	// Issued is true when a new certificate was signed for this start
	Issued   bool
	Duration time.Duration
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithCatalog replaces the built-in service definitions
func WithCatalog(c Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithEvents publishes certificate events to p
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithBootstrapHook calls fn right before each bootstrap routine runs
func WithBootstrapHook(fn func(kind types.ServiceKind, b types.BootstrapKind)) Option {
	return func(o *Orchestrator) { o.bootstrapHook = fn }
}

// WithBootstrap replaces the routine run for bootstrap kind b
func WithBootstrap(b types.BootstrapKind, fn BootstrapFunc) Option {
	return func(o *Orchestrator) { o.bootstraps[b] = fn }
}

// Orchestrator brings individual services up. It is the only component
// that calls the runtime's create and start operations.
type Orchestrator struct {
	cfg       Config
	runtime   runtime.Runtime
	authority *security.Authority
	issuer    *security.Issuer
	volumes   volume.Driver
	catalog   Catalog
	events    events.Publisher
	logger    zerolog.Logger

	bootstraps    map[types.BootstrapKind]BootstrapFunc
	bootstrapHook func(types.ServiceKind, types.BootstrapKind)
}

// New creates an orchestrator
func New(cfg Config, rt runtime.Runtime, authority *security.Authority, issuer *security.Issuer, volumes volume.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		runtime:   rt,
		authority: authority,
		issuer:    issuer,
		volumes:   volumes,
		catalog:   DefaultCatalog(),
		events:    events.Discard,
		logger:    log.WithComponent("orchestrator"),
	}
	o.bootstraps = map[types.BootstrapKind]BootstrapFunc{
		types.BootstrapCA:      o.bootstrapCA,
		types.BootstrapConsole: o.bootstrapConsole,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureService resolves kind, issues its certificate when it needs one,
// makes sure its image is present, creates the container, runs its
// bootstrap routine and starts it. When readiness waits are enabled it
// also waits for the service to serve. Every failure is a *StepError.
func (o *Orchestrator) EnsureService(ctx context.Context, kind types.ServiceKind, scope *Scope) (*Handle, error) {
	start := time.Now()
	logger := o.logger.With().Str("service", kind.String()).Logger()

	handle, err := o.ensure(ctx, kind, scope, logger)
	if err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			metrics.ServiceFailures.WithLabelValues(kind.String(), string(stepErr.Phase)).Inc()
		}
		logger.Error().
			Err(err).
			Dur("elapsed", time.Since(start)).
			Msg("Service failed to start")
		return nil, err
	}

	handle.Duration = time.Since(start)
	metrics.ServiceStartDuration.WithLabelValues(kind.String()).Observe(handle.Duration.Seconds())
	logger.Info().
		Str("container_id", handle.ContainerID).
		Dur("elapsed", handle.Duration).
		Msg("Service started")
	return handle, nil
}

func (o *Orchestrator) ensure(ctx context.Context, kind types.ServiceKind, scope *Scope, logger zerolog.Logger) (*Handle, error) {
	fail := func(phase types.Phase, err error) (*Handle, error) {
		return nil, &StepError{Service: kind, Phase: phase, Err: err}
	}

	desc, err := o.Resolve(kind, scope)
	if err != nil {
		return fail(types.PhaseResolve, err)
	}
	handle := &Handle{Kind: kind, Name: desc.Spec.Name, Image: desc.Spec.Image}

	if kind.TLS().Needed && scope.HasIdentity() {
		def, _ := o.catalog.Lookup(kind)
		bundle, issued, err := o.issuer.Ensure(ctx, leafRequest(kind, def, scope), scope.Keys)
		if err != nil {
			return fail(types.PhaseIssue, err)
		}
		desc.Certificate = bundle
		handle.Certificate = bundle
		handle.Issued = issued
		if issued {
			o.events.Publish(events.New(events.EventCertificateIssued,
				fmt.Sprintf("certificate issued for %s", kind),
				"service", kind.String(),
				"expires_at", bundle.ExpiresAt.UTC().Format(time.RFC3339)))
		}
	}

	if err := o.ensureImage(ctx, desc.Spec.Image, logger); err != nil {
		return fail(types.PhaseImage, err)
	}

	for i := range desc.Volumes {
		if o.volumes == nil {
			break
		}
		if err := o.volumes.Create(&desc.Volumes[i]); err != nil {
			return fail(types.PhaseCreate, err)
		}
	}

	id, err := o.withTimeout(ctx, func(ctx context.Context) (string, error) {
		return o.runtime.CreateContainer(ctx, &desc.Spec)
	})
	if err != nil {
		return fail(types.PhaseCreate, err)
	}
	handle.ContainerID = id

	if b := kind.Bootstrap(); b != types.BootstrapNone {
		fn, ok := o.bootstraps[b]
		if !ok {
			return fail(types.PhaseBootstrap, fmt.Errorf("no bootstrap routine for %s", b))
		}
		if o.bootstrapHook != nil {
			o.bootstrapHook(kind, b)
		}
		if err := fn(ctx, kind, scope); err != nil {
			return fail(types.PhaseBootstrap, err)
		}
	}

	if _, err := o.withTimeout(ctx, func(ctx context.Context) (string, error) {
		return "", o.runtime.StartContainer(ctx, id)
	}); err != nil {
		return fail(types.PhaseStart, err)
	}

	if o.cfg.WaitReady && desc.Readiness != nil {
		checker, err := health.FromReadiness(desc.Readiness)
		if err != nil {
			return fail(types.PhaseReady, err)
		}
		if err := health.Wait(ctx, checker, o.cfg.ReadyInterval, o.cfg.ReadyTimeout, kind.String()); err != nil {
			return fail(types.PhaseReady, err)
		}
	}

	return handle, nil
}

// ensureImage pulls ref unless the runtime already has it
func (o *Orchestrator) ensureImage(ctx context.Context, ref string, logger zerolog.Logger) error {
	images, err := o.runtime.ListImages(ctx)
	if err != nil {
		return err
	}
	if runtime.HasImage(images, ref) {
		return nil
	}

	logger.Debug().Str("image", ref).Msg("Image not present, pulling")
	_, err = o.withTimeout(ctx, func(ctx context.Context) (string, error) {
		return "", o.runtime.PullImage(ctx, ref)
	})
	if err != nil {
		metrics.ImagePulls.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ImagePulls.WithLabelValues("success").Inc()
	return nil
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	if o.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.OperationTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// Prefetch pulls the images of kinds that are not present yet, a few at a
// time. It only warms the cache: the ordered walk still checks each image.
func (o *Orchestrator) Prefetch(ctx context.Context, kinds []types.ServiceKind, scope *Scope) error {
	present, err := o.runtime.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	seen := make(map[string]bool)
	for _, kind := range kinds {
		ref, err := o.Image(kind, scope)
		if err != nil {
			return err
		}
		if seen[ref] || runtime.HasImage(present, ref) {
			continue
		}
		seen[ref] = true
		g.Go(func() error {
			_, err := o.withTimeout(ctx, func(ctx context.Context) (string, error) {
				return "", o.runtime.PullImage(ctx, ref)
			})
			if err != nil {
				metrics.ImagePulls.WithLabelValues("failure").Inc()
				return fmt.Errorf("failed to prefetch %s: %w", ref, err)
			}
			metrics.ImagePulls.WithLabelValues("success").Inc()
			return nil
		})
	}
	return g.Wait()
}

// Catalog returns the service definitions in use
func (o *Orchestrator) Catalog() Catalog {
	return o.catalog
}

// Issuer returns the leaf issuer
func (o *Orchestrator) Issuer() *security.Issuer {
	return o.issuer
}

// LeafRequest returns the certificate request kind would use in scope
func (o *Orchestrator) LeafRequest(kind types.ServiceKind, scope *Scope) (security.LeafRequest, error) {
	def, err := o.catalog.Lookup(kind)
	if err != nil {
		return security.LeafRequest{}, err
	}
	return leafRequest(kind, def, scope), nil
}
