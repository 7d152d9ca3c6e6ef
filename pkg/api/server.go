package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cuemby/overwatch/pkg/cluster"
	"github.com/cuemby/overwatch/pkg/events"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/membership"
	"github.com/cuemby/overwatch/pkg/types"
)

// Config holds the status listener addresses. An empty address disables
// that listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// StatusProvider returns already-computed startup status
type StatusProvider interface {
	Status() cluster.Status
}

// SnapshotReader is the read side of the config store
type SnapshotReader interface {
	ListSnapshots() ([]types.SnapshotInfo, error)
	LoadCurrent() (*types.Snapshot, error)
	Load(ts int64) (*types.Snapshot, error)
}

// EventLister returns recent events, oldest first
type EventLister interface {
	List() []*events.Event
}

// MembershipReader exposes the raft group's view of the cluster
type MembershipReader interface {
	Reports() []membership.NodeReport
	Stats() map[string]interface{}
}

// Option customizes a Server
type Option func(*Server)

// WithSnapshots serves /v1/snapshots from r
func WithSnapshots(r SnapshotReader) Option {
	return func(s *Server) { s.snapshots = r }
}

// WithEvents serves /v1/events from l
func WithEvents(l EventLister) Option {
	return func(s *Server) { s.events = l }
}

// WithMembership serves /v1/membership from m
func WithMembership(m MembershipReader) Option {
	return func(s *Server) { s.membership = m }
}

// WithSyncInterval sets how often gRPC health entries follow the status
func WithSyncInterval(d time.Duration) Option {
	return func(s *Server) { s.syncInterval = d }
}

// Server serves node status over HTTP and the standard gRPC health service.
// Every handler reads the status board; none waits on a startup run.
type Server struct {
	cfg          Config
	status       StatusProvider
	snapshots    SnapshotReader
	events       EventLister
	membership   MembershipReader
	syncInterval time.Duration

	mux    *http.ServeMux
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewServer creates a status server
func NewServer(cfg Config, status StatusProvider, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		status:       status,
		syncInterval: 5 * time.Second,
		mux:          http.NewServeMux(),
		health:       health.NewServer(),
		logger:       log.WithComponent("api"),
		known:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			s.unaryInterceptor(),
			grpc_recovery.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			s.streamInterceptor(),
			grpc_recovery.StreamServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Handler returns the instrumented HTTP handler
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// Start serves both listeners and keeps gRPC health in sync until ctx is
// done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("Status HTTP server listening")
		g.Go(func() error {
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status HTTP server failed: %w", err)
			}
			return nil
		})
	}

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			s.http.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("Status gRPC server listening")
		g.Go(func() error {
			if err := s.grpc.Serve(lis); err != nil {
				return fmt.Errorf("status gRPC server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.syncLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Status HTTP server did not shut down cleanly")
	}
	s.grpc.GracefulStop()
	s.logger.Info().Msg("Status server stopped")
}

func (s *Server) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.SyncHealth()
	for {
		select {
		case <-ticker.C:
			s.SyncHealth()
		case <-ctx.Done():
			return
		}
	}
}
