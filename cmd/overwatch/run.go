package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/overwatch/pkg/api"
	"github.com/cuemby/overwatch/pkg/cluster"
	"github.com/cuemby/overwatch/pkg/events"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration daemon",
	Long: `Run the orchestration daemon.

The daemon starts the services of the current deployment snapshot (or the
minimal ephemeral set when there is none), serves status over HTTP and gRPC,
and re-runs startup when a new snapshot is deployed, when a certificate
nears expiry, or on SIGHUP.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().Bool("once", false, "Run startup once and exit")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if once {
		_, err := st.run(ctx, cluster.TriggerStartup)
		return err
	}

	st.broker.Start()
	defer st.broker.Stop()
	recent := events.NewRecent(cfg.Status.RecentEvents)
	recent.Follow(st.broker.Subscribe())

	collector := metrics.NewCollector(st.board)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(api.Config{
		HTTPAddr: cfg.Status.HTTPAddr,
		GRPCAddr: cfg.Status.GRPCAddr,
	}, st.board,
		api.WithSnapshots(st.store),
		api.WithEvents(recent),
		api.WithMembership(st),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("runtime", cfg.Runtime.Backend).
		Str("version", Version).
		Msg("Overwatch daemon starting")

	if _, err := st.run(ctx, cluster.TriggerStartup); err != nil && !errors.Is(err, cluster.ErrRunInProgress) {
		logger.Error().Err(err).Msg("Initial startup run failed; waiting for a new deployment or SIGHUP")
	}

	sched, err := cluster.NewScheduler(st.driver, st.issuer, cfg.Schedule.Reload, cfg.Schedule.Renewal)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	sched.Start()
	defer sched.Stop()

	g.Go(func() error {
		sched.WatchSignals(ctx)
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Overwatch daemon stopped")
	return err
}
