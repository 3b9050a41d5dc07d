package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/config"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/logging"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/netmon"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent: local API, connectivity prober and sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("address", defaults.GetString("agent.address"), "Local API listen address")
	cmd.Flags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval while online")
	cmd.Flags().Duration("probe-interval", defaults.GetDuration("probe.interval"), "Backend health probe interval")
	cmd.Flags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Submission attempts before an operation needs attention")
	bindLocalFlag(cmd, "agent.address", "address")
	bindLocalFlag(cmd, "sync.interval", "sync-interval")
	bindLocalFlag(cmd, "probe.interval", "probe-interval")
	bindLocalFlag(cmd, "sync.max_attempts", "max-attempts")
	return cmd
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	monitor := netmon.NewMonitor(netmon.StatusOffline, logger)
	defer monitor.Close()

	d, err := openDevice(appConfig, logger, deviceOptions{withSync: true, monitor: monitor})
	if err != nil {
		return err
	}
	defer d.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.cache.Load(signalCtx); err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	unsubscribe := d.cache.Subscribe(dispatcher.PublishChange)
	defer unsubscribe()

	handler, err := server.NewAgentHandler(server.AgentDependencies{
		Cache:      d.cache,
		Syncer:     d.engine,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	prober := netmon.NewProber(netmon.ProberConfig{
		Monitor:  monitor,
		Pinger:   d.client,
		Interval: appConfig.ProbeInterval,
		Timeout:  appConfig.BackendTimeout,
		Logger:   logger,
	})

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		prober.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return d.engine.Run(groupCtx)
	})
	group.Go(func() error {
		return serveHTTP(groupCtx, appConfig.AgentAddress, handler, logger)
	})

	logger.Info("agent started",
		zap.String("database", appConfig.DatabasePath),
		zap.String("backend", appConfig.BackendURL),
		zap.Strings("lots", appConfig.Lots))
	return group.Wait()
}
