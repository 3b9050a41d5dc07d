package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/config"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/database"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/ledger"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/logging"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference authoritative backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("address", defaults.GetString("server.address"), "HTTP listen address")
	cmd.Flags().String("driver", defaults.GetString("server.database_driver"), "Database driver (sqlite, postgres)")
	cmd.Flags().String("dsn", defaults.GetString("server.database_dsn"), "Database DSN or SQLite path")
	bindLocalFlag(cmd, "server.address", "address")
	bindLocalFlag(cmd, "server.database_driver", "driver")
	bindLocalFlag(cmd, "server.database_dsn", "dsn")
	return cmd
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func runServe(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServer(appConfig.ServerDriver, appConfig.ServerDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewBackendHandler(server.BackendDependencies{
		Ledger: ledgerService,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveHTTP(signalCtx, appConfig.ServerAddress, handler, logger)
}

func serveHTTP(ctx context.Context, address string, handler http.Handler, logger *zap.Logger) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
