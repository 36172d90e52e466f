// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/basicauth"
	"github.com/holomush/authd/internal/auth/memory"
	"github.com/holomush/authd/internal/auth/postgres"
	"github.com/holomush/authd/internal/auth/redisstore"
	"github.com/holomush/authd/internal/auth/sqlite"
	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/httpapi"
	"github.com/holomush/authd/internal/logging"
	"github.com/holomush/authd/internal/observability"
	"github.com/holomush/authd/internal/store"
	"github.com/holomush/authd/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API",
		Long: `Start the HTTP API serving registration, sessions, password resets
and the Basic-Auth protected /api/v1 routes, plus the metrics and health
endpoints when metrics-addr is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the servers until ctx is cancelled or one of them
// fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	logger := logging.SetDefault(logging.Options{
		Service: "authd",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})
	logger.Info("starting authd",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.Metrics.Addr,
		"store", cfg.Store.Driver,
	)

	if cfg.Store.Driver == config.DriverPostgres && cfg.Store.AutoMigrate {
		if err := autoMigrate(cfg.Store.PostgresDSN, deps.MigratorFactory); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	accounts, err := deps.StoreFactory(ctx, cfg.Store)
	if err != nil {
		return oops.With("operation", "open account store").With("driver", cfg.Store.Driver).Wrap(err)
	}
	defer func() {
		if closeErr := accounts.Close(); closeErr != nil {
			errutil.LogError(logger, "error closing account store", closeErr)
		}
	}()

	var obsServer *observability.Server
	serviceOpts := []auth.Option{auth.WithLogger(logger)}
	httpOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, accounts.Ping)
		obsServer.SetLogger(logger)
		serviceOpts = append(serviceOpts, auth.WithRecorder(obsServer.Metrics()))
		httpOpts = append(httpOpts, httpapi.WithRequestObserver(obsServer.Metrics()))
	}

	hasher := auth.NewArgon2idHasher()
	svc, err := auth.NewService(accounts, hasher, auth.NewUUIDTokenGenerator(), serviceOpts...)
	if err != nil {
		return err
	}
	basic, err := basicauth.NewAuthenticator(accounts, hasher, basicauth.WithLogger(logger))
	if err != nil {
		return err
	}
	api, err := httpapi.New(svc, basic, httpConfig(cfg.HTTP), httpOpts...)
	if err != nil {
		return err
	}

	var obsErrCh <-chan error
	metricsAddr := ""
	if obsServer != nil {
		obsErrCh, err = obsServer.Start()
		if err != nil {
			return err
		}
		metricsAddr = obsServer.Addr()
	}

	apiErrCh, err := api.Start()
	if err != nil {
		stopObservability(logger, obsServer, cfg.HTTP.ShutdownTimeout)
		return err
	}

	cmd.Println("authd started")
	deps.OnReady(api.Addr(), metricsAddr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
	case err, ok := <-apiErrCh:
		if ok {
			serveErr = err
		}
	case err, ok := <-obsErrCh:
		if ok {
			serveErr = oops.With("server", "observability").Wrap(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		errutil.LogError(logger, "error stopping http server", err)
	}
	stopObservability(logger, obsServer, cfg.HTTP.ShutdownTimeout)

	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}

func autoMigrate(databaseURL string, factory func(string) (AutoMigrator, error)) error {
	migrator, err := factory(databaseURL)
	if err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		_ = migrator.Close() //nolint:errcheck // migration result takes precedence
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	return nil
}

// openStore connects the account store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.Store) (AccountStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := store.Open(ctx, cfg.PostgresDSN, store.PoolConfig{
			MaxConns:       cfg.MaxConns,
			ConnectTries:   cfg.ConnectRetries,
			ConnectBackoff: cfg.ConnectBackoff,
		})
		if err != nil {
			return nil, err
		}
		return postgres.NewAccountStore(pool, postgres.WithOpTimeout(cfg.OpTimeout)), nil
	case config.DriverRedis:
		client, err := redisstore.Connect(ctx, redisstore.ConnectConfig{
			URL:           cfg.RedisURL,
			RetryAttempts: cfg.ConnectRetries,
			RetryInterval: cfg.ConnectBackoff,
		})
		if err != nil {
			return nil, err
		}
		return redisstore.New(client,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithOpTimeout(cfg.OpTimeout),
		), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithOpTimeout(cfg.OpTimeout))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, oops.Code("CONFIG_INVALID").With("driver", cfg.Driver).Errorf("unknown store driver")
	}
}

func httpConfig(c config.HTTP) httpapi.Config {
	return httpapi.Config{
		Addr:            c.Addr,
		SessionCookie:   c.SessionCookie,
		SecureCookie:    c.SecureCookie,
		CORSOrigins:     c.CORSOrigins,
		ExcludedPaths:   c.ExcludedPaths,
		BodyLimit:       c.BodyLimit,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

func stopObservability(logger *slog.Logger, s *observability.Server, timeout time.Duration) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		errutil.LogError(logger, "error stopping observability server", err)
	}
}
