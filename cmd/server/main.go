// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentrusty/identitycore/internal/audit"
	"github.com/opentrusty/identitycore/internal/config"
	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/opentrusty/identitycore/internal/observability/logger"
	"github.com/opentrusty/identitycore/internal/observability/metrics"
	"github.com/opentrusty/identitycore/internal/observability/tracing"
	"github.com/opentrusty/identitycore/internal/store/memory"
	"github.com/opentrusty/identitycore/internal/store/postgres"
	transportHTTP "github.com/opentrusty/identitycore/internal/transport/http"
)

const usage = "usage: server [serve|migrate|bootstrap]"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTELEnabled: cfg.Observability.OTELEnabled,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		err = runServe(ctx, cfg)
	case "migrate":
		err = runMigrate(ctx, cfg)
	case "bootstrap":
		err = runBootstrap(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error(command+" failed", logger.Error(err))
		os.Exit(1)
	}
}

// app holds the wired services shared by all commands
type app struct {
	identityService  *identity.Service
	bootstrapService *identity.BootstrapService
	tracer           *tracing.Tracer
	closeStore       func()
}

func (a *app) Close(ctx context.Context) {
	if err := a.tracer.Shutdown(ctx); err != nil {
		slog.Warn("failed to shut down tracer", logger.Error(err))
	}
	a.closeStore()
}

func openDB(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	return postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.SamplingRate,
		Endpoint:       cfg.Observability.OTELEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter: %w", err)
	}

	var (
		userRepo   identity.UserRepository
		closeStore = func() {}
	)
	if cfg.Database.Enabled() {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to database")
		userRepo = postgres.NewUserRepository(db)
		closeStore = db.Close
	} else {
		slog.Warn("DB_HOST not set; users are kept in memory and lost on exit")
		userRepo = memory.NewUserRepository()
	}

	hasher, err := credential.NewHasher(cfg.Security.HasherParams())
	if err != nil {
		closeStore()
		return nil, err
	}

	auditLogger := audit.NewSlogLogger()
	identityService, err := identity.NewService(
		userRepo,
		hasher,
		auditLogger,
		tracer,
		meter,
		cfg.Security.Lockout(),
		cfg.Security.HashConcurrency,
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{
		identityService:  identityService,
		bootstrapService: identity.NewBootstrapService(identityService, auditLogger),
		tracer:           tracer,
		closeStore:       closeStore,
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if cfg.Admin.Configured() {
		if err := a.bootstrapService.Bootstrap(ctx, cfg.Admin.Credentials()); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.TrustProxy)
	defer rateLimiter.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      transportHTTP.NewRouter(transportHTTP.NewHandler(a.identityService), rateLimiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func runBootstrap(ctx context.Context, cfg *config.Config) error {
	if !cfg.Admin.Configured() {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required")
	}
	if !cfg.Database.Enabled() {
		return errors.New("DB_HOST is required; a bootstrapped in-memory admin would not persist")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return a.bootstrapService.Bootstrap(ctx, cfg.Admin.Credentials())
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		return errors.New("DB_HOST is required")
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("applying schema")
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("migration successful")
	return nil
}
