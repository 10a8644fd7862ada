package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/flashslides/usersession/internal/auth"
	"github.com/flashslides/usersession/internal/backend"
	"github.com/flashslides/usersession/internal/changefeed"
	"github.com/flashslides/usersession/internal/config"
	"github.com/flashslides/usersession/internal/guard"
	"github.com/flashslides/usersession/internal/identity"
	"github.com/flashslides/usersession/internal/infra"
	"github.com/flashslides/usersession/internal/logging"
	"github.com/flashslides/usersession/internal/profile"
	"github.com/flashslides/usersession/internal/reconcile"
	"github.com/flashslides/usersession/internal/routes"
	"github.com/flashslides/usersession/internal/server"
	"github.com/flashslides/usersession/internal/session"
	"github.com/flashslides/usersession/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("session", pflag.ExitOnError)
	token := flags.String("token", cfg.AccessToken, "access token to sign in with on startup")
	viewPort := flags.String("view-port", cfg.ViewPort, "port of the session view server")
	_ = flags.Parse(os.Args[1:])
	cfg.ViewPort = *viewPort

	logger := logging.New(cfg.LogLevel, "session")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.AppName+"-session", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("setup tracing", "error", err)
		os.Exit(1)
	}

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName+"-session")
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	provider := identity.NewSession(auth.NewTokens(cfg.JWTSecret))
	api := backend.NewClient(cfg.APIURL, cfg.RepairTimeout)
	resolver := reconcile.New(profile.NewPostgresStore(db), api, provider, logger, reconcile.Options{
		MaxRetries:    cfg.RepairMaxRetries,
		Backoff:       cfg.RepairBackoff,
		RepairTimeout: cfg.RepairTimeout,
		LookupTimeout: cfg.LookupTimeout,
	})

	coord, err := session.Start(ctx, session.Deps{
		Identity: provider,
		Resolver: resolver,
		Feed:     changefeed.NewRedisFeed(cache, logger),
		Updater:  api,
		Logger:   logger,
	}, session.Options{LoadingTimeout: cfg.LoadingTimeout, FeedChannel: cfg.FeedChannel})
	if err != nil {
		logger.Error("start session coordinator", "error", err)
		os.Exit(1)
	}

	go logTransitions(coord, logger)

	if *token != "" {
		if err := provider.SignIn(*token); err != nil {
			logger.Warn("startup sign in failed", "error", err)
		}
	}

	srv, err := server.NewView(cfg, routes.ViewDeps{
		DB:          db,
		Cache:       cache,
		Logger:      logger,
		Provider:    provider,
		Coordinator: coord,
		Guard:       guard.New(provider, coord, cfg.ProtectedPrefixes, logger),
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("session view listening", "addr", cfg.ViewAddress())
		srvErrCh <- srv.Listen()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}
	if err := coord.Close(); err != nil {
		logger.Warn("close session coordinator", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", "error", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	logger.Info("session client exited cleanly")
}

func logTransitions(coord *session.Coordinator, logger *slog.Logger) {
	updates, cancel := coord.Watch()
	defer cancel()

	var last session.Phase
	for st := range updates {
		if st.Phase == last {
			continue
		}
		last = st.Phase
		logger.Info("session phase changed",
			slog.String("phase", string(st.Phase)),
			slog.String("identity_id", st.IdentityID()),
			slog.Bool("has_profile", st.Profile != nil),
			slog.Bool("is_loading", st.IsLoading),
		)
	}
}
