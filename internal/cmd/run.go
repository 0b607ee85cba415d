package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/api"
	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/authz"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/directory"
	"github.com/tetherhq/tether/internal/hub"
	"github.com/tetherhq/tether/internal/presence"
	"github.com/tetherhq/tether/internal/relay"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/internal/streams"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the server (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "tether.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.New(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	// Connections from a previous process are gone; their devices are not.
	if err := s.MarkAllDevicesOffline(ctx, time.Now()); err != nil {
		logger.Error("failed to reset device presence", "error", err)
		os.Exit(1)
	}

	provider, err := auth.NewProvider(cfg.Auth, s)
	if err != nil {
		logger.Error("failed to create auth provider", "error", err)
		os.Exit(1)
	}
	if err := provider.Bootstrap(ctx); err != nil {
		logger.Error("failed to bootstrap auth", "error", err)
		os.Exit(1)
	}
	loginProvider, _ := provider.(auth.LoginProvider)
	agentAuth, ok := provider.(auth.AgentAuthProvider)
	if !ok {
		// Agent tokens are always validated by the builtin service, even
		// when viewer auth is delegated to OIDC.
		agentAuth = auth.NewService(s, cfg.Auth)
	}

	dir := directory.New(s, logger)
	counter := presence.NewCounter()

	h := hub.New(s, provider, agentAuth, dir, counter, logger, hub.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	})
	rel := relay.New(authz.NewGate(s, logger), h, h.Groups(),
		cfg.Relay.CallTimeout.Duration, logger)
	h.SetRelay(rel)

	registry := streams.NewRegistry(cfg.Relay.StreamQueue, logger)
	registry.StartJanitor(ctx, time.Minute)

	apiSrv := api.NewServer(s, provider, loginProvider, agentAuth, h, rel,
		registry, dir, counter, cfg, logger)
	apiSrv.StartBackgroundTasks(ctx)

	startAuditPurger(ctx, s, cfg.Storage.AuditRetention.Duration, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("tether server starting",
		"version", version, "addr", cfg.Server.Addr, "config", configPath)

	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
	} else {
		err = httpSrv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startAuditPurger deletes audit events older than the retention window,
// once at startup and then hourly.
func startAuditPurger(ctx context.Context, s store.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	purge := func() {
		n, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("audit purge failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("purged old audit events", "count", n)
		}
	}
	go func() {
		purge()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purge()
			}
		}
	}()
}
