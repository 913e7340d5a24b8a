package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/bus/natsbus"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/service/chat"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-sync/internal/transport/http"
)

// App wires together store, hub, services and transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	bus             *natsbus.Bus
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	var (
		reg     *prometheus.Registry
		metrics *core.Metrics
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = core.NewMetrics(reg)
	}

	var opts []core.HubOption
	if cfg.ParticipantScopedUpdates {
		opts = append(opts, core.WithParticipantScopedUpdates())
	}
	hub := core.NewHub(logger, metrics, opts...)

	// Without a bus the hub is its own publisher. With one, every instance
	// (this one included) receives updates through the subscription.
	var (
		publisher core.Publisher = hub
		bus       *natsbus.Bus
	)
	if cfg.NATSURL != "" {
		bus, err = natsbus.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("init bus: %w", err)
		}
		if err := bus.Subscribe(hub); err != nil {
			bus.Close()
			st.Close()
			return nil, fmt.Errorf("subscribe bus: %w", err)
		}
		publisher = bus
		logger.Info().Str("url", cfg.NATSURL).Str("subject", cfg.NATSSubject).Msg("nats fan-out enabled")
	}

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	})
	if !authService.TokensEnabled() {
		logger.Warn().Msg("jwt_secret is empty; hello tokens are ignored and login cannot issue tokens")
	}

	deps := transporthttp.Deps{
		Hub:   hub,
		Chats: chat.New(st, publisher, logger),
		Auth:  authService,
		Users: st,
	}
	if reg != nil {
		deps.Metrics = reg
	}
	server := transporthttp.NewServer(deps, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		bus:             bus,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the bus before the store so no update arrives mid-teardown.
func (a *App) cleanup() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close bus")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
