package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/config"
)

// App owns the services of one daemon run.
type App struct {
	cfg      *config.Config
	services *Services
}

// New creates an App with all services built but not started.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ClearState drops the persisted on/off and master brightness of every group.
// Group definitions are kept.
func (a *App) ClearState() error {
	return a.services.ClearState()
}

// Run starts all services and blocks until ctx is cancelled or a background
// service fails fatally, then shuts everything down. The fatal error, if any,
// is returned.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	onFatalError := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	if err := a.services.Start(ctx, onFatalError); err != nil {
		cancel()
		a.shutdown()
		return fmt.Errorf("failed to start services: %w", err)
	}
	log.Info().
		Str("backend", a.cfg.Backend).
		Int("groups", len(a.services.Groups.List())).
		Msg("deltalux started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Warn().Msg("Shutdown requested")
	case runErr = <-fatal:
		log.Error().Err(runErr).Msg("Fatal error, initiating shutdown")
	}

	cancel()
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	log.Info().Msg("Shutting down...")
	if err := a.services.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

// SignalContext returns a context that is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
