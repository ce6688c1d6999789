package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/config"
	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/hue"
	"github.com/dokzlo13/deltalux/internal/sim"
	"github.com/dokzlo13/deltalux/internal/watch"
)

// LightService wraps the light backend, the event bus and the source of
// member state changes: the bridge event stream for hue, a poller for sim.
type LightService struct {
	cfg *config.Config

	Observer   group.Observer
	Dispatcher group.Dispatcher
	Subscriber group.Subscriber
	Bus        *eventbus.Bus

	hue    *hue.Backend // nil for the sim backend
	clip   *hue.Clip
	stream *hue.EventStream
	poller *watch.Poller // nil for the hue backend
}

// NewLightService creates the configured backend without connecting it.
func NewLightService(cfg *config.Config) (*LightService, error) {
	s := &LightService{cfg: cfg}
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	switch cfg.Backend {
	case config.BackendHue:
		s.clip = hue.NewClip(cfg.Hue.Bridge, cfg.Hue.Token, nil)
		s.hue = hue.NewBackend(hue.NewBridge(cfg.Hue.Bridge, cfg.Hue.Token), s.clip, cfg.Hue.RateLimitRPS)
		s.stream = hue.NewEventStream(s.clip, s.hue, s.Bus, hue.EventStreamConfig{
			MinBackoff:    cfg.Hue.MinRetryBackoff.Duration(),
			MaxBackoff:    cfg.Hue.MaxRetryBackoff.Duration(),
			Multiplier:    cfg.Hue.RetryMultiplier,
			MaxReconnects: cfg.Hue.MaxReconnects,
			EchoWindow:    cfg.Hue.EchoWindow.Duration(),
		})
		s.Observer, s.Dispatcher, s.Subscriber = s.hue, s.hue, s.stream
	case config.BackendSim:
		backend := sim.New(simLights(cfg.Sim.Lights)...)
		s.poller = watch.NewPoller(backend, s.Bus, cfg.Watch.Interval.Duration())
		s.Observer, s.Dispatcher, s.Subscriber = backend, backend, s.poller
		log.Warn().Int("lights", len(cfg.Sim.Lights)).Msg("Using simulated lights, no bridge will be contacted")
	default:
		s.Bus.Close(context.Background())
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return s, nil
}

func simLights(lights []config.SimLight) []sim.Light {
	out := make([]sim.Light, 0, len(lights))
	for _, l := range lights {
		out = append(out, sim.Light{
			EntityID:            l.EntityID,
			On:                  l.On,
			Brightness:          l.Brightness,
			SupportedColorModes: l.SupportedColorModes,
			SupportedFeatures:   l.SupportedFeatures,
		})
	}
	return out
}

// Start connects to both Hue bridge APIs. The sim backend needs no connection.
func (s *LightService) Start(ctx context.Context) error {
	if s.hue == nil {
		return nil
	}
	if err := s.hue.Connect(ctx); err != nil {
		return err
	}
	if err := s.clip.Connect(ctx); err != nil {
		return err
	}
	log.Info().Str("bridge", s.cfg.Hue.Bridge).Msg("Connected to Hue bridge")
	return nil
}

// StartBackground starts the source of member state changes. onFatalError is
// called if the event stream gives up reconnecting.
func (s *LightService) StartBackground(ctx context.Context, onFatalError func(error)) {
	if s.stream != nil {
		go func() {
			if err := s.stream.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Event stream error")
				if errors.Is(err, hue.ErrMaxReconnectsExceeded) {
					onFatalError(err)
				}
			}
		}()
		return
	}

	go func() {
		if err := s.poller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("State poller error")
		}
	}()
	s.poller.Trigger()
}

// Close drains and closes the event bus and drops idle bridge connections.
func (s *LightService) Close() {
	if s.clip != nil {
		s.clip.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
}
