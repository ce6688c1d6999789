package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/api"
	"github.com/dokzlo13/deltalux/internal/config"
)

// APIService wraps the HTTP API server.
type APIService struct {
	cfg    *config.Config
	Server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, groups api.Groups) *APIService {
	return &APIService{
		cfg:    cfg,
		Server: api.NewServer(cfg.API.Addr(), groups),
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.API.Enabled {
		log.Debug().Msg("API server disabled")
		return
	}

	go func() {
		if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}

// SetReady flips the readiness probe.
func (s *APIService) SetReady(ready bool) {
	s.Server.SetReady(ready)
}
