package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/config"
	"github.com/dokzlo13/deltalux/internal/eventbus"
	luart "github.com/dokzlo13/deltalux/internal/lua"
	"github.com/dokzlo13/deltalux/internal/lua/modules"
)

// LuaService wraps the optional automation script runtime.
type LuaService struct {
	cfg     *config.Config
	Runtime *luart.Runtime
	bus     *eventbus.Bus

	unsubscribe func()
}

// NewLuaService creates a LuaService. Returns nil when no script is configured.
func NewLuaService(cfg *config.Config, groups modules.Groups, bus *eventbus.Bus) *LuaService {
	if cfg.Script == "" {
		return nil
	}
	return &LuaService{
		cfg:     cfg,
		Runtime: luart.NewRuntime(groups),
		bus:     bus,
	}
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *LuaService) LoadScript() error {
	return s.Runtime.LoadScript(s.cfg.Script)
}

// Start subscribes the script's change handlers and begins the Lua worker.
func (s *LuaService) Start(ctx context.Context) {
	s.unsubscribe = s.Runtime.SubscribeChanges(ctx, s.bus)

	// Lua worker goroutine - the ONLY goroutine that touches Lua from here on
	go s.Runtime.Run(ctx)
	log.Info().Str("script", s.cfg.Script).Msg("Lua runtime started")
}

// Close stops handler delivery and closes the Lua runtime.
func (s *LuaService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
