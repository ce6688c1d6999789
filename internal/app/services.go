package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/config"
	"github.com/dokzlo13/deltalux/internal/db"
	"github.com/dokzlo13/deltalux/internal/groupcfg"
	"github.com/dokzlo13/deltalux/internal/ledger"
	"github.com/dokzlo13/deltalux/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Ledger  *ledger.Ledger
	Store   *storage.Store
	Configs *groupcfg.Store

	// High-level services
	Lights *LightService
	Groups *GroupService
	Lua    *LuaService // nil without a script
	API    *APIService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Configs = groupcfg.NewStore(s.Store)

	s.Lights, err = NewLightService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Groups = NewGroupService(GroupServiceDeps{
		Configs:    s.Configs,
		Store:      s.Store,
		Ledger:     s.Ledger,
		Bus:        s.Lights.Bus,
		Observer:   s.Lights.Observer,
		Dispatcher: s.Lights.Dispatcher,
		Subscriber: s.Lights.Subscriber,
		Timeout:    cfg.Hue.Timeout.Duration(),
	})

	s.Lua = NewLuaService(cfg, s.Groups, s.Lights.Bus)
	s.API = NewAPIService(cfg, s.Groups)

	return s, nil
}

// Start starts all services in the correct order. onFatalError is called
// when a background service fails in a way the daemon cannot recover from.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.API.Start(ctx)

	if err := s.Lights.Start(ctx); err != nil {
		return err
	}

	// Member subscriptions must exist before change notifications start
	if err := s.Groups.Start(ctx); err != nil {
		return err
	}
	if err := s.Groups.ImportFiles(ctx, s.cfg.Groups); err != nil {
		return err
	}

	// Load Lua script before starting worker
	if s.Lua != nil {
		if err := s.Lua.LoadScript(); err != nil {
			return err
		}
		s.Lua.Start(ctx)
	}

	s.Lights.StartBackground(ctx, onFatalError)
	go runLedgerCleanup(ctx, s.cfg.Ledger, s.Ledger)

	s.API.SetReady(true)
	log.Info().Int("groups", len(s.Groups.List())).Msg("Services started")
	return nil
}

// ClearState clears persisted group runtime state. Group configs are kept.
func (s *Services) ClearState() error {
	return s.Store.Clear(StateKind)
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	if s.API != nil {
		s.API.SetReady(false)
	}
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.Groups != nil {
		s.Groups.Stop()
	}
	if s.Lights != nil {
		s.Lights.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
