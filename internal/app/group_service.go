package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/groupcfg"
	"github.com/dokzlo13/deltalux/internal/ledger"
	"github.com/dokzlo13/deltalux/internal/storage"
)

// StateKind is the storage kind for persisted group runtime state.
const StateKind = "group_state"

// GroupService owns the live group controllers. It rebuilds a controller
// whenever its stored config changes, persists every published snapshot and
// records commands in the ledger.
type GroupService struct {
	configs    *groupcfg.Store
	states     *storage.TypedStore[group.Persisted]
	ledger     *ledger.Ledger
	bus        *eventbus.Bus
	observer   group.Observer
	dispatcher group.Dispatcher
	subscriber group.Subscriber
	timeout    time.Duration

	mu          sync.RWMutex
	controllers map[string]*group.Controller
}

// GroupServiceDeps are the collaborators of a GroupService.
type GroupServiceDeps struct {
	Configs    *groupcfg.Store
	Store      *storage.Store
	Ledger     *ledger.Ledger
	Bus        *eventbus.Bus
	Observer   group.Observer
	Dispatcher group.Dispatcher
	Subscriber group.Subscriber
	Timeout    time.Duration // per-command deadline, 0 for none
}

// NewGroupService creates a GroupService. Call Start to load stored groups.
func NewGroupService(deps GroupServiceDeps) *GroupService {
	return &GroupService{
		configs:     deps.Configs,
		states:      storage.NewTypedStore[group.Persisted](deps.Store, StateKind),
		ledger:      deps.Ledger,
		bus:         deps.Bus,
		observer:    deps.Observer,
		dispatcher:  deps.Dispatcher,
		subscriber:  deps.Subscriber,
		timeout:     deps.Timeout,
		controllers: make(map[string]*group.Controller),
	}
}

// Restore implements group.Restorer.
func (s *GroupService) Restore(_ context.Context, groupID string) (*group.Persisted, error) {
	p, found, err := s.states.Get(groupID)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// Publish implements group.Publisher.
func (s *GroupService) Publish(_ context.Context, snap group.Snapshot) {
	if err := s.states.Set(snap.ID, snap.Persisted()); err != nil {
		log.Error().Err(err).Str("group", snap.Name).Msg("Failed to persist group state")
	}

	data := map[string]any{
		"group_id":          snap.ID,
		"name":              snap.Name,
		"is_on":             snap.IsOn,
		"master_brightness": snap.MasterBrightness,
	}
	if snap.Brightness != nil {
		data["brightness"] = *snap.Brightness
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventGroupStateChanged, Data: data})
}

// Start builds a controller for every stored group.
func (s *GroupService) Start(ctx context.Context) error {
	entries, err := s.configs.List()
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	for _, e := range entries {
		if err := s.attach(ctx, e); err != nil {
			log.Error().Err(err).Str("group", e.Name).Msg("Failed to attach group")
		}
	}
	log.Info().Int("groups", len(entries)).Msg("Groups loaded")
	return nil
}

// ImportFiles creates or replaces groups from YAML files. A file whose group
// name already exists replaces that group's config.
func (s *GroupService) ImportFiles(ctx context.Context, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read group file %s: %w", path, err)
		}
		parsed, err := groupcfg.ParseYAML(string(data))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		existing, err := s.configs.FindByName(parsed.Name)
		switch {
		case err == nil:
			_, err = s.EditYAML(ctx, existing.ID, string(data))
		case errors.Is(err, groupcfg.ErrNotFound):
			_, err = s.Create(ctx, string(data))
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		log.Info().Str("file", path).Str("group", parsed.Name).Msg("Imported group file")
	}
	return nil
}

// Stop releases every controller's member subscription.
func (s *GroupService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.controllers {
		c.Detach()
		delete(s.controllers, id)
	}
}

func (s *GroupService) attach(ctx context.Context, e groupcfg.Entry) error {
	c := group.NewController(e.GroupConfig(), group.Deps{
		Observer:   s.observer,
		Dispatcher: s.dispatcher,
		Subscriber: s.subscriber,
		Restorer:   s,
		Publisher:  s,
	})
	if err := c.Attach(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.controllers[e.ID]
	s.controllers[e.ID] = c
	s.mu.Unlock()

	if old != nil {
		old.Detach()
	}
	return nil
}

func (s *GroupService) detach(id string) {
	s.mu.Lock()
	c := s.controllers[id]
	delete(s.controllers, id)
	s.mu.Unlock()

	if c != nil {
		c.Detach()
	}
}

// Controller returns the live controller for a group id or case-insensitive name.
func (s *GroupService) Controller(idOrName string) (*group.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.controllers[idOrName]; ok {
		return c, nil
	}
	for _, c := range s.controllers {
		if strings.EqualFold(c.Name(), idOrName) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", groupcfg.ErrNotFound, idOrName)
}

// List returns the state of every group ordered by name.
func (s *GroupService) List() []group.Snapshot {
	s.mu.RLock()
	out := make([]group.Snapshot, 0, len(s.controllers))
	for _, c := range s.controllers {
		out = append(out, c.State())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// State returns one group's state.
func (s *GroupService) State(idOrName string) (group.Snapshot, error) {
	c, err := s.Controller(idOrName)
	if err != nil {
		return group.Snapshot{}, err
	}
	return c.State(), nil
}

// TurnOn turns a group on.
func (s *GroupService) TurnOn(ctx context.Context, idOrName string, cmd group.TurnOnCommand) error {
	c, err := s.Controller(idOrName)
	if err != nil {
		return err
	}

	ctx, cancel := s.commandContext(ctx)
	defer cancel()

	if err := c.TurnOn(ctx, cmd); err != nil {
		s.record(ledger.EventGroupCommandFailed, c.ID(), map[string]any{"command": "turn_on", "error": err.Error()})
		log.Error().Err(err).Str("group", c.Name()).Msg("Group turn on failed")
		return err
	}

	payload := map[string]any{"master_brightness": c.MasterBrightness()}
	if cmd.Transition != nil {
		payload["transition"] = cmd.Transition.Seconds()
	}
	if !cmd.Color.IsZero() {
		payload["color"] = cmd.Color
	}
	s.record(ledger.EventGroupTurnedOn, c.ID(), payload)
	log.Info().Str("group", c.Name()).Int("master_brightness", c.MasterBrightness()).Msg("Group turned on")
	return nil
}

// TurnOff turns a group off.
func (s *GroupService) TurnOff(ctx context.Context, idOrName string, cmd group.TurnOffCommand) error {
	c, err := s.Controller(idOrName)
	if err != nil {
		return err
	}

	ctx, cancel := s.commandContext(ctx)
	defer cancel()

	if err := c.TurnOff(ctx, cmd); err != nil {
		s.record(ledger.EventGroupCommandFailed, c.ID(), map[string]any{"command": "turn_off", "error": err.Error()})
		log.Error().Err(err).Str("group", c.Name()).Msg("Group turn off failed")
		return err
	}

	s.record(ledger.EventGroupTurnedOff, c.ID(), nil)
	log.Info().Str("group", c.Name()).Msg("Group turned off")
	return nil
}

// Create imports a group from YAML and starts its controller.
func (s *GroupService) Create(ctx context.Context, text string) (groupcfg.Entry, error) {
	e, err := s.configs.ImportYAML(text)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	return e, s.applied(ctx, e)
}

// ExportYAML renders a group's config as YAML.
func (s *GroupService) ExportYAML(idOrName string) (string, error) {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return "", err
	}
	return s.configs.ExportYAML(id)
}

// EditYAML replaces a group's config from YAML and rebuilds its controller.
func (s *GroupService) EditYAML(ctx context.Context, idOrName, text string) (groupcfg.Entry, error) {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	e, err := s.configs.EditYAML(id, text)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	return e, s.applied(ctx, e)
}

// SetMembers replaces a group's light list, keeping settings of lights that stay.
func (s *GroupService) SetMembers(ctx context.Context, idOrName string, entityIDs []string, added map[string]group.MemberConfig) (groupcfg.Entry, error) {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	e, err := s.configs.SetMembers(id, entityIDs, added)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	return e, s.applied(ctx, e)
}

// AdjustOffsets changes the offset mode and per-light settings.
func (s *GroupService) AdjustOffsets(ctx context.Context, idOrName string, mode group.OffsetMode, configs map[string]group.MemberConfig) (groupcfg.Entry, error) {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	e, err := s.configs.AdjustOffsets(id, mode, configs)
	if err != nil {
		return groupcfg.Entry{}, err
	}
	return e, s.applied(ctx, e)
}

// Delete removes a group, its controller and its persisted state.
func (s *GroupService) Delete(_ context.Context, idOrName string) error {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return err
	}
	if err := s.configs.Delete(id); err != nil {
		return err
	}
	s.detach(id)
	if _, err := s.states.Delete(id); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("Failed to delete persisted group state")
	}
	s.record(ledger.EventGroupDeleted, id, nil)
	log.Info().Str("id", id).Msg("Group deleted")
	return nil
}

// History returns the most recent ledger entries of a group, newest first.
func (s *GroupService) History(idOrName string, limit int) ([]*ledger.Entry, error) {
	id, err := s.resolveID(idOrName)
	if err != nil {
		return nil, err
	}
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.GetByGroup(id, limit)
}

// applied records a config change and rebuilds the group's controller.
func (s *GroupService) applied(ctx context.Context, e groupcfg.Entry) error {
	s.record(ledger.EventGroupConfigChanged, e.ID, map[string]any{
		"name":        e.Name,
		"offset_type": string(e.OffsetType),
		"lights":      e.EntityIDs(),
	})
	if err := s.attach(ctx, e); err != nil {
		return fmt.Errorf("failed to attach group %s: %w", e.Name, err)
	}
	return nil
}

// resolveID accepts a stored id or a group name.
func (s *GroupService) resolveID(idOrName string) (string, error) {
	if _, err := s.configs.Get(idOrName); err == nil {
		return idOrName, nil
	} else if !errors.Is(err, groupcfg.ErrNotFound) {
		return "", err
	}
	e, err := s.configs.FindByName(idOrName)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *GroupService) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *GroupService) record(eventType ledger.EventType, groupID string, payload map[string]any) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Append(eventType, groupID, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to append ledger entry")
	}
}
