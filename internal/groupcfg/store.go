package groupcfg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/storage"
)

// Kind is the storage kind for group configs.
const Kind = "group_config"

var (
	// ErrNotFound is returned when no group has the given id.
	ErrNotFound = errors.New("group not found")
	// ErrNameExists is returned when another group already uses the name.
	ErrNameExists = errors.New("group name already exists")
)

// Store persists group configurations.
type Store struct {
	entries *storage.TypedStore[Entry]
	mu      sync.Mutex
	newID   func() string
}

// NewStore creates a config store on top of the generic state store.
func NewStore(base *storage.Store) *Store {
	return &Store{
		entries: storage.NewTypedStore[Entry](base, Kind),
		newID:   uuid.NewString,
	}
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, error) {
	e, found, err := s.entries.Get(id)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns all entries ordered by name.
func (s *Store) List() ([]Entry, error) {
	all, err := s.entries.GetAll()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a == b {
			return out[i].ID < out[j].ID
		}
		return a < b
	})
	return out, nil
}

// FindByName looks an entry up by case-insensitive name.
func (s *Store) FindByName(name string) (Entry, error) {
	entries, err := s.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Create validates and stores a new entry under a fresh id.
func (s *Store) Create(e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkName(e.Name, ""); err != nil {
		return Entry{}, err
	}

	e.ID = s.newID()
	if err := s.entries.Set(e.ID, e); err != nil {
		return Entry{}, fmt.Errorf("failed to store group config: %w", err)
	}

	log.Info().Str("group", e.Name).Str("id", e.ID).Int("lights", len(e.Lights)).Msg("Group created")
	return e, nil
}

// Update replaces an existing entry.
func (s *Store) Update(e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(e.ID); err != nil {
		return Entry{}, err
	}
	if err := s.checkName(e.Name, e.ID); err != nil {
		return Entry{}, err
	}

	if err := s.entries.Set(e.ID, e); err != nil {
		return Entry{}, fmt.Errorf("failed to store group config: %w", err)
	}

	log.Info().Str("group", e.Name).Str("id", e.ID).Msg("Group updated")
	return e, nil
}

// Delete removes an entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := s.entries.Delete(id)
	if err != nil {
		return fmt.Errorf("failed to delete group config: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ImportYAML creates a group from a YAML document.
func (s *Store) ImportYAML(text string) (Entry, error) {
	e, err := ParseYAML(text)
	if err != nil {
		return Entry{}, err
	}
	return s.Create(*e)
}

// ExportYAML renders a stored group as YAML.
func (s *Store) ExportYAML(id string) (string, error) {
	e, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return ToYAML(e)
}

// EditYAML replaces a stored group with the contents of a YAML document.
func (s *Store) EditYAML(id, text string) (Entry, error) {
	e, err := ParseYAML(text)
	if err != nil {
		return Entry{}, err
	}
	e.ID = id
	return s.Update(*e)
}

// SetMembers changes the group's light list. Lights that stay keep their
// settings; new lights take their config from added, or the defaults.
func (s *Store) SetMembers(id string, entityIDs []string, added map[string]group.MemberConfig) (Entry, error) {
	e, err := s.Get(id)
	if err != nil {
		return Entry{}, err
	}

	existing := make(map[string]Light, len(e.Lights))
	for _, l := range e.Lights {
		existing[l.EntityID] = l
	}

	lights := make([]Light, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		if l, ok := existing[entityID]; ok {
			lights = append(lights, l)
			continue
		}
		l := NewLight(entityID)
		if cfg, ok := added[entityID]; ok {
			l.Offset = cfg.Offset
			l.MinBrightness = cfg.MinPercent
			l.MaxBrightness = cfg.MaxPercent
		}
		lights = append(lights, l)
	}

	e.Lights = lights
	return s.Update(e)
}

// AdjustOffsets sets the offset mode and the per-light settings of lights
// present in configs. Lights not in configs are unchanged.
func (s *Store) AdjustOffsets(id string, mode group.OffsetMode, configs map[string]group.MemberConfig) (Entry, error) {
	e, err := s.Get(id)
	if err != nil {
		return Entry{}, err
	}

	if mode != "" {
		e.OffsetType = mode
	}
	for i, l := range e.Lights {
		cfg, ok := configs[l.EntityID]
		if !ok {
			continue
		}
		e.Lights[i].Offset = cfg.Offset
		e.Lights[i].MinBrightness = cfg.MinPercent
		e.Lights[i].MaxBrightness = cfg.MaxPercent
	}
	return s.Update(e)
}

// checkName requires s.mu. selfID is excluded from the comparison.
func (s *Store) checkName(name, selfID string) error {
	all, err := s.entries.GetAll()
	if err != nil {
		return err
	}
	for id, e := range all {
		if id != selfID && strings.EqualFold(e.Name, name) {
			return fmt.Errorf("%w: a group named '%s' already exists", ErrNameExists, name)
		}
	}
	return nil
}
