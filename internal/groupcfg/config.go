// Package groupcfg holds the stored configuration of offset light groups and
// its YAML import/export form.
package groupcfg

import (
	"fmt"
	"strings"

	"github.com/dokzlo13/deltalux/internal/group"
)

// EntityPrefix is the required prefix of member entity ids.
const EntityPrefix = "light."

// MinLights is the minimum number of lights in a group.
const MinLights = 2

// Light is one member light in a stored group config.
type Light struct {
	EntityID      string `json:"entity_id" yaml:"entity_id"`
	Offset        int    `json:"offset" yaml:"offset"`
	MinBrightness int    `json:"min_brightness" yaml:"min_brightness"` // percent
	MaxBrightness int    `json:"max_brightness" yaml:"max_brightness"` // percent
}

// NewLight returns a light with default offset and bounds.
func NewLight(entityID string) Light {
	return Light{
		EntityID:      entityID,
		Offset:        group.DefaultOffset,
		MinBrightness: group.DefaultMinPercent,
		MaxBrightness: group.DefaultMaxPercent,
	}
}

// MemberConfig converts the light's settings.
func (l Light) MemberConfig() group.MemberConfig {
	return group.MemberConfig{
		Offset:     l.Offset,
		MinPercent: l.MinBrightness,
		MaxPercent: l.MaxBrightness,
	}
}

// Entry is a stored group configuration.
type Entry struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	OffsetType group.OffsetMode `json:"offset_type"`
	Lights     []Light          `json:"lights"`
}

// GroupConfig converts the entry into controller construction input.
func (e Entry) GroupConfig() group.Config {
	members := make([]group.Member, len(e.Lights))
	for i, l := range e.Lights {
		members[i] = group.Member{EntityID: l.EntityID, Config: l.MemberConfig()}
	}
	mode := e.OffsetType
	if mode == "" {
		mode = group.OffsetAbsolute
	}
	return group.Config{
		ID:      e.ID,
		Name:    e.Name,
		Mode:    mode,
		Members: members,
	}
}

// EntityIDs returns the member entity ids in order.
func (e Entry) EntityIDs() []string {
	ids := make([]string, len(e.Lights))
	for i, l := range e.Lights {
		ids[i] = l.EntityID
	}
	return ids
}

// ValidationError is a user-facing configuration error.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Validate checks an entry before it is stored.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return invalid("Missing required field: name")
	}
	if !e.OffsetType.Valid() {
		return invalid("Invalid offset_type: %s (must be 'absolute' or 'relative')", e.OffsetType)
	}
	if len(e.Lights) < MinLights {
		return invalid("At least %d lights are required", MinLights)
	}

	seen := make(map[string]struct{}, len(e.Lights))
	for i, l := range e.Lights {
		if err := l.validate(i); err != nil {
			return err
		}
		if _, dup := seen[l.EntityID]; dup {
			return invalid("Duplicate entity_id: %s", l.EntityID)
		}
		seen[l.EntityID] = struct{}{}
	}
	return nil
}

func (l Light) validate(index int) error {
	if l.EntityID == "" {
		return invalid("Light entry %d missing entity_id", index+1)
	}
	if !strings.HasPrefix(l.EntityID, EntityPrefix) {
		return invalid("Invalid entity_id: %s (must start with '%s')", l.EntityID, EntityPrefix)
	}
	if l.Offset < -100 || l.Offset > 100 {
		return invalid("Light entry %d offset must be between -100 and 100", index+1)
	}
	if l.MinBrightness < 1 || l.MinBrightness > 100 {
		return invalid("Light entry %d min_brightness must be between 1 and 100", index+1)
	}
	if l.MaxBrightness < 1 || l.MaxBrightness > 100 {
		return invalid("Light entry %d max_brightness must be between 1 and 100", index+1)
	}
	if l.MinBrightness > l.MaxBrightness {
		return invalid("Light entry %d min_brightness (%d) is greater than max_brightness (%d)",
			index+1, l.MinBrightness, l.MaxBrightness)
	}
	return nil
}
