// Package group implements offset light groups: a virtual light that fans one
// brightness command out to its member lights and keeps its own state in sync
// with what the members report.
package group

import (
	"context"
	"time"
)

// OffsetMode selects how a member's offset is applied to the master brightness.
type OffsetMode string

const (
	// OffsetAbsolute adds the offset in percentage points to the master percentage.
	OffsetAbsolute OffsetMode = "absolute"
	// OffsetRelative scales the master brightness by (100+offset)%.
	OffsetRelative OffsetMode = "relative"
)

// Valid reports whether m is a known offset mode.
func (m OffsetMode) Valid() bool {
	return m == OffsetAbsolute || m == OffsetRelative
}

// Member config defaults.
const (
	DefaultOffset     = 0
	DefaultMinPercent = 1
	DefaultMaxPercent = 100

	DefaultMasterBrightness = 128
)

// MemberConfig is the per-light brightness adjustment.
type MemberConfig struct {
	Offset     int `json:"offset"`      // -100..100
	MinPercent int `json:"min_percent"` // 1..100
	MaxPercent int `json:"max_percent"` // 1..100
}

// DefaultMemberConfig returns the config used for lights added without explicit settings.
func DefaultMemberConfig() MemberConfig {
	return MemberConfig{
		Offset:     DefaultOffset,
		MinPercent: DefaultMinPercent,
		MaxPercent: DefaultMaxPercent,
	}
}

// Member is one real light in a group.
type Member struct {
	EntityID string
	Config   MemberConfig
}

// Config is everything needed to construct a Controller.
type Config struct {
	ID      string
	Name    string
	Mode    OffsetMode
	Members []Member // iteration order matters for color sync
}

// EntityIDs returns member entity ids in configured order.
func (c Config) EntityIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.EntityID
	}
	return ids
}

// MemberState is the reported power state of a member light.
type MemberState string

const (
	MemberOn          MemberState = "on"
	MemberOff         MemberState = "off"
	MemberUnavailable MemberState = "unavailable"
	MemberUnknown     MemberState = "unknown"
)

// Observation is a snapshot of one member light as reported by the backend.
type Observation struct {
	State               MemberState
	Brightness          *int // 0-255
	ColorMode           string
	Color               Color
	SupportedColorModes []string
	SupportedFeatures   int
}

// LightCommand is a request to the light dispatch service.
type LightCommand struct {
	EntityIDs  []string
	Brightness *int // 0-255
	Color      Color
	Transition *time.Duration
}

// TurnOnCommand carries the optional turn-on arguments.
type TurnOnCommand struct {
	Brightness *int
	Transition *time.Duration
	Color      Color
}

// TurnOffCommand carries the optional turn-off arguments.
type TurnOffCommand struct {
	Transition *time.Duration
}

// Persisted is the state restored at startup.
type Persisted struct {
	IsOn             bool `json:"is_on"`
	MasterBrightness *int `json:"master_brightness,omitempty"`
	Brightness       *int `json:"brightness,omitempty"`
}

// Observer returns the current observation of a member, or nil if the member is unknown.
type Observer interface {
	Observe(ctx context.Context, entityID string) (*Observation, error)
}

// Dispatcher sends commands to real lights. Calls return once the command is applied.
type Dispatcher interface {
	TurnOn(ctx context.Context, cmd LightCommand) error
	TurnOff(ctx context.Context, cmd LightCommand) error
}

// Subscriber delivers member state-change notifications.
//
// Settle is called after a command has been dispatched but before the group
// stops ignoring notifications. Implementations treat the members' current
// state as already seen, so the group's own writes are never reported.
type Subscriber interface {
	Subscribe(entityIDs []string, handler func(entityID string)) (unsubscribe func())
	Settle(ctx context.Context, entityIDs []string)
}

// Restorer supplies previously persisted group state.
type Restorer interface {
	Restore(ctx context.Context, groupID string) (*Persisted, error)
}

// Publisher receives the group state after every change.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot)
}
