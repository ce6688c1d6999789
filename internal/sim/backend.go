// Package sim is an in-memory light backend for dry runs and tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/group"
)

// ErrUnknownLight is returned for commands addressed to lights the backend does not have.
var ErrUnknownLight = errors.New("unknown light")

// Light is the simulated state of one light.
type Light struct {
	EntityID            string
	On                  bool
	Brightness          int // 0-255
	ColorMode           group.ColorMode
	Color               group.Color
	SupportedColorModes []string
	SupportedFeatures   int
	Unavailable         bool
}

// Backend implements group.Observer and group.Dispatcher over in-memory lights.
type Backend struct {
	mu       sync.Mutex
	lights   map[string]*Light
	failures map[string]error
	commands []Command
}

// Command is a recorded dispatch.
type Command struct {
	On  bool
	Cmd group.LightCommand
}

// New creates a backend with the given lights. Zero-value capabilities
// default to brightness-only.
func New(lights ...Light) *Backend {
	b := &Backend{
		lights:   make(map[string]*Light),
		failures: make(map[string]error),
	}
	for _, l := range lights {
		b.Add(l)
	}
	return b
}

// Add registers or replaces a light.
func (b *Backend) Add(l Light) {
	if len(l.SupportedColorModes) == 0 {
		l.SupportedColorModes = []string{string(group.ColorModeBrightness)}
	}
	if l.ColorMode == "" {
		l.ColorMode = group.ColorMode(l.SupportedColorModes[0])
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lights[l.EntityID] = &l
}

// EntityIDs returns the known lights in sorted order.
func (b *Backend) EntityIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.lights))
	for id := range b.lights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of a light's state.
func (b *Backend) Get(entityID string) (Light, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lights[entityID]
	if !ok {
		return Light{}, false
	}
	out := *l
	out.Color = l.Color.Clone()
	return out, true
}

// Update changes a light outside of any group command, like a wall switch would.
func (b *Backend) Update(entityID string, fn func(*Light)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lights[entityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLight, entityID)
	}
	fn(l)
	return nil
}

// SetFailure makes commands to entityID fail with err. A nil err clears it.
func (b *Backend) SetFailure(entityID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, entityID)
		return
	}
	b.failures[entityID] = err
}

// Commands returns the dispatched commands in order.
func (b *Backend) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// Observe implements group.Observer.
func (b *Backend) Observe(_ context.Context, entityID string) (*group.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lights[entityID]
	if !ok {
		return nil, nil
	}

	obs := &group.Observation{
		State:               group.MemberOff,
		ColorMode:           string(l.ColorMode),
		Color:               l.Color.Clone(),
		SupportedColorModes: append([]string(nil), l.SupportedColorModes...),
		SupportedFeatures:   l.SupportedFeatures,
	}
	switch {
	case l.Unavailable:
		obs.State = group.MemberUnavailable
	case l.On:
		obs.State = group.MemberOn
		bri := l.Brightness
		obs.Brightness = &bri
	}
	return obs, nil
}

// TurnOn implements group.Dispatcher.
func (b *Backend) TurnOn(ctx context.Context, cmd group.LightCommand) error {
	return b.apply(ctx, true, cmd)
}

// TurnOff implements group.Dispatcher.
func (b *Backend) TurnOff(ctx context.Context, cmd group.LightCommand) error {
	return b.apply(ctx, false, cmd)
}

func (b *Backend) apply(ctx context.Context, on bool, cmd group.LightCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range cmd.EntityIDs {
		if _, ok := b.lights[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLight, id)
		}
		if err := b.failures[id]; err != nil {
			return err
		}
	}

	b.commands = append(b.commands, Command{On: on, Cmd: cmd})
	mode, hasColor := cmd.Color.Mode()

	for _, id := range cmd.EntityIDs {
		l := b.lights[id]
		l.On = on
		if !on {
			continue
		}
		if cmd.Brightness != nil {
			l.Brightness = *cmd.Brightness
		} else if l.Brightness == 0 {
			l.Brightness = 255
		}
		if hasColor {
			l.Color = cmd.Color.Clone()
			l.ColorMode = mode
		}
	}

	log.Debug().
		Strs("entities", cmd.EntityIDs).
		Bool("on", on).
		Msg("Simulated lights updated")
	return nil
}
