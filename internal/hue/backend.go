// Package hue drives member lights through a Philips Hue bridge.
package hue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/deltalux/internal/group"
)

// ErrUnknownEntity is returned when an entity id matches no bridge light.
var ErrUnknownEntity = errors.New("no bridge light for entity")

// Bridge is the subset of the Hue bridge v1 API the backend uses.
type Bridge interface {
	GetLights(ctx context.Context) ([]huego.Light, error)
	GetLight(ctx context.Context, id int) (*huego.Light, error)
	SetState(ctx context.Context, id int, state huego.State) error
}

// InstantSetter applies a light state with no transition at all.
type InstantSetter interface {
	SetInstant(ctx context.Context, lightID int, state huego.State) error
}

type huegoBridge struct {
	b *huego.Bridge
}

func (h huegoBridge) GetLights(ctx context.Context) ([]huego.Light, error) {
	return h.b.GetLightsContext(ctx)
}

func (h huegoBridge) GetLight(ctx context.Context, id int) (*huego.Light, error) {
	return h.b.GetLightContext(ctx, id)
}

func (h huegoBridge) SetState(ctx context.Context, id int, state huego.State) error {
	_, err := h.b.SetLightStateContext(ctx, id, state)
	return err
}

// NewBridge creates a huego bridge client.
func NewBridge(host, token string) Bridge {
	return huegoBridge{huego.New(host, token)}
}

// Backend implements group.Observer and group.Dispatcher against a Hue bridge.
// Entity ids of the form light.<n> address bridge light n directly; any other
// light.<name> is matched against slugified bridge light names.
type Backend struct {
	bridge  Bridge
	instant InstantSetter // optional
	limiter *rate.Limiter

	mu     sync.RWMutex
	bySlug map[string]int
}

// NewBackend creates a backend. rps limits bridge requests per second.
// Commands with a zero transition go through instant when it is set; without
// it the bridge applies its default transition to them.
func NewBackend(bridge Bridge, instant InstantSetter, rps float64) *Backend {
	if rps <= 0 {
		rps = 10.0
	}
	return &Backend{
		bridge:  bridge,
		instant: instant,
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		bySlug:  make(map[string]int),
	}
}

// Connect verifies the bridge is reachable and loads the light name index.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.refreshIndex(ctx); err != nil {
		return fmt.Errorf("failed to connect to Hue bridge: %w", err)
	}
	b.mu.RLock()
	n := len(b.bySlug)
	b.mu.RUnlock()
	log.Info().Int("lights", n).Msg("Connected to Hue bridge")
	return nil
}

func (b *Backend) refreshIndex(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	lights, err := b.bridge.GetLights(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]int, len(lights))
	for _, l := range lights {
		index[slugify(l.Name)] = l.ID
	}

	b.mu.Lock()
	b.bySlug = index
	b.mu.Unlock()
	return nil
}

// resolve maps an entity id to a bridge light id.
func (b *Backend) resolve(ctx context.Context, entityID string) (int, error) {
	objectID, ok := strings.CutPrefix(entityID, "light.")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	if id, err := strconv.Atoi(objectID); err == nil {
		return id, nil
	}

	b.mu.RLock()
	id, ok := b.bySlug[objectID]
	b.mu.RUnlock()
	if ok {
		return id, nil
	}

	// Lights may have been added or renamed since the last refresh.
	if err := b.refreshIndex(ctx); err != nil {
		return 0, fmt.Errorf("failed to refresh light index: %w", err)
	}
	b.mu.RLock()
	id, ok = b.bySlug[objectID]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	return id, nil
}

// lightID maps an entity id to a bridge light id using only the cached index.
func (b *Backend) lightID(entityID string) (int, bool) {
	objectID, ok := strings.CutPrefix(entityID, "light.")
	if !ok {
		return 0, false
	}
	if id, err := strconv.Atoi(objectID); err == nil {
		return id, true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bySlug[objectID]
	return id, ok
}

// Observe implements group.Observer. Entities with no bridge light return nil.
func (b *Backend) Observe(ctx context.Context, entityID string) (*group.Observation, error) {
	id, err := b.resolve(ctx, entityID)
	if errors.Is(err, ErrUnknownEntity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	l, err := b.bridge.GetLight(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get light %d: %w", id, err)
	}
	return observe(l), nil
}

// TurnOn implements group.Dispatcher.
func (b *Backend) TurnOn(ctx context.Context, cmd group.LightCommand) error {
	state := huego.State{On: true}
	if cmd.Brightness != nil {
		state.Bri = briToHue(*cmd.Brightness)
	}
	applyColor(&state, cmd.Color)
	if cmd.Transition != nil {
		state.TransitionTime = transitionToHue(*cmd.Transition)
	}
	return b.apply(ctx, cmd.EntityIDs, state, isInstant(cmd.Transition))
}

// TurnOff implements group.Dispatcher.
func (b *Backend) TurnOff(ctx context.Context, cmd group.LightCommand) error {
	state := huego.State{On: false}
	if cmd.Transition != nil {
		state.TransitionTime = transitionToHue(*cmd.Transition)
	}
	return b.apply(ctx, cmd.EntityIDs, state, isInstant(cmd.Transition))
}

func (b *Backend) apply(ctx context.Context, entityIDs []string, state huego.State, instant bool) error {
	for _, entityID := range entityIDs {
		id, err := b.resolve(ctx, entityID)
		if err != nil {
			return err
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		log.Debug().
			Str("entity", entityID).
			Int("light", id).
			Bool("instant", instant).
			Interface("state", state).
			Msg("Applying state to light")

		if instant && b.instant != nil {
			err = b.instant.SetInstant(ctx, id, state)
		} else {
			err = b.bridge.SetState(ctx, id, state)
		}
		if err != nil {
			return fmt.Errorf("failed to set state of %s: %w", entityID, err)
		}
	}
	return nil
}
