package hue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/eventbus"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
	EchoWindow    time.Duration // Events for settled lights within this window are dropped
}

// EventStream listens to the bridge's v2 event stream and publishes
// member_state_changed for every light event that concerns a watched entity.
// It implements group.Subscriber.
type EventStream struct {
	clip   *Clip
	lights *Backend
	bus    *eventbus.Bus
	config EventStreamConfig
	now    func() time.Time

	mu        sync.Mutex
	watched   map[string]int       // entity id -> subscriber count
	quiet     map[string]time.Time // entity id -> end of its echo window
	connected bool
}

// NewEventStream creates an event stream listener. lights resolves entity ids
// to bridge light ids.
func NewEventStream(clip *Clip, lights *Backend, bus *eventbus.Bus, config EventStreamConfig) *EventStream {
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2
	}
	return &EventStream{
		clip:    clip,
		lights:  lights,
		bus:     bus,
		config:  config,
		now:     time.Now,
		watched: make(map[string]int),
		quiet:   make(map[string]time.Time),
	}
}

// Subscribe watches entityIDs and calls handler with the entity id of every
// change among them. The handler runs on an event bus worker.
func (e *EventStream) Subscribe(entityIDs []string, handler func(entityID string)) func() {
	ids := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = struct{}{}
	}

	e.mu.Lock()
	for id := range ids {
		e.watched[id]++
	}
	e.mu.Unlock()

	unsub := e.bus.Subscribe(eventbus.EventMemberStateChanged, func(ev eventbus.Event) {
		entityID, _ := ev.Data["entity_id"].(string)
		if _, ok := ids[entityID]; ok {
			handler(entityID)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			e.mu.Lock()
			defer e.mu.Unlock()
			for id := range ids {
				e.watched[id]--
				if e.watched[id] <= 0 {
					delete(e.watched, id)
					delete(e.quiet, id)
				}
			}
		})
	}
}

// Settle starts an echo window for entityIDs. The bridge reports our own
// writes a moment after they are applied; light events for these entities are
// dropped until the window ends.
func (e *EventStream) Settle(_ context.Context, entityIDs []string) {
	until := e.now().Add(e.config.EchoWindow)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range entityIDs {
		if _, ok := e.watched[id]; ok {
			e.quiet[id] = until
		}
	}
}

// Run listens to the event stream with automatic reconnection.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := e.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			retryCount++
			if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
				log.Error().
					Int("max_reconnects", e.config.MaxReconnects).
					Msg("Event stream: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Event stream disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			currentBackoff = min(time.Duration(float64(currentBackoff)*e.config.Multiplier), e.config.MaxBackoff)
			continue
		}

		retryCount = 0
		currentBackoff = e.config.MinBackoff
	}
}

func (e *EventStream) connect(ctx context.Context) error {
	resp, err := e.clip.stream(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	log.Info().Msg("Connected to Hue event stream")

	// Changes made while we were disconnected were missed.
	e.mu.Lock()
	reconnected := e.connected
	e.connected = true
	e.mu.Unlock()
	if reconnected {
		e.notifyAll()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == ": hi" {
			log.Debug().Msg("Received event stream greeting")
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if dataBuffer.Len() > 0 {
				e.processEvent(dataBuffer.String())
				dataBuffer.Reset()
			}
			continue
		}

		if data, ok := strings.CutPrefix(line, "data: "); ok {
			dataBuffer.WriteString(data)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

type streamEvent struct {
	Type string           `json:"type"`
	Data []streamResource `json:"data"`
}

type streamResource struct {
	ID   string `json:"id"`
	IDV1 string `json:"id_v1"`
	Type string `json:"type"`
}

func (e *EventStream) processEvent(data string) {
	var events []streamEvent
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		log.Warn().Err(err).Str("data", data).Msg("Failed to parse event")
		return
	}

	for _, ev := range events {
		for _, item := range ev.Data {
			if item.Type != "light" {
				log.Trace().
					Str("event_type", ev.Type).
					Str("item_type", item.Type).
					Str("id", item.ID).
					Msg("Unhandled event type")
				continue
			}
			e.handleLightChange(item)
		}
	}
}

func (e *EventStream) handleLightChange(item streamResource) {
	lightID, ok := parseIDV1(item.IDV1)
	if !ok {
		lightID, ok = e.clip.lightIDV1(item.ID)
	}
	if !ok {
		log.Debug().Str("id", item.ID).Msg("Light event for unindexed resource")
		return
	}

	now := e.now()
	var changed []string

	e.mu.Lock()
	for entityID := range e.watched {
		if id, ok := e.lights.lightID(entityID); !ok || id != lightID {
			continue
		}
		if now.Before(e.quiet[entityID]) {
			log.Debug().Str("entity", entityID).Msg("Ignoring echo of own write")
			continue
		}
		changed = append(changed, entityID)
	}
	e.mu.Unlock()

	for _, entityID := range changed {
		e.publish(entityID)
	}
}

func (e *EventStream) notifyAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.watched))
	for id := range e.watched {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.publish(id)
	}
}

func (e *EventStream) publish(entityID string) {
	log.Debug().Str("entity", entityID).Msg("Member state changed")
	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventMemberStateChanged,
		Data: map[string]any{"entity_id": entityID},
	})
}
