// Package watch turns periodic member observations into state-change events.
package watch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/group"
)

// DefaultInterval is used when no poll interval is configured.
const DefaultInterval = 2 * time.Second

// Poller observes watched entities on an interval and publishes
// member_state_changed whenever an observation differs from the previous one.
// It implements group.Subscriber.
type Poller struct {
	observer group.Observer
	bus      *eventbus.Bus
	interval time.Duration

	mu      sync.Mutex
	watched map[string]int    // entity id -> subscriber count
	last    map[string]string // entity id -> observation fingerprint
	settled map[string]uint64 // entity id -> settle generation
	trigger chan struct{}
}

// NewPoller creates a poller.
func NewPoller(observer group.Observer, bus *eventbus.Bus, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		observer: observer,
		bus:      bus,
		interval: interval,
		watched:  make(map[string]int),
		last:     make(map[string]string),
		settled:  make(map[string]uint64),
		trigger:  make(chan struct{}, 1),
	}
}

// Subscribe watches entityIDs and calls handler with the entity id of every
// change among them. The handler runs on an event bus worker.
func (p *Poller) Subscribe(entityIDs []string, handler func(entityID string)) func() {
	ids := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = struct{}{}
	}

	p.mu.Lock()
	for id := range ids {
		p.watched[id]++
	}
	p.mu.Unlock()

	unsub := p.bus.Subscribe(eventbus.EventMemberStateChanged, func(e eventbus.Event) {
		entityID, _ := e.Data["entity_id"].(string)
		if _, ok := ids[entityID]; ok {
			handler(entityID)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			p.mu.Lock()
			defer p.mu.Unlock()
			for id := range ids {
				p.watched[id]--
				if p.watched[id] <= 0 {
					delete(p.watched, id)
					delete(p.last, id)
					delete(p.settled, id)
				}
			}
		})
	}
}

// Watched returns the number of distinct entities being polled.
func (p *Poller) Watched() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watched)
}

// Trigger requests a poll ahead of the next tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Dur("interval", p.interval).Msg("State poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("State poller stopping")
			return nil
		case <-p.trigger:
			p.Poll(ctx)
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll observes every watched entity once and returns the ids that changed.
// The first observation of an entity is recorded without an event.
func (p *Poller) Poll(ctx context.Context) []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.watched))
	gens := make(map[string]uint64, len(p.watched))
	for id := range p.watched {
		ids = append(ids, id)
		gens[id] = p.settled[id]
	}
	p.mu.Unlock()

	var changed []string
	for _, id := range ids {
		if ctx.Err() != nil {
			return changed
		}

		obs, err := p.observer.Observe(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("entity", id).Msg("Observation failed")
			continue
		}
		fp := fingerprint(obs)

		p.mu.Lock()
		if _, still := p.watched[id]; !still || p.settled[id] != gens[id] {
			// Unwatched or settled while we were observing.
			p.mu.Unlock()
			continue
		}
		prev, seen := p.last[id]
		p.last[id] = fp
		p.mu.Unlock()

		if seen && prev != fp {
			changed = append(changed, id)
			log.Debug().Str("entity", id).Msg("Member state changed")
			p.bus.Publish(eventbus.Event{
				Type: eventbus.EventMemberStateChanged,
				Data: map[string]any{"entity_id": id},
			})
		}
	}
	return changed
}

// Settle records the current observation of entityIDs as the baseline without
// publishing anything, so writes the caller just made are not reported as
// changes. A failed observation clears the baseline and the next poll
// re-records it silently.
func (p *Poller) Settle(ctx context.Context, entityIDs []string) {
	for _, id := range entityIDs {
		p.mu.Lock()
		_, watched := p.watched[id]
		p.mu.Unlock()
		if !watched {
			continue
		}

		obs, err := p.observer.Observe(ctx, id)

		p.mu.Lock()
		if _, still := p.watched[id]; still {
			p.settled[id]++
			if err != nil {
				delete(p.last, id)
			} else {
				p.last[id] = fingerprint(obs)
			}
		}
		p.mu.Unlock()

		if err != nil {
			log.Debug().Err(err).Str("entity", id).Msg("Settle observation failed")
		}
	}
}

func fingerprint(obs *group.Observation) string {
	if obs == nil {
		return "absent"
	}
	b, err := json.Marshal(obs)
	if err != nil {
		return "unencodable"
	}
	return string(b)
}
