package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/sim"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func waitLen(t *testing.T, r *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.get()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %v, want %d notifications", r.get(), n)
}

func TestPollPublishesChanges(t *testing.T) {
	backend := sim.New(sim.Light{EntityID: "light.a"}, sim.Light{EntityID: "light.b"})
	bus := eventbus.New()
	defer bus.Close(context.Background())

	p := NewPoller(backend, bus, time.Hour)
	rec := &recorder{}
	p.Subscribe([]string{"light.a"}, rec.add)
	ctx := context.Background()

	if changed := p.Poll(ctx); len(changed) != 0 {
		t.Errorf("first poll changed = %v, want none", changed)
	}
	if changed := p.Poll(ctx); len(changed) != 0 {
		t.Errorf("unchanged poll changed = %v, want none", changed)
	}

	backend.Update("light.a", func(l *sim.Light) { l.On = true; l.Brightness = 100 })
	backend.Update("light.b", func(l *sim.Light) { l.On = true })

	changed := p.Poll(ctx)
	if len(changed) != 1 || changed[0] != "light.a" {
		t.Errorf("changed = %v, want [light.a]", changed)
	}
	waitLen(t, rec, 1)
	if got := rec.get(); got[0] != "light.a" {
		t.Errorf("handler got %v", got)
	}
}

func TestSubscribeFiltersEntities(t *testing.T) {
	backend := sim.New(sim.Light{EntityID: "light.a"}, sim.Light{EntityID: "light.b"})
	bus := eventbus.New()
	defer bus.Close(context.Background())

	p := NewPoller(backend, bus, time.Hour)
	recA, recB := &recorder{}, &recorder{}
	p.Subscribe([]string{"light.a"}, recA.add)
	p.Subscribe([]string{"light.b"}, recB.add)
	ctx := context.Background()
	p.Poll(ctx)

	backend.Update("light.b", func(l *sim.Light) { l.Unavailable = true })
	p.Poll(ctx)

	waitLen(t, recB, 1)
	time.Sleep(20 * time.Millisecond)
	if got := recA.get(); len(got) != 0 {
		t.Errorf("light.a subscriber got %v", got)
	}
}

func TestUnsubscribeStopsWatching(t *testing.T) {
	backend := sim.New(sim.Light{EntityID: "light.a"}, sim.Light{EntityID: "light.b"})
	bus := eventbus.New()
	defer bus.Close(context.Background())

	p := NewPoller(backend, bus, time.Hour)
	unsubA := p.Subscribe([]string{"light.a", "light.b"}, func(string) {})
	unsubB := p.Subscribe([]string{"light.b"}, func(string) {})
	if n := p.Watched(); n != 2 {
		t.Fatalf("Watched() = %d, want 2", n)
	}

	unsubA()
	unsubA()
	if n := p.Watched(); n != 1 {
		t.Errorf("Watched() = %d, want 1 (light.b still has a subscriber)", n)
	}
	unsubB()
	if n := p.Watched(); n != 0 {
		t.Errorf("Watched() = %d, want 0", n)
	}
	if n := bus.HandlerCount(eventbus.EventMemberStateChanged); n != 0 {
		t.Errorf("bus handlers = %d, want 0", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := sim.New(sim.Light{EntityID: "light.a"})
	bus := eventbus.New()
	defer bus.Close(context.Background())

	p := NewPoller(backend, bus, 10*time.Millisecond)
	rec := &recorder{}
	p.Subscribe([]string{"light.a"}, rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Trigger()
	time.Sleep(30 * time.Millisecond)
	backend.Update("light.a", func(l *sim.Light) { l.On = true })
	waitLen(t, rec, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

type flakyObserver struct {
	group.Observer
	fail bool
}

func (f *flakyObserver) Observe(ctx context.Context, entityID string) (*group.Observation, error) {
	if f.fail {
		return nil, errors.New("bridge unreachable")
	}
	return f.Observer.Observe(ctx, entityID)
}

func TestSettleRebaselines(t *testing.T) {
	tests := []struct {
		name       string
		failSettle bool
		external   bool
		want       []string
	}{
		{name: "own_write_is_silent"},
		{name: "failed_settle_is_silent", failSettle: true},
		{name: "later_external_change_reported", external: true, want: []string{"light.a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := sim.New(sim.Light{EntityID: "light.a"}, sim.Light{EntityID: "light.b"})
			bus := eventbus.New()
			defer bus.Close(context.Background())

			obs := &flakyObserver{Observer: backend}
			p := NewPoller(obs, bus, time.Hour)
			p.Subscribe([]string{"light.a", "light.b"}, func(string) {})
			ctx := context.Background()
			p.Poll(ctx)

			bri := 120
			if err := backend.TurnOn(ctx, group.LightCommand{EntityIDs: []string{"light.a", "light.b"}, Brightness: &bri}); err != nil {
				t.Fatalf("TurnOn() error = %v", err)
			}
			obs.fail = tt.failSettle
			p.Settle(ctx, []string{"light.a", "light.b", "light.unwatched"})
			obs.fail = false

			if tt.external {
				backend.Update("light.a", func(l *sim.Light) { l.On = false })
			}
			changed := p.Poll(ctx)
			if len(changed) != len(tt.want) {
				t.Fatalf("Poll() changed = %v, want %v", changed, tt.want)
			}
			for i := range tt.want {
				if changed[i] != tt.want[i] {
					t.Errorf("changed[%d] = %s, want %s", i, changed[i], tt.want[i])
				}
			}
			if n := p.Watched(); n != 2 {
				t.Errorf("Watched() = %d, want 2 (settle must not add entities)", n)
			}
		})
	}
}
