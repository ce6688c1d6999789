package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Controller owns one offset light group.
//
// Commands are serialized by opMu. While a command is dispatching, the applying
// flag is set so that member notifications caused by our own writes do not
// trigger a resync.
type Controller struct {
	cfg        Config
	observer   Observer
	dispatcher Dispatcher
	subscriber Subscriber
	restorer   Restorer
	publisher  Publisher

	opMu sync.Mutex

	mu       sync.RWMutex
	state    RuntimeState
	applying bool

	unsubscribe func()
}

// Deps are the collaborators a Controller needs. Subscriber, Restorer and
// Publisher are optional.
type Deps struct {
	Observer   Observer
	Dispatcher Dispatcher
	Subscriber Subscriber
	Restorer   Restorer
	Publisher  Publisher
}

// NewController creates a controller. The group starts off with the default master brightness.
func NewController(cfg Config, deps Deps) *Controller {
	if !cfg.Mode.Valid() {
		cfg.Mode = OffsetAbsolute
	}
	members := make([]Member, len(cfg.Members))
	copy(members, cfg.Members)
	cfg.Members = members

	return &Controller{
		cfg:        cfg,
		observer:   deps.Observer,
		dispatcher: deps.Dispatcher,
		subscriber: deps.Subscriber,
		restorer:   deps.Restorer,
		publisher:  deps.Publisher,
		state:      newRuntimeState(),
	}
}

// ID returns the group's unique id.
func (c *Controller) ID() string { return c.cfg.ID }

// Name returns the display name.
func (c *Controller) Name() string { return c.cfg.Name }

// Config returns the construction config.
func (c *Controller) Config() Config { return c.cfg }

// Attach restores persisted state, subscribes to member changes and runs an initial resync.
func (c *Controller) Attach(ctx context.Context) error {
	if c.restorer != nil {
		p, err := c.restorer.Restore(ctx, c.cfg.ID)
		if err != nil {
			return fmt.Errorf("failed to restore group state: %w", err)
		}
		if p != nil {
			c.restore(*p)
		}
	}

	if c.subscriber != nil {
		c.unsubscribe = c.subscriber.Subscribe(c.cfg.EntityIDs(), func(entityID string) {
			c.OnMemberChanged(context.Background(), entityID)
		})
	}

	c.Resync(ctx)
	c.publish(ctx)

	log.Info().
		Str("group", c.cfg.Name).
		Str("id", c.cfg.ID).
		Int("members", len(c.cfg.Members)).
		Str("mode", string(c.cfg.Mode)).
		Msg("Group attached")
	return nil
}

// Detach releases the member subscription.
func (c *Controller) Detach() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *Controller) restore(p Persisted) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.IsOn = p.IsOn
	switch {
	case p.MasterBrightness != nil:
		c.state.MasterBrightness = *p.MasterBrightness
	case p.Brightness != nil:
		c.state.MasterBrightness = *p.Brightness
	}
	log.Debug().
		Str("group", c.cfg.Name).
		Bool("is_on", c.state.IsOn).
		Int("master_brightness", c.state.MasterBrightness).
		Msg("Restored group state")
}

// beginApply sets the applying flag and returns its release. The release is
// safe to call more than once; only the first call clears the flag.
func (c *Controller) beginApply() (release func()) {
	c.mu.Lock()
	c.applying = true
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.applying = false
			c.mu.Unlock()
		})
	}
}

// settle hands the members' post-command state to the subscriber. It runs
// before release so echoes of our own writes are never seen as changes.
func (c *Controller) settle(ctx context.Context) {
	if c.subscriber == nil {
		return
	}
	c.subscriber.Settle(ctx, c.cfg.EntityIDs())
}

// Applying reports whether a command is currently dispatching.
func (c *Controller) Applying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applying
}

// TurnOn sets the master brightness and color if given and fans the command out
// to every member, one at a time. On a dispatch error the remaining members are
// skipped and the group's on/off state is left as it was.
func (c *Controller) TurnOn(ctx context.Context, cmd TurnOnCommand) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	release := c.beginApply()
	defer release()
	defer c.settle(ctx)

	c.mu.Lock()
	if cmd.Brightness != nil {
		c.state.MasterBrightness = *cmd.Brightness
	}
	if mode, ok := c.state.Color.merge(cmd.Color.Clone()); ok {
		c.state.ColorMode = mode
	}
	master := c.state.MasterBrightness
	c.mu.Unlock()

	for _, m := range c.cfg.Members {
		bri := TargetBrightness(master, m.Config, c.cfg.Mode)
		lc := LightCommand{
			EntityIDs:  []string{m.EntityID},
			Brightness: &bri,
			Color:      cmd.Color,
			Transition: cmd.Transition,
		}

		log.Debug().
			Str("group", c.cfg.Name).
			Str("entity_id", m.EntityID).
			Int("master", master).
			Int("brightness", bri).
			Msg("Dispatching member turn on")

		if err := c.dispatcher.TurnOn(ctx, lc); err != nil {
			return fmt.Errorf("failed to turn on %s: %w", m.EntityID, err)
		}
	}

	c.mu.Lock()
	c.state.IsOn = true
	c.mu.Unlock()

	c.publish(ctx)
	return nil
}

// TurnOff turns every member off with a single batched command. The master
// brightness is kept so a later bare TurnOn restores it.
func (c *Controller) TurnOff(ctx context.Context, cmd TurnOffCommand) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	release := c.beginApply()
	defer release()
	defer c.settle(ctx)

	lc := LightCommand{
		EntityIDs:  c.cfg.EntityIDs(),
		Transition: cmd.Transition,
	}
	if err := c.dispatcher.TurnOff(ctx, lc); err != nil {
		return fmt.Errorf("failed to turn off members: %w", err)
	}

	c.mu.Lock()
	c.state.IsOn = false
	c.mu.Unlock()

	c.publish(ctx)
	return nil
}

// OnMemberChanged is the member state-change hook. Notifications that arrive
// while a command is dispatching are dropped.
func (c *Controller) OnMemberChanged(ctx context.Context, entityID string) {
	if c.Applying() {
		log.Debug().
			Str("group", c.cfg.Name).
			Str("entity_id", entityID).
			Msg("Ignoring member change during apply")
		return
	}
	if c.resyncIfIdle(ctx) {
		c.publish(ctx)
	}
}

// State returns a snapshot of the current group state.
func (c *Controller) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// IsOn reports whether the group is on.
func (c *Controller) IsOn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsOn
}

// Brightness returns the master brightness while on, nil while off.
func (c *Controller) Brightness() *int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.state.IsOn {
		return nil
	}
	b := c.state.MasterBrightness
	return &b
}

// MasterBrightness returns the stored master brightness regardless of power state.
func (c *Controller) MasterBrightness() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.MasterBrightness
}

// Attributes returns the diagnostic attribute bundle.
func (c *Controller) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attributesLocked()
}

func (c *Controller) attributesLocked() map[string]any {
	offsets := make(map[string]int, len(c.cfg.Members))
	for _, m := range c.cfg.Members {
		offsets[m.EntityID] = m.Config.Offset
	}
	return map[string]any{
		"entity_id":         c.cfg.EntityIDs(),
		"master_brightness": c.state.MasterBrightness,
		"offsets":           offsets,
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.state
	snap := Snapshot{
		ID:                  c.cfg.ID,
		Name:                c.cfg.Name,
		IsOn:                s.IsOn,
		MasterBrightness:    s.MasterBrightness,
		ColorMode:           s.ColorMode,
		Color:               s.Color.Clone(),
		SupportedColorModes: append([]ColorMode(nil), s.SupportedColorModes...),
		SupportedFeatures:   s.SupportedFeatures,
		Attributes:          c.attributesLocked(),
	}
	if s.IsOn {
		b := s.MasterBrightness
		snap.Brightness = &b
	}
	return snap
}

func (c *Controller) publish(ctx context.Context) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(ctx, c.State())
}
