package group

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Resync re-derives the group state from its members. It waits for any running
// command to finish first. The master brightness is never recomputed here:
// the value from the last explicit turn-on stays authoritative.
func (c *Controller) Resync(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.resyncLocked(ctx)
	return true
}

// resyncIfIdle runs a resync unless a command holds the group.
func (c *Controller) resyncIfIdle(ctx context.Context) bool {
	if !c.opMu.TryLock() {
		return false
	}
	defer c.opMu.Unlock()

	c.resyncLocked(ctx)
	return true
}

// resyncLocked requires opMu.
func (c *Controller) resyncLocked(ctx context.Context) {
	var (
		firstOn  *Observation
		anyOn    bool
		modes    = colorModeSet{}
		features Feature
	)

	for _, m := range c.cfg.Members {
		obs, err := c.observer.Observe(ctx, m.EntityID)
		if err != nil {
			log.Warn().
				Err(err).
				Str("group", c.cfg.Name).
				Str("entity_id", m.EntityID).
				Msg("Failed to observe member, skipping")
			continue
		}
		if obs == nil || obs.State == MemberUnavailable || obs.State == MemberUnknown {
			continue
		}

		if obs.State == MemberOn {
			anyOn = true
			if firstOn == nil {
				firstOn = obs
			}
		}

		for _, raw := range obs.SupportedColorModes {
			mode, ok := ParseColorMode(raw)
			if !ok {
				log.Debug().
					Str("entity_id", m.EntityID).
					Str("color_mode", raw).
					Msg("Unknown color mode")
				continue
			}
			modes[mode] = struct{}{}
		}

		if obs.SupportedFeatures != 0 {
			features |= parseFeatures(m.EntityID, obs.SupportedFeatures)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.IsOn = anyOn
	if len(modes) == 0 {
		c.state.SupportedColorModes = []ColorMode{ColorModeBrightness}
	} else {
		c.state.SupportedColorModes = modes.sorted()
	}
	c.state.SupportedFeatures = features

	if firstOn != nil {
		c.state.ColorMode = ""
		if firstOn.ColorMode != "" {
			if mode, ok := ParseColorMode(firstOn.ColorMode); ok {
				c.state.ColorMode = mode
			}
		}
		c.state.Color = firstOn.Color.Clone()
	}
}
