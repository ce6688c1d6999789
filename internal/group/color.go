package group

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// ColorMode is the color representation a light is currently using.
type ColorMode string

const (
	ColorModeUnknown    ColorMode = "unknown"
	ColorModeOnOff      ColorMode = "onoff"
	ColorModeBrightness ColorMode = "brightness"
	ColorModeColorTemp  ColorMode = "color_temp"
	ColorModeHS         ColorMode = "hs"
	ColorModeXY         ColorMode = "xy"
	ColorModeRGB        ColorMode = "rgb"
	ColorModeRGBW       ColorMode = "rgbw"
	ColorModeRGBWW      ColorMode = "rgbww"
	ColorModeWhite      ColorMode = "white"
)

var knownColorModes = map[ColorMode]struct{}{
	ColorModeUnknown:    {},
	ColorModeOnOff:      {},
	ColorModeBrightness: {},
	ColorModeColorTemp:  {},
	ColorModeHS:         {},
	ColorModeXY:         {},
	ColorModeRGB:        {},
	ColorModeRGBW:       {},
	ColorModeRGBWW:      {},
	ColorModeWhite:      {},
}

// ParseColorMode converts a reported mode string. ok is false for unrecognized values.
func ParseColorMode(s string) (ColorMode, bool) {
	m := ColorMode(s)
	if _, ok := knownColorModes[m]; !ok {
		return "", false
	}
	return m, true
}

// Feature is a bitset of optional light capabilities.
type Feature int

const (
	FeatureEffect     Feature = 4
	FeatureFlash      Feature = 8
	FeatureTransition Feature = 32

	knownFeatures = FeatureEffect | FeatureFlash | FeatureTransition
)

// Has reports whether all bits of f2 are set.
func (f Feature) Has(f2 Feature) bool {
	return f&f2 == f2
}

// parseFeatures masks out bits we do not understand.
func parseFeatures(entityID string, raw int) Feature {
	f := Feature(raw)
	if unknown := f &^ knownFeatures; unknown != 0 {
		log.Debug().
			Str("entity_id", entityID).
			Int("bits", int(unknown)).
			Msg("Ignoring unknown feature bits")
	}
	return f & knownFeatures
}

// HSColor is hue in degrees (0-360) and saturation in percent (0-100).
type HSColor [2]float64

// XYColor is a CIE 1931 xy chromaticity pair.
type XYColor [2]float64

// RGBColor channels are 0-255.
type RGBColor [3]int

// RGBWColor channels are 0-255.
type RGBWColor [4]int

// RGBWWColor channels are 0-255.
type RGBWWColor [5]int

// Color is an optional color payload. On commands normally one field is set.
type Color struct {
	HS        *HSColor    `json:"hs_color,omitempty"`
	ColorTemp *int        `json:"color_temp,omitempty"` // mireds
	RGB       *RGBColor   `json:"rgb_color,omitempty"`
	RGBW      *RGBWColor  `json:"rgbw_color,omitempty"`
	RGBWW     *RGBWWColor `json:"rgbww_color,omitempty"`
	XY        *XYColor    `json:"xy_color,omitempty"`
}

// IsZero reports whether no color attribute is set.
func (c Color) IsZero() bool {
	return c.HS == nil && c.ColorTemp == nil && c.RGB == nil &&
		c.RGBW == nil && c.RGBWW == nil && c.XY == nil
}

// Clone returns a deep copy.
func (c Color) Clone() Color {
	out := Color{}
	if c.HS != nil {
		v := *c.HS
		out.HS = &v
	}
	if c.ColorTemp != nil {
		v := *c.ColorTemp
		out.ColorTemp = &v
	}
	if c.RGB != nil {
		v := *c.RGB
		out.RGB = &v
	}
	if c.RGBW != nil {
		v := *c.RGBW
		out.RGBW = &v
	}
	if c.RGBWW != nil {
		v := *c.RGBWW
		out.RGBWW = &v
	}
	if c.XY != nil {
		v := *c.XY
		out.XY = &v
	}
	return out
}

// merge copies the supplied attributes of in onto c and returns the winning mode.
// Attributes are checked in a fixed order and the last one present decides the mode:
// HS, RGB, RGBW, RGBWW, XY, color temp.
func (c *Color) merge(in Color) (ColorMode, bool) {
	var mode ColorMode
	if in.HS != nil {
		c.HS = in.HS
		mode = ColorModeHS
	}
	if in.RGB != nil {
		c.RGB = in.RGB
		mode = ColorModeRGB
	}
	if in.RGBW != nil {
		c.RGBW = in.RGBW
		mode = ColorModeRGBW
	}
	if in.RGBWW != nil {
		c.RGBWW = in.RGBWW
		mode = ColorModeRGBWW
	}
	if in.XY != nil {
		c.XY = in.XY
		mode = ColorModeXY
	}
	if in.ColorTemp != nil {
		c.ColorTemp = in.ColorTemp
		mode = ColorModeColorTemp
	}
	return mode, mode != ""
}

// Mode returns the mode a command carrying c would select.
func (c Color) Mode() (ColorMode, bool) {
	var scratch Color
	return scratch.merge(c)
}

// colorModeSet is the union of supported modes across members.
type colorModeSet map[ColorMode]struct{}

func (s colorModeSet) sorted() []ColorMode {
	out := make([]ColorMode, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
