package hue

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/amimof/huego"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/dokzlo13/deltalux/internal/group"
)

// Hue bridge value ranges.
const (
	minBri = 1
	maxBri = 254
	maxSat = 254
	maxHue = 65535
	minCt  = 153
	maxCt  = 500
)

// Light type names reported by the bridge.
const (
	typeExtendedColor = "Extended color light"
	typeColor         = "Color light"
	typeColorTemp     = "Color temperature light"
	typeDimmable      = "Dimmable light"
	typeOnOffLight    = "On/Off light"
	typeOnOffPlug     = "On/Off plug-in unit"
)

// briToHue maps 0-255 to the bridge's 1-254 range.
func briToHue(b int) uint8 {
	v := int(math.Round(float64(b) * maxBri / 255))
	return uint8(clamp(v, minBri, maxBri))
}

// briFromHue maps the bridge's 1-254 range back to 0-255.
func briFromHue(b uint8) int {
	return clamp(int(math.Round(float64(b)*255/maxBri)), 0, 255)
}

// transitionToHue converts a duration to bridge deciseconds.
func transitionToHue(d time.Duration) uint16 {
	ds := int(math.Round(float64(d) / float64(100*time.Millisecond)))
	return uint16(clamp(ds, 0, math.MaxUint16))
}

// isInstant reports whether d rounds to a zero bridge transition. huego omits
// a zero transitiontime, so such commands need another route to the bridge.
func isInstant(d *time.Duration) bool {
	return d != nil && transitionToHue(*d) == 0
}

// hsToXY converts hue (degrees) and saturation (percent) to CIE xy at full
// value. Hue 0 and saturation 0 are valid colors the bridge must receive, and
// huego drops zero hue and sat fields, so HS is always sent as xy.
func hsToXY(hs group.HSColor) []float32 {
	h := math.Mod(hs[0], 360)
	if h < 0 {
		h += 360
	}
	sat := math.Max(0, math.Min(100, hs[1])) / 100
	x, y, _ := colorful.Hsv(h, sat, 1).Xyy()
	return []float32{float32(x), float32(y)}
}

func hsFromHue(hue uint16, sat uint8) group.HSColor {
	return group.HSColor{
		math.Round(float64(hue)/maxHue*360*10) / 10,
		math.Round(float64(sat)/maxSat*100*10) / 10,
	}
}

func ctToHue(mireds int) uint16 {
	return uint16(clamp(mireds, minCt, maxCt))
}

// rgbToXY converts 0-255 sRGB channels to CIE xy.
func rgbToXY(r, g, b int) []float32 {
	c := colorful.Color{
		R: float64(clamp(r, 0, 255)) / 255,
		G: float64(clamp(g, 0, 255)) / 255,
		B: float64(clamp(b, 0, 255)) / 255,
	}
	x, y, _ := c.Xyy()
	return []float32{float32(x), float32(y)}
}

// Warm white is approximated as 2700K in sRGB.
var warmWhite = [3]float64{1, 0.66, 0.34}

func rgbwToXY(c group.RGBWColor) []float32 {
	return rgbToXY(c[0]+c[3], c[1]+c[3], c[2]+c[3])
}

func rgbwwToXY(c group.RGBWWColor) []float32 {
	ww := float64(c[4])
	return rgbToXY(
		c[0]+c[3]+int(ww*warmWhite[0]),
		c[1]+c[3]+int(ww*warmWhite[1]),
		c[2]+c[3]+int(ww*warmWhite[2]),
	)
}

// applyColor sets the color fields of state from the attribute that selects
// the command's color mode.
func applyColor(state *huego.State, c group.Color) {
	mode, ok := c.Mode()
	if !ok {
		return
	}
	switch mode {
	case group.ColorModeHS:
		state.Xy = hsToXY(*c.HS)
	case group.ColorModeRGB:
		state.Xy = rgbToXY(c.RGB[0], c.RGB[1], c.RGB[2])
	case group.ColorModeRGBW:
		state.Xy = rgbwToXY(*c.RGBW)
	case group.ColorModeRGBWW:
		state.Xy = rgbwwToXY(*c.RGBWW)
	case group.ColorModeXY:
		state.Xy = []float32{float32(c.XY[0]), float32(c.XY[1])}
	case group.ColorModeColorTemp:
		state.Ct = ctToHue(*c.ColorTemp)
	}
}

// supportedModes maps a bridge light type to color modes.
func supportedModes(lightType string) []string {
	switch lightType {
	case typeExtendedColor:
		return []string{string(group.ColorModeColorTemp), string(group.ColorModeHS), string(group.ColorModeXY)}
	case typeColor:
		return []string{string(group.ColorModeHS), string(group.ColorModeXY)}
	case typeColorTemp:
		return []string{string(group.ColorModeColorTemp)}
	case typeOnOffLight, typeOnOffPlug:
		return []string{string(group.ColorModeOnOff)}
	default:
		return []string{string(group.ColorModeBrightness)}
	}
}

func supportedFeatures(lightType string) int {
	switch lightType {
	case typeOnOffLight, typeOnOffPlug:
		return 0
	case typeExtendedColor, typeColor:
		return int(group.FeatureTransition | group.FeatureFlash | group.FeatureEffect)
	default:
		return int(group.FeatureTransition | group.FeatureFlash)
	}
}

// observe converts a bridge light into a member observation.
func observe(l *huego.Light) *group.Observation {
	modes := supportedModes(l.Type)
	obs := &group.Observation{
		State:               group.MemberUnknown,
		SupportedColorModes: modes,
		SupportedFeatures:   supportedFeatures(l.Type),
	}
	if l.State == nil {
		return obs
	}
	s := l.State

	switch {
	case !s.Reachable:
		obs.State = group.MemberUnavailable
		return obs
	case s.On:
		obs.State = group.MemberOn
		bri := 255
		if modes[0] != string(group.ColorModeOnOff) {
			bri = briFromHue(s.Bri)
		}
		obs.Brightness = &bri
	default:
		obs.State = group.MemberOff
	}

	switch s.ColorMode {
	case "hs":
		hs := hsFromHue(s.Hue, s.Sat)
		obs.ColorMode = string(group.ColorModeHS)
		obs.Color.HS = &hs
	case "xy":
		if len(s.Xy) == 2 {
			xy := group.XYColor{float64(s.Xy[0]), float64(s.Xy[1])}
			obs.ColorMode = string(group.ColorModeXY)
			obs.Color.XY = &xy
		}
	case "ct":
		ct := int(s.Ct)
		obs.ColorMode = string(group.ColorModeColorTemp)
		obs.Color.ColorTemp = &ct
	}
	if obs.ColorMode == "" {
		obs.ColorMode = modes[0]
	}
	return obs
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a light name into the object id part of an entity id.
func slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
