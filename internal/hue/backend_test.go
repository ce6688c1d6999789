package hue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amimof/huego"

	"github.com/dokzlo13/deltalux/internal/group"
)

type fakeBridge struct {
	mu       sync.Mutex
	lights   map[int]*huego.Light
	applied  map[int][]huego.State
	failSet  error
	listings int
	hang     bool // calls block until their context is done
}

func newFakeBridge(lights ...huego.Light) *fakeBridge {
	f := &fakeBridge{lights: make(map[int]*huego.Light), applied: make(map[int][]huego.State)}
	for i := range lights {
		l := lights[i]
		f.lights[l.ID] = &l
	}
	return f
}

func (f *fakeBridge) GetLights(ctx context.Context) ([]huego.Light, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	out := make([]huego.Light, 0, len(f.lights))
	for _, l := range f.lights {
		out = append(out, *l)
	}
	return out, nil
}

func (f *fakeBridge) GetLight(ctx context.Context, id int) (*huego.Light, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lights[id]
	if !ok {
		return nil, errors.New("resource not available")
	}
	out := *l
	return &out, nil
}

func (f *fakeBridge) SetState(ctx context.Context, id int, state huego.State) error {
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.applied[id] = append(f.applied[id], state)
	return nil
}

// body renders the last state sent to light id the way huego puts it on the wire.
func (f *fakeBridge) body(t *testing.T, id int) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.applied[id]
	if len(states) == 0 {
		t.Fatalf("no state sent to light %d", id)
	}
	b, err := json.Marshal(states[len(states)-1])
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return string(b)
}

type fakeInstant struct {
	mu      sync.Mutex
	applied map[int][]huego.State
}

func (f *fakeInstant) SetInstant(ctx context.Context, lightID int, state huego.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[int][]huego.State)
	}
	f.applied[lightID] = append(f.applied[lightID], state)
	return nil
}

func intPtr(v int) *int { return &v }

func TestObserve(t *testing.T) {
	bridge := newFakeBridge(
		huego.Light{ID: 1, Name: "Ceiling", Type: typeExtendedColor,
			State: &huego.State{On: true, Bri: 254, ColorMode: "ct", Ct: 300, Reachable: true}},
		huego.Light{ID: 2, Name: "Floor Lamp", Type: typeDimmable,
			State: &huego.State{On: false, Bri: 100, Reachable: true}},
		huego.Light{ID: 3, Name: "Porch", Type: typeColor,
			State: &huego.State{On: true, Bri: 1, Reachable: false}},
		huego.Light{ID: 4, Name: "Plug", Type: typeOnOffPlug,
			State: &huego.State{On: true, Reachable: true}},
	)
	b := NewBackend(bridge, nil, 1000)
	ctx := context.Background()

	tests := []struct {
		entity    string
		wantState group.MemberState
		wantBri   *int
		wantMode  string
	}{
		{entity: "light.1", wantState: group.MemberOn, wantBri: intPtr(255), wantMode: "color_temp"},
		{entity: "light.floor_lamp", wantState: group.MemberOff, wantMode: "brightness"},
		{entity: "light.porch", wantState: group.MemberUnavailable},
		{entity: "light.plug", wantState: group.MemberOn, wantBri: intPtr(255), wantMode: "onoff"},
	}

	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			obs, err := b.Observe(ctx, tt.entity)
			if err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
			if obs == nil {
				t.Fatal("Observe() = nil")
			}
			if obs.State != tt.wantState {
				t.Errorf("State = %s, want %s", obs.State, tt.wantState)
			}
			if (obs.Brightness == nil) != (tt.wantBri == nil) ||
				(obs.Brightness != nil && *obs.Brightness != *tt.wantBri) {
				t.Errorf("Brightness = %v, want %v", obs.Brightness, tt.wantBri)
			}
			if obs.ColorMode != tt.wantMode {
				t.Errorf("ColorMode = %q, want %q", obs.ColorMode, tt.wantMode)
			}
		})
	}

	obs, err := b.Observe(ctx, "light.nowhere")
	if err != nil || obs != nil {
		t.Errorf("Observe(unknown) = %v, %v; want nil, nil", obs, err)
	}
}

func TestObserveColorTempValue(t *testing.T) {
	bridge := newFakeBridge(huego.Light{ID: 7, Type: typeExtendedColor,
		State: &huego.State{On: true, Bri: 127, ColorMode: "ct", Ct: 366, Reachable: true}})
	obs, err := NewBackend(bridge, nil, 1000).Observe(context.Background(), "light.7")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if obs.Color.ColorTemp == nil || *obs.Color.ColorTemp != 366 {
		t.Errorf("ColorTemp = %v, want 366", obs.Color.ColorTemp)
	}
	if *obs.Brightness != 128 {
		t.Errorf("Brightness = %d, want 128", *obs.Brightness)
	}
	if len(obs.SupportedColorModes) != 3 {
		t.Errorf("SupportedColorModes = %v", obs.SupportedColorModes)
	}
}

func TestTurnOn(t *testing.T) {
	bridge := newFakeBridge(
		huego.Light{ID: 1, Name: "Ceiling", Type: typeExtendedColor},
		huego.Light{ID: 2, Name: "Lamp", Type: typeExtendedColor},
	)
	b := NewBackend(bridge, nil, 1000)
	transition := 1500 * time.Millisecond
	hs := group.HSColor{180, 50}

	err := b.TurnOn(context.Background(), group.LightCommand{
		EntityIDs:  []string{"light.ceiling"},
		Brightness: intPtr(255),
		Color:      group.Color{HS: &hs},
		Transition: &transition,
	})
	if err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	got := bridge.applied[1]
	if len(got) != 1 {
		t.Fatalf("applied = %v, want one state", got)
	}
	s := got[0]
	if !s.On || s.Bri != 254 || s.TransitionTime != 15 {
		t.Errorf("state = %+v", s)
	}
	if len(s.Xy) != 2 || s.Hue != 0 || s.Sat != 0 {
		t.Errorf("hs should be sent as xy, got xy=%v hue/sat=%d/%d", s.Xy, s.Hue, s.Sat)
	}
	if len(bridge.applied[2]) != 0 {
		t.Error("light 2 should not be touched")
	}
}

func TestTurnOffAndFailures(t *testing.T) {
	bridge := newFakeBridge(huego.Light{ID: 1}, huego.Light{ID: 2})
	b := NewBackend(bridge, nil, 1000)
	ctx := context.Background()

	if err := b.TurnOff(ctx, group.LightCommand{EntityIDs: []string{"light.1", "light.2"}}); err != nil {
		t.Fatalf("TurnOff() error = %v", err)
	}
	if len(bridge.applied[1]) != 1 || bridge.applied[1][0].On {
		t.Errorf("light 1 states = %+v", bridge.applied[1])
	}

	err := b.TurnOff(ctx, group.LightCommand{EntityIDs: []string{"light.missing_name"}})
	if !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("TurnOff(unknown) error = %v, want ErrUnknownEntity", err)
	}

	bridge.failSet = errors.New("link button not pressed")
	if err := b.TurnOn(ctx, group.LightCommand{EntityIDs: []string{"light.1"}}); err == nil {
		t.Error("TurnOn() should surface bridge errors")
	}
}

func TestResolveRefreshesIndex(t *testing.T) {
	bridge := newFakeBridge(huego.Light{ID: 1, Name: "Old"})
	b := NewBackend(bridge, nil, 1000)
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	bridge.mu.Lock()
	bridge.lights[5] = &huego.Light{ID: 5, Name: "New Strip"}
	bridge.mu.Unlock()

	id, err := b.resolve(ctx, "light.new_strip")
	if err != nil || id != 5 {
		t.Errorf("resolve() = %d, %v; want 5", id, err)
	}
	if bridge.listings != 2 {
		t.Errorf("listings = %d, want 2", bridge.listings)
	}
}

func TestConversions(t *testing.T) {
	briTests := []struct {
		in   int
		want uint8
	}{
		{0, 1}, {1, 1}, {128, 127}, {255, 254},
	}
	for _, tt := range briTests {
		if got := briToHue(tt.in); got != tt.want {
			t.Errorf("briToHue(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if got := briFromHue(254); got != 255 {
		t.Errorf("briFromHue(254) = %d, want 255", got)
	}
	if got := transitionToHue(2 * time.Second); got != 20 {
		t.Errorf("transitionToHue(2s) = %d, want 20", got)
	}
	if got := ctToHue(40); got != minCt {
		t.Errorf("ctToHue(40) = %d, want %d", got, minCt)
	}
	if got := slugify("  Living Room #2 "); got != "living_room_2" {
		t.Errorf("slugify() = %q", got)
	}

	// sRGB red has chromaticity near (0.64, 0.33).
	xy := rgbToXY(255, 0, 0)
	if math.Abs(float64(xy[0])-0.64) > 0.01 || math.Abs(float64(xy[1])-0.33) > 0.01 {
		t.Errorf("rgbToXY(red) = %v", xy)
	}
}

func TestApplyColorUsesWinningMode(t *testing.T) {
	ct := 250
	hs := group.HSColor{10, 10}
	var s huego.State
	applyColor(&s, group.Color{HS: &hs, ColorTemp: &ct})

	if s.Ct != 250 {
		t.Errorf("Ct = %d, want 250", s.Ct)
	}
	if s.Hue != 0 || s.Sat != 0 || s.Xy != nil {
		t.Errorf("hs should not be sent, got xy=%v hue/sat=%d/%d", s.Xy, s.Hue, s.Sat)
	}
}

func TestTurnOnRequestBody(t *testing.T) {
	zero := time.Duration(0)
	tests := []struct {
		name     string
		color    group.Color
		contains []string
		wantXY   [2]float64
	}{
		{
			name:     "hue_zero_red",
			color:    group.Color{HS: &group.HSColor{0, 100}},
			contains: []string{`"xy":[`},
			wantXY:   [2]float64{0.64, 0.33},
		},
		{
			name:     "saturation_zero_white",
			color:    group.Color{HS: &group.HSColor{120, 0}},
			contains: []string{`"xy":[`},
			wantXY:   [2]float64{0.3127, 0.329},
		},
		{
			name:     "hue_wraps_negative",
			color:    group.Color{HS: &group.HSColor{-360, 100}},
			contains: []string{`"xy":[`},
			wantXY:   [2]float64{0.64, 0.33},
		},
		{
			name:     "color_temp",
			color:    group.Color{ColorTemp: intPtr(370)},
			contains: []string{`"ct":370`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge(huego.Light{ID: 1, Type: typeExtendedColor})
			b := NewBackend(bridge, nil, 1000)

			err := b.TurnOn(context.Background(), group.LightCommand{
				EntityIDs:  []string{"light.1"},
				Brightness: intPtr(128),
				Color:      tt.color,
			})
			if err != nil {
				t.Fatalf("TurnOn() error = %v", err)
			}

			body := bridge.body(t, 1)
			for _, want := range append(tt.contains, `"on":true`, `"bri":127`) {
				if !strings.Contains(body, want) {
					t.Errorf("body %s does not contain %s", body, want)
				}
			}
			if strings.Contains(body, `"hue":`) || strings.Contains(body, `"sat":`) {
				t.Errorf("body %s should not carry hue/sat", body)
			}
			if tt.wantXY != [2]float64{} {
				xy := bridge.applied[1][0].Xy
				if math.Abs(float64(xy[0])-tt.wantXY[0]) > 0.01 || math.Abs(float64(xy[1])-tt.wantXY[1]) > 0.01 {
					t.Errorf("xy = %v, want %v", xy, tt.wantXY)
				}
			}
		})
	}

	// A zero transition cannot be expressed through huego and must not fall
	// back to the bridge's default transition silently when an instant route exists.
	bridge := newFakeBridge(huego.Light{ID: 1, Type: typeExtendedColor})
	instant := &fakeInstant{}
	b := NewBackend(bridge, instant, 1000)
	if err := b.TurnOff(context.Background(), group.LightCommand{EntityIDs: []string{"light.1"}, Transition: &zero}); err != nil {
		t.Fatalf("TurnOff() error = %v", err)
	}
	if len(bridge.applied[1]) != 0 {
		t.Errorf("zero transition went through v1: %+v", bridge.applied[1])
	}
	if got := instant.applied[1]; len(got) != 1 || got[0].On {
		t.Errorf("instant states = %+v, want one off state", got)
	}
}

func TestTransitionRouting(t *testing.T) {
	tests := []struct {
		name        string
		transition  *time.Duration
		wantInstant bool
		wantBody    string
	}{
		{name: "unset", transition: nil, wantBody: `{"on":true}`},
		{name: "zero", transition: durPtr(0), wantInstant: true},
		{name: "below_resolution", transition: durPtr(40 * time.Millisecond), wantInstant: true},
		{name: "one_decisecond", transition: durPtr(100 * time.Millisecond), wantBody: `{"on":true,"transitiontime":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge(huego.Light{ID: 2})
			instant := &fakeInstant{}
			b := NewBackend(bridge, instant, 1000)

			if err := b.TurnOn(context.Background(), group.LightCommand{EntityIDs: []string{"light.2"}, Transition: tt.transition}); err != nil {
				t.Fatalf("TurnOn() error = %v", err)
			}
			if gotInstant := len(instant.applied[2]) == 1; gotInstant != tt.wantInstant {
				t.Fatalf("instant route used = %v, want %v", gotInstant, tt.wantInstant)
			}
			if !tt.wantInstant {
				if body := bridge.body(t, 2); body != tt.wantBody {
					t.Errorf("body = %s, want %s", body, tt.wantBody)
				}
			}
		})
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

func TestCommandDeadlineReachesBridge(t *testing.T) {
	tests := []struct {
		name string
		call func(ctx context.Context, b *Backend) error
	}{
		{
			name: "turn_on",
			call: func(ctx context.Context, b *Backend) error {
				return b.TurnOn(ctx, group.LightCommand{EntityIDs: []string{"light.1"}, Brightness: intPtr(10)})
			},
		},
		{
			name: "turn_off",
			call: func(ctx context.Context, b *Backend) error {
				return b.TurnOff(ctx, group.LightCommand{EntityIDs: []string{"light.1"}})
			},
		},
		{
			name: "observe",
			call: func(ctx context.Context, b *Backend) error {
				_, err := b.Observe(ctx, "light.1")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge(huego.Light{ID: 1})
			bridge.hang = true
			b := NewBackend(bridge, nil, 1000)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- tt.call(ctx, b) }()

			select {
			case err := <-done:
				if !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("error = %v, want context.DeadlineExceeded", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("bridge call ignored the command deadline")
			}
		})
	}
}
