package hue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
)

// Clip is a small client for the bridge's CLIP v2 API. huego only speaks v1,
// which has no event stream and cannot express a zero transition. The bridge
// serves both APIs at once, so Clip runs alongside the huego backend.
type Clip struct {
	address    string
	token      string
	httpClient *http.Client

	mu   sync.RWMutex
	byV1 map[int]string // v1 light id -> v2 resource id
	byV2 map[string]int
}

// NewClip creates a CLIP v2 client. A nil httpClient gets one that accepts the
// bridge's self-signed certificate and has no overall timeout, since the event
// stream is a long-lived response; requests are bounded by their contexts.
func NewClip(host, token string, httpClient *http.Client) *Clip {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	address := strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	return &Clip{
		address:    strings.TrimSuffix(address, "/"),
		token:      token,
		httpClient: httpClient,
		byV1:       make(map[int]string),
		byV2:       make(map[string]int),
	}
}

// Close closes idle connections.
func (c *Clip) Close() {
	c.httpClient.CloseIdleConnections()
}

// Connect loads the light id index, which also checks the v2 API is reachable.
func (c *Clip) Connect(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("failed to connect to Hue bridge V2 API: %w", err)
	}
	return nil
}

func (c *Clip) request(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("hue-application-key", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func (c *Clip) resourceURL(path string) string {
	return fmt.Sprintf("https://%s/clip/v2/%s", c.address, path)
}

// stream opens the server-sent event stream.
func (c *Clip) stream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/eventstream/clip/v2", c.address), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("hue-application-key", c.token)
	req.Header.Set("Accept", "text/event-stream")
	return c.httpClient.Do(req)
}

// clipLight is the part of a v2 light resource we need.
type clipLight struct {
	ID   string `json:"id"`
	IDV1 string `json:"id_v1,omitempty"`
}

// lights lists the v2 light resources.
func (c *Clip) lights(ctx context.Context) ([]clipLight, error) {
	resp, err := c.request(ctx, http.MethodGet, c.resourceURL("resource/light"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result struct {
		Data []clipLight `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *Clip) refresh(ctx context.Context) error {
	lights, err := c.lights(ctx)
	if err != nil {
		return err
	}

	byV1 := make(map[int]string, len(lights))
	byV2 := make(map[string]int, len(lights))
	for _, l := range lights {
		id, ok := parseIDV1(l.IDV1)
		if !ok {
			continue
		}
		byV1[id] = l.ID
		byV2[l.ID] = id
	}

	c.mu.Lock()
	c.byV1, c.byV2 = byV1, byV2
	c.mu.Unlock()
	log.Debug().Int("lights", len(byV1)).Msg("Loaded V2 light index")
	return nil
}

// parseIDV1 extracts n from a v1 reference of the form /lights/n.
func parseIDV1(ref string) (int, bool) {
	n, ok := strings.CutPrefix(ref, "/lights/")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(n)
	return id, err == nil
}

// resourceID maps a v1 light id to its v2 resource id, reloading the index once on a miss.
func (c *Clip) resourceID(ctx context.Context, lightID int) (string, error) {
	c.mu.RLock()
	rid, ok := c.byV1[lightID]
	c.mu.RUnlock()
	if ok {
		return rid, nil
	}

	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	rid, ok = c.byV1[lightID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: light %d has no V2 resource", ErrUnknownEntity, lightID)
	}
	return rid, nil
}

// lightIDV1 maps a v2 resource id to its v1 light id from the cached index.
func (c *Clip) lightIDV1(rid string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byV2[rid]
	return id, ok
}

type clipOn struct {
	On bool `json:"on"`
}

type clipDimming struct {
	Brightness float64 `json:"brightness"` // percent
}

type clipXY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type clipColor struct {
	XY clipXY `json:"xy"`
}

type clipMirek struct {
	Mirek int `json:"mirek"`
}

type clipDynamics struct {
	Duration int `json:"duration"` // milliseconds
}

// clipUpdate is a v2 light PUT body.
type clipUpdate struct {
	On               *clipOn       `json:"on,omitempty"`
	Dimming          *clipDimming  `json:"dimming,omitempty"`
	Color            *clipColor    `json:"color,omitempty"`
	ColorTemperature *clipMirek    `json:"color_temperature,omitempty"`
	Dynamics         *clipDynamics `json:"dynamics,omitempty"`
}

// instantUpdate translates a v1 state into a v2 update with a zero duration.
func instantUpdate(state huego.State) clipUpdate {
	u := clipUpdate{
		On:       &clipOn{On: state.On},
		Dynamics: &clipDynamics{Duration: 0},
	}
	if state.Bri > 0 {
		u.Dimming = &clipDimming{Brightness: math.Round(float64(state.Bri)/maxBri*10000) / 100}
	}
	if len(state.Xy) == 2 {
		u.Color = &clipColor{XY: clipXY{X: float64(state.Xy[0]), Y: float64(state.Xy[1])}}
	}
	if state.Ct > 0 {
		u.ColorTemperature = &clipMirek{Mirek: int(state.Ct)}
	}
	return u
}

// updateLight PUTs an update to a v2 light resource.
func (c *Clip) updateLight(ctx context.Context, rid string, update clipUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, http.MethodPut, c.resourceURL("resource/light/"+rid), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to update light: %s", strings.TrimSpace(string(msg)))
	}
	return nil
}

// SetInstant implements InstantSetter.
func (c *Clip) SetInstant(ctx context.Context, lightID int, state huego.State) error {
	rid, err := c.resourceID(ctx, lightID)
	if err != nil {
		return err
	}
	return c.updateLight(ctx, rid, instantUpdate(state))
}
