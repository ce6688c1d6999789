package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/deltalux/internal/api"
	"github.com/dokzlo13/deltalux/internal/app"
	"github.com/dokzlo13/deltalux/internal/db"
	"github.com/dokzlo13/deltalux/internal/eventbus"
	"github.com/dokzlo13/deltalux/internal/group"
	"github.com/dokzlo13/deltalux/internal/groupcfg"
	"github.com/dokzlo13/deltalux/internal/ledger"
	"github.com/dokzlo13/deltalux/internal/sim"
	"github.com/dokzlo13/deltalux/internal/storage"
	"github.com/dokzlo13/deltalux/internal/watch"
)

const kitchenYAML = `name: Kitchen
offset_type: absolute
lights:
  - entity_id: light.counter
  - entity_id: light.pendant
    offset: -25
`

func newTestServer(t *testing.T) (*httptest.Server, *api.Server, *sim.Backend) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "api.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	lights := sim.New(
		sim.Light{EntityID: "light.counter"},
		sim.Light{EntityID: "light.pendant"},
		sim.Light{EntityID: "light.island"},
	)
	bus := eventbus.New()
	t.Cleanup(func() { bus.Close(context.Background()) })

	store := storage.NewStore(database.DB)
	groups := app.NewGroupService(app.GroupServiceDeps{
		Configs:    groupcfg.NewStore(store),
		Store:      store,
		Ledger:     ledger.New(database.DB),
		Bus:        bus,
		Observer:   lights,
		Dispatcher: lights,
		Subscriber: watch.NewPoller(lights, bus, time.Hour),
		Timeout:    time.Second,
	})
	t.Cleanup(groups.Stop)

	server := api.NewServer("127.0.0.1:0", groups)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, server, lights
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(data)
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decoding %q: %v", body, err)
	}
	return v
}

func createKitchen(t *testing.T, ts *httptest.Server) groupcfg.Entry {
	t.Helper()
	status, body := do(t, ts, http.MethodPost, "/groups", kitchenYAML)
	if status != http.StatusCreated {
		t.Fatalf("POST /groups = %d %s", status, body)
	}
	return decode[groupcfg.Entry](t, body)
}

func TestHealthAndReady(t *testing.T) {
	ts, server, _ := newTestServer(t)

	if status, _ := do(t, ts, http.MethodGet, "/health", ""); status != http.StatusOK {
		t.Errorf("GET /health = %d", status)
	}
	if status, _ := do(t, ts, http.MethodGet, "/ready", ""); status != http.StatusServiceUnavailable {
		t.Errorf("GET /ready before start = %d, want 503", status)
	}
	server.SetReady(true)
	if status, _ := do(t, ts, http.MethodGet, "/ready", ""); status != http.StatusOK {
		t.Errorf("GET /ready = %d, want 200", status)
	}
}

func TestCreateGroup(t *testing.T) {
	ts, _, _ := newTestServer(t)

	e := createKitchen(t, ts)
	if e.ID == "" || e.Name != "Kitchen" || len(e.Lights) != 2 {
		t.Errorf("created entry = %+v", e)
	}

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"duplicate_name", strings.Replace(kitchenYAML, "Kitchen", "kitchen", 1), http.StatusConflict, "already exists"},
		{"too_few_lights", "name: Solo\nlights:\n  - entity_id: light.counter\n", http.StatusBadRequest, "At least 2 lights"},
		{"bad_entity", "name: Bad\nlights:\n  - entity_id: switch.a\n  - entity_id: light.b\n", http.StatusBadRequest, "Invalid entity_id"},
		{"not_yaml", "name: [unclosed", http.StatusBadRequest, "Invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, ts, http.MethodPost, "/groups", tt.body)
			if status != tt.status || !strings.Contains(body, tt.want) {
				t.Errorf("POST /groups = %d %s, want %d containing %q", status, body, tt.status, tt.want)
			}
		})
	}
}

func TestGetAndList(t *testing.T) {
	ts, _, _ := newTestServer(t)
	e := createKitchen(t, ts)

	for _, path := range []string{"/groups/" + e.ID, "/groups/Kitchen"} {
		status, body := do(t, ts, http.MethodGet, path, "")
		if status != http.StatusOK {
			t.Fatalf("GET %s = %d %s", path, status, body)
		}
		snap := decode[group.Snapshot](t, body)
		if snap.ID != e.ID || snap.IsOn || snap.Brightness != nil || snap.MasterBrightness != group.DefaultMasterBrightness {
			t.Errorf("GET %s = %+v", path, snap)
		}
	}

	status, body := do(t, ts, http.MethodGet, "/groups", "")
	if status != http.StatusOK {
		t.Fatalf("GET /groups = %d", status)
	}
	if list := decode[[]group.Snapshot](t, body); len(list) != 1 || list[0].Name != "Kitchen" {
		t.Errorf("GET /groups = %s", body)
	}

	if status, _ := do(t, ts, http.MethodGet, "/groups/nope", ""); status != http.StatusNotFound {
		t.Errorf("GET /groups/nope = %d, want 404", status)
	}
}

func TestTurnOnAndOff(t *testing.T) {
	ts, _, lights := newTestServer(t)
	e := createKitchen(t, ts)

	status, body := do(t, ts, http.MethodPost, "/groups/"+e.ID+"/turn_on", `{"brightness": 200, "transition": 2, "color_temp": 300}`)
	if status != http.StatusOK {
		t.Fatalf("turn_on = %d %s", status, body)
	}
	snap := decode[group.Snapshot](t, body)
	if !snap.IsOn || snap.Brightness == nil || *snap.Brightness != 200 {
		t.Errorf("turn_on snapshot = %+v", snap)
	}

	pendant, _ := lights.Get("light.pendant")
	if !pendant.On || pendant.Brightness != 136 {
		t.Errorf("light.pendant = on:%v brightness:%d, want on at 136", pendant.On, pendant.Brightness)
	}
	cmds := lights.Commands()
	last := cmds[len(cmds)-1].Cmd
	if last.Transition == nil || *last.Transition != 2*time.Second || last.Color.ColorTemp == nil || *last.Color.ColorTemp != 300 {
		t.Errorf("last dispatched command = %+v", last)
	}

	// A bare turn_on keeps the master brightness.
	if status, body := do(t, ts, http.MethodPost, "/groups/Kitchen/turn_on", ""); status != http.StatusOK {
		t.Fatalf("bare turn_on = %d %s", status, body)
	} else if snap := decode[group.Snapshot](t, body); snap.MasterBrightness != 200 {
		t.Errorf("bare turn_on master = %d, want 200", snap.MasterBrightness)
	}

	status, body = do(t, ts, http.MethodPost, "/groups/Kitchen/turn_off", `{"transition": 0.5}`)
	if status != http.StatusOK {
		t.Fatalf("turn_off = %d %s", status, body)
	}
	snap = decode[group.Snapshot](t, body)
	if snap.IsOn || snap.Brightness != nil || snap.MasterBrightness != 200 {
		t.Errorf("turn_off snapshot = %+v", snap)
	}
	if counter, _ := lights.Get("light.counter"); counter.On {
		t.Error("light.counter still on")
	}
}

func TestCommandErrors(t *testing.T) {
	ts, _, lights := newTestServer(t)
	e := createKitchen(t, ts)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown_group", "/groups/nope/turn_on", "", http.StatusNotFound},
		{"brightness_range", "/groups/" + e.ID + "/turn_on", `{"brightness": 256}`, http.StatusBadRequest},
		{"negative_transition", "/groups/" + e.ID + "/turn_off", `{"transition": -1}`, http.StatusBadRequest},
		{"bad_json", "/groups/" + e.ID + "/turn_on", `{"brightness":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := do(t, ts, http.MethodPost, tt.path, tt.body); status != tt.status {
				t.Errorf("POST %s = %d %s, want %d", tt.path, status, body, tt.status)
			}
		})
	}

	lights.SetFailure("light.pendant", errors.New("bridge unreachable"))
	status, body := do(t, ts, http.MethodPost, "/groups/"+e.ID+"/turn_on", `{"brightness": 50}`)
	if status != http.StatusBadGateway || !strings.Contains(body, "bridge unreachable") {
		t.Errorf("turn_on with failing light = %d %s, want 502", status, body)
	}
}

func TestEditGroup(t *testing.T) {
	ts, _, _ := newTestServer(t)
	e := createKitchen(t, ts)

	status, body := do(t, ts, http.MethodGet, "/groups/"+e.ID+"/yaml", "")
	if status != http.StatusOK || !strings.Contains(body, "light.pendant") {
		t.Fatalf("GET yaml = %d %s", status, body)
	}

	edited := strings.Replace(body, "absolute", "relative", 1)
	if status, body := do(t, ts, http.MethodPut, "/groups/"+e.ID+"/yaml", edited); status != http.StatusOK {
		t.Fatalf("PUT yaml = %d %s", status, body)
	} else if got := decode[groupcfg.Entry](t, body); got.OffsetType != group.OffsetRelative {
		t.Errorf("PUT yaml offset_type = %s", got.OffsetType)
	}
	if status, _ := do(t, ts, http.MethodPut, "/groups/"+e.ID+"/yaml", "name: X\nlights: 3\n"); status != http.StatusBadRequest {
		t.Errorf("PUT invalid yaml = %d, want 400", status)
	}

	status, body = do(t, ts, http.MethodPut, "/groups/"+e.ID+"/lights",
		`{"entity_ids": ["light.counter", "light.island"], "added": {"light.island": {"offset": 15, "min_percent": 10, "max_percent": 90}}}`)
	if status != http.StatusOK {
		t.Fatalf("PUT lights = %d %s", status, body)
	}
	got := decode[groupcfg.Entry](t, body)
	want := groupcfg.Light{EntityID: "light.island", Offset: 15, MinBrightness: 10, MaxBrightness: 90}
	if len(got.Lights) != 2 || got.Lights[1] != want {
		t.Errorf("PUT lights = %+v", got.Lights)
	}

	status, body = do(t, ts, http.MethodPut, "/groups/"+e.ID+"/offsets",
		`{"offset_type": "absolute", "lights": {"light.counter": {"offset": -10, "min_percent": 1, "max_percent": 100}}}`)
	if status != http.StatusOK {
		t.Fatalf("PUT offsets = %d %s", status, body)
	}
	got = decode[groupcfg.Entry](t, body)
	if got.OffsetType != group.OffsetAbsolute || got.Lights[0].Offset != -10 || got.Lights[1].Offset != 15 {
		t.Errorf("PUT offsets = %+v", got)
	}

	if status, _ := do(t, ts, http.MethodPut, "/groups/"+e.ID+"/offsets", `{"offset_type": "sideways"}`); status != http.StatusBadRequest {
		t.Errorf("PUT offsets with bad mode = %d, want 400", status)
	}
	if status, _ := do(t, ts, http.MethodPut, "/groups/"+e.ID+"/lights", `{"entity_ids": ["light.counter"], "extra": 1}`); status != http.StatusBadRequest {
		t.Errorf("PUT lights with unknown field = %d, want 400", status)
	}
}

func TestHistoryAndDelete(t *testing.T) {
	ts, _, _ := newTestServer(t)
	e := createKitchen(t, ts)

	if status, body := do(t, ts, http.MethodPost, "/groups/Kitchen/turn_on", ""); status != http.StatusOK {
		t.Fatalf("turn_on = %d %s", status, body)
	}

	status, body := do(t, ts, http.MethodGet, "/groups/"+e.ID+"/history?limit=1", "")
	if status != http.StatusOK {
		t.Fatalf("GET history = %d %s", status, body)
	}
	entries := decode[[]ledger.Entry](t, body)
	if len(entries) != 1 || entries[0].EventType != ledger.EventGroupTurnedOn || entries[0].GroupID != e.ID {
		t.Errorf("history = %s", body)
	}
	if status, _ := do(t, ts, http.MethodGet, "/groups/"+e.ID+"/history?limit=zero", ""); status != http.StatusBadRequest {
		t.Errorf("GET history with bad limit = %d, want 400", status)
	}

	if status, _ := do(t, ts, http.MethodDelete, "/groups/"+e.ID, ""); status != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", status)
	}
	if status, _ := do(t, ts, http.MethodDelete, "/groups/"+e.ID, ""); status != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", status)
	}
	if status, _ := do(t, ts, http.MethodGet, "/groups/"+e.ID, ""); status != http.StatusNotFound {
		t.Errorf("GET deleted group = %d, want 404", status)
	}
}
