package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"freespot/internal/connect"
	"freespot/internal/core"
)

// fakeController records the calls the HTTP surface makes.
type fakeController struct {
	state        core.PlaybackState
	devices      core.DeviceRegistry
	sessionState connect.SessionState

	calls []string
	err   error
}

func (f *fakeController) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) State() core.PlaybackState          { return f.state }
func (f *fakeController) Devices() core.DeviceRegistry       { return f.devices }
func (f *fakeController) SessionState() connect.SessionState { return f.sessionState }
func (f *fakeController) DeviceID() string                   { return "control-dev" }

func (f *fakeController) Snapshot(context.Context) error { return f.record("snapshot") }
func (f *fakeController) Pause(context.Context) error    { return f.record("pause") }
func (f *fakeController) Resume(context.Context) error   { return f.record("resume") }
func (f *fakeController) Next(context.Context) error     { return f.record("next") }
func (f *fakeController) Previous(context.Context) error { return f.record("previous") }

func (f *fakeController) Seek(_ context.Context, position time.Duration) error {
	f.calls = append(f.calls, "seek:"+position.String())
	return f.err
}

func (f *fakeController) SetShuffle(_ context.Context, shuffle bool) error {
	if shuffle {
		return f.record("shuffle:on")
	}
	return f.record("shuffle:off")
}

func (f *fakeController) SetRepeat(_ context.Context, mode core.RepeatMode) error {
	return f.record("repeat:" + string(mode))
}

func (f *fakeController) SetVolume(_ context.Context, _ float64) error {
	return f.record("volume")
}

func (f *fakeController) Mute(context.Context) error   { return f.record("mute") }
func (f *fakeController) Unmute(context.Context) error { return f.record("unmute") }

func (f *fakeController) TransferPlayback(_ context.Context, deviceName string) error {
	return f.record("transfer:" + deviceName)
}

func newTestServer(t *testing.T, controller Controller) *httptest.Server {
	t.Helper()

	cfg := &core.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	s := NewServer(cfg, controller, zap.NewNop())

	server := httptest.NewServer(s.server.Handler)
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("decoding %s: %v", data, err)
		}
	}
	return resp.StatusCode
}

func postStatus(t *testing.T, url string) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	anchor := time.Now().Add(-10 * time.Second)
	controller := &fakeController{
		state: core.PlaybackState{
			Track: core.Track{
				ID:       "t1",
				Title:    "Song",
				Artist:   "Artist",
				Duration: 3 * time.Minute,
			},
			IsPlaying:        true,
			Position:         time.Minute,
			PositionAt:       anchor,
			ActiveDeviceID:   "dev-1",
			ActiveDeviceName: "Office",
			Volume:           0.8,
			Repeat:           core.RepeatAll,
		},
		sessionState: connect.StateActive,
	}
	server := newTestServer(t, controller)

	var resp struct {
		Track struct {
			Title      string `json:"title"`
			DurationMs int64  `json:"duration_ms"`
		} `json:"track"`
		IsPlaying  bool    `json:"is_playing"`
		PositionMs int64   `json:"position_ms"`
		Volume     float64 `json:"volume"`
		Repeat     string  `json:"repeat"`
		Session    string  `json:"session"`
	}
	if status := getJSON(t, server.URL+"/status", &resp); status != http.StatusOK {
		t.Fatalf("GET /status = %d", status)
	}

	if resp.Track.Title != "Song" || resp.Track.DurationMs != 180000 {
		t.Errorf("track = %+v", resp.Track)
	}
	if !resp.IsPlaying || resp.Repeat != "all" || resp.Session != "active" {
		t.Errorf("status = %+v", resp)
	}
	// Live position extrapolates roughly ten seconds past the anchor.
	if resp.PositionMs < 69000 || resp.PositionMs > 75000 {
		t.Errorf("position_ms = %d, expected ~70000", resp.PositionMs)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	controller := &fakeController{
		state:   core.PlaybackState{ActiveDeviceID: "dev-1"},
		devices: core.DeviceRegistry{"Office": "dev-1", "Kitchen": "dev-2"},
	}
	server := newTestServer(t, controller)

	var resp struct {
		Devices []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Active bool   `json:"active"`
		} `json:"devices"`
	}
	if status := getJSON(t, server.URL+"/devices", &resp); status != http.StatusOK {
		t.Fatalf("GET /devices = %d", status)
	}

	if len(resp.Devices) != 2 {
		t.Fatalf("device count = %d", len(resp.Devices))
	}
	for _, d := range resp.Devices {
		if d.Name == "Office" && !d.Active {
			t.Error("active device not flagged")
		}
		if d.Name == "Kitchen" && d.Active {
			t.Error("inactive device flagged active")
		}
	}
}

func TestReadiness(t *testing.T) {
	controller := &fakeController{sessionState: connect.StateConnecting}
	server := newTestServer(t, controller)

	if status := getJSON(t, server.URL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz while connecting = %d, expected 503", status)
	}

	controller.sessionState = connect.StateActive
	if status := getJSON(t, server.URL+"/readyz", nil); status != http.StatusOK {
		t.Errorf("GET /readyz while active = %d, expected 200", status)
	}
}

func TestCommandRouting(t *testing.T) {
	tests := []struct {
		path         string
		expectedCall string
	}{
		{path: "/player/pause", expectedCall: "pause"},
		{path: "/player/resume", expectedCall: "resume"},
		{path: "/player/next", expectedCall: "next"},
		{path: "/player/previous", expectedCall: "previous"},
		{path: "/player/refresh", expectedCall: "snapshot"},
		{path: "/player/mute", expectedCall: "mute"},
		{path: "/player/unmute", expectedCall: "unmute"},
		{path: "/player/seek?position_ms=90000", expectedCall: "seek:1m30s"},
		{path: "/player/shuffle?state=true", expectedCall: "shuffle:on"},
		{path: "/player/repeat?mode=one", expectedCall: "repeat:one"},
		{path: "/player/volume?level=0.5", expectedCall: "volume"},
		{path: "/player/transfer?device=Kitchen", expectedCall: "transfer:Kitchen"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			controller := &fakeController{}
			server := newTestServer(t, controller)

			if status := postStatus(t, server.URL+tt.path); status != http.StatusOK {
				t.Fatalf("POST %s = %d", tt.path, status)
			}
			if len(controller.calls) != 1 || controller.calls[0] != tt.expectedCall {
				t.Errorf("calls = %v, expected [%s]", controller.calls, tt.expectedCall)
			}
		})
	}
}

func TestCommandBadInput(t *testing.T) {
	tests := []string{
		"/player/seek?position_ms=abc",
		"/player/seek?position_ms=-5",
		"/player/seek",
		"/player/shuffle?state=banana",
		"/player/repeat?mode=sometimes",
		"/player/volume?level=1.5",
		"/player/volume?level=x",
		"/player/transfer",
	}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			controller := &fakeController{}
			server := newTestServer(t, controller)

			if status := postStatus(t, server.URL+path); status != http.StatusBadRequest {
				t.Errorf("POST %s = %d, expected 400", path, status)
			}
			if len(controller.calls) != 0 {
				t.Errorf("controller reached with bad input: %v", controller.calls)
			}
		})
	}
}

func TestCommandMethodEnforcement(t *testing.T) {
	controller := &fakeController{}
	server := newTestServer(t, controller)

	if status := getJSON(t, server.URL+"/player/pause", nil); status != http.StatusMethodNotAllowed {
		t.Errorf("GET /player/pause = %d, expected 405", status)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	controller := &fakeController{err: &core.CommandError{Endpoint: "pause", Status: 403}}
	server := newTestServer(t, controller)

	if status := postStatus(t, server.URL+"/player/pause"); status != http.StatusBadGateway {
		t.Errorf("rejected command mapped to %d, expected 502", status)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, &fakeController{})

	var resp map[string]string
	if status := getJSON(t, server.URL+"/healthz", &resp); status != http.StatusOK {
		t.Fatalf("GET /healthz = %d", status)
	}
	if resp["status"] != "ok" {
		t.Errorf("healthz body = %v", resp)
	}
}
