package connect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"freespot/internal/api"
	"freespot/internal/core"
)

type staticTokens struct{}

func (staticTokens) AccessToken(_ context.Context, _ string) (core.AccessToken, error) {
	return core.AccessToken{Value: "test-token", DerivedAt: time.Now()}, nil
}

func newTestDispatcher(baseURL string) *Dispatcher {
	cfg := &core.AppConfig{
		RequestTimeout: time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}
	client := api.NewClient(staticTokens{}, "cookie", cfg, zap.NewNop())

	d := NewDispatcher(client, zap.NewNop())
	d.base = baseURL
	return d
}

func TestWireVolume(t *testing.T) {
	tests := []struct {
		name     string
		level    float64
		expected int
	}{
		{name: "silent", level: 0, expected: 0},
		{name: "full", level: 1, expected: 65535},
		{name: "half rounds up", level: 0.5, expected: 32768},
		{name: "clamped below", level: -0.3, expected: 0},
		{name: "clamped above", level: 1.7, expected: 65535},
		{name: "quarter", level: 0.25, expected: 16384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WireVolume(tt.level); got != tt.expected {
				t.Errorf("WireVolume(%v) = %d, expected %d", tt.level, got, tt.expected)
			}
		})
	}
}

type capturedRequest struct {
	method string
	path   string
	body   map[string]any
}

func captureServer(t *testing.T, status int, captured *[]capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("reading request body: %v", err)
		}

		var body map[string]any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				t.Fatalf("request body is not JSON: %v", err)
			}
		}

		*captured = append(*captured, capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			body:   body,
		})
		w.WriteHeader(status)
	}))
}

func TestDispatcherCommandEnvelope(t *testing.T) {
	var captured []capturedRequest
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	d := newTestDispatcher(server.URL)

	err := d.Seek(context.Background(), "src-dev", "dst-dev", 90*time.Second)
	if err != nil {
		t.Fatalf("Seek() error: %v", err)
	}

	if len(captured) != 1 {
		t.Fatalf("server saw %d requests, expected 1", len(captured))
	}
	req := captured[0]

	if req.method != http.MethodPost {
		t.Errorf("method = %s", req.method)
	}
	if req.path != "/connect-state/v1/player/command/from/src-dev/to/dst-dev" {
		t.Errorf("path = %s", req.path)
	}

	cmd, ok := req.body["command"].(map[string]any)
	if !ok {
		t.Fatalf("body missing command envelope: %v", req.body)
	}
	if cmd["endpoint"] != "seek_to" {
		t.Errorf("endpoint = %v", cmd["endpoint"])
	}
	if cmd["value"] != float64(90000) {
		t.Errorf("value = %v, expected 90000", cmd["value"])
	}

	logging, ok := cmd["logging_params"].(map[string]any)
	if !ok || logging["command_id"] == "" {
		t.Errorf("command id missing: %v", cmd["logging_params"])
	}
}

func TestDispatcherRepeatFlags(t *testing.T) {
	tests := []struct {
		mode            core.RepeatMode
		expectedContext bool
		expectedTrack   bool
	}{
		{mode: core.RepeatOff, expectedContext: false, expectedTrack: false},
		{mode: core.RepeatAll, expectedContext: true, expectedTrack: false},
		{mode: core.RepeatOne, expectedContext: false, expectedTrack: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			var captured []capturedRequest
			server := captureServer(t, http.StatusOK, &captured)
			defer server.Close()

			d := newTestDispatcher(server.URL)
			if err := d.SetRepeat(context.Background(), "src", "dst", tt.mode); err != nil {
				t.Fatalf("SetRepeat() error: %v", err)
			}

			cmd := captured[0].body["command"].(map[string]any)
			if cmd["endpoint"] != "set_options" {
				t.Errorf("endpoint = %v", cmd["endpoint"])
			}
			if cmd["repeating_context"] != tt.expectedContext {
				t.Errorf("repeating_context = %v, expected %v", cmd["repeating_context"], tt.expectedContext)
			}
			if cmd["repeating_track"] != tt.expectedTrack {
				t.Errorf("repeating_track = %v, expected %v", cmd["repeating_track"], tt.expectedTrack)
			}
		})
	}
}

func TestDispatcherVolumeRoute(t *testing.T) {
	var captured []capturedRequest
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	d := newTestDispatcher(server.URL)
	if err := d.SetVolume(context.Background(), "src", "dst", 0.5); err != nil {
		t.Fatalf("SetVolume() error: %v", err)
	}

	req := captured[0]
	if req.method != http.MethodPut {
		t.Errorf("method = %s, expected PUT", req.method)
	}
	if req.path != "/connect-state/v1/connect/volume/from/src/to/dst" {
		t.Errorf("path = %s", req.path)
	}
	if req.body["volume"] != float64(32768) {
		t.Errorf("volume = %v, expected 32768", req.body["volume"])
	}
}

func TestDispatcherTransferRoute(t *testing.T) {
	var captured []capturedRequest
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	d := newTestDispatcher(server.URL)
	if err := d.TransferPlayback(context.Background(), "src", "dst"); err != nil {
		t.Fatalf("TransferPlayback() error: %v", err)
	}

	req := captured[0]
	if req.method != http.MethodPost {
		t.Errorf("method = %s", req.method)
	}
	if req.path != "/connect-state/v1/connect/transfer/from/src/to/dst" {
		t.Errorf("path = %s", req.path)
	}
}

func TestDispatcherRejectedCommand(t *testing.T) {
	var captured []capturedRequest
	server := captureServer(t, http.StatusForbidden, &captured)
	defer server.Close()

	d := newTestDispatcher(server.URL)

	err := d.Pause(context.Background(), "src", "dst")
	var cmdErr *core.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Endpoint != "pause" || cmdErr.Status != http.StatusForbidden {
		t.Errorf("CommandError = %+v", cmdErr)
	}
}

func TestDispatcherRequiresTarget(t *testing.T) {
	d := newTestDispatcher("http://127.0.0.1:1")

	err := d.Resume(context.Background(), "src", "")
	var cmdErr *core.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError for missing target, got %v", err)
	}
}
