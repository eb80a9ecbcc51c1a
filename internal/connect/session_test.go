package connect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"freespot/internal/core"
	"freespot/internal/store"
)

func testAppConfig() *core.AppConfig {
	return &core.AppConfig{
		RequestTimeout: time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		PingInterval:   time.Hour,
	}
}

// registerServer fakes the device registration endpoints and records what
// was registered.
type registerServer struct {
	server      *httptest.Server
	deviceCalls atomic.Int32
	shadowCalls atomic.Int32
	failDevice  bool

	lastConnectionID atomic.Value
}

func newRegisterServer(t *testing.T) *registerServer {
	t.Helper()
	rs := &registerServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/track-playback/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		rs.deviceCalls.Add(1)
		rs.lastConnectionID.Store(r.Header.Get("X-Spotify-Connection-Id"))
		if r.Method != http.MethodPost {
			t.Errorf("device registration method = %s", r.Method)
		}
		if rs.failDevice {
			w.WriteHeader(http.StatusForbidden)
		}
	})
	mux.HandleFunc("/connect-state/v1/devices/", func(w http.ResponseWriter, r *http.Request) {
		rs.shadowCalls.Add(1)
		if r.Method != http.MethodPut {
			t.Errorf("shadow registration method = %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/hobs_") {
			t.Errorf("shadow registration path = %s", r.URL.Path)
		}
	})

	rs.server = httptest.NewServer(mux)
	t.Cleanup(rs.server.Close)
	return rs
}

// dealerServer upgrades incoming connections, sends the handshake and the
// given frames, then holds the socket open until the client disconnects.
func newDealerServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			t.Error("dealer dialed without access_token")
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		handshake := `{"headers": {"Spotify-Connection-Id": "conn-1"}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(handshake)); err != nil {
			return
		}

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestSession(t *testing.T, dealer *httptest.Server, register *registerServer, payloads chan json.RawMessage) *Session {
	t.Helper()

	seen := store.NewSeenStore(128, 0.001)
	session := NewSession("Test Device", testAppConfig(), seen, func(p json.RawMessage) {
		payloads <- p
	}, zap.NewNop())

	session.dealerURL = "ws" + strings.TrimPrefix(dealer.URL, "http") + "/"
	session.registerBase = register.server.URL
	return session
}

func TestSessionLifecycle(t *testing.T) {
	frames := []string{
		`{"type": "message", "headers": {"Spotify-Message-Id": "m1"}, "payloads": [{"seq": 1}]}`,
		`{"type": "message", "headers": {"Spotify-Message-Id": "m1"}, "payloads": [{"seq": "replayed"}]}`,
		`{"type": "pong"}`,
		`{not json`,
		`{"type": "message", "headers": {"Spotify-Message-Id": "m2"}, "payloads": [{"seq": 2}, {"seq": 3}]}`,
	}

	register := newRegisterServer(t)
	dealer := newDealerServer(t, frames)
	payloads := make(chan json.RawMessage, 16)
	session := newTestSession(t, dealer, register, payloads)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, "test-token") }()

	// Replayed ident and pong are dropped; three payloads survive.
	var received []string
	for i := 0; i < 3; i++ {
		select {
		case p := <-payloads:
			var frame struct {
				Seq any `json:"seq"`
			}
			if err := json.Unmarshal(p, &frame); err != nil {
				t.Fatalf("payload not JSON: %v", err)
			}
			received = append(received, strings.TrimSpace(string(p)))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for payloads")
		}
	}

	if strings.Contains(strings.Join(received, " "), "replayed") {
		t.Error("replayed frame was delivered")
	}

	if session.ConnectionID() != "conn-1" {
		t.Errorf("ConnectionID() = %q", session.ConnectionID())
	}
	if len(session.DeviceID()) != deviceIDLength {
		t.Errorf("DeviceID() length = %d", len(session.DeviceID()))
	}
	if register.deviceCalls.Load() != 1 || register.shadowCalls.Load() != 1 {
		t.Errorf("registration calls = %d device, %d shadow", register.deviceCalls.Load(), register.shadowCalls.Load())
	}
	if got := register.lastConnectionID.Load(); got != "conn-1" {
		t.Errorf("registration connection id = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after cancellation = %v, expected nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if session.State() != StateDisconnected {
		t.Errorf("terminal state = %v", session.State())
	}
}

func TestSessionHandshakeMissingConnectionID(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dealer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"headers": {}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer dealer.Close()

	register := newRegisterServer(t)
	session := newTestSession(t, dealer, register, make(chan json.RawMessage, 1))

	err := session.Run(context.Background(), "test-token")
	if err == nil {
		t.Fatal("Run() succeeded with a handshake missing the connection id")
	}
	if register.deviceCalls.Load() != 0 {
		t.Error("registration attempted without a connection id")
	}
}

func TestSessionRegistrationFailure(t *testing.T) {
	register := newRegisterServer(t)
	register.failDevice = true
	dealer := newDealerServer(t, nil)
	session := newTestSession(t, dealer, register, make(chan json.RawMessage, 1))

	if err := session.Run(context.Background(), "test-token"); err == nil {
		t.Fatal("Run() succeeded despite rejected device registration")
	}
}

func TestSessionDialFailure(t *testing.T) {
	register := newRegisterServer(t)
	session := NewSession("Test Device", testAppConfig(), store.NewSeenStore(16, 0.001), func(json.RawMessage) {}, zap.NewNop())
	session.dealerURL = "ws://127.0.0.1:1/"
	session.registerBase = register.server.URL

	if err := session.Run(context.Background(), "test-token"); err == nil {
		t.Fatal("Run() succeeded against an unreachable dealer")
	}
}

func TestNewDeviceID(t *testing.T) {
	first := newDeviceID()
	second := newDeviceID()

	if len(first) != deviceIDLength {
		t.Errorf("device id length = %d, expected %d", len(first), deviceIDLength)
	}
	if first == second {
		t.Error("consecutive device ids are identical")
	}
	for _, r := range first {
		if !strings.ContainsRune(deviceIDAlpha, r) {
			t.Errorf("device id contains unexpected character %q", r)
		}
	}
}
