package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"freespot/internal/core"
	"freespot/internal/state"
	"freespot/internal/store"
)

// Package-level random source for device id generation; identifiers are
// opaque routing handles, not security material.
var rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec

const (
	defaultDealerURL    = "wss://gew1-dealer.spotify.com/"
	defaultRegisterBase = "https://guc-spclient.spotify.com"

	deviceIDLength = 40
	deviceIDAlpha  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// clientVersion is reported during device registration; the server
	// gates some capabilities on it.
	clientVersion = "harmony:4.11.0-af0ef98"

	registerVolume = 65535
)

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateRegistering
	StateActive
	StateClosing
	StateFaulted
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// newDeviceID mints a fresh opaque 40-letter device identifier. A new one
// is generated for every session; ids are never reused across reconnects
// because the server may hold stale routing state for the old id.
func newDeviceID() string {
	b := make([]byte, deviceIDLength)
	for i := range b {
		b[i] = deviceIDAlpha[rng.Intn(len(deviceIDAlpha))]
	}
	return string(b)
}

// Session owns one persistent dealer connection: device registration,
// keep-alive, and in-order delivery of state-delta payloads to the sink.
// Run performs exactly one lifecycle; the owning supervisor handles
// reconnection with backoff and token renewal.
type Session struct {
	logger     *zap.Logger
	http       *http.Client
	deviceName string

	dealerURL    string
	registerBase string
	pingInterval time.Duration

	seen      *store.SeenStore
	onPayload func(payload json.RawMessage)

	mu           sync.RWMutex
	sessionState SessionState
	deviceID     string
	connectionID string
}

func NewSession(deviceName string, app *core.AppConfig, seen *store.SeenStore, onPayload func(json.RawMessage), logger *zap.Logger) *Session {
	return &Session{
		logger:       logger,
		http:         &http.Client{Timeout: app.RequestTimeout},
		deviceName:   deviceName,
		dealerURL:    defaultDealerURL,
		registerBase: defaultRegisterBase,
		pingInterval: app.PingInterval,
		seen:         seen,
		onPayload:    onPayload,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionState
}

// DeviceID returns the virtual device id for this session, or empty before
// registration.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// ConnectionID returns the server-assigned connection id, or empty before
// the handshake.
func (s *Session) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionID
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.sessionState = st
	s.mu.Unlock()
}

// Run drives one full session lifecycle: Connecting, Registering, then
// Active until the socket drops or ctx is cancelled. It returns nil only
// on deliberate teardown (ctx cancellation); any other exit leaves the
// session Faulted with the causing error.
func (s *Session) Run(ctx context.Context, token string) error {
	defer s.setState(StateDisconnected)

	s.setState(StateConnecting)
	s.logger.Info("Connecting to dealer")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.dealerURL+"?access_token="+token, nil)
	if err != nil {
		s.setState(StateFaulted)
		return fmt.Errorf("failed to connect to dealer: %w", err)
	}

	// Unblock the read loop on cancellation; the session then tears down
	// through the Closing path below.
	closeOnce := sync.Once{}
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-watchDone:
		}
	}()

	connectionID, err := s.handshake(conn)
	if err != nil {
		s.setState(StateFaulted)
		return err
	}

	s.setState(StateRegistering)

	deviceID := newDeviceID()
	s.mu.Lock()
	s.deviceID = deviceID
	s.connectionID = connectionID
	s.mu.Unlock()

	if err := s.registerDevice(ctx, token, deviceID, connectionID); err != nil {
		s.setState(StateFaulted)
		return err
	}
	if err := s.registerShadow(ctx, token, deviceID, connectionID); err != nil {
		s.setState(StateFaulted)
		return err
	}

	s.logger.Info("Session registered",
		zap.String("connectionID", connectionID),
		zap.String("deviceID", deviceID))

	s.setState(StateActive)

	// Keep-alive runs for the lifetime of the connection and is always
	// cancelled before the socket closes, so a ping never races a
	// half-closed socket.
	pingCtx, cancelPing := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go s.pingLoop(pingCtx, conn, pingDone)
	defer func() {
		cancelPing()
		<-pingDone
		closeConn()
	}()

	err = s.readLoop(conn)
	if ctx.Err() != nil {
		s.setState(StateClosing)
		return nil
	}
	s.setState(StateFaulted)
	return err
}

// handshake waits for the initial dealer frame carrying the server-assigned
// connection id.
func (s *Session) handshake(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read dealer handshake: %w", err)
	}

	var msg state.DealerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", &core.ProtocolError{What: "malformed dealer handshake", Err: err}
	}

	connectionID := msg.Headers["Spotify-Connection-Id"]
	if connectionID == "" {
		return "", &core.ProtocolError{What: "dealer handshake missing connection id"}
	}
	return connectionID, nil
}

// registerDevice announces the virtual device as playback-capable so it can
// receive commands and state pushes.
func (s *Session) registerDevice(ctx context.Context, token, deviceID, connectionID string) error {
	payload := map[string]any{
		"device": map[string]any{
			"brand": "spotify",
			"capabilities": map[string]any{
				"change_volume":            true,
				"enable_play_token":        true,
				"supports_file_media_type": true,
				"play_token_lost_behavior": "pause",
				"disable_connect":          true,
			},
			"device_id":           deviceID,
			"device_type":         "computer",
			"metadata":            map[string]any{},
			"model":               "web_player",
			"name":                s.deviceName,
			"platform_identifier": "web_player windows 10;chrome 87.0.4280.66;desktop",
		},
		"connection_id":  connectionID,
		"client_version": clientVersion,
		"volume":         registerVolume,
	}

	return s.putJSON(ctx, http.MethodPost, s.registerBase+"/track-playback/v1/devices", token, connectionID, payload, "device registration")
}

// registerShadow adds the hidden hobs_ alias: a non-playing registration
// that lets the controller route commands without advertising a second
// selectable player.
func (s *Session) registerShadow(ctx context.Context, token, deviceID, connectionID string) error {
	payload := map[string]any{
		"member_type": "CONNECT_STATE",
		"device": map[string]any{
			"device_info": map[string]any{
				"capabilities": map[string]any{
					"can_be_player": false,
					"hidden":        true,
				},
			},
		},
	}

	url := s.registerBase + "/connect-state/v1/devices/hobs_" + deviceID
	return s.putJSON(ctx, http.MethodPut, url, token, connectionID, payload, "shadow registration")
}

func (s *Session) putJSON(ctx context.Context, method, url, token, connectionID string, payload any, what string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", what, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spotify-Connection-Id", connectionID)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s rejected with status %d", what, resp.StatusCode)
	}
	return nil
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				s.logger.Warn("Keep-alive ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop consumes inbound frames in receipt order. Pongs are dropped,
// replayed frames are deduplicated, and every payload of a state-delta
// frame is handed to the sink before the next frame is read.
func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("dealer socket closed: %w", err)
		}

		var msg state.DealerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping malformed dealer frame", zap.Error(err))
			continue
		}

		if msg.Type == "pong" {
			continue
		}

		if ident := msg.Ident(); ident != "" {
			if s.seen.Has(ident) {
				s.logger.Debug("Dropping replayed dealer frame", zap.String("ident", ident))
				continue
			}
			s.seen.Add(ident)
		}

		for _, payload := range msg.Payloads {
			s.onPayload(payload)
		}
	}
}
