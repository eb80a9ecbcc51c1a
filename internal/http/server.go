// Package http exposes the local control surface: playback status, device
// listing, command endpoints, and operational probes with Prometheus
// metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"freespot/internal/connect"
	"freespot/internal/core"
)

// Controller is the player surface the server drives. Satisfied by
// player.Player.
type Controller interface {
	State() core.PlaybackState
	Devices() core.DeviceRegistry
	SessionState() connect.SessionState
	DeviceID() string
	Snapshot(ctx context.Context) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	SetShuffle(ctx context.Context, shuffle bool) error
	SetRepeat(ctx context.Context, mode core.RepeatMode) error
	SetVolume(ctx context.Context, level float64) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	TransferPlayback(ctx context.Context, deviceName string) error
}

type Server struct {
	config     *core.ServerConfig
	logger     *zap.Logger
	server     *http.Server
	controller Controller
}

func NewServer(config *core.ServerConfig, controller Controller, logger *zap.Logger) *Server {
	s := &Server{
		config:     config,
		logger:     logger,
		controller: controller,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "freespot"})
	})

	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/devices", s.handleDevices)

	mux.HandleFunc("/player/refresh", s.command(func(r *http.Request) error {
		return s.controller.Snapshot(r.Context())
	}))
	mux.HandleFunc("/player/pause", s.command(func(r *http.Request) error {
		return s.controller.Pause(r.Context())
	}))
	mux.HandleFunc("/player/resume", s.command(func(r *http.Request) error {
		return s.controller.Resume(r.Context())
	}))
	mux.HandleFunc("/player/next", s.command(func(r *http.Request) error {
		return s.controller.Next(r.Context())
	}))
	mux.HandleFunc("/player/previous", s.command(func(r *http.Request) error {
		return s.controller.Previous(r.Context())
	}))
	mux.HandleFunc("/player/seek", s.command(s.seek))
	mux.HandleFunc("/player/shuffle", s.command(s.shuffle))
	mux.HandleFunc("/player/repeat", s.command(s.repeat))
	mux.HandleFunc("/player/volume", s.command(s.volume))
	mux.HandleFunc("/player/mute", s.command(func(r *http.Request) error {
		return s.controller.Mute(r.Context())
	}))
	mux.HandleFunc("/player/unmute", s.command(func(r *http.Request) error {
		return s.controller.Unmute(r.Context())
	}))
	mux.HandleFunc("/player/transfer", s.command(s.transfer))

	return mux
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.controller.SessionState() != connect.StateActive {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not ready",
			"session": s.controller.SessionState().String(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "freespot"})
}

// statusResponse is the external shape of the playback view. Durations are
// reported in milliseconds to match the upstream protocol.
type statusResponse struct {
	Track struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		Artist     string `json:"artist"`
		Album      string `json:"album"`
		ArtworkURL string `json:"artwork_url,omitempty"`
		DurationMs int64  `json:"duration_ms"`
		URL        string `json:"url,omitempty"`
	} `json:"track"`

	IsPlaying  bool  `json:"is_playing"`
	PositionMs int64 `json:"position_ms"`

	ActiveDeviceID   string  `json:"active_device_id,omitempty"`
	ActiveDeviceName string  `json:"active_device_name,omitempty"`
	Volume           float64 `json:"volume"`
	Muted            bool    `json:"muted"`

	Shuffle    bool   `json:"shuffle"`
	Repeat     string `json:"repeat"`
	ContextURI string `json:"context_uri,omitempty"`
	ContextURL string `json:"context_url,omitempty"`
	TrackIndex int    `json:"track_index"`

	Session         string    `json:"session"`
	ControlDeviceID string    `json:"control_device_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.controller.State()

	var resp statusResponse
	resp.Track.ID = st.Track.ID
	resp.Track.Title = st.Track.Title
	resp.Track.Artist = st.Track.Artist
	resp.Track.Album = st.Track.Album
	resp.Track.ArtworkURL = st.Track.ArtworkURL
	resp.Track.DurationMs = st.Track.Duration.Milliseconds()
	resp.Track.URL = st.Track.URL
	resp.IsPlaying = st.IsPlaying
	resp.PositionMs = st.LivePosition(time.Now()).Milliseconds()
	resp.ActiveDeviceID = st.ActiveDeviceID
	resp.ActiveDeviceName = st.ActiveDeviceName
	resp.Volume = st.Volume
	resp.Muted = st.Muted
	resp.Shuffle = st.Shuffle
	resp.Repeat = string(st.Repeat)
	resp.ContextURI = st.ContextURI
	resp.ContextURL = st.ContextURL
	resp.TrackIndex = st.TrackIndex
	resp.Session = s.controller.SessionState().String()
	resp.ControlDeviceID = s.controller.DeviceID()
	resp.UpdatedAt = st.UpdatedAt

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	active := s.controller.State().ActiveDeviceID

	type deviceResponse struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}

	devices := make([]deviceResponse, 0)
	for name, id := range s.controller.Devices() {
		devices = append(devices, deviceResponse{ID: id, Name: name, Active: id == active})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// command wraps a mutation handler with method enforcement and uniform
// error mapping.
func (s *Server) command(fn func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}

		if err := fn(r); err != nil {
			s.logger.Warn("Command failed",
				zap.String("path", r.URL.Path),
				zap.Error(err))

			var badInput *inputError
			var cmdErr *core.CommandError
			switch {
			case errors.As(err, &badInput):
				s.writeError(w, http.StatusBadRequest, badInput.Error())
			case errors.As(err, &cmdErr):
				s.writeError(w, http.StatusBadGateway, cmdErr.Error())
			default:
				s.writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// inputError marks a malformed request parameter.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

func badInputf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

func (s *Server) seek(r *http.Request) error {
	raw := r.URL.Query().Get("position_ms")
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return badInputf("invalid position_ms %q", raw)
	}
	return s.controller.Seek(r.Context(), time.Duration(ms)*time.Millisecond)
}

func (s *Server) shuffle(r *http.Request) error {
	raw := r.URL.Query().Get("state")
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return badInputf("invalid state %q", raw)
	}
	return s.controller.SetShuffle(r.Context(), enabled)
}

func (s *Server) repeat(r *http.Request) error {
	mode := core.RepeatMode(r.URL.Query().Get("mode"))
	switch mode {
	case core.RepeatOff, core.RepeatAll, core.RepeatOne:
		return s.controller.SetRepeat(r.Context(), mode)
	default:
		return badInputf("invalid mode %q", string(mode))
	}
}

func (s *Server) volume(r *http.Request) error {
	raw := r.URL.Query().Get("level")
	level, err := strconv.ParseFloat(raw, 64)
	if err != nil || level < 0 || level > 1 {
		return badInputf("invalid level %q, want 0..1", raw)
	}
	return s.controller.SetVolume(r.Context(), level)
}

func (s *Server) transfer(r *http.Request) error {
	device := r.URL.Query().Get("device")
	if device == "" {
		return badInputf("device parameter required")
	}
	return s.controller.TransferPlayback(r.Context(), device)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}
