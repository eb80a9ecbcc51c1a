// Package player supervises the whole control plane: token lifecycle, the
// persistent dealer session with reconnection, state projection, and
// command dispatch addressed from the virtual device.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freespot/internal/api"
	"freespot/internal/auth"
	"freespot/internal/connect"
	"freespot/internal/core"
	"freespot/internal/state"
	"freespot/internal/store"
)

const (
	meURL     = "https://api.spotify.com/v1/me"
	playerURL = "https://api.spotify.com/v1/me/player"

	// seenCapacity bounds the replay-detection store; dealer idents only
	// repeat within a short window, so a few thousand entries suffice.
	seenCapacity          = 4096
	seenFalsePositiveRate = 0.001

	eventBuffer = 16
)

// Profile is the account behind the configured session cookie.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Product     string `json:"product"`
}

// Player owns the session supervision loop and is the single entry point
// for commands and state reads. All exported methods are safe for
// concurrent use.
type Player struct {
	logger *zap.Logger
	cfg    *core.Config

	client     *api.Client
	dispatcher *connect.Dispatcher
	projector  *state.Projector
	seen       *store.SeenStore

	sessionMu sync.RWMutex
	session   *connect.Session

	subsMu sync.RWMutex
	subs   map[uuid.UUID]chan core.Event

	muteMu     sync.Mutex
	lastVolume float64
}

func New(cfg *core.Config, logger *zap.Logger) *Player {
	secrets := &auth.FeedSecrets{
		URL:    auth.DefaultSecretsFeedURL,
		Client: &http.Client{Timeout: cfg.App.RequestTimeout},
	}
	forge := auth.NewForge(secrets, &cfg.App, logger.Named("auth"))
	client := api.NewClient(forge, cfg.Spotify.SPDC, &cfg.App, logger.Named("api"))

	return &Player{
		logger:     logger,
		cfg:        cfg,
		client:     client,
		dispatcher: connect.NewDispatcher(client, logger.Named("connect")),
		projector:  state.NewProjector(logger.Named("state")),
		seen:       store.NewSeenStore(seenCapacity, seenFalsePositiveRate),
		subs:       map[uuid.UUID]chan core.Event{},
	}
}

// ValidateCredential derives a first token and resolves the account behind
// it. Called at startup so a dead cookie fails fast instead of looping in
// the supervisor.
func (p *Player) ValidateCredential(ctx context.Context) (Profile, error) {
	if _, err := p.client.RefreshToken(ctx); err != nil {
		return Profile{}, err
	}
	return p.Me(ctx)
}

// Me fetches the account profile.
func (p *Player) Me(ctx context.Context) (Profile, error) {
	result, err := p.client.Call(ctx, http.MethodGet, meURL, nil)
	if err != nil {
		return Profile{}, err
	}
	if !result.OK() {
		return Profile{}, fmt.Errorf("profile endpoint returned status %d", result.Status)
	}

	var profile Profile
	if err := result.DecodeJSON(&profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Run supervises dealer sessions until ctx is cancelled. Each cycle mints
// a fresh virtual device, primes the projector with a REST snapshot, and
// holds the session until fault or scheduled renewal. Only a rejected
// credential terminates the loop early.
func (p *Player) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			// Scheduled renewal; reconnect immediately.
			p.logger.Info("Session renewal due, rebuilding")
			p.publish(core.EventSessionRestart)
			continue
		}

		if core.IsAuthError(err) {
			return err
		}

		sessionFaultsTotal.Inc()
		p.publish(core.EventSessionRestart)

		delay := p.cfg.App.ReconnectDelay
		delay += time.Duration(rand.Int63n(int64(delay) + 1)) //nolint:gosec
		p.logger.Warn("Session faulted, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession runs one full session lifecycle. A nil return means the
// renewal deadline elapsed; any other exit is a fault.
func (p *Player) runSession(ctx context.Context) error {
	token, err := p.client.RefreshToken(ctx)
	if err != nil {
		return err
	}

	// Idents are scoped to a connection; stale ones would shadow fresh
	// frames after reconnect.
	p.seen.Clear()

	session := connect.NewSession(
		p.cfg.Spotify.DisplayName,
		&p.cfg.App,
		p.seen,
		p.handlePayload,
		p.logger.Named("session"),
	)

	p.sessionMu.Lock()
	p.session = session
	p.sessionMu.Unlock()

	sessionConnectsTotal.Inc()

	// Prime the view before deltas arrive; best effort, the session is
	// useful without it.
	if err := p.Snapshot(ctx); err != nil {
		p.logger.Warn("Initial playback snapshot failed", zap.Error(err))
	}

	sessionCtx, cancel := context.WithTimeout(ctx, p.cfg.App.SessionRenewal)
	defer cancel()

	err = session.Run(sessionCtx, token)
	if ctx.Err() == nil && sessionCtx.Err() != nil {
		return nil
	}
	return err
}

func (p *Player) handlePayload(payload json.RawMessage) {
	changed, err := p.projector.ApplyDealerPayload(payload)
	if err != nil {
		p.logger.Warn("Dropping malformed state delta", zap.Error(err))
		return
	}
	if changed {
		dealerDeltasTotal.Inc()
		registrySize.Set(float64(len(p.projector.Devices())))
		p.publish(core.EventStateUpdated)
	}
}

// Snapshot polls the REST playback endpoint and projects the result. A 204
// means no active playback and leaves the current view untouched.
func (p *Player) Snapshot(ctx context.Context) error {
	result, err := p.client.Call(ctx, http.MethodGet, playerURL, nil)
	if err != nil {
		return err
	}
	if result.Status == http.StatusNoContent {
		return nil
	}
	if !result.OK() {
		return fmt.Errorf("playback endpoint returned status %d", result.Status)
	}

	if err := p.projector.ApplySnapshot(result.Body); err != nil {
		return err
	}

	snapshotsTotal.Inc()
	registrySize.Set(float64(len(p.projector.Devices())))
	p.publish(core.EventStateUpdated)
	return nil
}

// State returns the latest projected playback state.
func (p *Player) State() core.PlaybackState {
	return p.projector.State()
}

// Devices returns the current device registry.
func (p *Player) Devices() core.DeviceRegistry {
	return p.projector.Devices()
}

// SessionState reports the dealer session lifecycle state.
func (p *Player) SessionState() connect.SessionState {
	p.sessionMu.RLock()
	defer p.sessionMu.RUnlock()
	if p.session == nil {
		return connect.StateDisconnected
	}
	return p.session.State()
}

// DeviceID returns the current virtual device id, or empty while no
// session is registered.
func (p *Player) DeviceID() string {
	p.sessionMu.RLock()
	defer p.sessionMu.RUnlock()
	if p.session == nil {
		return ""
	}
	return p.session.DeviceID()
}

// Subscribe registers an observer channel for player events. Events are
// dropped, not queued, when the observer falls behind.
func (p *Player) Subscribe() (uuid.UUID, <-chan core.Event) {
	id := uuid.New()
	ch := make(chan core.Event, eventBuffer)

	p.subsMu.Lock()
	p.subs[id] = ch
	p.subsMu.Unlock()

	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (p *Player) Unsubscribe(id uuid.UUID) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	if ch, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(ch)
	}
}

func (p *Player) publish(kind core.EventKind) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()

	for _, ch := range p.subs {
		select {
		case ch <- core.Event{Kind: kind}:
		default:
		}
	}
}

// route resolves the source and target device ids for a command.
func (p *Player) route() (source, target string) {
	return p.DeviceID(), p.projector.State().ActiveDeviceID
}

func (p *Player) dispatch(endpoint string, send func(source, target string) error) error {
	source, target := p.route()
	err := send(source, target)
	if err != nil {
		commandsTotal.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	commandsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (p *Player) Pause(ctx context.Context) error {
	return p.dispatch("pause", func(source, target string) error {
		return p.dispatcher.Pause(ctx, source, target)
	})
}

func (p *Player) Resume(ctx context.Context) error {
	return p.dispatch("resume", func(source, target string) error {
		return p.dispatcher.Resume(ctx, source, target)
	})
}

func (p *Player) Next(ctx context.Context) error {
	return p.dispatch("skip_next", func(source, target string) error {
		return p.dispatcher.Next(ctx, source, target)
	})
}

func (p *Player) Previous(ctx context.Context) error {
	return p.dispatch("skip_prev", func(source, target string) error {
		return p.dispatcher.Previous(ctx, source, target)
	})
}

func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	return p.dispatch("seek_to", func(source, target string) error {
		return p.dispatcher.Seek(ctx, source, target, position)
	})
}

func (p *Player) SetShuffle(ctx context.Context, shuffle bool) error {
	return p.dispatch("set_shuffling_context", func(source, target string) error {
		return p.dispatcher.SetShuffle(ctx, source, target, shuffle)
	})
}

func (p *Player) SetRepeat(ctx context.Context, mode core.RepeatMode) error {
	return p.dispatch("set_options", func(source, target string) error {
		return p.dispatcher.SetRepeat(ctx, source, target, mode)
	})
}

func (p *Player) SetVolume(ctx context.Context, level float64) error {
	return p.dispatch("volume", func(source, target string) error {
		return p.dispatcher.SetVolume(ctx, source, target, level)
	})
}

// Mute remembers the current volume and sets it to zero, so Unmute can
// restore the previous level.
func (p *Player) Mute(ctx context.Context) error {
	p.muteMu.Lock()
	if volume := p.projector.State().Volume; volume > 0 {
		p.lastVolume = volume
	}
	p.muteMu.Unlock()

	return p.SetVolume(ctx, 0)
}

// Unmute restores the volume level remembered by Mute, defaulting to full
// volume when none is known.
func (p *Player) Unmute(ctx context.Context) error {
	p.muteMu.Lock()
	level := p.lastVolume
	p.muteMu.Unlock()

	if level <= 0 {
		level = 1
	}
	return p.SetVolume(ctx, level)
}

// TransferPlayback moves playback to the named device from the registry.
func (p *Player) TransferPlayback(ctx context.Context, deviceName string) error {
	deviceID, ok := p.projector.Devices()[deviceName]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceName)
	}

	return p.dispatch("transfer", func(source, _ string) error {
		return p.dispatcher.TransferPlayback(ctx, source, deviceID)
	})
}
