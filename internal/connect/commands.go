// Package connect implements the Connect control plane: the persistent
// dealer session that impersonates a playback device, and the command
// dispatcher that steers any registered device from the virtual controller.
package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freespot/internal/api"
	"freespot/internal/core"
)

const (
	// defaultSPClientBase routes connect-state commands. Commands are
	// addressed device-to-device, which lets the controller steer any
	// registered Connect device; the plain REST control surface would
	// require the controller itself to be the active device.
	defaultSPClientBase = "https://gew1-spclient.spotify.com"

	commandPath  = "/connect-state/v1/player/command/from/%s/to/%s"
	transferPath = "/connect-state/v1/connect/transfer/from/%s/to/%s"
	volumePath   = "/connect-state/v1/connect/volume/from/%s/to/%s"
)

// WireVolume scales a normalized 0..1 volume to the protocol's 0..65535
// integer domain. Rounding is half-up: 0.5 maps to 32768.
func WireVolume(level float64) int {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return int(math.Round(level * 65535))
}

// Dispatcher builds and sends playback-control commands addressed to a
// specific device. Command failures are not retried here; a failed command
// should be visible to the caller rather than silently replayed against a
// possibly-changed device state.
type Dispatcher struct {
	logger *zap.Logger
	client *api.Client
	base   string
}

func NewDispatcher(client *api.Client, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		client: client,
		base:   defaultSPClientBase,
	}
}

// command is the envelope posted to the command route.
type command struct {
	Endpoint         string `json:"endpoint"`
	Value            any    `json:"value,omitempty"`
	RepeatingContext *bool  `json:"repeating_context,omitempty"`
	RepeatingTrack   *bool  `json:"repeating_track,omitempty"`
	LoggingParams    struct {
		CommandID string `json:"command_id"`
	} `json:"logging_params"`
}

func (d *Dispatcher) send(ctx context.Context, source, target string, cmd command) error {
	if target == "" {
		return &core.CommandError{Endpoint: cmd.Endpoint, Status: http.StatusBadRequest}
	}
	cmd.LoggingParams.CommandID = strings.ReplaceAll(uuid.NewString(), "-", "")

	body, err := json.Marshal(map[string]any{"command": cmd})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	url := d.base + fmt.Sprintf(commandPath, source, target)
	result, err := d.client.Call(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if !result.OK() {
		d.logger.Warn("Command rejected",
			zap.String("endpoint", cmd.Endpoint),
			zap.String("target", target),
			zap.Int("status", result.Status))
		return &core.CommandError{Endpoint: cmd.Endpoint, Status: result.Status}
	}

	d.logger.Debug("Command sent",
		zap.String("endpoint", cmd.Endpoint),
		zap.String("target", target))
	return nil
}

// Pause halts playback on the target device.
func (d *Dispatcher) Pause(ctx context.Context, source, target string) error {
	return d.send(ctx, source, target, command{Endpoint: "pause"})
}

// Resume restarts playback on the target device.
func (d *Dispatcher) Resume(ctx context.Context, source, target string) error {
	return d.send(ctx, source, target, command{Endpoint: "resume"})
}

// Next skips to the next track.
func (d *Dispatcher) Next(ctx context.Context, source, target string) error {
	return d.send(ctx, source, target, command{Endpoint: "skip_next"})
}

// Previous skips to the previous track.
func (d *Dispatcher) Previous(ctx context.Context, source, target string) error {
	return d.send(ctx, source, target, command{Endpoint: "skip_prev"})
}

// Seek jumps to a position within the current track.
func (d *Dispatcher) Seek(ctx context.Context, source, target string, position time.Duration) error {
	return d.send(ctx, source, target, command{
		Endpoint: "seek_to",
		Value:    position.Milliseconds(),
	})
}

// SetShuffle toggles context shuffling.
func (d *Dispatcher) SetShuffle(ctx context.Context, source, target string, shuffle bool) error {
	return d.send(ctx, source, target, command{
		Endpoint: "set_shuffling_context",
		Value:    shuffle,
	})
}

// SetRepeat applies the three-way repeat mode as the wire-level pair of
// independent booleans.
func (d *Dispatcher) SetRepeat(ctx context.Context, source, target string, mode core.RepeatMode) error {
	repeatContext, repeatTrack := mode.Flags()
	return d.send(ctx, source, target, command{
		Endpoint:         "set_options",
		RepeatingContext: &repeatContext,
		RepeatingTrack:   &repeatTrack,
	})
}

// SetVolume sets the target device volume from a normalized 0..1 level.
func (d *Dispatcher) SetVolume(ctx context.Context, source, target string, level float64) error {
	body, err := json.Marshal(map[string]int{"volume": WireVolume(level)})
	if err != nil {
		return fmt.Errorf("failed to encode volume: %w", err)
	}

	url := d.base + fmt.Sprintf(volumePath, source, target)
	result, err := d.client.Call(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	if !result.OK() {
		return &core.CommandError{Endpoint: "volume", Status: result.Status}
	}
	return nil
}

// TransferPlayback moves playback from the source (control) device to the
// target device.
func (d *Dispatcher) TransferPlayback(ctx context.Context, source, target string) error {
	url := d.base + fmt.Sprintf(transferPath, source, target)
	result, err := d.client.Call(ctx, http.MethodPost, url, []byte(`{}`))
	if err != nil {
		return err
	}
	if !result.OK() {
		return &core.CommandError{Endpoint: "transfer", Status: result.Status}
	}
	return nil
}
