// Package state normalizes REST playback snapshots and real-time cluster
// deltas into one consistent now-playing view.
package state

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexInt64 tolerates the cluster protocol's habit of encoding 64-bit
// numbers as JSON strings while the REST surface uses plain numbers.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

// DealerMessage is the outer frame received on the dealer socket.
type DealerMessage struct {
	Type     string            `json:"type"`
	URI      string            `json:"uri"`
	Headers  map[string]string `json:"headers"`
	Payloads []json.RawMessage `json:"payloads"`
}

// Ident returns a best-effort identity for the message, used to drop
// replayed frames. Falls back to empty when the frame carries none.
func (m *DealerMessage) Ident() string {
	if id, ok := m.Headers["Spotify-Message-Id"]; ok {
		return id
	}
	return ""
}

// ClusterUpdate is one dealer payload carrying connect-state.
type ClusterUpdate struct {
	Cluster      *ClusterPayload `json:"cluster"`
	UpdateReason string          `json:"update_reason"`
}

// ClusterPayload is the real-time view of all devices on the account and
// their shared player state.
type ClusterPayload struct {
	PlayerState    *PlayerState             `json:"player_state"`
	Devices        map[string]ClusterDevice `json:"devices"`
	ActiveDeviceID string                   `json:"active_device_id"`
}

type ClusterDevice struct {
	Name          string                 `json:"name"`
	Volume        *int                   `json:"volume"`
	DeviceAliases map[string]DeviceAlias `json:"device_aliases"`
	Capabilities  DeviceCapabilities     `json:"capabilities"`
}

type DeviceAlias struct {
	DisplayName string `json:"display_name"`
}

type DeviceCapabilities struct {
	CanBePlayer bool `json:"can_be_player"`
	Hidden      bool `json:"hidden"`
}

// DisplayName resolves the user-facing name, preferring an alias's display
// name over the raw device name when aliases exist.
func (d ClusterDevice) DisplayName(deviceID string) string {
	for _, alias := range d.DeviceAliases {
		if alias.DisplayName != "" {
			return alias.DisplayName
		}
	}
	if d.Name != "" {
		return d.Name
	}
	return deviceID
}

type PlayerState struct {
	Track                 *ProvidedTrack `json:"track"`
	PositionAsOfTimestamp flexInt64      `json:"position_as_of_timestamp"`
	Timestamp             flexInt64      `json:"timestamp"`
	Duration              flexInt64      `json:"duration"`
	IsPlaying             bool           `json:"is_playing"`
	IsPaused              bool           `json:"is_paused"`
	Options               *StateOptions  `json:"options"`
	ContextURI            string         `json:"context_uri"`
	Index                 StateIndex     `json:"index"`
}

type ProvidedTrack struct {
	URI      string            `json:"uri"`
	Metadata map[string]string `json:"metadata"`
}

type StateOptions struct {
	ShufflingContext bool `json:"shuffling_context"`
	RepeatingContext bool `json:"repeating_context"`
	RepeatingTrack   bool `json:"repeating_track"`
}

type StateIndex struct {
	Track int `json:"track"`
}

// imageCDNBase hosts artwork referenced by spotify:image: URIs.
const imageCDNBase = "https://i.scdn.co/image/"

// artworkURL converts a spotify:image: URI from track metadata into a
// fetchable CDN URL. Already-absolute URLs pass through.
func artworkURL(uri string) string {
	if uri == "" {
		return ""
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	if idx := strings.LastIndex(uri, ":"); idx >= 0 {
		return imageCDNBase + uri[idx+1:]
	}
	return ""
}

// contextURL renders a context URI as an open.spotify.com link for
// playlist and album contexts.
func contextURL(uri string) string {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[0] != "spotify" {
		return ""
	}
	switch parts[1] {
	case "playlist", "album":
		return "https://open.spotify.com/" + parts[1] + "/" + parts[2]
	default:
		return ""
	}
}

// RESTSnapshot is the /v1/me/player response shape.
type RESTSnapshot struct {
	Item         *RESTItem    `json:"item"`
	ProgressMs   flexInt64    `json:"progress_ms"`
	IsPlaying    bool         `json:"is_playing"`
	Device       *RESTDevice  `json:"device"`
	RepeatState  string       `json:"repeat_state"`
	ShuffleState bool         `json:"shuffle_state"`
	Context      *RESTContext `json:"context"`
}

type RESTItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DurationMs flexInt64 `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name   string `json:"name"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
	ExternalURLs map[string]string `json:"external_urls"`
}

type RESTDevice struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	VolumePercent *int   `json:"volume_percent"`
}

type RESTContext struct {
	URI string `json:"uri"`
}
