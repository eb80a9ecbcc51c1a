package state

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"freespot/internal/core"
)

const (
	// shadowPrefix marks the controller's hidden command-routing
	// registration; such entries never appear in user-facing listings.
	shadowPrefix = "hobs_"

	// wireVolumeMax is the device volume scale on the cluster protocol.
	wireVolumeMax = 65535

	// unknownArtist is the fallback when cluster track metadata carries no
	// artist name.
	unknownArtist = "Unknown"
)

// Projector merges REST snapshots and cluster deltas into one normalized
// playback state. Projection never fails destructively: a malformed payload
// is reported as a core.ProtocolError and the previously published state
// stays untouched. Apply methods must not be called concurrently for the
// same session; deltas are applied in receipt order.
type Projector struct {
	logger *zap.Logger

	mu       sync.RWMutex
	state    core.PlaybackState
	registry core.DeviceRegistry
	nameByID map[string]string
}

func NewProjector(logger *zap.Logger) *Projector {
	return &Projector{
		logger:   logger,
		registry: core.DeviceRegistry{},
		nameByID: map[string]string{},
	}
}

// State returns the latest published playback state.
func (p *Projector) State() core.PlaybackState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Devices returns a copy of the current device registry, shadow entries
// excluded.
func (p *Projector) Devices() core.DeviceRegistry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(core.DeviceRegistry, len(p.registry))
	for name, id := range p.registry {
		out[name] = id
	}
	return out
}

// ApplySnapshot projects a REST /me/player response body. The new state is
// computed fully before publication, so a failure midway is never visible
// to consumers.
func (p *Projector) ApplySnapshot(body []byte) error {
	var snap RESTSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return &core.ProtocolError{What: "malformed playback snapshot", Err: err}
	}
	if snap.Item == nil {
		return &core.ProtocolError{What: "playback snapshot missing item"}
	}

	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.state
	next.Track = core.Track{
		ID:         snap.Item.ID,
		Title:      snap.Item.Name,
		Artist:     joinArtists(snap.Item),
		Album:      snap.Item.Album.Name,
		Duration:   time.Duration(snap.Item.DurationMs) * time.Millisecond,
		ArtworkURL: firstImage(snap.Item),
		URL:        snap.Item.ExternalURLs["spotify"],
	}
	next.IsPlaying = snap.IsPlaying
	next.Position = time.Duration(snap.ProgressMs) * time.Millisecond
	next.PositionAt = now
	next.Shuffle = snap.ShuffleState
	next.Repeat = repeatFromREST(snap.RepeatState)

	if snap.Device != nil {
		next.ActiveDeviceID = snap.Device.ID
		next.ActiveDeviceName = snap.Device.Name
		if snap.Device.VolumePercent != nil {
			next.Volume = float64(*snap.Device.VolumePercent) / 100
			next.Muted = next.Volume == 0
		}
		// The snapshot only knows the active device; replacing wholesale
		// still beats keeping entries for devices that may have vanished.
		p.registry = core.DeviceRegistry{snap.Device.Name: snap.Device.ID}
		p.nameByID = map[string]string{snap.Device.ID: snap.Device.Name}
	}

	if snap.Context != nil && snap.Context.URI != "" {
		next.ContextURI = snap.Context.URI
		next.ContextURL = contextURL(snap.Context.URI)
	}

	next.UpdatedAt = now
	p.state = next
	return nil
}

// ApplyDealerPayload projects one dealer payload. Payloads without cluster
// state are ignored without error. The returned bool reports whether the
// published state changed.
func (p *Projector) ApplyDealerPayload(payload json.RawMessage) (bool, error) {
	var update ClusterUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return false, &core.ProtocolError{What: "malformed dealer payload", Err: err}
	}
	if update.Cluster == nil {
		return false, nil
	}
	return true, p.applyCluster(update.Cluster)
}

func (p *Projector) applyCluster(cluster *ClusterPayload) error {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.state

	if ps := cluster.PlayerState; ps != nil {
		p.mergePlayerState(&next, ps)
	}

	if cluster.ActiveDeviceID != "" {
		next.ActiveDeviceID = cluster.ActiveDeviceID
	}

	if len(cluster.Devices) > 0 {
		registry := make(core.DeviceRegistry, len(cluster.Devices))
		nameByID := make(map[string]string, len(cluster.Devices))
		for id, device := range cluster.Devices {
			name := device.DisplayName(id)
			nameByID[id] = name
			if strings.HasPrefix(id, shadowPrefix) || device.Capabilities.Hidden {
				continue
			}
			// Name collisions overwrite silently; duplicate generated
			// names are a known limitation of the upstream protocol.
			registry[name] = id
		}
		p.registry = registry
		p.nameByID = nameByID

		if active, ok := cluster.Devices[next.ActiveDeviceID]; ok {
			next.ActiveDeviceName = active.DisplayName(next.ActiveDeviceID)
			if active.Volume != nil {
				next.Volume = float64(*active.Volume) / wireVolumeMax
				next.Muted = next.Volume == 0
			}
		}
	} else if name, ok := p.nameByID[next.ActiveDeviceID]; ok {
		next.ActiveDeviceName = name
	}

	next.UpdatedAt = now
	p.state = next
	return nil
}

// mergePlayerState folds a cluster player_state into the candidate state
// with explicit per-field fallbacks: absent fields keep their previous
// values instead of zeroing the view.
func (p *Projector) mergePlayerState(next *core.PlaybackState, ps *PlayerState) {
	if ps.Track != nil && ps.Track.URI != "" {
		track := core.Track{
			ID:  trackIDFromURI(ps.Track.URI),
			URL: "https://open.spotify.com/track/" + trackIDFromURI(ps.Track.URI),
		}
		if md := ps.Track.Metadata; md != nil {
			track.Title = md["title"]
			track.Album = md["album_title"]
			track.ArtworkURL = artworkURL(md["image_large_url"])
			if artist := md["artist_name"]; artist != "" {
				track.Artist = artist
			} else {
				track.Artist = unknownArtist
			}
		}
		if ps.Duration > 0 {
			track.Duration = time.Duration(ps.Duration) * time.Millisecond
		} else {
			track.Duration = next.Track.Duration
		}
		next.Track = track
	}

	next.IsPlaying = ps.IsPlaying && !ps.IsPaused

	if ps.PositionAsOfTimestamp >= 0 {
		next.Position = time.Duration(ps.PositionAsOfTimestamp) * time.Millisecond
		if ps.Timestamp > 0 {
			next.PositionAt = time.UnixMilli(int64(ps.Timestamp))
		} else {
			next.PositionAt = time.Now()
		}
	}

	if opts := ps.Options; opts != nil {
		next.Shuffle = opts.ShufflingContext
		next.Repeat = core.RepeatModeFromFlags(opts.RepeatingContext, opts.RepeatingTrack)
	}

	if ps.ContextURI != "" {
		next.ContextURI = ps.ContextURI
		next.ContextURL = contextURL(ps.ContextURI)
	}
	next.TrackIndex = ps.Index.Track
}

func repeatFromREST(state string) core.RepeatMode {
	switch state {
	case "context":
		return core.RepeatAll
	case "track":
		return core.RepeatOne
	default:
		return core.RepeatOff
	}
}

func joinArtists(item *RESTItem) string {
	names := make([]string, 0, len(item.Artists))
	for _, artist := range item.Artists {
		names = append(names, artist.Name)
	}
	return strings.Join(names, ", ")
}

func firstImage(item *RESTItem) string {
	if len(item.Album.Images) > 0 {
		return item.Album.Images[0].URL
	}
	return ""
}

func trackIDFromURI(uri string) string {
	if idx := strings.LastIndex(uri, ":"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}
