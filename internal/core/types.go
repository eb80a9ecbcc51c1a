package core

import (
	"time"
)

// RepeatMode is the presentation-level three-way repeat state. On the wire
// repeat is a pair of independent booleans (repeating_context,
// repeating_track); track repeat dominates display as RepeatOne.
type RepeatMode string

const (
	// RepeatOff means neither context nor track repeat is active.
	RepeatOff RepeatMode = "off"
	// RepeatAll means the context repeats but the track does not.
	RepeatAll RepeatMode = "all"
	// RepeatOne means the current track repeats.
	RepeatOne RepeatMode = "one"
)

// RepeatModeFromFlags maps the wire-level boolean pair to the three-way
// presentation value. Track repeat dominates: whenever repeating_track is
// set the mode is RepeatOne regardless of repeating_context.
func RepeatModeFromFlags(context, track bool) RepeatMode {
	switch {
	case track:
		return RepeatOne
	case context:
		return RepeatAll
	default:
		return RepeatOff
	}
}

// Flags returns the wire-level boolean pair for a repeat mode. RepeatOne
// sends context=false; the remote side accepts both encodings but a single
// stable one keeps round-trips deterministic.
func (m RepeatMode) Flags() (context, track bool) {
	switch m {
	case RepeatAll:
		return true, false
	case RepeatOne:
		return false, true
	default:
		return false, false
	}
}

// AccessToken is a short-lived bearer credential derived from the sp_dc
// cookie. Expiry is handled reactively (on 401), not by a timer.
type AccessToken struct {
	Value     string
	DerivedAt time.Time
}

// Track identifies what is playing.
type Track struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	ArtworkURL string
	Duration   time.Duration
	URL        string
}

// Device is one entry of the Connect device registry.
type Device struct {
	ID     string
	Name   string
	Active bool
}

// DeviceRegistry maps display names to device ids. It is replaced wholesale
// on every update so entries for vanished devices never go stale.
type DeviceRegistry map[string]string

// PlaybackState is the normalized now-playing view merged from REST
// snapshots and real-time cluster deltas. Position is only meaningful
// together with PositionAt; consumers extrapolate elapsed wall-clock time
// when displaying a live position.
type PlaybackState struct {
	Track Track

	IsPlaying  bool
	Position   time.Duration
	PositionAt time.Time

	ActiveDeviceID   string
	ActiveDeviceName string
	Volume           float64 // normalized 0..1
	Muted            bool    // derived: volume == 0

	Shuffle    bool
	Repeat     RepeatMode
	ContextURI string
	ContextURL string
	TrackIndex int

	UpdatedAt time.Time
}

// LivePosition extrapolates the playback position to now. Paused states do
// not advance.
func (s PlaybackState) LivePosition(now time.Time) time.Duration {
	if !s.IsPlaying || s.PositionAt.IsZero() {
		return s.Position
	}
	pos := s.Position + now.Sub(s.PositionAt)
	if s.Track.Duration > 0 && pos > s.Track.Duration {
		return s.Track.Duration
	}
	return pos
}
