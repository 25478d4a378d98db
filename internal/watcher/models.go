package watcher

import (
	"fmt"
	"time"
)

// MapID identifies a race rotation. Map numbers on the schedule page are
// small positive integers and are the only stable identity a map has.
type MapID int

// ServerLabel identifies a game server instance, e.g. "Server 7".
// A server cycles through many maps over time and a map can sit in several
// servers' queues at once.
type ServerLabel string

// UnknownETA is the sentinel for "we have no timing data for this map yet".
// It sorts after every real ETA.
const UnknownETA = 1_000_000_000

// ServerETA is one server's predicted seconds until a map goes live there.
type ServerETA struct {
	Server  ServerLabel `json:"server"`
	Seconds int         `json:"seconds"`
}

// TrackedPrediction is the timing model for a map that is not live: the
// earliest known ETA plus one entry per server the map is queued on,
// kept sorted ascending by seconds.
type TrackedPrediction struct {
	EarliestSeconds int
	EarliestServer  ServerLabel
	PerServer       []ServerETA
}

// LiveWindow is the timing model for a map that is live: an absolute expiry
// (immune to tick drift, unlike the decremented ETAs) and the servers
// currently broadcasting it. Upcoming holds the map's queued slots on other
// servers, which keep counting down while the map is live.
type LiveWindow struct {
	ExpiresAt time.Time
	Servers   map[ServerLabel]struct{}
	Upcoming  []ServerETA
}

// MapState is the per-map tagged union: exactly one of Tracked or Live is
// non-nil while an entry exists. The type makes the tracked/live mutual
// exclusion structural instead of a convention over parallel maps.
type MapState struct {
	Tracked *TrackedPrediction
	Live    *LiveWindow
}

// LiveEvent is a "map just went live" notification payload.
type LiveEvent struct {
	Map    MapID       `json:"map_id"`
	Server ServerLabel `json:"server"`
}

// TrackedLine is one row of the "coming up" section of a summary.
type TrackedLine struct {
	ETASeconds int         `json:"eta_seconds"`
	Map        MapID       `json:"map_id"`
	Server     ServerLabel `json:"server,omitempty"`
	Text       string      `json:"text"`
}

// Summary is the merged view handed to presentation adapters: live map ids
// in ascending order and tracked lines sorted by ETA with unknowns last.
type Summary struct {
	Live    []MapID       `json:"live"`
	Tracked []TrackedLine `json:"tracked"`
}

// WatchSet is the externally supplied set of maps the user wants watched.
// The core reads it copy-on-write at tick start and never owns persistence.
type WatchSet map[MapID]struct{}

// Has reports whether id is watched.
func (w WatchSet) Has(id MapID) bool {
	_, ok := w[id]
	return ok
}

// formatETA renders seconds as the page's M:SS clock.
func formatETA(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// trackedLineText renders the user-facing text for a tracked line.
func trackedLineText(id MapID, seconds int, server ServerLabel) string {
	if seconds >= UnknownETA {
		return fmt.Sprintf("- %d will be live in unknown", id)
	}
	if server == "" {
		return fmt.Sprintf("- %d will be live in %s", id, formatETA(seconds))
	}
	return fmt.Sprintf("- %d will be live in %s on %s", id, formatETA(seconds), server)
}
