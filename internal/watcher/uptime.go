package watcher

import (
	"regexp"
	"strconv"
)

// Cycle-length priors and learning guards. Rotations run in whole minutes;
// anything outside the plausible band is noise from a mid-cycle sample.
const (
	defaultUptimeSeconds     = 600 // servers 1-9
	defaultUptimeHighSeconds = 720 // servers 10 and above run longer rotations
	minPlausibleUptime       = 300
	maxPlausibleUptime       = 1200
	uptimeBoundaryTolerance  = 30
)

var serverNumberRe = regexp.MustCompile(`(\d+)\s*$`)

// ServerUptimeModel holds the learned cycle duration per server. It seeds
// from tiered defaults, is refined only upward by fresh live-transition
// observations, and supplies the live-window length whenever a snapshot has
// no usable remaining time.
//
// Not goroutine-safe: owned by the poll driver like the rest of the state.
type ServerUptimeModel struct {
	learned map[ServerLabel]int
}

// NewServerUptimeModel returns a model seeded with previously learned
// uptimes, typically loaded from the preference store. seed may be nil.
func NewServerUptimeModel(seed map[ServerLabel]int) *ServerUptimeModel {
	m := &ServerUptimeModel{learned: make(map[ServerLabel]int)}
	for srv, sec := range seed {
		if sec >= minPlausibleUptime && sec <= maxPlausibleUptime {
			m.learned[srv] = sec
		}
	}
	return m
}

// Duration returns the believed cycle length for a server: the learned value
// if any, else the tier default for its server number.
func (m *ServerUptimeModel) Duration(server ServerLabel) int {
	if sec, ok := m.learned[server]; ok {
		return sec
	}
	return defaultUptime(server)
}

// Learn folds in a remaining-time observation taken as a server went live.
// Only such observations approximate the full cycle length; mid-cycle
// samples are useless, so the value must sit on a whole-minute boundary
// (within tolerance), inside the plausible band, and must not regress the
// current belief. Returns true when the stored belief changed.
func (m *ServerUptimeModel) Learn(server ServerLabel, observedSeconds int) bool {
	rounded := ((observedSeconds + 30) / 60) * 60
	diff := observedSeconds - rounded
	if diff < 0 {
		diff = -diff
	}
	if diff > uptimeBoundaryTolerance {
		return false
	}
	if rounded < minPlausibleUptime || rounded > maxPlausibleUptime {
		return false
	}
	if rounded < m.Duration(server) {
		// Uptimes only refine upward; a shorter sample is a mid-cycle read.
		return false
	}
	prev, had := m.learned[server]
	if had && prev == rounded {
		return false
	}
	m.learned[server] = rounded
	return true
}

// Reset discards the learned value for a server, restoring its tier default.
func (m *ServerUptimeModel) Reset(server ServerLabel) {
	delete(m.learned, server)
}

// Snapshot returns a copy of the learned uptimes for persistence.
func (m *ServerUptimeModel) Snapshot() map[ServerLabel]int {
	out := make(map[ServerLabel]int, len(m.learned))
	for srv, sec := range m.learned {
		out[srv] = sec
	}
	return out
}

func defaultUptime(server ServerLabel) int {
	if m := serverNumberRe.FindStringSubmatch(string(server)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 10 {
			return defaultUptimeHighSeconds
		}
	}
	return defaultUptimeSeconds
}
