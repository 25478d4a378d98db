package watcher

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Flewrider/kackychecker/internal/schedule"
)

var etaRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// State is the single source of truth for per-map timing. It reconciles
// authoritative-but-stale snapshots with the locally simulated countdown:
// snapshots only sync times, while the tracked/live transitions themselves
// happen locally when an ETA reaches zero or a window expires. Between
// fetches the local countdown is the more precise clock, so a stale fetch is
// never allowed to fast-forward or regress a transition.
//
// State is owned by the poll driver goroutine and has no internal locking.
type State struct {
	maps     map[MapID]*MapState
	uptimes  *ServerUptimeModel
	notified map[MapID]struct{}
	learned  map[ServerLabel]int
	log      *slog.Logger
}

// NewState returns an empty reconciliation state using the given uptime
// model for live-window durations.
func NewState(uptimes *ServerUptimeModel, log *slog.Logger) *State {
	return &State{
		maps:     make(map[MapID]*MapState),
		uptimes:  uptimes,
		notified: make(map[MapID]struct{}),
		learned:  make(map[ServerLabel]int),
		log:      log,
	}
}

// DrainLearnedUptimes returns the server uptimes refined since the last
// call, for the caller to persist. Empties the pending set.
func (s *State) DrainLearnedUptimes() map[ServerLabel]int {
	if len(s.learned) == 0 {
		return nil
	}
	out := s.learned
	s.learned = make(map[ServerLabel]int)
	return out
}

// HasData reports whether the state holds any timing entry for id.
func (s *State) HasData(id MapID) bool {
	_, ok := s.maps[id]
	return ok
}

// Uptimes exposes the learned server uptimes for persistence.
func (s *State) Uptimes() map[ServerLabel]int {
	return s.uptimes.Snapshot()
}

// UpdateFromSnapshot merges fetched records into the state for every watched
// map and returns the set of maps the snapshot reports live. That returned
// set is advisory: authoritative live status stays with the local windows.
//
// Malformed records are skipped individually; one bad row never corrupts
// state for other maps.
func (s *State) UpdateFromSnapshot(records []schedule.Record, watched WatchSet, now time.Time) map[MapID]struct{} {
	liveNow := make(map[MapID]struct{})

	for _, rec := range records {
		id, err := parseMapID(rec.MapNumber)
		if err != nil {
			s.log.Debug("skipping record with bad map number", slog.String("map_number", rec.MapNumber))
			continue
		}
		if !watched.Has(id) {
			continue
		}
		server := ServerLabel(strings.TrimSpace(rec.Server))

		if rec.IsLive {
			s.applyLiveRecord(id, server, rec, now)
			liveNow[id] = struct{}{}
			continue
		}
		s.applyQueuedRecord(id, server, rec)
	}

	return liveNow
}

// applyLiveRecord folds in a snapshot row that reports the map live.
func (s *State) applyLiveRecord(id MapID, server ServerLabel, rec schedule.Record, now time.Time) {
	remaining, hasRemaining := parseSeconds(rec.RemainingTime)
	if rec.NeedsRetry {
		// Placeholder remaining time during a server transition: a guess must
		// not overwrite a real countdown.
		hasRemaining = false
	} else if hasRemaining {
		if s.uptimes.Learn(server, remaining) {
			s.learned[server] = s.uptimes.Duration(server)
			s.log.Debug("server uptime learned",
				slog.String("server", string(server)),
				slog.Int("seconds", s.uptimes.Duration(server)))
		}
	}

	st := s.maps[id]
	switch {
	case st != nil && st.Live != nil:
		// Already live locally: refresh the expiry only from a real value.
		if hasRemaining {
			st.Live.ExpiresAt = now.Add(time.Duration(remaining) * time.Second)
		}
		if server != "" {
			st.Live.Servers[server] = struct{}{}
		}
	case st != nil && st.Tracked != nil:
		// Tracked locally: the countdown transitions it, not a stale fetch.
		s.log.Debug("map tracked locally, ignoring snapshot live state", slog.Int("map", int(id)))
	default:
		// First sighting: adopt the snapshot's live state.
		dur := s.uptimes.Duration(server)
		if hasRemaining {
			dur = remaining
		}
		win := &LiveWindow{
			ExpiresAt: now.Add(time.Duration(dur) * time.Second),
			Servers:   make(map[ServerLabel]struct{}),
		}
		if server != "" {
			win.Servers[server] = struct{}{}
		}
		s.maps[id] = &MapState{Live: win}
	}
}

// applyQueuedRecord folds in a snapshot row that reports the map queued with
// an ETA. For a locally live map the ETA describes a future slot on another
// server and lands in the window's upcoming list instead of demoting it.
func (s *State) applyQueuedRecord(id MapID, server ServerLabel, rec schedule.Record) {
	m := etaRe.FindStringSubmatch(rec.ETA)
	if m == nil {
		if rec.ETA != "" {
			s.log.Debug("skipping record with unparseable eta",
				slog.Int("map", int(id)), slog.String("eta", rec.ETA))
		}
		return
	}
	minutes, _ := strconv.Atoi(m[1])
	secs, _ := strconv.Atoi(m[2])
	eta := minutes*60 + secs

	st := s.maps[id]
	switch {
	case st == nil:
		tr := &TrackedPrediction{EarliestSeconds: eta, EarliestServer: server}
		if server != "" {
			tr.PerServer = []ServerETA{{Server: server, Seconds: eta}}
		}
		s.maps[id] = &MapState{Tracked: tr}
	case st.Tracked != nil:
		if server == "" {
			if eta < st.Tracked.EarliestSeconds {
				st.Tracked.EarliestSeconds = eta
				st.Tracked.EarliestServer = ""
			}
		} else {
			st.Tracked.PerServer = upsertServerETA(st.Tracked.PerServer, server, eta)
			st.Tracked.EarliestSeconds = st.Tracked.PerServer[0].Seconds
			st.Tracked.EarliestServer = st.Tracked.PerServer[0].Server
		}
	case st.Live != nil:
		if server != "" {
			st.Live.Upcoming = upsertServerETA(st.Live.Upcoming, server, eta)
		}
	}
}

// Countdown decrements every tracked ETA and upcoming-slot ETA by delta
// seconds, floored at zero. Live windows are untouched: they expire by
// absolute timestamp and are immune to irregular tick timing.
func (s *State) Countdown(delta int) {
	if delta <= 0 {
		return
	}
	dec := func(etas []ServerETA) {
		for i := range etas {
			etas[i].Seconds -= delta
			if etas[i].Seconds < 0 {
				etas[i].Seconds = 0
			}
		}
	}
	for _, st := range s.maps {
		if st.Tracked != nil {
			st.Tracked.EarliestSeconds -= delta
			if st.Tracked.EarliestSeconds < 0 {
				st.Tracked.EarliestSeconds = 0
			}
			dec(st.Tracked.PerServer)
		}
		if st.Live != nil {
			dec(st.Live.Upcoming)
		}
	}
}

// PromoteExpired performs the self-actualizing transition: every watched
// tracked map whose ETA has counted down to zero becomes live locally with a
// window of the server's learned uptime. Returns one event per map that was
// newly promoted and not yet notified this episode; the ledger is updated so
// repeated calls cannot duplicate a notification.
func (s *State) PromoteExpired(watched WatchSet, now time.Time) []LiveEvent {
	var events []LiveEvent
	for id, st := range s.maps {
		if !watched.Has(id) || st.Tracked == nil {
			continue
		}
		server, due := expiredServer(st.Tracked)
		if !due {
			continue
		}

		win := &LiveWindow{
			ExpiresAt: now.Add(time.Duration(s.uptimes.Duration(server)) * time.Second),
			Servers:   make(map[ServerLabel]struct{}),
		}
		if server != "" {
			win.Servers[server] = struct{}{}
		}
		// Remaining queue slots on other servers stay on the clock.
		for _, e := range st.Tracked.PerServer {
			if e.Server != server && e.Seconds > 0 {
				win.Upcoming = upsertServerETA(win.Upcoming, e.Server, e.Seconds)
			}
		}
		st.Tracked = nil
		st.Live = win
		s.log.Debug("map promoted to live locally",
			slog.Int("map", int(id)), slog.String("server", string(server)))

		if _, seen := s.notified[id]; !seen {
			s.notified[id] = struct{}{}
			events = append(events, LiveEvent{Map: id, Server: server})
		}
	}
	return events
}

// NotifyNewlyLive returns events for watched maps holding an active live
// window that have not been notified this episode (windows created straight
// from a snapshot, rather than by local promotion) and marks them notified.
func (s *State) NotifyNewlyLive(watched WatchSet, now time.Time) []LiveEvent {
	var events []LiveEvent
	for id, st := range s.maps {
		if !watched.Has(id) || st.Live == nil || !st.Live.ExpiresAt.After(now) {
			continue
		}
		if _, seen := s.notified[id]; seen {
			continue
		}
		s.notified[id] = struct{}{}
		events = append(events, LiveEvent{Map: id, Server: joinServers(st.Live.Servers)})
	}
	return events
}

// PruneExpired removes live windows whose expiry has passed. The map falls
// back to tracked if it still has upcoming slots, otherwise the entry is
// dropped. The notification ledger entry goes with the window so the next
// live episode notifies again.
func (s *State) PruneExpired(now time.Time) {
	for id, st := range s.maps {
		if st.Live == nil || st.Live.ExpiresAt.After(now) {
			continue
		}
		s.endLiveEpisode(id, st)
	}
}

// endLiveEpisode tears down a live window, demoting to tracked when upcoming
// slots remain.
func (s *State) endLiveEpisode(id MapID, st *MapState) {
	upcoming := st.Live.Upcoming
	st.Live = nil
	delete(s.notified, id)

	var kept []ServerETA
	for _, e := range upcoming {
		if e.Seconds > 0 {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.maps, id)
		return
	}
	st.Tracked = &TrackedPrediction{
		EarliestSeconds: kept[0].Seconds,
		EarliestServer:  kept[0].Server,
		PerServer:       kept,
	}
}

// Summary builds the merged view. When snapshotLive is non-nil a fetch just
// happened and its live set (intersected with watched) is authoritative;
// local windows contradicting it are closed. Otherwise live status comes
// from the local windows. Tracked lines cover every watched map that is not
// live, with the unknown sentinel when no data exists, plus one line per
// upcoming server slot of each live map.
func (s *State) Summary(watched WatchSet, snapshotLive map[MapID]struct{}, now time.Time) Summary {
	s.PruneExpired(now)

	var live []MapID
	if snapshotLive != nil {
		for id, st := range s.maps {
			if st.Live == nil {
				continue
			}
			if _, ok := snapshotLive[id]; !ok {
				// The site no longer lists it live; end the episode early.
				s.endLiveEpisode(id, st)
			}
		}
		for id := range snapshotLive {
			if watched.Has(id) {
				live = append(live, id)
			}
		}
	} else {
		for id, st := range s.maps {
			if watched.Has(id) && st.Live != nil && st.Live.ExpiresAt.After(now) {
				live = append(live, id)
			}
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	liveSet := make(map[MapID]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	var tracked []TrackedLine
	for id := range watched {
		if _, isLive := liveSet[id]; isLive {
			continue
		}
		eta, server := UnknownETA, ServerLabel("")
		if st := s.maps[id]; st != nil && st.Tracked != nil {
			eta = st.Tracked.EarliestSeconds
			server = st.Tracked.EarliestServer
		}
		tracked = append(tracked, TrackedLine{
			ETASeconds: eta,
			Map:        id,
			Server:     server,
			Text:       trackedLineText(id, eta, server),
		})
	}
	// A live map can be queued on other servers at the same time; surface
	// those slots alongside the tracked maps.
	for _, id := range live {
		st := s.maps[id]
		if st == nil || st.Live == nil {
			continue
		}
		for _, e := range st.Live.Upcoming {
			tracked = append(tracked, TrackedLine{
				ETASeconds: e.Seconds,
				Map:        id,
				Server:     e.Server,
				Text:       trackedLineText(id, e.Seconds, e.Server),
			})
		}
	}
	sort.SliceStable(tracked, func(i, j int) bool {
		if tracked[i].ETASeconds != tracked[j].ETASeconds {
			return tracked[i].ETASeconds < tracked[j].ETASeconds
		}
		return tracked[i].Map < tracked[j].Map
	})

	return Summary{Live: live, Tracked: tracked}
}

// NearestETA returns the smallest positive ETA among watched maps (tracked
// predictions and upcoming slots of live maps), or UnknownETA when none.
func (s *State) NearestETA(watched WatchSet, now time.Time) int {
	nearest := UnknownETA
	for id, st := range s.maps {
		if !watched.Has(id) {
			continue
		}
		consider := func(sec int) {
			if sec > 0 && sec < nearest {
				nearest = sec
			}
		}
		if st.Tracked != nil {
			consider(st.Tracked.EarliestSeconds)
			for _, e := range st.Tracked.PerServer {
				consider(e.Seconds)
			}
		}
		if st.Live != nil && st.Live.ExpiresAt.After(now) {
			for _, e := range st.Live.Upcoming {
				consider(e.Seconds)
			}
		}
	}
	return nearest
}

// NextLiveExpiry returns the earliest live-window expiry among watched maps,
// or the zero time when no watched map is live.
func (s *State) NextLiveExpiry(watched WatchSet) time.Time {
	var next time.Time
	for id, st := range s.maps {
		if !watched.Has(id) || st.Live == nil {
			continue
		}
		if next.IsZero() || st.Live.ExpiresAt.Before(next) {
			next = st.Live.ExpiresAt
		}
	}
	return next
}

// HasUnknownMaps reports whether any watched map has no timing data at all.
func (s *State) HasUnknownMaps(watched WatchSet) bool {
	for id := range watched {
		if !s.HasData(id) {
			return true
		}
	}
	return false
}

// upsertServerETA records the minimum ETA per server and keeps the slice
// sorted ascending by seconds.
func upsertServerETA(etas []ServerETA, server ServerLabel, seconds int) []ServerETA {
	found := false
	for i := range etas {
		if etas[i].Server == server {
			if seconds < etas[i].Seconds {
				etas[i].Seconds = seconds
			}
			found = true
			break
		}
	}
	if !found {
		etas = append(etas, ServerETA{Server: server, Seconds: seconds})
	}
	sort.SliceStable(etas, func(i, j int) bool { return etas[i].Seconds < etas[j].Seconds })
	return etas
}

// expiredServer picks the server whose slot for this prediction has counted
// down to zero. The earliest entry wins; a prediction with no per-server
// data is due once its earliest ETA hits zero.
func expiredServer(tr *TrackedPrediction) (ServerLabel, bool) {
	for _, e := range tr.PerServer {
		if e.Seconds <= 0 {
			return e.Server, true
		}
	}
	if tr.EarliestSeconds <= 0 {
		return tr.EarliestServer, true
	}
	return "", false
}

func joinServers(servers map[ServerLabel]struct{}) ServerLabel {
	if len(servers) == 0 {
		return ""
	}
	labels := make([]string, 0, len(servers))
	for srv := range servers {
		labels = append(labels, string(srv))
	}
	sort.Strings(labels)
	return ServerLabel(strings.Join(labels, ", "))
}

func parseMapID(raw string) (MapID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, strconv.ErrSyntax
	}
	return MapID(n), nil
}

func parseSeconds(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
