package watcher

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Flewrider/kackychecker/internal/schedule"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestState() *State {
	return NewState(NewServerUptimeModel(nil), discardLogger())
}

func watchSet(ids ...MapID) WatchSet {
	ws := make(WatchSet, len(ids))
	for _, id := range ids {
		ws[id] = struct{}{}
	}
	return ws
}

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestUpdateFromSnapshotQueued(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "5:07"},
		{MapNumber: "100", Server: "Server 4", ETA: "15:07"},
		{MapNumber: "999", Server: "Server 1", ETA: "2:00"}, // not watched
	}, ws, base)

	st := s.maps[100]
	if st == nil || st.Tracked == nil {
		t.Fatal("map 100 not tracked after queued records")
	}
	if st.Live != nil {
		t.Fatal("map 100 tracked and live at once")
	}
	if st.Tracked.EarliestSeconds != 307 || st.Tracked.EarliestServer != "Server 2" {
		t.Errorf("earliest = %d on %q, want 307 on Server 2",
			st.Tracked.EarliestSeconds, st.Tracked.EarliestServer)
	}
	if len(st.Tracked.PerServer) != 2 {
		t.Errorf("PerServer has %d entries, want 2", len(st.Tracked.PerServer))
	}
	if s.HasData(999) {
		t.Error("unwatched map leaked into state")
	}
}

func TestUpdateFromSnapshotSkipsMalformed(t *testing.T) {
	s := newTestState()
	ws := watchSet(100, 200)

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "abc", Server: "Server 1", ETA: "2:00"},
		{MapNumber: "100", Server: "Server 1", ETA: "nonsense"},
		{MapNumber: "200", Server: "Server 3", ETA: "1:30"},
	}, ws, base)

	if s.HasData(100) {
		t.Error("record with unparseable eta created state")
	}
	if st := s.maps[200]; st == nil || st.Tracked == nil || st.Tracked.EarliestSeconds != 90 {
		t.Error("good record after bad ones was not applied")
	}
}

func TestCountdownFloorsAtZero(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "0:10"},
	}, ws, base)

	s.Countdown(3)
	if got := s.maps[100].Tracked.EarliestSeconds; got != 7 {
		t.Fatalf("after 3s: earliest = %d, want 7", got)
	}
	s.Countdown(100)
	if got := s.maps[100].Tracked.EarliestSeconds; got != 0 {
		t.Errorf("after overshoot: earliest = %d, want 0", got)
	}
	if got := s.maps[100].Tracked.PerServer[0].Seconds; got != 0 {
		t.Errorf("per-server eta = %d, want 0", got)
	}
}

func TestPromoteExpiredGoesLiveLocally(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "0:05"},
	}, ws, base)

	// Not due yet.
	if events := s.PromoteExpired(ws, base); len(events) != 0 {
		t.Fatalf("premature promotion: %v", events)
	}

	s.Countdown(5)
	now := base.Add(5 * time.Second)
	events := s.PromoteExpired(ws, now)
	if len(events) != 1 || events[0].Map != 100 || events[0].Server != "Server 2" {
		t.Fatalf("events = %v, want one for map 100 on Server 2", events)
	}

	st := s.maps[100]
	if st.Live == nil || st.Tracked != nil {
		t.Fatal("promoted map is not in the live-only shape")
	}
	wantExpiry := now.Add(600 * time.Second)
	if !st.Live.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("window expires %v, want %v", st.Live.ExpiresAt, wantExpiry)
	}

	// Repeated calls in the same episode stay silent.
	if events := s.PromoteExpired(ws, now); len(events) != 0 {
		t.Errorf("second promotion pass produced events: %v", events)
	}
	if events := s.NotifyNewlyLive(ws, now); len(events) != 0 {
		t.Errorf("NotifyNewlyLive re-fired in the same episode: %v", events)
	}
}

func TestPromoteExpiredKeepsOtherServerSlots(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "0:03"},
		{MapNumber: "100", Server: "Server 8", ETA: "12:00"},
	}, ws, base)

	s.Countdown(3)
	now := base.Add(3 * time.Second)
	s.PromoteExpired(ws, now)

	st := s.maps[100]
	if st.Live == nil {
		t.Fatal("map not live after promotion")
	}
	if len(st.Live.Upcoming) != 1 || st.Live.Upcoming[0].Server != "Server 8" {
		t.Fatalf("Upcoming = %v, want the Server 8 slot", st.Live.Upcoming)
	}
	if got := st.Live.Upcoming[0].Seconds; got != 717 {
		t.Errorf("upcoming eta = %d, want 717", got)
	}
}

func TestSnapshotCannotFastForwardTrackedMap(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "1:00"},
	}, ws, base)

	// A stale page claiming the map is already live must not beat the local
	// countdown.
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "590"},
	}, ws, base.Add(time.Second))

	st := s.maps[100]
	if st.Tracked == nil || st.Live != nil {
		t.Fatal("snapshot live state overrode the local tracked countdown")
	}
}

func TestPlaceholderRemainingTimeIsIgnored(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "300"},
	}, ws, base)
	st := s.maps[100]
	wantExpiry := base.Add(300 * time.Second)
	if !st.Live.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("initial window expires %v, want %v", st.Live.ExpiresAt, wantExpiry)
	}

	// Mid-transition placeholder must not touch the running window.
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "600", NeedsRetry: true},
	}, ws, base.Add(10*time.Second))
	if !st.Live.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("placeholder moved expiry to %v, want %v unchanged", st.Live.ExpiresAt, wantExpiry)
	}

	// A real value resyncs it.
	later := base.Add(20 * time.Second)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "250"},
	}, ws, later)
	if !st.Live.ExpiresAt.Equal(later.Add(250 * time.Second)) {
		t.Errorf("real remaining time did not refresh the window")
	}
}

func TestLiveWithoutRemainingUsesLearnedUptime(t *testing.T) {
	s := NewState(NewServerUptimeModel(map[ServerLabel]int{"Server 11": 900}), discardLogger())
	ws := watchSet(42)

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "42", Server: "Server 11", IsLive: true},
	}, ws, base)

	st := s.maps[42]
	if st == nil || st.Live == nil {
		t.Fatal("map not live after snapshot live record")
	}
	if !st.Live.ExpiresAt.Equal(base.Add(900 * time.Second)) {
		t.Errorf("window expires %v, want learned uptime of 900s", st.Live.ExpiresAt)
	}
}

func TestQueuedSlotWhileLiveLandsInUpcoming(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "400"},
		{MapNumber: "100", Server: "Server 6", ETA: "14:30"},
	}, ws, base)

	st := s.maps[100]
	if st.Live == nil {
		t.Fatal("queued slot on another server demoted the live map")
	}
	if len(st.Live.Upcoming) != 1 || st.Live.Upcoming[0].Seconds != 870 {
		t.Errorf("Upcoming = %v, want one 870s slot", st.Live.Upcoming)
	}
}

func TestPruneExpiredEndsEpisode(t *testing.T) {
	t.Run("no upcoming slots drops the entry", func(t *testing.T) {
		s := newTestState()
		ws := watchSet(100)
		s.UpdateFromSnapshot([]schedule.Record{
			{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "60"},
		}, ws, base)
		s.NotifyNewlyLive(ws, base)

		s.PruneExpired(base.Add(61 * time.Second))
		if s.HasData(100) {
			t.Error("expired window with no upcoming slots kept its entry")
		}
	})

	t.Run("upcoming slots demote to tracked", func(t *testing.T) {
		s := newTestState()
		ws := watchSet(100)
		s.UpdateFromSnapshot([]schedule.Record{
			{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "60"},
			{MapNumber: "100", Server: "Server 6", ETA: "10:00"},
		}, ws, base)

		s.PruneExpired(base.Add(61 * time.Second))
		st := s.maps[100]
		if st == nil || st.Tracked == nil || st.Live != nil {
			t.Fatal("expired window with upcoming slots did not demote to tracked")
		}
		if st.Tracked.EarliestSeconds != 600 || st.Tracked.EarliestServer != "Server 6" {
			t.Errorf("demoted prediction = %d on %q, want 600 on Server 6",
				st.Tracked.EarliestSeconds, st.Tracked.EarliestServer)
		}
	})
}

func TestRenotifiesAfterEpisodeEnds(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "60"},
	}, ws, base)
	if events := s.NotifyNewlyLive(ws, base); len(events) != 1 {
		t.Fatalf("first episode events = %v, want one", events)
	}

	s.PruneExpired(base.Add(61 * time.Second))

	// A fresh episode later the same day notifies again.
	later := base.Add(30 * time.Minute)
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 5", IsLive: true, RemainingTime: "300"},
	}, ws, later)
	events := s.NotifyNewlyLive(ws, later)
	if len(events) != 1 || events[0].Server != "Server 5" {
		t.Errorf("second episode events = %v, want one on Server 5", events)
	}
}

func TestSummary(t *testing.T) {
	t.Run("tracked lines cover every watched map", func(t *testing.T) {
		s := newTestState()
		ws := watchSet(100, 200, 300)
		s.UpdateFromSnapshot([]schedule.Record{
			{MapNumber: "100", Server: "Server 2", ETA: "5:07"},
			{MapNumber: "200", Server: "Server 4", IsLive: true, RemainingTime: "120"},
		}, ws, base)

		sum := s.Summary(ws, nil, base)
		if len(sum.Live) != 1 || sum.Live[0] != 200 {
			t.Fatalf("Live = %v, want [200]", sum.Live)
		}
		if len(sum.Tracked) != 2 {
			t.Fatalf("Tracked = %v, want lines for 100 and 300", sum.Tracked)
		}
		if sum.Tracked[0].Map != 100 || sum.Tracked[0].Text != "- 100 will be live in 5:07 on Server 2" {
			t.Errorf("first line = %+v", sum.Tracked[0])
		}
		if sum.Tracked[1].Map != 300 || sum.Tracked[1].Text != "- 300 will be live in unknown" {
			t.Errorf("unknown line = %+v", sum.Tracked[1])
		}
	})

	t.Run("fresh snapshot live set is authoritative", func(t *testing.T) {
		s := newTestState()
		ws := watchSet(100)
		s.UpdateFromSnapshot([]schedule.Record{
			{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "500"},
		}, ws, base)

		// The site no longer lists the map live; the local window must close.
		sum := s.Summary(ws, map[MapID]struct{}{}, base.Add(time.Second))
		if len(sum.Live) != 0 {
			t.Fatalf("Live = %v, want empty after contradicting snapshot", sum.Live)
		}
		if st := s.maps[100]; st != nil && st.Live != nil {
			t.Error("contradicted live window survived the authoritative summary")
		}
	})

	t.Run("upcoming slots of a live map get lines", func(t *testing.T) {
		s := newTestState()
		ws := watchSet(100)
		s.UpdateFromSnapshot([]schedule.Record{
			{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "400"},
			{MapNumber: "100", Server: "Server 6", ETA: "2:00"},
		}, ws, base)

		sum := s.Summary(ws, nil, base)
		if len(sum.Live) != 1 {
			t.Fatalf("Live = %v, want [100]", sum.Live)
		}
		if len(sum.Tracked) != 1 || sum.Tracked[0].Text != "- 100 will be live in 2:00 on Server 6" {
			t.Errorf("Tracked = %+v, want the upcoming Server 6 line", sum.Tracked)
		}
	})
}

func TestNearestETAAndUnknowns(t *testing.T) {
	s := newTestState()
	ws := watchSet(100, 200)

	if got := s.NearestETA(ws, base); got != UnknownETA {
		t.Fatalf("NearestETA on empty state = %d, want sentinel", got)
	}
	if !s.HasUnknownMaps(ws) {
		t.Fatal("HasUnknownMaps = false with no data")
	}

	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", ETA: "5:00"},
		{MapNumber: "200", Server: "Server 3", ETA: "1:30"},
	}, ws, base)

	if got := s.NearestETA(ws, base); got != 90 {
		t.Errorf("NearestETA = %d, want 90", got)
	}
	if s.HasUnknownMaps(ws) {
		t.Error("HasUnknownMaps = true with data for every watched map")
	}

	// A zero ETA is due for promotion, not a fetch trigger.
	s.Countdown(90)
	if got := s.NearestETA(ws, base); got != 210 {
		t.Errorf("NearestETA after countdown = %d, want 210", got)
	}
}

func TestDrainLearnedUptimes(t *testing.T) {
	s := newTestState()
	ws := watchSet(100)

	if got := s.DrainLearnedUptimes(); got != nil {
		t.Fatalf("drain on fresh state = %v, want nil", got)
	}

	// A live record whose remaining time sits on a minute boundary above the
	// default refines the model.
	s.UpdateFromSnapshot([]schedule.Record{
		{MapNumber: "100", Server: "Server 2", IsLive: true, RemainingTime: "660"},
	}, ws, base)

	got := s.DrainLearnedUptimes()
	if got["Server 2"] != 660 {
		t.Fatalf("drained = %v, want Server 2 -> 660", got)
	}
	if s.DrainLearnedUptimes() != nil {
		t.Error("second drain returned the same values again")
	}
}
