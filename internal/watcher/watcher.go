package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Flewrider/kackychecker/internal/platform/metrics"
	"github.com/Flewrider/kackychecker/internal/schedule"
)

// SnapshotSource acquires one observation of the remote schedule. The HTTP
// fetcher implements it; tests substitute fakes. A fetch may take anywhere
// from hundreds of milliseconds to tens of seconds and therefore never runs
// on the tick path.
type SnapshotSource interface {
	Fetch(ctx context.Context) ([]schedule.Record, error)
}

// Callbacks are fire-and-forget hooks invoked from the tick goroutine.
// Adapters marshal to their own rendering context; nil members are skipped.
type Callbacks struct {
	OnStatusUpdate     func(message string)
	OnLiveNotification func(id MapID, server ServerLabel)
	OnSummaryUpdate    func(s Summary)
	// OnUptimeLearned lets the preference store persist refined server
	// uptimes without the core knowing about persistence.
	OnUptimeLearned func(server ServerLabel, seconds int)
}

// Config carries the poll driver knobs.
type Config struct {
	// CheckInterval is the tick cadence; the countdown and UI refresh run at
	// this rate regardless of fetch outcomes.
	CheckInterval time.Duration
	Policy        PolicyConfig
}

type fetchResult struct {
	records []schedule.Record
	reason  FetchReason
	err     error
}

// Watcher is the poll driver: it owns the reconciliation state, advances the
// local countdown every tick, asks the fetch policy whether a refresh is
// justified, and runs the fetch on a worker goroutine so a slow or hung
// fetch can never stall the 1 Hz cadence.
//
// All state mutation happens on the Run goroutine. The watch set and the
// latest summary are the only shared data, each behind its own small mutex.
type Watcher struct {
	cfg     Config
	src     SnapshotSource
	state   *State
	policy  *Policy
	cb      Callbacks
	log     *slog.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	watched        WatchSet
	watchlistDirty bool
	forceFetch     bool

	summaryMu   sync.RWMutex
	lastSummary Summary

	fetchCh  chan fetchResult
	fetching bool
	lastTick time.Time
}

// New constructs a Watcher. met may be nil to disable metric recording
// (e.g. in tests). The uptime model is seeded from uptimeSeed.
func New(cfg Config, src SnapshotSource, uptimeSeed map[ServerLabel]int, cb Callbacks, log *slog.Logger, met *metrics.Metrics) *Watcher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &Watcher{
		cfg:     cfg,
		src:     src,
		state:   NewState(NewServerUptimeModel(uptimeSeed), log),
		policy:  NewPolicy(cfg.Policy),
		cb:      cb,
		log:     log,
		metrics: met,
		watched: make(WatchSet),
		fetchCh: make(chan fetchResult, 1),
	}
}

// SetWatched replaces the watch set. A genuinely new map with no local data
// raises the watchlist-added fetch trigger. Safe from any goroutine.
func (w *Watcher) SetWatched(ids []MapID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := make(WatchSet, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
		if !w.watched.Has(id) {
			w.watchlistDirty = true
		}
	}
	w.watched = next
}

// Track adds one map to the watch set. Safe from any goroutine.
func (w *Watcher) Track(id MapID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watched.Has(id) {
		w.watched[id] = struct{}{}
		w.watchlistDirty = true
	}
}

// Untrack removes one map from the watch set. Safe from any goroutine.
func (w *Watcher) Untrack(id MapID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}

// Watched returns the watched map ids in ascending order.
func (w *Watcher) Watched() []MapID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]MapID, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ForceFetch requests a fetch on the next tick, bypassing rate limiting.
func (w *Watcher) ForceFetch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forceFetch = true
}

// SummarySnapshot returns the most recent summary. Presentation layers read
// this immutable copy instead of reaching into core state.
func (w *Watcher) SummarySnapshot() Summary {
	w.summaryMu.RLock()
	defer w.summaryMu.RUnlock()
	return w.lastSummary
}

// Uptimes returns the learned server uptimes. Only meaningful between runs
// or for persistence at shutdown; the tick goroutine owns the live model.
func (w *Watcher) Uptimes() map[ServerLabel]int {
	return w.state.Uptimes()
}

// Run drives the tick loop until ctx is cancelled. It blocks.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	w.lastTick = time.Now()
	w.Tick(ctx, w.lastTick)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.Tick(ctx, now)
		}
	}
}

// Tick runs one poll cycle: fold in a completed fetch if any, advance the
// countdown, apply local transitions, decide on fetching, and publish the
// summary. Exported for tests; production code only calls it via Run.
func (w *Watcher) Tick(ctx context.Context, now time.Time) {
	watched, added, forced := w.tickInputs()

	// Fold in the completed fetch, if one landed since last tick.
	var snapshotLive map[MapID]struct{}
	select {
	case res := <-w.fetchCh:
		w.fetching = false
		snapshotLive = w.applyFetchResult(res, watched, now)
	default:
	}

	// Local simulation: countdown by wall-clock elapsed seconds so irregular
	// tick scheduling cannot stall or double-count the display.
	delta := int(now.Sub(w.lastTick).Round(time.Second) / time.Second)
	w.lastTick = now
	if delta > 0 {
		w.state.Countdown(delta)
	}

	var events []LiveEvent
	events = append(events, w.state.PromoteExpired(watched, now)...)
	w.state.PruneExpired(now)
	events = append(events, w.state.NotifyNewlyLive(watched, now)...)
	for _, ev := range events {
		w.log.Info("map live",
			slog.Int("map", int(ev.Map)),
			slog.String("server", string(ev.Server)))
		if w.metrics != nil {
			w.metrics.IncLiveNotification()
		}
		if w.cb.OnLiveNotification != nil {
			w.cb.OnLiveNotification(ev.Map, ev.Server)
		}
	}

	didFetch := w.maybeFetch(ctx, watched, added, forced, now)

	summary := w.state.Summary(watched, snapshotLive, now)
	w.summaryMu.Lock()
	w.lastSummary = summary
	w.summaryMu.Unlock()
	if w.metrics != nil {
		w.metrics.SetWatchedMaps(len(watched))
		w.metrics.SetLiveMaps(len(summary.Live))
		w.metrics.SetTrackedMaps(len(summary.Tracked))
	}
	if w.cb.OnSummaryUpdate != nil {
		w.cb.OnSummaryUpdate(summary)
	}

	if !didFetch && snapshotLive == nil {
		w.status("Idle (counting down ETAs)...")
	}
}

// tickInputs snapshots the externally mutable inputs at tick start:
// copy-on-read of the watch set plus the consumed trigger flags.
func (w *Watcher) tickInputs() (watched WatchSet, added, forced bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	watched = make(WatchSet, len(w.watched))
	for id := range w.watched {
		watched[id] = struct{}{}
	}
	added = w.watchlistDirty
	forced = w.forceFetch
	w.watchlistDirty = false
	w.forceFetch = false
	return watched, added, forced
}

// applyFetchResult accounts the outcome with the policy and, on success,
// merges the records. Returns the snapshot's live set for the summary when
// usable, nil otherwise.
func (w *Watcher) applyFetchResult(res fetchResult, watched WatchSet, now time.Time) map[MapID]struct{} {
	w.policy.RecordFetch(now, len(res.records), res.err)

	if res.err != nil || len(res.records) == 0 {
		if res.err != nil {
			w.log.Error("schedule fetch failed",
				slog.String("reason", string(res.reason)),
				slog.String("error", res.err.Error()))
		} else {
			w.log.Warn("schedule fetch returned no rows, site structure may have changed")
		}
		if w.metrics != nil {
			w.metrics.IncFetchFailure()
		}
		if msg, ok := w.policy.StalenessWarning(now); ok {
			w.status(msg)
		}
		return nil
	}

	liveNow := w.state.UpdateFromSnapshot(res.records, watched, now)
	if w.cb.OnUptimeLearned != nil {
		for server, seconds := range w.state.DrainLearnedUptimes() {
			w.cb.OnUptimeLearned(server, seconds)
		}
	}
	return liveNow
}

// maybeFetch consults the policy and launches the fetch worker when a fetch
// is justified and none is in flight. A justified fetch while one is
// outstanding is coalesced; the next tick re-evaluates.
func (w *Watcher) maybeFetch(ctx context.Context, watched WatchSet, added, forced bool, now time.Time) bool {
	view := PolicyView{
		WatchlistAdded:    added && w.state.HasUnknownMaps(watched),
		Forced:            forced,
		NearestETASeconds: w.state.NearestETA(watched, now),
		NextLiveExpiry:    w.state.NextLiveExpiry(watched),
		HasUnknownMaps:    w.state.HasUnknownMaps(watched),
	}
	reason, ok := w.policy.Decide(now, view)
	if !ok || w.fetching {
		return false
	}

	w.status(fetchStatus(reason))
	if w.metrics != nil {
		w.metrics.IncFetch(string(reason))
	}
	w.fetching = true
	go func() {
		records, err := w.src.Fetch(ctx)
		w.fetchCh <- fetchResult{records: records, reason: reason, err: err}
	}()
	return true
}

func (w *Watcher) status(msg string) {
	if w.cb.OnStatusUpdate != nil {
		w.cb.OnStatusUpdate(msg)
	}
}

func fetchStatus(reason FetchReason) string {
	switch reason {
	case ReasonInitial:
		return "Fetching schedule (initial state)..."
	case ReasonWatchlistAdded:
		return "Fetching schedule (new map added)..."
	case ReasonLiveWindowExpiring:
		return "Resyncing live map times..."
	case ReasonETAThreshold:
		return "Fetching schedule (map going live soon)..."
	case ReasonForced:
		return "Fetching schedule (manual refresh)..."
	default:
		return "Periodic refetch..."
	}
}
