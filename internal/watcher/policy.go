package watcher

import (
	"fmt"
	"time"
)

// FetchReason says why a refresh is economically justified this tick.
type FetchReason string

const (
	ReasonInitial            FetchReason = "initial"
	ReasonWatchlistAdded     FetchReason = "watchlist_added"
	ReasonLiveWindowExpiring FetchReason = "live_window_expiring"
	ReasonETAThreshold       FetchReason = "eta_threshold"
	ReasonPeriodic           FetchReason = "periodic_refetch"
	ReasonForced             FetchReason = "forced"
)

// PolicyConfig carries the fetch-policy knobs.
type PolicyConfig struct {
	// ETAThreshold triggers a resync fetch when the nearest tracked ETA
	// falls within it.
	ETAThreshold time.Duration
	// LiveLookahead triggers a resync fetch shortly before a live window
	// expires, to catch the server's true remaining time.
	LiveLookahead time.Duration
	// MinFetchInterval spaces fetches so overlapping triggers cannot thrash.
	MinFetchInterval time.Duration
	// UnknownRefetchEvery bounds staleness while any watched map has no data.
	UnknownRefetchEvery time.Duration
	// StaleRefetchEvery bounds staleness otherwise.
	StaleRefetchEvery time.Duration
	// MaxSleep caps the next-fetch estimate so the loop always wakes.
	MaxSleep time.Duration
}

// DefaultPolicyConfig mirrors the agent's stock settings.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		ETAThreshold:        60 * time.Second,
		LiveLookahead:       10 * time.Second,
		MinFetchInterval:    2 * time.Second,
		UnknownRefetchEvery: 60 * time.Second,
		StaleRefetchEvery:   300 * time.Second,
		MaxSleep:            300 * time.Second,
	}
}

// PolicyView is the read-only slice of state the policy decides on,
// assembled by the poll driver at the start of a tick.
type PolicyView struct {
	// WatchlistAdded is set when the watch set gained a member that has no
	// prediction or live data yet.
	WatchlistAdded bool
	// Forced requests a fetch regardless of triggers and rate limiting.
	Forced bool
	// NearestETASeconds is the smallest positive tracked ETA among watched
	// maps, UnknownETA when none.
	NearestETASeconds int
	// NextLiveExpiry is the earliest watched live-window expiry, zero when
	// no watched map is live.
	NextLiveExpiry time.Time
	// HasUnknownMaps reports a watched map with no timing data at all.
	HasUnknownMaps bool
}

// Policy decides, once per tick, whether a network fetch is justified, and
// accounts for fetch outcomes. Fetches only sync times; every state
// transition is handled locally regardless of what the policy decides.
type Policy struct {
	cfg PolicyConfig

	initialDone         bool
	lastFetch           time.Time
	lastSuccess         time.Time
	consecutiveFailures int
}

// NewPolicy returns a policy with zeroes in cfg replaced by defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	def := DefaultPolicyConfig()
	if cfg.ETAThreshold <= 0 {
		cfg.ETAThreshold = def.ETAThreshold
	}
	if cfg.LiveLookahead <= 0 {
		cfg.LiveLookahead = def.LiveLookahead
	}
	if cfg.MinFetchInterval <= 0 {
		cfg.MinFetchInterval = def.MinFetchInterval
	}
	if cfg.UnknownRefetchEvery <= 0 {
		cfg.UnknownRefetchEvery = def.UnknownRefetchEvery
	}
	if cfg.StaleRefetchEvery <= 0 {
		cfg.StaleRefetchEvery = def.StaleRefetchEvery
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = def.MaxSleep
	}
	return &Policy{cfg: cfg}
}

// Decide evaluates the fetch triggers in priority order. The minimum
// inter-fetch spacing applies to every reason except the initial fetch,
// a watchlist addition, and a forced fetch.
func (p *Policy) Decide(now time.Time, view PolicyView) (FetchReason, bool) {
	reason, ok := p.trigger(now, view)
	if !ok {
		return "", false
	}
	switch reason {
	case ReasonInitial, ReasonWatchlistAdded, ReasonForced:
		return reason, true
	}
	if !p.lastFetch.IsZero() && now.Sub(p.lastFetch) < p.cfg.MinFetchInterval {
		return "", false
	}
	return reason, true
}

func (p *Policy) trigger(now time.Time, view PolicyView) (FetchReason, bool) {
	if view.Forced {
		return ReasonForced, true
	}
	if !p.initialDone {
		return ReasonInitial, true
	}
	if view.WatchlistAdded {
		return ReasonWatchlistAdded, true
	}
	if !view.NextLiveExpiry.IsZero() && !view.NextLiveExpiry.After(now.Add(p.cfg.LiveLookahead)) {
		return ReasonLiveWindowExpiring, true
	}
	if view.NearestETASeconds < UnknownETA &&
		time.Duration(view.NearestETASeconds)*time.Second <= p.cfg.ETAThreshold {
		return ReasonETAThreshold, true
	}
	if now.Sub(p.lastFetch) >= p.periodicCeiling(view) {
		return ReasonPeriodic, true
	}
	return "", false
}

func (p *Policy) periodicCeiling(view PolicyView) time.Duration {
	if view.HasUnknownMaps {
		return p.cfg.UnknownRefetchEvery
	}
	return p.cfg.StaleRefetchEvery
}

// NextFetchIn estimates how long until some trigger fires, for callers that
// want to sleep instead of polling every tick. Capped at MaxSleep so the
// loop always wakes even with nothing watched.
func (p *Policy) NextFetchIn(now time.Time, view PolicyView) time.Duration {
	if !p.initialDone || view.WatchlistAdded || view.Forced {
		return 0
	}
	next := p.cfg.MaxSleep
	if !view.NextLiveExpiry.IsZero() {
		if d := view.NextLiveExpiry.Sub(now) - p.cfg.LiveLookahead; d < next {
			next = d
		}
	}
	if view.NearestETASeconds < UnknownETA {
		if d := time.Duration(view.NearestETASeconds)*time.Second - p.cfg.ETAThreshold; d < next {
			next = d
		}
	}
	if d := p.periodicCeiling(view) - now.Sub(p.lastFetch); d < next {
		next = d
	}
	if next < 0 {
		next = 0
	}
	return next
}

// RecordFetch accounts for a completed fetch attempt. A fetch that errored
// or produced zero records counts as a failure; failures never halt the
// loop, the next eligible tick simply retries.
func (p *Policy) RecordFetch(now time.Time, records int, err error) {
	p.initialDone = true
	p.lastFetch = now
	if err == nil && records > 0 {
		p.lastSuccess = now
		p.consecutiveFailures = 0
		return
	}
	p.consecutiveFailures++
}

// ConsecutiveFailures returns the current failure streak.
func (p *Policy) ConsecutiveFailures() int {
	return p.consecutiveFailures
}

// StalenessWarning returns a user-visible warning once two or more fetches
// in a row have failed, distinguishing "never succeeded" from "succeeded
// N seconds ago".
func (p *Policy) StalenessWarning(now time.Time) (string, bool) {
	if p.consecutiveFailures < 2 {
		return "", false
	}
	if p.lastSuccess.IsZero() {
		return "Website unreachable or returned no data (never fetched successfully)", true
	}
	age := int(now.Sub(p.lastSuccess).Seconds())
	if age > 60 {
		return fmt.Sprintf("Website unreachable or returned no data (last success: %ds ago)", age), true
	}
	return "Website unreachable or returned no data", true
}
