package schedule

// Record is one observed row of the remote schedule: either the map a server
// is broadcasting right now, or a map queued in that server's rotation.
// This is the full output contract of the snapshot layer; consumers must
// tolerate empty fields on any record.
type Record struct {
	// MapNumber is the map id as a string of digits.
	MapNumber string `json:"map_number"`
	// Server is a label like "Server 7", or empty when unknown.
	Server string `json:"server"`
	// IsLive reports whether the map is broadcasting right now.
	IsLive bool `json:"is_live"`
	// ETA is "M:SS" (minutes possibly two digits) for queued maps, else empty.
	ETA string `json:"eta"`
	// RemainingTime is seconds left on a live map as a string of digits,
	// or empty when the site did not expose one.
	RemainingTime string `json:"remaining_time"`
	// NeedsRetry marks a live record whose remaining time is a placeholder
	// because the server was mid-transition when the page rendered. Such a
	// value must not be trusted as a real countdown.
	NeedsRetry bool `json:"needs_retry"`
}
