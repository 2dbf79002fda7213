package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot file, no external dependencies at runtime
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AutoFetchPolicy describes whether and when a project's feeds are
// re-fetched automatically. Hour and Minute are wall-clock in TimeZoneID.
type AutoFetchPolicy struct {
	Enabled      bool   `json:"enabled"`
	Hour         int    `json:"hour"`
	Minute       int    `json:"minute"`
	TimeZoneID   string `json:"time_zone_id"`
	IntervalDays int    `json:"interval_days"`
}

// Project groups feeds that merge into one combined dataset.
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	AutoFetch AutoFetchPolicy `json:"auto_fetch"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Feed is one fetchable data source belonging to a project. Label is the
// namespace prefix its identifiers get in merged output; it defaults to the
// feed id when empty.
type Feed struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Version records one successfully fetched copy of a feed archive.
type Version struct {
	ID        string    `json:"id"`
	FeedID    string    `json:"feed_id"`
	Path      string    `json:"path"`
	Hash      string    `json:"hash"` // sha256 hex of the archive bytes
	SizeBytes int64     `json:"size_bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}
