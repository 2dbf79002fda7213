package autofetch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the auto-fetch service.
type Config struct {
	Enabled bool
	Workers int

	// JobTimeout bounds one whole-project fetch sweep. 0 disables the bound.
	JobTimeout time.Duration

	HistorySize int
}

// Policy is a project's auto-fetch schedule. Hour and Minute are wall-clock
// in TimeZoneID; an unknown zone id falls back rather than failing install.
type Policy struct {
	Enabled      bool
	Hour         int
	Minute       int
	TimeZoneID   string
	IntervalDays int
}

// RunFunc is the unit of work fired per schedule: fetch every feed in the
// project. triggeredBy is "auto" for scheduled firings, "manual" for API
// triggers.
type RunFunc func(ctx context.Context, projectID, triggeredBy string) error

// FetchEvent is the bus payload for fetch.* events.
type FetchEvent struct {
	ProjectID string
	Trigger   string
	Started   time.Time
	Duration  time.Duration
	Error     string
}

type HistoryItem struct {
	ProjectID string
	Trigger   string
	Started   time.Time
	Duration  time.Duration
	Error     string
}

// ScheduleInfo describes one live schedule for introspection.
type ScheduleInfo struct {
	ProjectID string
	Period    time.Duration
	Next      time.Time
}

type Snapshot struct {
	Enabled   bool
	Workers   int
	QueueLen  int
	Schedules []ScheduleInfo
	History   []HistoryItem
}

type task struct {
	projectID string
	trigger   string
}

// handle is the one live schedule for a project. Before the first firing it
// holds the initial-delay timer; afterwards the recurring cron entry. gen
// lets a replaced handle's pending timer callback recognize it is stale.
type handle struct {
	projectID string
	period    time.Duration
	gen       uint64
	timer     *time.Timer
	entryID   cron.EntryID
}
