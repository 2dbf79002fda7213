package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Gtfs controls the merge table descriptors. If spec_path is empty the
	// compiled-in GTFS descriptor set is used.
	Gtfs GtfsConfig `json:"gtfs,omitempty"`

	// Fetch controls feed downloading (directories, politeness, timeouts).
	Fetch FetchConfig `json:"fetch"`

	// AutoFetch controls the per-project recurring fetch scheduler.
	AutoFetch AutoFetchConfig `json:"auto_fetch"`

	API APIConfig `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer holding projects, feeds and
// fetched versions.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./feedmanager.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type GtfsConfig struct {
	// SpecPath optionally points at a YAML table descriptor file overriding
	// the compiled-in GTFS spec.
	SpecPath string `json:"spec_path,omitempty"`
}

// FetchConfig controls feed downloads.
//
// All durations are Go duration strings (e.g. "30s", "2m").
type FetchConfig struct {
	// VersionsDir is where downloaded feed archives are stored.
	VersionsDir string `json:"versions_dir"`

	// RatePerSec throttles outgoing downloads across all feeds. 0 means 1/s.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AutoFetchConfig controls the recurring fetch scheduler.
type AutoFetchConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	// JobTimeout bounds one whole-project fetch sweep. "0s" disables it.
	JobTimeout string `json:"job_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// APIConfig controls the HTTP surface.
//
// Security note:
//   - Mutating routes require the bearer Token when set.
//   - Prefer binding to localhost unless a token is configured.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// UnmarshalJSON disallows unknown fields so removed or misspelled keys are
// caught during load/reload instead of being silently ignored.
func (c *Config) UnmarshalJSON(b []byte) error {
	type alias Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var a alias
	if err := dec.Decode(&a); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	*c = Config(a)
	return nil
}

// Validate applies cheap structural checks that do not require I/O.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.AutoFetch.Workers < 0 {
		return fmt.Errorf("auto_fetch.workers: must be >= 0")
	}
	if c.Fetch.RatePerSec < 0 {
		return fmt.Errorf("fetch.rate_per_sec: must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"fetch.timeout", c.Fetch.Timeout},
		{"auto_fetch.job_timeout", c.AutoFetch.JobTimeout},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
