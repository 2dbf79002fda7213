package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration-valued config field, e.g.
// fetch.timeout or auto_fetch.job_timeout. Values are Go duration strings;
// empty means unset and parses to zero. Every duration in the config is a
// timeout or a period, so negative values are always rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset, for fields
// where zero would disable a bound that must stay in place (fetch.timeout).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
