package autofetch

import (
	"strings"
	"time"

	logx "feedmanager/pkg/logx"
)

// fallbackZone substitutes for a missing or unresolvable policy zone id.
// A bad zone string must never fail scheduling.
const fallbackZone = "America/New_York"

func loadZone(id string, log logx.Logger) *time.Location {
	id = strings.TrimSpace(id)
	if id != "" {
		if loc, err := time.LoadLocation(id); err == nil {
			return loc
		}
		log.Warn("unknown time zone id; using fallback",
			logx.String("tz", id), logx.String("fallback", fallbackZone))
	}
	if loc, err := time.LoadLocation(fallbackZone); err == nil {
		return loc
	}
	return time.UTC
}

// initialDelay computes how long to wait before the first firing so that it
// lands on hour:minute wall-clock in the policy's zone. If today's target
// time already passed, the first firing rolls to the same time tomorrow.
// The result is in whole minutes.
func initialDelay(p Policy, now time.Time, log logx.Logger) time.Duration {
	loc := loadZone(p.TimeZoneID, log)
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), p.Hour, p.Minute, 0, 0, loc)

	diffMinutes := int(target.Sub(local).Minutes())
	if diffMinutes < 0 {
		diffMinutes = 24*60 + diffMinutes
	}
	return time.Duration(diffMinutes) * time.Minute
}

// period is the recurring interval between firings after the first.
func (p Policy) periodDuration() time.Duration {
	days := p.IntervalDays
	if days < 1 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}
