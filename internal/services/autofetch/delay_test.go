package autofetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	logx "feedmanager/pkg/logx"
)

func TestInitialDelay(t *testing.T) {
	t.Parallel()
	p := Policy{Enabled: true, Hour: 2, Minute: 0, TimeZoneID: "UTC", IntervalDays: 1}

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{
			name: "before target fires today",
			now:  time.Date(2026, 1, 10, 1, 0, 0, 0, time.UTC),
			want: 60 * time.Minute,
		},
		{
			name: "after target rolls to tomorrow",
			now:  time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC),
			want: 23 * time.Hour,
		},
		{
			name: "exactly at target fires now",
			now:  time.Date(2026, 1, 10, 2, 0, 0, 0, time.UTC),
			want: 0,
		},
		{
			name: "whole minutes only",
			now:  time.Date(2026, 1, 10, 1, 0, 30, 0, time.UTC),
			want: 59 * time.Minute,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, initialDelay(p, tt.now, logx.Nop()))
		})
	}
}

func TestInitialDelayRespectsZone(t *testing.T) {
	t.Parallel()
	// 08:00 UTC on a winter day is 02:00 in Chicago (UTC-6).
	p := Policy{Enabled: true, Hour: 2, Minute: 30, TimeZoneID: "America/Chicago", IntervalDays: 1}
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, initialDelay(p, now, logx.Nop()))
}

func TestInvalidZoneFallsBack(t *testing.T) {
	t.Parallel()
	bad := Policy{Enabled: true, Hour: 4, Minute: 0, TimeZoneID: "Not/AZone", IntervalDays: 1}
	good := bad
	good.TimeZoneID = fallbackZone

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, initialDelay(good, now, logx.Nop()), initialDelay(bad, now, logx.Nop()))
}

func TestPeriodDuration(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 24*time.Hour, Policy{IntervalDays: 1}.periodDuration())
	assert.Equal(t, 7*24*time.Hour, Policy{IntervalDays: 7}.periodDuration())
	// Zero is clamped; a recurring task with no period would spin.
	assert.Equal(t, 24*time.Hour, Policy{}.periodDuration())
}
