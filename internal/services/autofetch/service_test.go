package autofetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmanager/internal/eventbus"
	logx "feedmanager/pkg/logx"
)

// farPolicy is enabled but will not fire during a test run.
var farPolicy = Policy{Enabled: true, Hour: 23, Minute: 59, TimeZoneID: "UTC", IntervalDays: 1}

func startService(t *testing.T, run RunFunc) *Service {
	t.Helper()
	if run == nil {
		run = func(ctx context.Context, projectID, triggeredBy string) error { return nil }
	}
	s := New(Config{Enabled: true, Workers: 1, HistorySize: 10}, run, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestInstallReplacesExistingHandle(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	require.NoError(t, s.Install("p1", farPolicy))
	require.NoError(t, s.Install("p1", farPolicy))

	assert.True(t, s.Scheduled("p1"))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "p1", snap.Schedules[0].ProjectID)
	assert.Equal(t, 24*time.Hour, snap.Schedules[0].Period)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	s.Cancel("unknown") // no handle: no-op, no panic

	require.NoError(t, s.Install("p1", farPolicy))
	s.Cancel("p1")
	s.Cancel("p1")
	assert.False(t, s.Scheduled("p1"))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestDisabledPolicyCancels(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	require.NoError(t, s.Install("p1", farPolicy))
	off := farPolicy
	off.Enabled = false
	require.NoError(t, s.Install("p1", off))
	assert.False(t, s.Scheduled("p1"))
}

func TestInstallRequiresRunningService(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(ctx context.Context, projectID, triggeredBy string) error { return nil },
		eventbus.New(), logx.Nop())
	assert.Error(t, s.Install("p1", farPolicy))
	assert.False(t, s.Scheduled("p1"))
}

func TestTriggerNowRunsOnWorker(t *testing.T) {
	t.Parallel()
	ran := make(chan string, 1)
	s := startService(t, func(ctx context.Context, projectID, triggeredBy string) error {
		ran <- projectID + "/" + triggeredBy
		return nil
	})

	require.NoError(t, s.TriggerNow("p1"))
	select {
	case got := <-ran:
		assert.Equal(t, "p1/manual", got)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never ran")
	}
}

func TestFailedRunRecordedInHistoryAndBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	var calls atomic.Int32
	s := New(Config{Enabled: true, Workers: 1, HistorySize: 10},
		func(ctx context.Context, projectID, triggeredBy string) error {
			calls.Add(1)
			return errors.New("upstream 503")
		}, bus, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.NoError(t, s.TriggerNow("p1"))

	deadline := time.After(2 * time.Second)
	var failed bool
	for !failed {
		select {
		case e := <-events:
			if e.Type == "fetch.failed" {
				fe, ok := e.Data.(FetchEvent)
				require.True(t, ok)
				assert.Equal(t, "p1", fe.ProjectID)
				assert.Contains(t, fe.Error, "503")
				failed = true
			}
		case <-deadline:
			t.Fatal("fetch.failed never published")
		}
	}

	require.Eventually(t, func() bool {
		h := s.Snapshot().History
		return len(h) == 1 && h[0].Error != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStopStopsScheduling(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1},
		func(ctx context.Context, projectID, triggeredBy string) error { return nil },
		eventbus.New(), logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Install("p1", farPolicy))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.False(t, s.Scheduled("p1"))
	assert.Error(t, s.TriggerNow("p1"))
}
