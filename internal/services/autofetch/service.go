package autofetch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedmanager/internal/eventbus"
	"feedmanager/internal/storage"
	logx "feedmanager/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	run RunFunc
	bus eventbus.Bus

	c       *cron.Cron
	handles map[string]*handle
	gen     uint64

	queue     chan task
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, run RunFunc, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		run:     run,
		bus:     bus,
		handles: map[string]*handle{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	// Resizing a live worker pool is not supported; workers pick up the new
	// job timeout on their next task.
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	// Fresh queue per run so a stop/start toggle never executes stale work.
	s.queue = make(chan task, 64)

	s.c = cron.New()
	s.c.Start()

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in fetch worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("service started", logx.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	cancel := s.runCancel
	s.runCancel = nil
	c := s.c
	s.c = nil
	s.queue = nil
	for id, h := range s.handles {
		if h.timer != nil {
			_ = h.timer.Stop()
		}
		delete(s.handles, id)
	}
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		// workers finish in background
	}
}

// Install (re)schedules a project's recurring fetch. Any existing schedule
// for the project is canceled first, so there is never more than one live
// handle per project id. A disabled policy is equivalent to Cancel.
func (s *Service) Install(projectID string, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.Enabled {
		s.cancelLocked(projectID)
		return nil
	}
	if s.stopCh == nil {
		return errors.New("autofetch: not running")
	}

	s.cancelLocked(projectID)

	delay := initialDelay(p, time.Now(), s.log)
	s.gen++
	h := &handle{projectID: projectID, period: p.periodDuration(), gen: s.gen}
	localGen := s.gen
	h.timer = time.AfterFunc(delay, func() { s.firstFire(projectID, localGen) })
	s.handles[projectID] = h

	s.log.Info("auto-fetch scheduled",
		logx.String("project", projectID),
		logx.Duration("initial_delay", delay),
		logx.Duration("period", h.period))
	return nil
}

// Cancel removes a project's schedule if one exists. Canceling a project with
// no schedule is a no-op. A task already executing finishes; it just never
// fires again.
func (s *Service) Cancel(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelLocked(projectID) {
		s.log.Info("auto-fetch canceled", logx.String("project", projectID))
	}
}

func (s *Service) cancelLocked(projectID string) bool {
	h, ok := s.handles[projectID]
	if !ok {
		return false
	}
	if h.timer != nil {
		_ = h.timer.Stop()
	}
	if h.entryID != 0 && s.c != nil {
		s.c.Remove(h.entryID)
	}
	delete(s.handles, projectID)
	return true
}

// Scheduled reports whether the project currently holds a live handle.
func (s *Service) Scheduled(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[projectID]
	return ok
}

// firstFire runs when a project's initial-delay timer expires: it promotes
// the handle to a recurring cron entry and enqueues the first sweep.
func (s *Service) firstFire(projectID string, gen uint64) {
	s.mu.Lock()
	h, ok := s.handles[projectID]
	if !ok || h.gen != gen || s.c == nil {
		// Replaced or canceled while the timer was pending.
		s.mu.Unlock()
		return
	}
	h.timer = nil
	spec := fmt.Sprintf("@every %s", h.period)
	eid, err := s.c.AddFunc(spec, func() {
		s.enqueue(task{projectID: projectID, trigger: "auto"})
	})
	if err != nil {
		s.log.Error("recurring registration failed",
			logx.String("project", projectID), logx.String("spec", spec), logx.Err(err))
		delete(s.handles, projectID)
	} else {
		h.entryID = eid
	}
	s.mu.Unlock()

	s.enqueue(task{projectID: projectID, trigger: "auto"})
}

// TriggerNow queues an immediate whole-project fetch on the worker pool.
func (s *Service) TriggerNow(projectID string) error {
	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	if !running {
		return errors.New("autofetch: not running")
	}
	s.enqueue(task{projectID: projectID, trigger: "manual"})
	return nil
}

// Bootstrap installs schedules for every stored project whose policy is
// enabled. Called once after Start on daemon boot.
func (s *Service) Bootstrap(ctx context.Context, st storage.Store) {
	if st == nil {
		return
	}
	projects, err := st.ListProjects(ctx)
	if err != nil {
		s.log.Error("bootstrap: listing projects failed", logx.Err(err))
		return
	}
	installed := 0
	for _, p := range projects {
		if !p.AutoFetch.Enabled {
			continue
		}
		if err := s.Install(p.ID, PolicyFrom(p.AutoFetch)); err != nil {
			s.log.Warn("bootstrap: install failed", logx.String("project", p.ID), logx.Err(err))
			continue
		}
		installed++
	}
	s.log.Info("schedules bootstrapped", logx.Int("installed", installed), logx.Int("projects", len(projects)))
}

// PolicyFrom adapts a stored policy.
func PolicyFrom(p storage.AutoFetchPolicy) Policy {
	return Policy{
		Enabled:      p.Enabled,
		Hour:         p.Hour,
		Minute:       p.Minute,
		TimeZoneID:   p.TimeZoneID,
		IntervalDays: p.IntervalDays,
	}
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("not running; dropping fetch", logx.String("project", t.projectID))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("queue full; dropping fetch",
			logx.String("project", t.projectID), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "fetch.started", Time: start,
			Data: FetchEvent{ProjectID: t.projectID, Trigger: t.trigger, Started: start}})
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	runCtx := ctx
	var cancel func()
	if cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
	}
	err := s.run(runCtx, t.projectID, t.trigger)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ProjectID: t.projectID, Trigger: t.trigger, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("project fetch failed",
			logx.String("project", t.projectID), logx.String("trigger", t.trigger), logx.Duration("dur", dur), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "fetch.failed", Time: time.Now(),
				Data: FetchEvent{ProjectID: t.projectID, Trigger: t.trigger, Started: start, Duration: dur, Error: item.Error}})
		}
	} else {
		s.log.Info("project fetch completed",
			logx.String("project", t.projectID), logx.String("trigger", t.trigger), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "fetch.finished", Time: time.Now(),
				Data: FetchEvent{ProjectID: t.projectID, Trigger: t.trigger, Started: start, Duration: dur}})
		}
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// Snapshot returns a point-in-time view for the status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Workers: s.cfg.Workers}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	for id, h := range s.handles {
		info := ScheduleInfo{ProjectID: id, Period: h.period}
		if h.entryID != 0 && s.c != nil {
			info.Next = s.c.Entry(h.entryID).Next
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].ProjectID < snap.Schedules[j].ProjectID })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
