// Package scheduler fires named tasks at their due times, dispatching each
// execution onto the shared worker pool so the scheduling goroutine itself
// never runs task bodies.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
)

// TaskID is the opaque handle returned by the Schedule functions.
type TaskID uint64

// TaskFunc is a scheduled unit of work. Panics are recovered and counted as
// failures; the task keeps its schedule.
type TaskFunc func()

// Mode describes how a task reschedules after a dispatch.
type Mode int

const (
	// Recurring tasks recompute their next run after every execution.
	Recurring Mode = iota
	// OneTime tasks are removed once their single dispatch completes.
	OneTime
	// Conditional tasks poll a predicate at each interval and only run
	// when it holds.
	Conditional
)

func (m Mode) String() string {
	switch m {
	case Recurring:
		return "recurring"
	case OneTime:
		return "one_time"
	case Conditional:
		return "conditional"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Submitter is the slice of the worker pool the scheduler depends on.
type Submitter interface {
	Submit(work func()) bool
}

// TaskStats is a point-in-time snapshot of one task.
type TaskStats struct {
	ID              TaskID
	Name            string
	Mode            Mode
	Executions      uint64
	Failures        uint64
	AverageDuration time.Duration
	LastRun         time.Time
	NextRun         time.Time
	Enabled         bool
	Running         bool
}

// Stats is a point-in-time snapshot of the whole scheduler.
type Stats struct {
	ActiveTasks     int
	TotalExecutions uint64
	TotalFailures   uint64
	FailureRate     float64
	Uptime          time.Duration
}

// ResultObserver receives the outcome of every task execution. err is nil on
// success and carries the recovered panic otherwise.
type ResultObserver func(name string, duration time.Duration, err error)

// Option customises a Scheduler at construction time.
type Option func(*Scheduler)

// WithResultObserver installs a callback invoked after every execution.
func WithResultObserver(fn ResultObserver) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// TaskOption customises a single task at schedule time.
type TaskOption func(*task)

// WithDisabled registers the task disabled; it will not fire until
// Enable is called.
func WithDisabled() TaskOption {
	return func(t *task) { t.enabled = false }
}

type task struct {
	id       TaskID
	name     string
	mode     Mode
	fn       TaskFunc
	interval time.Duration
	cronExpr cron.Schedule // set instead of interval for cron tasks

	nextRun   time.Time
	enabled   bool
	running   bool
	condition func() bool

	executions    uint64
	failures      uint64
	totalDuration time.Duration
	lastRun       time.Time
}

// next computes the run after now.
func (t *task) next(now time.Time) time.Time {
	if t.cronExpr != nil {
		return t.cronExpr.Next(now)
	}
	return now.Add(t.interval)
}

// Scheduler owns its task table and a single loop goroutine. All task state
// is guarded by one mutex; the per-task running flag keeps a slow task from
// being dispatched again while its previous run is still on a worker.
type Scheduler struct {
	pool     Submitter
	log      loggingpkg.ServiceLogger
	observer ResultObserver

	mu     sync.Mutex
	tasks  map[TaskID]*task
	nextID TaskID

	running   bool
	done      chan struct{}
	wake      chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time

	totalExecutions uint64
	totalFailures   uint64
}

// defaultWake bounds how long the loop sleeps when no task is due soon.
const defaultWake = time.Minute

// New builds a stopped scheduler dispatching onto pool.
func New(pool Submitter, log loggingpkg.ServiceLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:  pool,
		log:   log,
		tasks: make(map[TaskID]*task),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop goroutine. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("scheduler already running", nil)
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("starting scheduler", nil)
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for it to exit. Executions already handed to
// the pool run to completion. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped", nil)
}

// ScheduleInterval registers a recurring task firing every interval.
func (s *Scheduler) ScheduleInterval(name string, interval time.Duration, fn TaskFunc, opts ...TaskOption) TaskID {
	return s.add(&task{
		name:     name,
		mode:     Recurring,
		interval: interval,
	}, fn, opts)
}

// ScheduleEveryMinutes registers a recurring task firing every n minutes.
func (s *Scheduler) ScheduleEveryMinutes(name string, minutes int, fn TaskFunc, opts ...TaskOption) TaskID {
	return s.ScheduleInterval(name, time.Duration(minutes)*time.Minute, fn, opts...)
}

// ScheduleEveryHours registers a recurring task firing every n hours.
func (s *Scheduler) ScheduleEveryHours(name string, hours int, fn TaskFunc, opts ...TaskOption) TaskID {
	return s.ScheduleInterval(name, time.Duration(hours)*time.Hour, fn, opts...)
}

// ScheduleOnce registers a task that fires once after delay and is then
// removed, whether or not the body succeeded.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn TaskFunc, opts ...TaskOption) TaskID {
	return s.add(&task{
		name:     name,
		mode:     OneTime,
		interval: delay,
	}, fn, opts)
}

// ScheduleConditional registers a task polled every pollInterval and
// dispatched only when condition reports true at poll time. A false poll
// simply moves the next poll one interval out. The condition runs on the
// scheduler goroutine without any scheduler lock held, so it may call back
// into Scheduler methods such as Stats.
func (s *Scheduler) ScheduleConditional(name string, pollInterval time.Duration, condition func() bool, fn TaskFunc, opts ...TaskOption) TaskID {
	return s.add(&task{
		name:      name,
		mode:      Conditional,
		interval:  pollInterval,
		condition: condition,
	}, fn, opts)
}

// ScheduleCron registers a recurring task driven by a standard five-field
// cron expression (optionally with @every / @hourly style descriptors).
// Cron resolution is one second: "@every" delays shorter than a second are
// rounded up to 1s by the parser. Use ScheduleInterval for tighter periods.
func (s *Scheduler) ScheduleCron(name, spec string, fn TaskFunc, opts ...TaskOption) (TaskID, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	id := s.add(&task{
		name:     name,
		mode:     Recurring,
		cronExpr: sched,
	}, fn, opts)
	return id, nil
}

func (s *Scheduler) add(t *task, fn TaskFunc, opts []TaskOption) TaskID {
	t.fn = fn
	t.enabled = true
	for _, opt := range opts {
		opt(t)
	}

	s.mu.Lock()
	s.nextID++
	t.id = s.nextID
	t.nextRun = t.next(time.Now())
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.log.Debug("scheduled task", loggingpkg.LogFields{
		"task": t.name,
		"mode": t.mode.String(),
		"id":   uint64(t.id),
	})
	s.notify()
	return t.id
}

// Cancel removes the task. An execution already on a worker runs to
// completion; only future dispatches are prevented.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok {
		s.log.Debug("cancelled task", loggingpkg.LogFields{"task": t.name})
	}
	return ok
}

// Enable re-arms a disabled task.
func (s *Scheduler) Enable(id TaskID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.enabled = true
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Disable keeps the task registered but stops it from firing.
func (s *Scheduler) Disable(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if ok {
		t.enabled = false
	}
	return ok
}

// IsTaskRunning reports whether an execution of the task is currently on a
// worker.
func (s *Scheduler) IsTaskRunning(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return ok && t.running
}

// TaskStats returns a snapshot of one task; ok is false for unknown ids.
func (s *Scheduler) TaskStats(id TaskID) (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskStats{}, false
	}
	return t.snapshot(), true
}

// AllTaskStats returns snapshots of every registered task.
func (s *Scheduler) AllTaskStats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		stats = append(stats, t.snapshot())
	}
	return stats
}

func (t *task) snapshot() TaskStats {
	stats := TaskStats{
		ID:         t.id,
		Name:       t.name,
		Mode:       t.mode,
		Executions: t.executions,
		Failures:   t.failures,
		LastRun:    t.lastRun,
		NextRun:    t.nextRun,
		Enabled:    t.enabled,
		Running:    t.running,
	}
	if t.executions > 0 {
		stats.AverageDuration = t.totalDuration / time.Duration(t.executions)
	}
	return stats
}

// Stats returns a snapshot of the whole scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, t := range s.tasks {
		if t.enabled {
			active++
		}
	}

	stats := Stats{
		ActiveTasks:     active,
		TotalExecutions: s.totalExecutions,
		TotalFailures:   s.totalFailures,
	}
	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}
	if total := s.totalExecutions + s.totalFailures; total > 0 {
		stats.FailureRate = float64(s.totalFailures) / float64(total)
	}
	return stats
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	s.log.Debug("scheduler loop started", nil)

	for {
		due, wait := s.collectDue(time.Now())
		for _, t := range due {
			// Predicates run here, outside the scheduler lock, so they
			// may call back into Scheduler methods.
			if t.condition != nil && !t.condition() {
				s.deferPoll(t)
				continue
			}
			s.dispatch(t)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.done:
			timer.Stop()
			s.log.Debug("scheduler loop stopped", nil)
			return
		}
	}
}

// collectDue marks every runnable due task as running and returns it along
// with how long the loop may sleep before the next known deadline.
// Conditional predicates are deliberately not evaluated here: the caller
// runs them after the lock is released.
func (s *Scheduler) collectDue(now time.Time) ([]*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*task
	wait := defaultWake

	for _, t := range s.tasks {
		if !t.enabled || t.running {
			continue
		}
		if now.Before(t.nextRun) {
			if d := t.nextRun.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		t.running = true
		due = append(due, t)
	}
	return due, wait
}

// deferPoll settles a conditional task whose predicate reported false:
// the next poll moves one interval out and the running mark is released.
// The wake keeps the loop's sleep from overshooting the new deadline.
func (s *Scheduler) deferPoll(t *task) {
	s.mu.Lock()
	t.running = false
	t.nextRun = t.next(time.Now())
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) dispatch(t *task) {
	submitted := s.pool.Submit(func() {
		s.execute(t)
	})
	if !submitted {
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
		s.log.Debug("task dispatch dropped, pool shut down",
			loggingpkg.LogFields{"task": t.name})
	}
}

// execute runs one task body on a worker and settles the task's next state.
func (s *Scheduler) execute(t *task) {
	start := time.Now()
	err := runSafely(t.fn)
	duration := time.Since(start)

	s.mu.Lock()
	if err != nil {
		t.failures++
		s.totalFailures++
	} else {
		t.executions++
		t.totalDuration += duration
		s.totalExecutions++
	}
	t.lastRun = start

	switch t.mode {
	case OneTime:
		delete(s.tasks, t.id)
	default:
		t.nextRun = t.next(time.Now())
	}
	t.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("scheduled task failed", err, loggingpkg.LogFields{"task": t.name})
	} else {
		s.log.Trace("scheduled task completed", loggingpkg.LogFields{
			"task":        t.name,
			"duration_ms": duration.Milliseconds(),
		})
	}
	if s.observer != nil {
		s.observer(t.name, duration, err)
	}
	s.notify()
}

func runSafely(fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	fn()
	return nil
}
