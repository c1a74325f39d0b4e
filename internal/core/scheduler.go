package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"netcollect/internal/apperr"
	"netcollect/internal/notify"
)

// TaskStore persists task definitions and their schedule state.
type TaskStore interface {
	SaveTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]*Task, error)
}

// Invoker performs the collection a task targets and returns its output.
type Invoker interface {
	Invoke(ctx context.Context, target Target) (string, error)
}

// Notifier is told about failed firings.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

// Options configure a Scheduler.
type Options struct {
	Workers         int
	QueueSize       int
	TickInterval    time.Duration
	DispatchTimeout time.Duration
	Store           TaskStore
	Notifier        Notifier
	Now             func() time.Time
}

var errPoolSaturated = errors.New("dispatch queue is full")

type taskEntry struct {
	task     *Task
	schedule cron.Schedule
	period   time.Duration
	inflight string
}

type execution struct {
	taskID string
	cancel context.CancelFunc
}

// Scheduler owns the task table and fires due tasks on a worker pool.
type Scheduler struct {
	invoker  Invoker
	results  ResultLog
	store    TaskStore
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	pool *Pool

	mu    sync.Mutex
	tasks map[string]*taskEntry
	queue *dueQueue
	execs map[string]*execution

	// persistMu orders result appends and store writes against removals.
	persistMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewScheduler constructs a scheduler and starts its worker pool. The tick
// loop does not run until Start is called.
func NewScheduler(invoker Invoker, results ResultLog, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if results == nil {
		results = NewMemoryResultLog(0)
	}
	logger = logger.With("component", "scheduler")
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		invoker:    invoker,
		results:    results,
		store:      opts.Store,
		notifier:   opts.Notifier,
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return opts.Now().UTC() },
		pool:       NewPool(opts.Workers, opts.QueueSize, logger),
		tasks:      make(map[string]*taskEntry),
		queue:      newDueQueue(),
		execs:      make(map[string]*execution),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Results returns the scheduler's result log.
func (s *Scheduler) Results() ResultLog { return s.results }

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.loopDone != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		s.Tick(s.now())
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Tick(s.now())
			}
		}
	}()
	s.logger.Info("scheduler started", "workers", s.opts.Workers, "queue_size", s.opts.QueueSize, "tick", s.opts.TickInterval)
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop halts the tick loop and waits for dispatched units. When ctx ends
// first, in-flight units are canceled and ctx.Err is returned after they exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	drained := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-drained
		return ctx.Err()
	}
}

// Restore loads persisted tasks into the table. Tasks whose next run is in
// the past are moved to their next future slot.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	now := s.now()
	restored := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		schedule, err := t.Recurrence.Schedule()
		if err != nil {
			s.logger.Error("skip persisted task", "task_id", t.ID, "err", err)
			continue
		}
		e := &taskEntry{task: t, schedule: schedule, period: t.Recurrence.Period()}
		if t.NextRunAt.IsZero() {
			t.NextRunAt = s.firstRun(e, now)
		} else if !t.NextRunAt.After(now) {
			t.NextRunAt = advance(schedule, e.period, t.NextRunAt, now)
		}
		if t.Status == TaskStatusRunning {
			t.Status = TaskStatusFailed
			t.LastError = "interrupted by restart"
		}
		s.tasks[t.ID] = e
		s.queue.schedule(t.ID, t.NextRunAt)
		restored++
	}
	s.logger.Info("restored tasks", "count", restored)
	return restored, nil
}

// Add registers a new task. Its first firing is one period from now, or the
// next cron slot.
func (s *Scheduler) Add(ctx context.Context, task *Task) (*Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return nil, apperr.Required("task_id")
	}
	if err := task.Recurrence.Validate(); err != nil {
		return nil, err
	}
	st, err := ParseServiceType(string(task.Target.ServiceType))
	if err != nil {
		return nil, err
	}
	schedule, err := task.Recurrence.Schedule()
	if err != nil {
		return nil, apperr.Validation("recurrence", err.Error())
	}

	now := s.now()
	t := task.Clone()
	t.Target.ServiceType = st
	if t.Target.ServiceConfig == nil {
		t.Target.ServiceConfig = map[string]any{}
	}
	t.Status = TaskStatusScheduled
	t.RunCount, t.SkippedCount, t.RejectedCount = 0, 0, 0
	t.LastRunAt, t.LastExecutionID, t.LastError = nil, "", ""
	t.CreatedAt, t.UpdatedAt = now, now
	e := &taskEntry{task: t, schedule: schedule, period: t.Recurrence.Period()}
	t.NextRunAt = s.firstRun(e, now)

	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return nil, apperr.Conflict(fmt.Sprintf("task %q already exists", t.ID))
	}
	s.tasks[t.ID] = e
	s.queue.schedule(t.ID, t.NextRunAt)
	snapshot := t.Clone()
	s.mu.Unlock()

	if s.store != nil {
		s.persistMu.Lock()
		err := s.store.SaveTask(ctx, snapshot)
		s.persistMu.Unlock()
		if err != nil {
			s.mu.Lock()
			if cur := s.tasks[t.ID]; cur == e {
				delete(s.tasks, t.ID)
				s.queue.remove(t.ID)
			}
			s.mu.Unlock()
			return nil, apperr.Internal(fmt.Errorf("save task: %w", err))
		}
	}
	s.logger.Info("task added", "task_id", t.ID, "recurrence", t.Recurrence.String(),
		"service_type", t.Target.ServiceType, "next_run_at", t.NextRunAt)
	return snapshot, nil
}

func (s *Scheduler) firstRun(e *taskEntry, now time.Time) time.Time {
	if e.period > 0 {
		return now.Add(e.period)
	}
	return e.schedule.Next(now)
}

// Remove deletes a task and its pending recurrence. A unit already running
// completes but its result is discarded.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return apperr.NotFound("task", id)
	}
	delete(s.tasks, id)
	s.queue.remove(id)
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteTask(ctx, id); err != nil {
			s.logger.Error("delete persisted task", "task_id", id, "err", err)
		}
	}
	s.logger.Info("task removed", "task_id", id)
	return nil
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task", id)
	}
	return e.task.Clone(), nil
}

// List returns copies of every task ordered by id.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow dispatches the task immediately without moving its schedule.
func (s *Scheduler) RunNow(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return "", apperr.NotFound("task", id)
	}
	if e.inflight != "" {
		return "", apperr.Conflict(fmt.Sprintf("task %q is already running (execution %s)", id, e.inflight))
	}
	u := s.newUnitLocked(e, s.now())
	if !s.pool.TrySubmit(u.run) {
		s.abandonLocked(e, u)
		return "", apperr.Unavailable("dispatch pool", errPoolSaturated)
	}
	s.logger.Info("task run requested", "task_id", id, "execution_id", u.execID)
	return u.execID, nil
}

// Cancel aborts an in-flight execution.
func (s *Scheduler) Cancel(executionID string) error {
	s.mu.Lock()
	x, ok := s.execs[executionID]
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound("execution", executionID)
	}
	x.cancel()
	s.logger.Info("execution canceled", "task_id", x.taskID, "execution_id", executionID)
	return nil
}

// Tick fires every task due at now and returns how many units were
// dispatched. The schedule advances whether a firing is dispatched,
// skipped because the previous one is still in flight, or rejected by a
// saturated pool.
func (s *Scheduler) Tick(now time.Time) int {
	now = now.UTC()
	dispatched := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id, at, ok := s.queue.popDue(now)
		if !ok {
			break
		}
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		next := advance(e.schedule, e.period, at, now)
		e.task.NextRunAt = next
		s.queue.schedule(id, next)

		if e.inflight != "" {
			e.task.SkippedCount++
			s.logger.Info("skipping firing, previous execution still in flight",
				"task_id", id, "execution_id", e.inflight, "scheduled_at", at)
			continue
		}
		u := s.newUnitLocked(e, at)
		if !s.pool.TrySubmit(u.run) {
			s.abandonLocked(e, u)
			e.task.RejectedCount++
			continue
		}
		dispatched++
	}
	return dispatched
}

// Stats summarizes scheduler state.
type Stats struct {
	Tasks    int        `json:"tasks"`
	InFlight int        `json:"in_flight"`
	NextDue  *time.Time `json:"next_due,omitempty"`
	Pool     PoolStats  `json:"pool"`
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Tasks: len(s.tasks), InFlight: len(s.execs)}
	if at, ok := s.queue.peek(); ok {
		st.NextDue = &at
	}
	s.mu.Unlock()
	st.Pool = s.pool.Stats()
	return st
}
