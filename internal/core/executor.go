package core

import (
	"context"
	"errors"
	"time"

	"netcollect/internal/apperr"
	"netcollect/internal/notify"
)

// unit is one dispatch of a task, created under the scheduler lock and run
// by a pool worker.
type unit struct {
	s           *Scheduler
	entry       *taskEntry
	taskID      string
	execID      string
	scheduledAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

// newUnitLocked marks e in flight and registers a cancelable execution.
func (s *Scheduler) newUnitLocked(e *taskEntry, scheduledAt time.Time) *unit {
	var ctx context.Context
	var cancel context.CancelFunc
	if s.opts.DispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.opts.DispatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}
	u := &unit{
		s:           s,
		entry:       e,
		taskID:      e.task.ID,
		execID:      NewExecutionID(e.task.ID, scheduledAt),
		scheduledAt: scheduledAt,
		ctx:         ctx,
		cancel:      cancel,
	}
	e.inflight = u.execID
	s.execs[u.execID] = &execution{taskID: u.taskID, cancel: cancel}
	return u
}

// abandonLocked undoes newUnitLocked for a unit that was never queued.
func (s *Scheduler) abandonLocked(e *taskEntry, u *unit) {
	u.cancel()
	delete(s.execs, u.execID)
	if e.inflight == u.execID {
		e.inflight = ""
	}
}

func (u *unit) run() {
	s := u.s
	defer u.cancel()

	s.mu.Lock()
	if cur, ok := s.tasks[u.taskID]; !ok || cur != u.entry {
		delete(s.execs, u.execID)
		s.mu.Unlock()
		s.logger.Info("dropping dispatch for removed task", "task_id", u.taskID, "execution_id", u.execID)
		return
	}
	startedAt := s.now()
	t := u.entry.task
	t.Status = TaskStatusRunning
	t.LastRunAt = &startedAt
	t.RunCount++
	t.LastExecutionID = u.execID
	t.UpdatedAt = startedAt
	target := Target{ServiceType: t.Target.ServiceType, ServiceConfig: cloneConfig(t.Target.ServiceConfig)}
	s.mu.Unlock()

	s.logger.Debug("dispatch started", "task_id", u.taskID, "execution_id", u.execID, "service_type", target.ServiceType)
	output, err := s.invoker.Invoke(u.ctx, target)
	result := u.result(startedAt, s.now(), output, err)

	if !u.record(result) {
		s.logger.Info("discarding result of removed task", "task_id", u.taskID, "execution_id", u.execID)
		return
	}
	if result.Status == ResultSuccess {
		s.logger.Info("dispatch completed", "task_id", u.taskID, "execution_id", u.execID, "duration", result.Duration)
		return
	}
	s.logger.Warn("dispatch failed", "task_id", u.taskID, "execution_id", u.execID,
		"status", result.Status, "code", result.ErrorCode, "err", result.ErrorMessage)
	u.notify(result)
}

func (u *unit) result(startedAt, endedAt time.Time, output string, err error) ExecutionResult {
	res := ExecutionResult{
		ExecutionID: u.execID,
		TaskID:      u.taskID,
		Status:      ResultSuccess,
		Output:      output,
		StartedAt:   startedAt,
		Duration:    endedAt.Sub(startedAt),
	}
	if err == nil {
		return res
	}
	res.Status = ResultFailed
	res.ErrorMessage = err.Error()
	res.ErrorCode = string(apperr.KindInternal)
	if e, ok := apperr.As(err); ok {
		res.ErrorCode = e.Code()
	}
	switch {
	case apperr.IsTimeout(err) || errors.Is(u.ctx.Err(), context.DeadlineExceeded):
		res.Status = ResultTimeout
	case errors.Is(u.ctx.Err(), context.Canceled):
		res.ErrorMessage = "execution canceled: " + res.ErrorMessage
		res.ErrorCode = "canceled"
	}
	return res
}

// record appends the result and moves the task to its terminal per-firing
// state. It reports false when the task was removed in the meantime.
func (u *unit) record(result ExecutionResult) bool {
	s := u.s
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	live := s.tasks[u.taskID] == u.entry
	delete(s.execs, u.execID)
	s.mu.Unlock()
	if !live {
		return false
	}

	if err := s.results.Append(s.baseCtx, result); err != nil {
		s.logger.Error("append result", "task_id", u.taskID, "execution_id", u.execID, "err", err)
	}

	s.mu.Lock()
	t := u.entry.task
	if result.Status == ResultSuccess {
		t.Status = TaskStatusCompleted
		t.LastError = ""
	} else {
		t.Status = TaskStatusFailed
		t.LastError = result.ErrorMessage
	}
	t.UpdatedAt = s.now()
	if u.entry.inflight == u.execID {
		u.entry.inflight = ""
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveTask(s.baseCtx, snapshot); err != nil {
			s.logger.Error("save task state", "task_id", u.taskID, "err", err)
		}
	}
	return true
}

func (u *unit) notify(result ExecutionResult) {
	if u.s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := notify.Event{
		TaskID:      u.taskID,
		ExecutionID: u.execID,
		Status:      string(result.Status),
		Code:        result.ErrorCode,
		Error:       result.ErrorMessage,
		StartedAt:   result.StartedAt,
	}
	if err := u.s.notifier.Notify(ctx, ev); err != nil {
		u.s.logger.Warn("send failure notification", "task_id", u.taskID, "err", err)
	}
}
