// Package scheduler is the public API surface: task lifecycle
// (create/add/delete/cancel/update), query, terminal-state subscribers,
// and starting/stopping the dispatcher+sweeper pair under a live monitor
// context. It is the only package a caller embedding distq as a library
// needs to import.
package scheduler

import (
    "context"
    "errors"
    "fmt"
    "math/rand"
    "sync"
    "time"

    rclock "github.com/raulk/clock"
    "go.uber.org/zap"

    "distq/pkg/config"
    "distq/pkg/dispatcher"
    "distq/pkg/kv"
    "distq/pkg/lock"
    "distq/pkg/model"
    "distq/pkg/monitor"
    "distq/pkg/seq"
    "distq/pkg/sweeper"
    "distq/pkg/taskrun"
)

// HandlerFunc is the user task function: given the running task's context,
// it returns an optional replacement task snapshot (nil keeps the current
// one) or an error, which finalizes the task as FAILED.
type HandlerFunc = taskrun.HandlerFunc

// ErrInvalidArgument is returned for malformed caller input: a missing
// entityType/entityId, no handler registered for entityType, or similar.
var ErrInvalidArgument = errors.New("scheduler: invalid argument")

// ErrIllegalState is returned by DeleteTask when the task is claimed by a
// live monitor and so is not in a deletable state.
var ErrIllegalState = errors.New("scheduler: task is not in a deletable state")

// ErrAlreadyRunning is returned by MonitorTaskQueue if the dispatcher is
// already running.
var ErrAlreadyRunning = errors.New("scheduler: task queue monitor already running")

// Scheduler is the task scheduler's public API. Build it with Build; one
// Scheduler corresponds to one node's worker pool.
type Scheduler struct {
    store    kv.Store
    seq      *seq.Sequence
    handlers map[string]HandlerFunc
    provider monitor.Provider
    cfg      config.SchedulerConfig
    log      *zap.Logger
    clock    rclock.Clock
    rng      *rand.Rand

    mu          sync.Mutex
    running     bool
    cancel      context.CancelFunc
    stopped     chan struct{}
    dispatcher  *dispatcher.Dispatcher
    delayed     *dispatcher.DelayedWheel
    machine     *taskrun.Machine
    subscribers []func(*model.Task)
}

// CreateTask starts a new task builder. Call Build to assign it a task ID;
// AddTask persists and dispatches it.
func (s *Scheduler) CreateTask() *TaskBuilder {
    return &TaskBuilder{s: s, task: &model.Task{State: model.StateQueued}}
}

// TaskBuilder accumulates a new task's attributes before Build assigns it
// a task ID from the sequence generator.
type TaskBuilder struct {
    s    *Scheduler
    task *model.Task
}

func (b *TaskBuilder) EntityType(v string) *TaskBuilder { b.task.EntityType = v; return b }
func (b *TaskBuilder) EntityID(v string) *TaskBuilder    { b.task.EntityID = v; return b }
func (b *TaskBuilder) LockIDs(v []string) *TaskBuilder {
    b.task.LockIDs = append([]string(nil), v...)
    return b
}
func (b *TaskBuilder) PrerequisiteTaskIDs(v []int64) *TaskBuilder {
    b.task.PrerequisiteTaskIDs = append([]int64(nil), v...)
    return b
}
func (b *TaskBuilder) AnyPrerequisite(v bool) *TaskBuilder { b.task.AnyPrerequisite = v; return b }
func (b *TaskBuilder) MillisecondsRemaining(v int64) *TaskBuilder {
    b.task.MillisecondsRemaining = &v
    return b
}
func (b *TaskBuilder) Tags(v []string) *TaskBuilder   { b.task.Tags = append([]string(nil), v...); return b }
func (b *TaskBuilder) CreatedBy(v string) *TaskBuilder { b.task.CreatedBy = v; return b }
func (b *TaskBuilder) Priority(v uint8) *TaskBuilder   { b.task.Priority = v; return b }

// Build assigns a task ID from the sequence and returns the task, ready
// for AddTask. It does not persist anything.
func (b *TaskBuilder) Build(ctx context.Context) (*model.Task, error) {
    id, err := b.s.seq.Next(ctx, "task")
    if err != nil {
        return nil, err
    }
    b.task.TaskID = id
    return b.task, nil
}

// AddTask validates t, resets its run-time fields to a fresh QUEUED task,
// persists it, and admits it to the dispatcher.
func (s *Scheduler) AddTask(ctx context.Context, t *model.Task) error {
    if t.EntityType == "" || t.EntityID == "" || t.TaskID == 0 {
        return ErrInvalidArgument
    }
    if _, ok := s.handlers[t.EntityType]; !ok {
        return ErrInvalidArgument
    }

    t.State = model.StateQueued
    t.MonitorID = model.QueuedSentinel
    t.StartTime = 0
    t.EndTime = 0
    t.RunCount = 0
    t.Requeues = 0
    t.CanceledBy = ""
    t.ErrorMessage = ""
    t.ErrorStackTrace = ""
    t.ErrorID = ""
    if t.CreatedAt == 0 {
        t.CreatedAt = time.Now().UnixMilli()
    }

    if err := s.store.Put(ctx, model.TasksTable, kv.SortKey(t.TaskID), "", model.EncodeTask(t)); err != nil {
        return err
    }
    s.enqueue(t.TaskID)
    return nil
}

// DeleteTask deletes taskID iff it is not claimed by a live monitor
// (monitorId absent, QUEUED_SENTINEL, or WAITING_SENTINEL). A guard
// failure is reported as ErrIllegalState.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID int64) error {
    guard := kv.Or(
        kv.Not(kv.Exists(model.TaskAttrMonitor)),
        kv.Eq(model.TaskAttrMonitor, kv.S(model.QueuedSentinel)),
        kv.Eq(model.TaskAttrMonitor, kv.S(model.WaitingSentinel)),
    )
    err := s.store.ConditionalDelete(ctx, model.TasksTable, kv.SortKey(taskID), "", guard)
    if err != nil {
        if errors.Is(err, kv.ErrConditionFailed) {
            return ErrIllegalState
        }
        return err
    }
    return nil
}

// CancelTask sets canceledBy on taskID iff it currently has a monitorId
// (live, QUEUED_SENTINEL, or WAITING_SENTINEL) — canceling a terminal task
// is silently ignored. If the task was WAITING_SENTINEL it is also
// rewritten to QUEUED_SENTINEL/QUEUED and re-enqueued.
func (s *Scheduler) CancelTask(ctx context.Context, by string, taskID int64) error {
    return s.mutateIfLive(ctx, taskID, func(task *model.Task) {
        task.CanceledBy = by
    })
}

// UpdateTask sets updateData on taskID iff it currently has a monitorId,
// with the same WAITING_SENTINEL re-queue rule as CancelTask.
func (s *Scheduler) UpdateTask(ctx context.Context, taskID int64, data []byte) error {
    return s.mutateIfLive(ctx, taskID, func(task *model.Task) {
        task.UpdateData = data
    })
}

// mutateIfLive implements the shared "mutate iff EXISTS(mid), and if mid
// was WAITING_SENTINEL flip to QUEUED_SENTINEL/QUEUED and re-enqueue"
// pattern CancelTask and UpdateTask both follow. A guard failure (no
// monitorId: the task is terminal) is silently ignored, per spec.
func (s *Scheduler) mutateIfLive(ctx context.Context, taskID int64, apply func(*model.Task)) error {
    var wasWaiting bool
    err := s.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(taskID), "",
        kv.Exists(model.TaskAttrMonitor),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            task, derr := model.DecodeTask(existing)
            if derr != nil {
                return nil, derr
            }
            wasWaiting = task.MonitorID == model.WaitingSentinel
            if wasWaiting {
                task.MonitorID = model.QueuedSentinel
                task.State = model.StateQueued
            }
            apply(task)
            return model.EncodeTask(task), nil
        })
    if err != nil {
        if errors.Is(err, kv.ErrConditionFailed) {
            return nil
        }
        return err
    }
    if wasWaiting {
        s.enqueue(taskID)
    }
    return nil
}

// AddOnTerminalState registers fn to be called with every task's finalized
// snapshot once it reaches a terminal state. Persists across
// MonitorTaskQueue start/stop cycles.
func (s *Scheduler) AddOnTerminalState(fn func(*model.Task)) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.subscribers = append(s.subscribers, fn)
    if s.machine != nil {
        s.machine.AddOnTerminalState(fn)
    }
}

// RemoveOnTerminalState unregisters a subscriber added by
// AddOnTerminalState (matched by function pointer identity).
func (s *Scheduler) RemoveOnTerminalState(fn func(*model.Task)) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for i, sub := range s.subscribers {
        if fmt.Sprintf("%p", sub) == fmt.Sprintf("%p", fn) {
            s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
            break
        }
    }
    if s.machine != nil {
        s.machine.RemoveOnTerminalState(fn)
    }
}

func (s *Scheduler) enqueue(taskID int64) {
    s.mu.Lock()
    d := s.dispatcher
    s.mu.Unlock()
    if d != nil {
        d.Enqueue(taskID)
    }
}

// MonitorTaskQueue starts the dispatcher and background sweepers under a
// fresh live monitor context. predicate, if non-nil, restricts which
// QUEUED tasks the sweeper admits to the dispatcher on each scan tick;
// tasks enqueued directly via AddTask/CancelTask/UpdateTask bypass it.
// Returns ErrAlreadyRunning if already started.
func (s *Scheduler) MonitorTaskQueue(predicate func(*model.Task) bool) error {
    s.mu.Lock()
    if s.running {
        s.mu.Unlock()
        return ErrAlreadyRunning
    }
    s.running = true
    runCtx, cancel := context.WithCancel(context.Background())
    s.cancel = cancel
    stopped := make(chan struct{})
    s.stopped = stopped
    s.mu.Unlock()

    go func() {
        defer close(stopped)
        err := s.provider.Monitor(runCtx, func(monCtx context.Context, info monitor.Info) {
            s.runUnderMonitor(monCtx, info, predicate)
        })
        if err != nil {
            s.log.Warn("monitor task queue", zap.Error(err))
        }
    }()
    return nil
}

func (s *Scheduler) runUnderMonitor(monCtx context.Context, info monitor.Info, predicate func(*model.Task) bool) {
    proxy := &enqueueProxy{}
    coordinator := lock.New(s.store, proxy, s.cfg.MaxLockBackoff(), s.clock, s.rng, s.log)
    delayedWheel := dispatcher.NewDelayedWheel(s.store, info.MonitorID, proxy, s.clock, s.log)
    machine := taskrun.New(s.store, coordinator, delayedWheel, proxy, s.handlers, info, s.provider, s.cfg.NoHandlerSleep(), s.log)
    sw := sweeper.New(s.store, coordinator, s.provider, proxy, s.cfg.CleanupIntervals, s.log)

    var scanner dispatcher.Scanner = sw
    if predicate != nil {
        scanner = &filteredScanner{inner: sw, store: s.store, predicate: predicate}
    }
    disp := dispatcher.New(machine, scanner, s.cfg.Capacity(), s.cfg.MaxTasksInInterval, s.cfg.PollInterval(), s.log)
    proxy.d = disp

    s.mu.Lock()
    for _, sub := range s.subscribers {
        machine.AddOnTerminalState(sub)
    }
    s.dispatcher = disp
    s.delayed = delayedWheel
    s.machine = machine
    s.mu.Unlock()

    disp.Start(monCtx, s.cfg.MaxTasksInInterval)
    <-monCtx.Done()
    disp.Stop()
    delayedWheel.Stop()

    s.mu.Lock()
    s.dispatcher = nil
    s.delayed = nil
    s.machine = nil
    s.mu.Unlock()
}

// StopTaskQueueMonitor cancels the running monitor context and waits for
// the dispatcher and its workers to drain, logging an escalating warning
// on each configured shutdown timeout that elapses first. forceInterrupt
// is accepted for API symmetry with the source design but has no effect:
// interrupting an in-flight handler body is an explicit non-goal, so every
// timeout here can only wait longer, never kill a running handler.
func (s *Scheduler) StopTaskQueueMonitor(forceInterrupt bool) error {
    s.mu.Lock()
    if !s.running {
        s.mu.Unlock()
        return nil
    }
    cancel := s.cancel
    stopped := s.stopped
    s.running = false
    s.mu.Unlock()

    cancel()
    for _, timeout := range s.cfg.ShutdownTimeouts() {
        select {
        case <-stopped:
            return nil
        case <-time.After(timeout):
            s.log.Warn("stop task queue monitor: timeout elapsed, still waiting on in-flight work", zap.Duration("timeout", timeout))
        }
    }
    <-stopped
    return nil
}

// enqueueProxy lets the lock coordinator, task state machine, delayed
// wheel, and sweeper all be constructed with a stable Enqueuer before the
// dispatcher itself exists (it needs all of them as its Claimer/Scanner).
// Re-pointed once per MonitorTaskQueue run.
type enqueueProxy struct {
    d *dispatcher.Dispatcher
}

func (p *enqueueProxy) Enqueue(taskID int64) {
    if p.d != nil {
        p.d.Enqueue(taskID)
    }
}

// filteredScanner restricts a sweeper's queue-refill scan to tasks
// matching predicate, decoding each candidate to apply it.
type filteredScanner struct {
    inner     interface {
        ScanQueued(ctx context.Context, limit int) ([]int64, error)
    }
    store     kv.Store
    predicate func(*model.Task) bool
}

func (f *filteredScanner) ScanQueued(ctx context.Context, limit int) ([]int64, error) {
    ids, err := f.inner.ScanQueued(ctx, limit)
    if err != nil {
        return nil, err
    }
    out := make([]int64, 0, len(ids))
    for _, id := range ids {
        rec, ok, gerr := f.store.Get(ctx, model.TasksTable, kv.SortKey(id), "")
        if gerr != nil || !ok {
            continue
        }
        task, derr := model.DecodeTask(rec)
        if derr != nil {
            continue
        }
        if f.predicate(task) {
            out = append(out, id)
        }
    }
    return out, nil
}
