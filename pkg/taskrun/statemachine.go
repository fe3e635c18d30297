// Package taskrun implements the task state machine: claiming a QUEUED
// task, running its body (sleep timer, prerequisite/lock acquisition,
// user handler), and persisting the outcome under the mid=me guard that
// serializes every writer racing on the same task.
package taskrun

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "distq/pkg/kv"
    "distq/pkg/lock"
    "distq/pkg/model"
    "distq/pkg/monitor"
)

// HandlerFunc is the user task-body capability: given the invocation
// Context, it returns an optional replacement task snapshot (nil means
// "no changes, plain success") and an error (non-nil means the task
// failed).
type HandlerFunc func(*Context) (*model.Task, error)

// Enqueuer re-admits a task ID to the dispatcher's in-process queue.
type Enqueuer interface {
    Enqueue(taskID int64)
}

// DelayedRecorder records a task parked as a sleep timer so the
// dispatcher's delayed-task timer wheel can wake it later.
type DelayedRecorder interface {
    RecordDelayed(taskID int64, remainingMillis int64)
}

// DefaultNoHandlerSleep is how long a task with no registered handler for
// its entityType is parked before being retried, per spec.md's "a missing
// handler for a queued task is not fatal: the task is parked as a
// 60-second WAITING_FOR_INTERVAL sleep, then retried." Callers that wire a
// config package may override it through New.
const DefaultNoHandlerSleep = 60 * time.Second

// Machine runs one monitor's view of the task state machine. It is not
// safe to share a single Machine's monitorID across two goroutines running
// concurrently against the same store without that being exactly the
// point (peers legitimately race on the same tasks).
type Machine struct {
    store          kv.Store
    locks          *lock.Coordinator
    delayed        DelayedRecorder
    enqueue        Enqueuer
    handlers       map[string]HandlerFunc
    monitor        monitor.Info
    provider       monitor.Provider
    noHandlerSleep time.Duration
    log            *zap.Logger

    subMu       sync.RWMutex
    subscribers []func(*model.Task)
}

// New builds a Machine for one live monitor. handlers is consulted by
// entityType at invocation time, so a caller may keep registering handlers
// after construction by mutating the same map if it owns it; Machine never
// mutates it. noHandlerSleep of 0 uses DefaultNoHandlerSleep.
func New(store kv.Store, locks *lock.Coordinator, delayed DelayedRecorder, enqueue Enqueuer, handlers map[string]HandlerFunc, mon monitor.Info, provider monitor.Provider, noHandlerSleep time.Duration, log *zap.Logger) *Machine {
    if log == nil {
        log = zap.NewNop()
    }
    if noHandlerSleep <= 0 {
        noHandlerSleep = DefaultNoHandlerSleep
    }
    return &Machine{
        store:          store,
        locks:          locks,
        delayed:        delayed,
        enqueue:        enqueue,
        handlers:       handlers,
        monitor:        mon,
        provider:       provider,
        noHandlerSleep: noHandlerSleep,
        log:            log.Named("taskrun"),
    }
}

// AddOnTerminalState registers a subscriber invoked with the finalized
// snapshot of every task that reaches a terminal state through this
// Machine.
func (m *Machine) AddOnTerminalState(fn func(*model.Task)) {
    m.subMu.Lock()
    defer m.subMu.Unlock()
    m.subscribers = append(m.subscribers, fn)
}

// RemoveOnTerminalState removes a subscriber added with the same function
// value (compared by pointer identity, as Go funcs are not comparable
// otherwise; callers that need removal should keep the original value).
func (m *Machine) RemoveOnTerminalState(fn func(*model.Task)) {
    m.subMu.Lock()
    defer m.subMu.Unlock()
    for i, s := range m.subscribers {
        if fmt.Sprintf("%p", s) == fmt.Sprintf("%p", fn) {
            m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
            return
        }
    }
}

func (m *Machine) notifySubscribers(task *model.Task) {
    m.subMu.RLock()
    subs := append([]func(*model.Task){}, m.subscribers...)
    m.subMu.RUnlock()
    for _, fn := range subs {
        func() {
            defer func() {
                if r := recover(); r != nil {
                    m.log.Error("terminal subscriber panicked", zap.Any("recover", r))
                }
            }()
            fn(task.Clone())
        }()
    }
}

// Claim attempts QUEUED -> RUNNING for taskID and, on success, runs its
// body through to persistence. ran=false with a nil error means another
// actor already claimed it or it was no longer claimable; this is the
// normal "lost the race" outcome, not a failure.
func (m *Machine) Claim(ctx context.Context, taskID int64) (ran bool, err error) {
    rec, ok, err := m.store.Get(ctx, model.TasksTable, kv.SortKey(taskID), "")
    if err != nil {
        return false, err
    }
    if !ok {
        return false, nil
    }
    task, derr := model.DecodeTask(rec)
    if derr != nil {
        return false, derr
    }
    if task.MonitorID != model.QueuedSentinel {
        return false, nil
    }

    task.MonitorID = m.monitor.MonitorID
    task.State = model.StateRunning
    task.StartTime = m.nowMillis()
    task.RunCount++

    claimRec := model.EncodeTask(task)
    claimErr := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(taskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(model.QueuedSentinel)),
        func(existing kv.Record, exists bool) (kv.Record, error) { return claimRec, nil })
    if claimErr != nil {
        if errors.Is(claimErr, kv.ErrConditionFailed) {
            return false, nil
        }
        return false, claimErr
    }

    return true, m.runBody(ctx, task)
}

func (m *Machine) nowMillis() int64 {
    // Real wall-clock time, not the injectable Clock: startTime/endTime are
    // durable audit timestamps, not something tests need to fast-forward
    // (the lock backoff and delayed-task timers are the timing-sensitive
    // parts, and those inject rclock.Clock).
    return time.Now().UnixMilli()
}

func (m *Machine) runBody(ctx context.Context, claimed *model.Task) error {
    if claimed.CanceledBy != "" {
        final := claimed.Clone()
        final.State = model.StateCanceled
        final.EndTime = m.nowMillis()
        return m.finishRun(ctx, claimed, final)
    }

    if claimed.UpdateData == nil && claimed.MillisecondsRemaining != nil {
        return m.parkDelayed(ctx, claimed, *claimed.MillisecondsRemaining)
    }

    if _, ok := m.handlers[claimed.EntityType]; !ok {
        return m.parkDelayed(ctx, claimed, m.noHandlerSleep.Milliseconds())
    }

    waiting, err := m.locks.AcquirePrerequisites(ctx, claimed.TaskID, claimed.PrerequisiteTaskIDs, claimed.AnyPrerequisite)
    if err != nil {
        return m.lostLock(ctx, err)
    }
    if waiting {
        return m.parkWaiting(ctx, claimed, model.StateWaitingForPrerequisite)
    }

    acquired, waiting, err := m.locks.AcquireAll(ctx, m.monitor.MonitorID, claimed)
    if err != nil {
        if relErr := m.locks.Release(ctx, m.monitor.MonitorID, claimed.TaskID, acquired); relErr != nil {
            m.log.Warn("unwind partial acquire", zap.Int64("task", claimed.TaskID), zap.Error(relErr))
        }
        return m.lostLock(ctx, err)
    }
    if waiting {
        return m.parkWaiting(ctx, claimed, model.StateWaitingForLock)
    }

    return m.invokeHandler(ctx, claimed)
}

// parkDelayed persists the task as WAITING_FOR_INTERVAL, keeping the
// monitor-ID lock so that monitor death (not lock release) is the
// recovery path, then hands it to the dispatcher's delayed-task wheel.
func (m *Machine) parkDelayed(ctx context.Context, claimed *model.Task, remainingMillis int64) error {
    ms := remainingMillis
    final := claimed.Clone()
    final.State = model.StateWaitingForInterval
    final.MillisecondsRemaining = &ms
    // MonitorID intentionally left as claimed.MonitorID (me).

    rec := model.EncodeTask(final)
    err := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(final.TaskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(m.monitor.MonitorID)),
        func(existing kv.Record, exists bool) (kv.Record, error) { return rec, nil })
    if err != nil {
        if errors.Is(err, kv.ErrConditionFailed) {
            return m.lostLock(ctx, err)
        }
        return err
    }
    m.delayed.RecordDelayed(final.TaskID, ms)
    return nil
}

// parkWaiting persists the task as WAITING_FOR_LOCK/PREREQUISITE with
// monitorId=WAITING_SENTINEL, guarded additionally by the requeues fence
// read at claim time. Losing that fence (a release woke this task while
// we were still deciding to park it) means we must rewrite straight to
// QUEUED and re-enqueue instead of parking a task nobody will ever wake.
func (m *Machine) parkWaiting(ctx context.Context, claimed *model.Task, state model.State) error {
    final := claimed.Clone()
    final.State = state
    final.MonitorID = model.WaitingSentinel

    rec := model.EncodeTask(final)
    guard := kv.And(
        kv.Eq(model.TaskAttrMonitor, kv.S(m.monitor.MonitorID)),
        kv.Eq(model.TaskAttrRequeue, kv.N(float64(claimed.Requeues))),
    )
    err := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(final.TaskID), "", guard,
        func(existing kv.Record, exists bool) (kv.Record, error) { return rec, nil })
    if err == nil {
        return nil
    }
    if !errors.Is(err, kv.ErrConditionFailed) {
        return err
    }
    return m.recoverLostWakeupRace(ctx, claimed, final)
}

// recoverLostWakeupRace re-reads the task to tell a genuine lost-lock
// (mid no longer me) apart from a benign requeues-fence race (a waiter
// wake happened concurrently), and in the latter case rewrites the task
// to QUEUED and re-enqueues it immediately rather than losing the wakeup.
func (m *Machine) recoverLostWakeupRace(ctx context.Context, claimed, final *model.Task) error {
    cur, ok, err := m.store.Get(ctx, model.TasksTable, kv.SortKey(final.TaskID), "")
    if err != nil {
        return err
    }
    if !ok {
        return fmt.Errorf("taskrun: task %d vanished while parking", final.TaskID)
    }
    curMonitor, _ := kv.GetString(cur, model.TaskAttrMonitor)
    if curMonitor != m.monitor.MonitorID {
        return m.lostLock(ctx, kv.ErrConditionFailed)
    }

    rewritten := final.Clone()
    rewritten.State = model.StateQueued
    rewritten.MonitorID = model.QueuedSentinel
    rec := model.EncodeTask(rewritten)
    rewriteErr := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(final.TaskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(m.monitor.MonitorID)),
        func(existing kv.Record, exists bool) (kv.Record, error) { return rec, nil })
    if rewriteErr != nil {
        if errors.Is(rewriteErr, kv.ErrConditionFailed) {
            return m.lostLock(ctx, rewriteErr)
        }
        return rewriteErr
    }
    m.enqueue.Enqueue(rewritten.TaskID)
    return nil
}

func (m *Machine) invokeHandler(ctx context.Context, claimed *model.Task) error {
    handler := m.handlers[claimed.EntityType]

    tc := &Context{
        ctx:     ctx,
        task:    claimed.Clone(),
        monitor: m.monitor,
        store:   m.store,
        onLostLock: func() {
            if m.provider != nil {
                m.provider.ForceHeartbeatFailure(m.monitor.MonitorID)
            }
        },
    }

    replacement, herr := handler(tc)

    final := claimed.Clone()
    final.EndTime = m.nowMillis()
    if herr != nil {
        final.State = model.StateFailed
        final.ErrorID = uuid.NewString()
        final.ErrorMessage = herr.Error()
        final.ErrorStackTrace = fmt.Sprintf("%+v", herr)
        return m.finishRun(ctx, claimed, final)
    }

    final.State = model.StateSuccess
    if replacement != nil {
        final.LockIDs = replacement.LockIDs
        final.PrerequisiteTaskIDs = replacement.PrerequisiteTaskIDs
        final.AnyPrerequisite = replacement.AnyPrerequisite
        final.CheckpointData = replacement.CheckpointData
        final.UpdateData = replacement.UpdateData
        final.MillisecondsRemaining = replacement.MillisecondsRemaining
    }
    if needsRequeue(claimed, final) {
        final.State = model.StateQueued
        final.MonitorID = model.QueuedSentinel
    }
    return m.finishRun(ctx, claimed, final)
}

// needsRequeue implements the automatic-requeue rule: changed lockIds,
// changed prerequisiteTaskIds, or a set millisecondsRemaining force the
// task straight back to QUEUED instead of settling at SUCCESS. A leftover
// updateData is not itself a requeue cause (it is a one-shot payload
// consumed by this run and cleared in finishRun, not a standing change).
func needsRequeue(claimed, final *model.Task) bool {
    if !sameStringSet(claimed.LockIDs, final.LockIDs) {
        return true
    }
    if !sameInt64Set(claimed.PrerequisiteTaskIDs, final.PrerequisiteTaskIDs) {
        return true
    }
    if final.MillisecondsRemaining != nil {
        return true
    }
    return false
}

func sameStringSet(a, b []string) bool {
    if len(a) != len(b) {
        return false
    }
    as := append([]string(nil), a...)
    bs := append([]string(nil), b...)
    sort.Strings(as)
    sort.Strings(bs)
    for i := range as {
        if as[i] != bs[i] {
            return false
        }
    }
    return true
}

func sameInt64Set(a, b []int64) bool {
    if len(a) != len(b) {
        return false
    }
    as := append([]int64(nil), a...)
    bs := append([]int64(nil), b...)
    sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
    sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
    for i := range as {
        if as[i] != bs[i] {
            return false
        }
    }
    return true
}

// finishRun persists the finalized task (terminal or auto-requeued),
// always releases every lock the task is holding regardless of the
// persist outcome, and notifies terminal subscribers on success.
func (m *Machine) finishRun(ctx context.Context, claimed, final *model.Task) error {
    heldLocks := append([]string(nil), claimed.LockIDs...)
    heldLocks = append(heldLocks, claimed.PrerequisiteBarrierID(kv.SortKey))
    sort.Strings(heldLocks)

    if final.State.IsTerminal() {
        // A terminal task holds no monitor: EncodeTask omits the mid
        // attribute entirely whenever MonitorID == "".
        final.MonitorID = ""
    }

    rec := model.EncodeTask(final)
    persistErr := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(final.TaskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(m.monitor.MonitorID)),
        func(existing kv.Record, exists bool) (kv.Record, error) { return rec, nil })

    if relErr := m.locks.Release(ctx, m.monitor.MonitorID, claimed.TaskID, heldLocks); relErr != nil {
        m.log.Error("release locks", zap.Int64("task", claimed.TaskID), zap.Error(relErr))
    }

    if persistErr != nil {
        if errors.Is(persistErr, kv.ErrConditionFailed) {
            return m.lostLock(ctx, persistErr)
        }
        return persistErr
    }

    if clearErr := m.clearConsumedUpdateData(ctx, claimed, final); clearErr != nil {
        m.log.Warn("clear consumed updateData", zap.Int64("task", claimed.TaskID), zap.Error(clearErr))
    }

    if final.State == model.StateQueued {
        m.enqueue.Enqueue(final.TaskID)
    } else if final.State.IsTerminal() {
        m.notifySubscribers(final)
    }
    return nil
}

// clearConsumedUpdateData removes the updateData this run consumed now
// that it has been folded into final (or ignored). A terminal task has
// its updateData removed unconditionally; a requeued/parked task only has
// it removed if the bytes are still exactly what this run saw, so a
// concurrent updateTask call racing the persist above is never clobbered.
func (m *Machine) clearConsumedUpdateData(ctx context.Context, claimed, final *model.Task) error {
    if claimed.UpdateData == nil {
        return nil
    }
    guard := kv.Eq(model.TaskAttrUpdate, kv.S(kv.EncodeBytes(claimed.UpdateData)))
    if final.State.IsTerminal() {
        guard = kv.And()
    }
    err := m.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(claimed.TaskID), "", guard,
        func(existing kv.Record, exists bool) (kv.Record, error) {
            if !exists {
                return existing, nil
            }
            rec := make(kv.Record, len(existing))
            for k, v := range existing {
                rec[k] = v
            }
            delete(rec, model.TaskAttrUpdate)
            return rec, nil
        })
    if err != nil && errors.Is(err, kv.ErrConditionFailed) {
        return nil
    }
    return err
}

func (m *Machine) lostLock(ctx context.Context, cause error) error {
    if m.provider != nil {
        m.provider.ForceHeartbeatFailure(m.monitor.MonitorID)
    }
    m.log.Warn("lost lock", zap.String("monitor", m.monitor.MonitorID), zap.Error(cause))
    return ErrLostLock
}
