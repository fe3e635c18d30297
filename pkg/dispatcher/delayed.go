package dispatcher

import (
    "context"
    "errors"
    "sync"
    "time"

    rclock "github.com/raulk/clock"
    "go.uber.org/zap"

    "distq/pkg/kv"
    "distq/pkg/model"
)

// DelayedWheel wakes WAITING_FOR_INTERVAL tasks by scheduling a one-shot
// timer per task. Once the timer fires, it flips the task's ownership
// from this wheel's monitor back to QUEUED_SENTINEL/QUEUED before handing
// the task ID to a Dispatcher's Enqueue: a task claimed by Machine.Claim
// is only claimable while mid == QUEUED_SENTINEL, so leaving mid pinned
// to the live monitor (as parkDelayed does, to make monitor death rather
// than lock release the recovery path) would otherwise strand the task
// forever once its timer fires. It implements taskrun.DelayedRecorder
// without pkg/dispatcher importing pkg/taskrun.
type DelayedWheel struct {
    store     kv.Store
    monitorID string
    enqueue   Enqueuer
    clock     rclock.Clock
    log       *zap.Logger

    mu      sync.Mutex
    timers  map[int64]*rclockTimer
    stopped bool
}

// Enqueuer is the minimal re-admission capability DelayedWheel needs;
// *Dispatcher satisfies it.
type Enqueuer interface {
    Enqueue(taskID int64)
}

type rclockTimer struct {
    timer           *rclock.Timer
    remainingMillis int64
}

// NewDelayedWheel builds a DelayedWheel owned by monitorID that hands
// woken task IDs to enqueue after flipping them back to queued in store.
func NewDelayedWheel(store kv.Store, monitorID string, enqueue Enqueuer, clk rclock.Clock, log *zap.Logger) *DelayedWheel {
    if clk == nil {
        clk = rclock.New()
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &DelayedWheel{
        store:     store,
        monitorID: monitorID,
        enqueue:   enqueue,
        clock:     clk,
        log:       log.Named("delayed"),
        timers:    make(map[int64]*rclockTimer),
    }
}

// RecordDelayed schedules taskID to be re-enqueued after remainingMillis.
// A task already scheduled has its timer replaced, so the most recent
// call always wins.
func (w *DelayedWheel) RecordDelayed(taskID int64, remainingMillis int64) {
    w.mu.Lock()
    defer w.mu.Unlock()
    if w.stopped {
        return
    }
    if existing, ok := w.timers[taskID]; ok {
        existing.timer.Stop()
    }
    d := time.Duration(remainingMillis) * time.Millisecond
    if d < 0 {
        d = 0
    }
    t := w.clock.Timer(d)
    w.timers[taskID] = &rclockTimer{timer: t, remainingMillis: remainingMillis}
    go w.wait(taskID, remainingMillis, t)
}

func (w *DelayedWheel) wait(taskID, remainingMillis int64, t *rclock.Timer) {
    <-t.C
    w.mu.Lock()
    if cur, ok := w.timers[taskID]; !ok || cur.timer != t {
        w.mu.Unlock()
        return // superseded by a later RecordDelayed call
    }
    delete(w.timers, taskID)
    w.mu.Unlock()

    woke, err := w.flipToQueued(taskID, remainingMillis)
    if err != nil {
        w.log.Warn("flip delayed task to queued", zap.Int64("task", taskID), zap.Error(err))
        return
    }
    if woke {
        w.enqueue.Enqueue(taskID)
    }
}

// flipToQueued rewrites taskID from WAITING_FOR_INTERVAL/mid=monitorID to
// QUEUED/mid=QUEUED_SENTINEL, guarded on the ticker (remaining-millis)
// value still matching what this timer was scheduled for, so a task
// re-parked or reclaimed since is left untouched. woke is false (not an
// error) when the guard fails: the task is no longer this wheel's to wake.
func (w *DelayedWheel) flipToQueued(taskID, remainingMillis int64) (woke bool, err error) {
    guard := kv.And(
        kv.Eq(model.TaskAttrMonitor, kv.S(w.monitorID)),
        kv.Eq(model.TaskAttrTicker, kv.N(float64(remainingMillis))),
    )
    updateErr := w.store.ConditionalUpdate(context.Background(), model.TasksTable, kv.SortKey(taskID), "", guard,
        func(existing kv.Record, exists bool) (kv.Record, error) {
            if !exists {
                return existing, nil
            }
            rec := make(kv.Record, len(existing))
            for k, v := range existing {
                rec[k] = v
            }
            delete(rec, model.TaskAttrTicker)
            rec[model.TaskAttrMonitor] = kv.S(model.QueuedSentinel)
            rec[model.TaskAttrState] = kv.S(string(rune(model.StateQueued)))
            return rec, nil
        })
    if updateErr != nil {
        if errors.Is(updateErr, kv.ErrConditionFailed) {
            return false, nil
        }
        return false, updateErr
    }
    return true, nil
}

// Stop cancels every outstanding timer; scheduled tasks are left parked
// in WAITING_FOR_INTERVAL for a peer's wheel (or this process's own
// startup scan) to pick back up.
func (w *DelayedWheel) Stop() {
    w.mu.Lock()
    defer w.mu.Unlock()
    w.stopped = true
    for _, t := range w.timers {
        t.timer.Stop()
    }
    w.timers = make(map[int64]*rclockTimer)
}
