// Package lock implements the distributed lock coordinator: acquiring and
// releasing named locks and prerequisite barriers through conditional
// updates on the shared kv.Store, with waiter queues taking over whenever
// a lock is already held.
package lock

import (
    "context"
    "errors"
    "math/rand"
    "sort"
    "sync"
    "time"

    rclock "github.com/raulk/clock"
    "go.uber.org/zap"

    "distq/pkg/kv"
    "distq/pkg/model"
)

// Enqueuer re-admits a task to the dispatch queue once it has been woken
// from WAITING_FOR_LOCK or WAITING_FOR_PREREQUISITE. The coordinator never
// dispatches tasks itself; it only flips their monitorId and hands off.
type Enqueuer interface {
    Enqueue(taskID int64)
}

// Coordinator implements acquire/release over a kv.Store's locks table.
type Coordinator struct {
    store      kv.Store
    enqueue    Enqueuer
    clock      rclock.Clock
    rng        *rand.Rand
    rngMu      sync.Mutex
    maxBackoff time.Duration
    log        *zap.Logger
}

// New builds a Coordinator. maxBackoff bounds the random retry delay used
// when an acquire races a concurrent release (spec calls for <= 500ms).
func New(store kv.Store, enqueue Enqueuer, maxBackoff time.Duration, clk rclock.Clock, rng *rand.Rand, log *zap.Logger) *Coordinator {
    if clk == nil {
        clk = rclock.New()
    }
    if rng == nil {
        rng = rand.New(rand.NewSource(1))
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &Coordinator{
        store:      store,
        enqueue:    enqueue,
        clock:      clk,
        rng:        rng,
        maxBackoff: maxBackoff,
        log:        log.Named("lock"),
    }
}

func (c *Coordinator) backoff(ctx context.Context) error {
    c.rngMu.Lock()
    d := time.Duration(c.rng.Int63n(int64(c.maxBackoff) + 1))
    c.rngMu.Unlock()
    timer := c.clock.Timer(d)
    defer timer.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-timer.C:
        return nil
    }
}

// AcquireAll attempts to acquire every lock in task.LockIDs plus task's own
// prerequisite barrier, sorted ascending so every caller contending on the
// same set acquires them in the same order. It returns the IDs acquired so
// far (to be unwound via Release on a partial failure), and waiting=true if
// the task must now sit in WAITING_FOR_LOCK for one of them.
func (c *Coordinator) AcquireAll(ctx context.Context, monitorID string, task *model.Task) (acquired []string, waiting bool, err error) {
    ids := append([]string(nil), task.LockIDs...)
    ids = append(ids, task.PrerequisiteBarrierID(kv.SortKey))
    sort.Strings(ids)

    for _, id := range ids {
        w, aerr := c.acquireOne(ctx, monitorID, id, task.TaskID)
        if aerr != nil {
            return acquired, false, aerr
        }
        if w {
            return acquired, true, nil
        }
        acquired = append(acquired, id)
    }
    return acquired, false, nil
}

// acquireOne runs the acquire protocol for a single lock ID: try a direct
// conditional claim; if the lock is held by someone else, register as a
// waiter and bump the holder's fence counter, retrying the whole attempt
// with a bounded random backoff if the holder released between the two
// steps.
func (c *Coordinator) acquireOne(ctx context.Context, monitorID, lockID string, taskID int64) (waiting bool, err error) {
    for {
        err := c.store.ConditionalUpdate(ctx, model.LocksTable, lockID, model.TaskIDNone,
            kv.Or(kv.Not(kv.Exists(model.LockAttrMonitor)), kv.Eq(model.LockAttrRunTID, kv.S(kv.SortKey(taskID)))),
            func(existing kv.Record, exists bool) (kv.Record, error) {
                queued := int64(0)
                if exists {
                    if q, ok := kv.GetNumber(existing, model.LockAttrQueued); ok {
                        queued = int64(q)
                    }
                }
                return model.EncodeHeldLock(lockID, monitorID, taskID, queued+1), nil
            })
        if err == nil {
            return false, nil
        }
        if !errors.Is(err, kv.ErrConditionFailed) {
            return false, err
        }

        if putErr := c.store.Put(ctx, model.LocksTable, lockID, kv.SortKey(taskID), model.EncodeWaiter(lockID, taskID)); putErr != nil {
            return false, putErr
        }
        incErr := c.bumpFence(ctx, lockID)
        if incErr == nil {
            return true, nil
        }
        if !errors.Is(incErr, kv.ErrConditionFailed) {
            return false, incErr
        }

        // The holder released between our direct claim attempt and our
        // fence bump; nothing to wait on after all. Retry from the top.
        if bErr := c.backoff(ctx); bErr != nil {
            return false, bErr
        }
    }
}

func (c *Coordinator) bumpFence(ctx context.Context, lockID string) error {
    return c.store.ConditionalUpdate(ctx, model.LocksTable, lockID, model.TaskIDNone, kv.Exists(model.LockAttrMonitor),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            out := existing.Clone()
            q, _ := kv.GetNumber(existing, model.LockAttrQueued)
            out[model.LockAttrQueued] = kv.N(q + 1)
            return out, nil
        })
}

func (c *Coordinator) clearWaiter(ctx context.Context, lockID string, taskID int64) {
    if err := c.store.ConditionalDelete(ctx, model.LocksTable, lockID, kv.SortKey(taskID), kv.Always()); err != nil {
        c.log.Warn("clear stale waiter", zap.String("lock", lockID), zap.Int64("task", taskID), zap.Error(err))
    }
}

// AcquirePrerequisites evaluates taskID's prerequisites against their own
// barrier locks. With ALL semantics the first non-terminal prerequisite
// blocks the task and the rest are left unchecked (the state machine calls
// this again on every claim attempt, so later prerequisites get their turn
// once the earlier one clears). With ANY semantics every prerequisite is
// checked and the first terminal one unblocks the task immediately.
func (c *Coordinator) AcquirePrerequisites(ctx context.Context, taskID int64, prerequisiteTaskIDs []int64, anyPrerequisite bool) (waiting bool, err error) {
    for _, p := range prerequisiteTaskIDs {
        barrier := model.PrerequisiteBarrierPrefix + kv.SortKey(p)

        terminal, terr := c.isPrerequisiteTerminal(ctx, p)
        if terr != nil {
            return false, terr
        }
        if terminal {
            c.clearWaiter(ctx, barrier, taskID)
            if anyPrerequisite {
                return false, nil
            }
            continue
        }

        if putErr := c.store.Put(ctx, model.LocksTable, barrier, kv.SortKey(taskID), model.EncodeWaiter(barrier, taskID)); putErr != nil {
            return false, putErr
        }
        incErr := c.bumpFence(ctx, barrier)
        if incErr == nil {
            if !anyPrerequisite {
                return true, nil
            }
            continue
        }
        if !errors.Is(incErr, kv.ErrConditionFailed) {
            return false, incErr
        }

        // bumpFence's guard (a held barrier row on p) failed. That is not
        // on its own proof that p finished: it equally fails when p has
        // simply never acquired its own barrier yet (still QUEUED, or
        // running but not as far as AcquireAll). Re-read p's state rather
        // than assuming the former, or a still-running prerequisite gets
        // treated as satisfied and the dependent task runs too early.
        terminal, terr = c.isPrerequisiteTerminal(ctx, p)
        if terr != nil {
            return false, terr
        }
        if terminal {
            c.clearWaiter(ctx, barrier, taskID)
            if anyPrerequisite {
                return false, nil
            }
            continue
        }

        // p is genuinely still non-terminal; leave the waiter row in
        // place so p's own eventual Release wakes it, and block.
        if !anyPrerequisite {
            return true, nil
        }
    }

    // ANY semantics falls through here only when every prerequisite was
    // still running and a waiter was registered on each of them.
    return anyPrerequisite, nil
}

func (c *Coordinator) isPrerequisiteTerminal(ctx context.Context, taskID int64) (bool, error) {
    rec, ok, err := c.store.Get(ctx, model.TasksTable, kv.SortKey(taskID), "")
    if err != nil {
        return false, err
    }
    if !ok {
        // No such task on record: nothing will ever wake this waiter, so
        // treat it as vacuously satisfied rather than stalling forever.
        return true, nil
    }
    t, derr := model.DecodeTask(rec)
    if derr != nil {
        return false, derr
    }
    return t.State.IsTerminal(), nil
}

// Release releases heldLockIDs in reverse order, waking waiters as it goes.
// heldLockIDs must already be sorted the way AcquireAll produced them.
// Release reads taskID's state from the store: if the task is terminal,
// its own prerequisite barrier (if present in heldLockIDs) wakes every
// waiter at once rather than just one.
func (c *Coordinator) Release(ctx context.Context, monitorID string, taskID int64, heldLockIDs []string) error {
    barrier := model.PrerequisiteBarrierPrefix + kv.SortKey(taskID)
    taskTerminal, terr := c.isPrerequisiteTerminal(ctx, taskID)
    if terr != nil {
        return terr
    }

    for i := len(heldLockIDs) - 1; i >= 0; i-- {
        lockID := heldLockIDs[i]
        if err := c.releaseOne(ctx, monitorID, taskID, lockID, lockID == barrier && taskTerminal); err != nil {
            return err
        }
    }
    return nil
}

func (c *Coordinator) releaseOne(ctx context.Context, monitorID string, taskID int64, lockID string, wakeAll bool) error {
    for {
        rec, ok, err := c.store.Get(ctx, model.LocksTable, lockID, model.TaskIDNone)
        if err != nil {
            return err
        }
        if !ok {
            break // already released (or never held); nothing to do
        }
        baseline, _ := kv.GetNumber(rec, model.LockAttrQueued)

        woke, werr := c.wakeWaiters(ctx, lockID, wakeAll)
        if werr != nil {
            return werr
        }
        _ = woke // diagnostic only; the delete guard is the real fence

        delErr := c.store.ConditionalDelete(ctx, model.LocksTable, lockID, model.TaskIDNone,
            kv.And(kv.Eq(model.LockAttrMonitor, kv.S(monitorID)), kv.Eq(model.LockAttrQueued, kv.N(baseline))))
        if delErr == nil {
            break
        }
        if !errors.Is(delErr, kv.ErrConditionFailed) {
            return delErr
        }
        // A waiter enqueued between our read and our delete attempt; the
        // fence caught it. Re-read and retry so that waiter isn't lost.
    }

    // Release never leaves behind a stale self-waiter entry, in case this
    // task had registered itself as a waiter on an earlier failed attempt.
    c.clearWaiter(ctx, lockID, taskID)
    return nil
}

// wakeWaiters pages lockID's waiter rows and promotes either all of them
// (wakeAll) or at most one. A promoted waiter's task flips from
// WaitingSentinel to QueuedSentinel and is handed to Enqueuer; if the flip
// loses a race (the waiter's task already moved on), its requeues counter
// is bumped instead so its own finalizer can detect the stale fence.
func (c *Coordinator) wakeWaiters(ctx context.Context, lockID string, wakeAll bool) (woke bool, err error) {
    page := kv.Page{}
    for {
        res, qerr := c.store.QueryPK(ctx, model.LocksTable, lockID, page)
        if qerr != nil {
            return woke, qerr
        }
        for _, rec := range res.Items {
            row, derr := model.DecodeLockRow(lockID, rec)
            if derr != nil {
                c.log.Warn("decode waiter row", zap.String("lock", lockID), zap.Error(derr))
                continue
            }
            if row.IsHeld() {
                continue // the held row itself shares lockID's pk
            }
            if c.promote(ctx, row.WaitingTaskID) {
                c.enqueue.Enqueue(row.WaitingTaskID)
                woke = true
                if !wakeAll {
                    return woke, nil
                }
            } else {
                c.bumpRequeues(ctx, row.WaitingTaskID)
            }
        }
        if res.NextToken == "" {
            return woke, nil
        }
        page.Token = res.NextToken
    }
}

// promote conditionally flips a waiting task from WaitingSentinel to
// QueuedSentinel/StateQueued. Returns false if the task had already moved
// on (promoted by a different waiter-wake, or canceled).
func (c *Coordinator) promote(ctx context.Context, taskID int64) bool {
    err := c.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(taskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(model.WaitingSentinel)),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            out := existing.Clone()
            out[model.TaskAttrMonitor] = kv.S(model.QueuedSentinel)
            out[model.TaskAttrState] = kv.S(string(rune(model.StateQueued)))
            return out, nil
        })
    if err == nil {
        return true
    }
    if !errors.Is(err, kv.ErrConditionFailed) {
        c.log.Warn("promote waiter", zap.Int64("task", taskID), zap.Error(err))
    }
    return false
}

// ReclaimHeld pages every lock row held by monitorID (via the
// ByMonitorLockIndex) and releases each one: waking its waiters the same
// way a normal Release would, then deleting the held row unconditionally,
// since a dead monitor can no longer race a legitimate release. Used by
// the sweeper once it has confirmed monitorID's heartbeat has lapsed. It
// returns the number of locks reclaimed.
func (c *Coordinator) ReclaimHeld(ctx context.Context, monitorID string) (int, error) {
    reclaimed := 0
    page := kv.Page{}
    for {
        res, err := c.store.QueryByIndex(ctx, model.LocksTable, model.ByMonitorLockIndex, monitorID, page)
        if err != nil {
            return reclaimed, err
        }
        for _, rec := range res.Items {
            lockID, ok := kv.GetString(rec, model.LockAttrID)
            if !ok {
                continue
            }
            row, derr := model.DecodeLockRow(lockID, rec)
            if derr != nil {
                c.log.Warn("decode held row for reclaim", zap.String("lock", lockID), zap.Error(derr))
                continue
            }

            wakeAll := false
            if row.RunningTaskID != 0 {
                if terminal, terr := c.isPrerequisiteTerminal(ctx, row.RunningTaskID); terr == nil {
                    wakeAll = terminal && lockID == model.PrerequisiteBarrierPrefix+kv.SortKey(row.RunningTaskID)
                }
            }
            if _, werr := c.wakeWaiters(ctx, lockID, wakeAll); werr != nil {
                c.log.Warn("wake waiters during reclaim", zap.String("lock", lockID), zap.Error(werr))
            }
            if derr := c.store.ConditionalDelete(ctx, model.LocksTable, lockID, model.TaskIDNone, kv.Always()); derr != nil {
                c.log.Warn("delete reclaimed lock", zap.String("lock", lockID), zap.Error(derr))
                continue
            }
            reclaimed++
        }
        if res.NextToken == "" {
            break
        }
        page.Token = res.NextToken
    }
    return reclaimed, nil
}

func (c *Coordinator) bumpRequeues(ctx context.Context, taskID int64) {
    err := c.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(taskID), "", kv.Always(),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            if !exists {
                return existing, errNoOpRequeue
            }
            out := existing.Clone()
            v, _ := kv.GetNumber(existing, model.TaskAttrRequeue)
            out[model.TaskAttrRequeue] = kv.N(v + 1)
            return out, nil
        })
    if err != nil && !errors.Is(err, errNoOpRequeue) {
        c.log.Warn("bump requeues fence", zap.Int64("task", taskID), zap.Error(err))
    }
}

var errNoOpRequeue = errors.New("lock: no task row to bump requeues on")
