// Package sweeper implements background recovery: finding queued tasks
// for the dispatcher, reclaiming locks and tasks from monitors whose
// heartbeat has lapsed, and rescuing tasks whose wakeup was lost.
package sweeper

import (
    "context"
    "errors"
    "time"

    "go.uber.org/zap"

    "distq/pkg/kv"
    "distq/pkg/lock"
    "distq/pkg/model"
    "distq/pkg/monitor"
)

// Enqueuer re-admits a rescued task to the dispatch queue.
type Enqueuer interface {
    Enqueue(taskID int64)
}

// Sweeper periodically scans for QUEUED tasks (satisfying
// dispatcher.Scanner), and on a slower cadence runs a deep cleanup pass
// that reclaims every lock and task belonging to a monitor whose
// heartbeat has lapsed.
type Sweeper struct {
    store    kv.Store
    locks    *lock.Coordinator
    provider monitor.Provider
    enqueue  Enqueuer
    log      *zap.Logger

    cleanupEvery int
    tick         int
}

// New builds a Sweeper. cleanupEvery is how many ScanQueued ticks elapse
// between deep cleanup passes.
func New(store kv.Store, locks *lock.Coordinator, provider monitor.Provider, enqueue Enqueuer, cleanupEvery int, log *zap.Logger) *Sweeper {
    if cleanupEvery < 1 {
        cleanupEvery = 1
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &Sweeper{
        store:        store,
        locks:        locks,
        provider:     provider,
        enqueue:      enqueue,
        cleanupEvery: cleanupEvery,
        log:          log.Named("sweeper"),
    }
}

// ScanQueued returns up to limit QUEUED task IDs, implementing
// dispatcher.Scanner. Every tick it also advances the internal counter
// that gates the deep cleanup pass; callers driving a scan loop get
// cleanup for free by calling ScanQueued on the same cadence.
func (s *Sweeper) ScanQueued(ctx context.Context, limit int) ([]int64, error) {
    s.tick++
    if s.tick%s.cleanupEvery == 0 {
        if err := s.DeepClean(ctx); err != nil {
            s.log.Warn("deep clean", zap.Error(err))
        }
    }

    page := kv.Page{Limit: limit}
    res, err := s.store.QueryByIndex(ctx, model.TasksTable, model.ByMonitorTaskIndex, model.QueuedSentinel, page)
    if err != nil {
        return nil, err
    }
    ids := make([]int64, 0, len(res.Items))
    for _, rec := range res.Items {
        task, derr := model.DecodeTask(rec)
        if derr != nil {
            s.log.Warn("decode queued task", zap.Error(derr))
            continue
        }
        ids = append(ids, task.TaskID)
    }
    return ids, nil
}

// DeepClean runs the slower recovery passes: reclaiming dead monitors
// (found only via a full scan of held lock rows, so an orphaned lock with
// no surviving task row is still found, while a dead monitor that holds no
// lock row, e.g. one owning only WAITING_FOR_INTERVAL tasks parked before
// any lock was acquired, is not found by this pass),
// force-deleting held locks whose holder task is already terminal, and
// rescuing WAITING_SENTINEL tasks whose wakeup never arrived.
func (s *Sweeper) DeepClean(ctx context.Context) error {
    if err := s.reclaimDeadMonitors(ctx); err != nil {
        return err
    }
    return s.rescueStuckWaiters(ctx)
}

// reclaimDeadMonitors scans every held lock row, collects the distinct set
// of owning monitor IDs, and for each one whose heartbeat has lapsed,
// reclaims its locks and rewrites its RUNNING/WAITING_FOR_INTERVAL tasks
// back to QUEUED.
func (s *Sweeper) reclaimDeadMonitors(ctx context.Context) error {
    seen := make(map[string]bool)
    page := kv.Page{}
    for {
        res, err := s.store.ScanTable(ctx, model.LocksTable, kv.Exists(model.LockAttrMonitor), page)
        if err != nil {
            return err
        }
        for _, rec := range res.Items {
            mid, ok := kv.GetString(rec, model.LockAttrMonitor)
            if !ok || mid == "" || seen[mid] {
                continue
            }
            seen[mid] = true
            if s.provider.IsActiveMonitor(monitor.Info{MonitorID: mid}) {
                continue
            }
            if err := s.reclaimMonitor(ctx, mid); err != nil {
                s.log.Warn("reclaim monitor", zap.String("monitor", mid), zap.Error(err))
            }
        }
        if res.NextToken == "" {
            return nil
        }
        page.Token = res.NextToken
    }
}

func (s *Sweeper) reclaimMonitor(ctx context.Context, monitorID string) error {
    if _, err := s.locks.ReclaimHeld(ctx, monitorID); err != nil {
        return err
    }

    page := kv.Page{}
    for {
        res, err := s.store.QueryByIndex(ctx, model.TasksTable, model.ByMonitorTaskIndex, monitorID, page)
        if err != nil {
            return err
        }
        for _, rec := range res.Items {
            task, derr := model.DecodeTask(rec)
            if derr != nil {
                s.log.Warn("decode dead-monitor task", zap.Error(derr))
                continue
            }
            if task.State != model.StateRunning && task.State != model.StateWaitingForInterval {
                continue
            }
            if err := s.requeue(ctx, task.TaskID, monitorID); err != nil {
                s.log.Warn("requeue dead-monitor task", zap.Int64("task", task.TaskID), zap.Error(err))
            }
        }
        if res.NextToken == "" {
            return nil
        }
        page.Token = res.NextToken
    }
}

// reclaimTerminalHolders scans every held lock row and force-deletes any
// whose holder task has already reached a terminal state: that task's own
// finalize already ran (or never will, if its monitor crashed mid-run and
// reclaimDeadMonitors already rewrote it elsewhere), so nothing will ever
// call Release for it. It does not itself promote a waiter for a freed
// lock — rescueStuckWaiters re-evaluates every WAITING task afterward
// against the resulting free/locked picture, same division of labor as
// the original's doCleanup (TaskManagerImpl.java:791-826, step 1 deletes
// locks held by terminal tasks and leaves waking them to step 2).
func (s *Sweeper) reclaimTerminalHolders(ctx context.Context) (map[string]bool, error) {
    freed := make(map[string]bool)
    terminalCache := make(map[int64]bool)
    page := kv.Page{}
    for {
        res, err := s.store.ScanTable(ctx, model.LocksTable, kv.Exists(model.LockAttrMonitor), page)
        if err != nil {
            return freed, err
        }
        for _, rec := range res.Items {
            lockID, ok := kv.GetString(rec, model.LockAttrID)
            if !ok {
                continue
            }
            row, derr := model.DecodeLockRow(lockID, rec)
            if derr != nil {
                s.log.Warn("decode held row for terminal-holder sweep", zap.String("lock", lockID), zap.Error(derr))
                continue
            }
            if row.RunningTaskID == 0 {
                continue
            }
            terminal, cached := terminalCache[row.RunningTaskID]
            if !cached {
                var terr error
                terminal, terr = s.isTaskTerminal(ctx, row.RunningTaskID)
                if terr != nil {
                    s.log.Warn("check lock holder terminal", zap.Int64("task", row.RunningTaskID), zap.Error(terr))
                    continue
                }
                terminalCache[row.RunningTaskID] = terminal
            }
            if !terminal {
                continue
            }
            guard := kv.And(
                kv.Eq(model.LockAttrMonitor, kv.S(row.MonitorID)),
                kv.Eq(model.LockAttrRunTID, kv.S(kv.SortKey(row.RunningTaskID))),
                kv.Eq(model.LockAttrQueued, kv.N(float64(row.TasksQueued))),
            )
            if derr := s.store.ConditionalDelete(ctx, model.LocksTable, lockID, model.TaskIDNone, guard); derr != nil {
                if !errors.Is(derr, kv.ErrConditionFailed) {
                    s.log.Warn("delete terminal-holder lock", zap.String("lock", lockID), zap.Error(derr))
                }
                continue
            }
            freed[lockID] = true
        }
        if res.NextToken == "" {
            return freed, nil
        }
        page.Token = res.NextToken
    }
}

// rescueStuckWaiters re-admits every WAITING_SENTINEL task that is
// actually unblocked. A task qualifies two ways: its waiter row has gone
// missing from every lock it wants (a lost in-process wakeup: the
// promoting process died before the Enqueue call landed, or landed in a
// different process than the one dispatching now), or re-evaluating it
// from scratch shows its prerequisites are satisfied and every lock it
// wants is free — the second case catches a broken wake chain, e.g. an
// ordinary release promoted a different waiter that was then canceled or
// deleted before it re-acquired, so the rest of that lock's waiters never
// got woken even though the lock is sitting free. Mirrors the original's
// doCleanup step 2 (TaskManagerImpl.java:828-875).
func (s *Sweeper) rescueStuckWaiters(ctx context.Context) error {
    freedLocks, err := s.reclaimTerminalHolders(ctx)
    if err != nil {
        return err
    }

    page := kv.Page{}
    for {
        res, err := s.store.QueryByIndex(ctx, model.TasksTable, model.ByMonitorTaskIndex, model.WaitingSentinel, page)
        if err != nil {
            return err
        }
        for _, rec := range res.Items {
            task, derr := model.DecodeTask(rec)
            if derr != nil {
                s.log.Warn("decode waiting task", zap.Error(derr))
                continue
            }
            stuck, serr := s.shouldRescue(ctx, task, freedLocks)
            if serr != nil {
                s.log.Warn("check waiting task", zap.Int64("task", task.TaskID), zap.Error(serr))
                continue
            }
            if !stuck {
                continue
            }
            if err := s.requeue(ctx, task.TaskID, model.WaitingSentinel); err != nil {
                s.log.Warn("rescue stuck waiter", zap.Int64("task", task.TaskID), zap.Error(err))
            }
        }
        if res.NextToken == "" {
            return nil
        }
        page.Token = res.NextToken
    }
}

func (s *Sweeper) shouldRescue(ctx context.Context, task *model.Task, freedLocks map[string]bool) (bool, error) {
    orphaned, err := s.isOrphanedWaiter(ctx, task)
    if err != nil {
        return false, err
    }
    if orphaned {
        return true, nil
    }

    satisfied, err := s.prerequisitesSatisfied(ctx, task)
    if err != nil {
        return false, err
    }
    if !satisfied {
        return false, nil
    }
    for _, lockID := range task.LockIDs {
        locked, err := s.isLocked(ctx, lockID, freedLocks)
        if err != nil {
            return false, err
        }
        if locked {
            return false, nil
        }
    }
    return true, nil
}

// prerequisitesSatisfied mirrors the ALL/ANY evaluation AcquirePrerequisites
// uses at claim time, re-run here from each prerequisite's current task
// state rather than barrier-lock bookkeeping, matching the original's own
// recheck in doCleanup (it reads task state directly, not waiter rows).
func (s *Sweeper) prerequisitesSatisfied(ctx context.Context, task *model.Task) (bool, error) {
    if len(task.PrerequisiteTaskIDs) == 0 {
        return true, nil
    }
    for _, p := range task.PrerequisiteTaskIDs {
        terminal, err := s.isTaskTerminal(ctx, p)
        if err != nil {
            return false, err
        }
        if task.AnyPrerequisite {
            if terminal {
                return true, nil
            }
        } else if !terminal {
            return false, nil
        }
    }
    return !task.AnyPrerequisite, nil
}

func (s *Sweeper) isTaskTerminal(ctx context.Context, taskID int64) (bool, error) {
    rec, ok, err := s.store.Get(ctx, model.TasksTable, kv.SortKey(taskID), "")
    if err != nil {
        return false, err
    }
    if !ok {
        return true, nil
    }
    t, derr := model.DecodeTask(rec)
    if derr != nil {
        return false, derr
    }
    return t.State.IsTerminal(), nil
}

// isLocked reports whether lockID is currently held, consulting
// freedLocks (locks this same DeepClean pass just force-deleted) before
// falling back to a live read.
func (s *Sweeper) isLocked(ctx context.Context, lockID string, freedLocks map[string]bool) (bool, error) {
    if freedLocks[lockID] {
        return false, nil
    }
    _, ok, err := s.store.Get(ctx, model.LocksTable, lockID, model.TaskIDNone)
    if err != nil {
        return false, err
    }
    return ok, nil
}

func (s *Sweeper) isOrphanedWaiter(ctx context.Context, task *model.Task) (bool, error) {
    candidates := append([]string(nil), task.LockIDs...)
    candidates = append(candidates, task.PrerequisiteBarrierID(kv.SortKey))
    for _, p := range task.PrerequisiteTaskIDs {
        candidates = append(candidates, model.PrerequisiteBarrierPrefix+kv.SortKey(p))
    }

    for _, lockID := range candidates {
        _, ok, err := s.store.Get(ctx, model.LocksTable, lockID, kv.SortKey(task.TaskID))
        if err != nil {
            return false, err
        }
        if ok {
            return false, nil // waiter row found on at least one lock it wants
        }
    }
    return true, nil
}

// requeue rewrites taskID from guard (its current mid) to QUEUED and
// enqueues it, unconditionally with respect to the requeues fence: a
// sweeper-driven rescue always wins over a stale wait.
func (s *Sweeper) requeue(ctx context.Context, taskID int64, guardMonitorID string) error {
    err := s.store.ConditionalUpdate(ctx, model.TasksTable, kv.SortKey(taskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(guardMonitorID)),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            if !exists {
                return existing, errGone
            }
            out := existing.Clone()
            out[model.TaskAttrMonitor] = kv.S(model.QueuedSentinel)
            out[model.TaskAttrState] = kv.S(string(rune(model.StateQueued)))
            return out, nil
        })
    if err != nil {
        if errors.Is(err, errGone) {
            return nil
        }
        return err
    }
    s.enqueue.Enqueue(taskID)
    return nil
}

var errGone = errors.New("sweeper: task vanished during requeue")

// Run drives ScanQueued on interval until ctx is canceled, discarding the
// returned IDs: its only purpose in this mode is to advance the cleanup
// counter and perform recovery passes for a deployment with no dispatcher
// of its own (e.g. a pure-recovery sidecar process).
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if _, err := s.ScanQueued(ctx, 0); err != nil {
                s.log.Warn("scan queued", zap.Error(err))
            }
        }
    }
}
