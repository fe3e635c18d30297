package lock

import (
    "context"
    "math/rand"
    "sync"
    "testing"
    "time"

    rclock "github.com/raulk/clock"

    "distq/pkg/kv"
    "distq/pkg/model"
)

type fakeEnqueuer struct {
    mu      sync.Mutex
    enqueued []int64
}

func (f *fakeEnqueuer) Enqueue(taskID int64) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.enqueued = append(f.enqueued, taskID)
}

func (f *fakeEnqueuer) calls() []int64 {
    f.mu.Lock()
    defer f.mu.Unlock()
    return append([]int64(nil), f.enqueued...)
}

func newTestCoordinator(store kv.Store, enq Enqueuer) *Coordinator {
    return New(store, enq, 10*time.Millisecond, rclock.NewMock(), rand.New(rand.NewSource(1)), nil)
}

func putTask(t *testing.T, ctx context.Context, store kv.Store, task *model.Task) {
    t.Helper()
    rec := model.EncodeTask(task)
    if err := store.Put(ctx, model.TasksTable, kv.SortKey(task.TaskID), "", rec); err != nil {
        t.Fatalf("put task: %v", err)
    }
}

func TestAcquireAllSingleOwnerNoContention(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    task := &model.Task{TaskID: 1, EntityType: "echo", EntityID: "e1", State: model.StateRunning, LockIDs: []string{"res:a"}}
    putTask(t, ctx, store, task)

    acquired, waiting, err := c.AcquireAll(ctx, "mon-1", task)
    if err != nil {
        t.Fatalf("AcquireAll: %v", err)
    }
    if waiting {
        t.Fatalf("expected immediate acquire, got waiting")
    }
    if len(acquired) != 2 { // res:a + its own prerequisite barrier
        t.Fatalf("expected 2 locks acquired, got %d: %v", len(acquired), acquired)
    }
}

func TestAcquireAllBlocksSecondOwnerThenReleaseWakesIt(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    owner := &model.Task{TaskID: 1, EntityType: "echo", EntityID: "e1", State: model.StateRunning, LockIDs: []string{"res:a"}}
    waiter := &model.Task{TaskID: 2, EntityType: "echo", EntityID: "e2", State: model.StateRunning, MonitorID: model.WaitingSentinel, LockIDs: []string{"res:a"}}
    putTask(t, ctx, store, owner)
    putTask(t, ctx, store, waiter)

    ownerLocks, waiting, err := c.AcquireAll(ctx, "mon-1", owner)
    if err != nil || waiting {
        t.Fatalf("owner acquire: acquired=%v waiting=%v err=%v", ownerLocks, waiting, err)
    }

    waiterLocks, waiting, err := c.AcquireAll(ctx, "mon-2", waiter)
    if err != nil {
        t.Fatalf("waiter acquire: %v", err)
    }
    if !waiting {
        t.Fatalf("expected waiter to block on res:a")
    }
    // waiter acquired its own barrier (sorted before "res:a") before blocking.
    if len(waiterLocks) != 1 {
        t.Fatalf("expected 1 lock acquired before blocking, got %v", waiterLocks)
    }

    if err := c.Release(ctx, "mon-1", owner.TaskID, ownerLocks); err != nil {
        t.Fatalf("release: %v", err)
    }

    if calls := enq.calls(); len(calls) != 1 || calls[0] != waiter.TaskID {
        t.Fatalf("expected waiter task %d enqueued once, got %v", waiter.TaskID, calls)
    }

    rec, ok, err := store.Get(ctx, model.TasksTable, kv.SortKey(waiter.TaskID), "")
    if err != nil || !ok {
        t.Fatalf("get waiter task: ok=%v err=%v", ok, err)
    }
    got, err := model.DecodeTask(rec)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    if got.MonitorID != model.QueuedSentinel || got.State != model.StateQueued {
        t.Fatalf("expected waiter promoted to QUEUED, got monitorId=%q state=%v", got.MonitorID, got.State)
    }

    if _, ok, _ := store.Get(ctx, model.LocksTable, "res:a", model.TaskIDNone); ok {
        t.Fatalf("expected res:a to remain released by owner's unwind (no second acquirer yet)")
    }
}

func TestAcquirePrerequisitesAllSemanticsBlocksOnFirstNonTerminal(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    p1 := &model.Task{TaskID: 10, State: model.StateRunning}
    p2 := &model.Task{TaskID: 11, State: model.StateSuccess}
    putTask(t, ctx, store, p1)
    putTask(t, ctx, store, p2)
    // p1's own barrier must exist as a held lock for it to have waiters.
    if err := store.Put(ctx, model.LocksTable, model.PrerequisiteBarrierPrefix+kv.SortKey(p1.TaskID), model.TaskIDNone, model.EncodeHeldLock(model.PrerequisiteBarrierPrefix+kv.SortKey(p1.TaskID), "mon-1", p1.TaskID, 0)); err != nil {
        t.Fatalf("seed barrier: %v", err)
    }

    waiting, err := c.AcquirePrerequisites(ctx, 99, []int64{p1.TaskID, p2.TaskID}, false)
    if err != nil {
        t.Fatalf("AcquirePrerequisites: %v", err)
    }
    if !waiting {
        t.Fatalf("expected ALL semantics to block on p1")
    }
}

func TestAcquirePrerequisitesAllSemanticsBlocksOnQueuedPrerequisiteWithNoBarrier(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    // p1 is still QUEUED: it has not run AcquireAll yet, so its own
    // barrier lock has no held row at all. bumpFence must fail here for a
    // reason having nothing to do with p1 having finished.
    p1 := &model.Task{TaskID: 12, State: model.StateQueued, MonitorID: model.QueuedSentinel}
    putTask(t, ctx, store, p1)
    barrier := model.PrerequisiteBarrierPrefix + kv.SortKey(p1.TaskID)

    waiting, err := c.AcquirePrerequisites(ctx, 99, []int64{p1.TaskID}, false)
    if err != nil {
        t.Fatalf("AcquirePrerequisites: %v", err)
    }
    if !waiting {
        t.Fatalf("expected ALL semantics to block on still-QUEUED p1 with no barrier")
    }

    rec, ok, err := store.Get(ctx, model.LocksTable, barrier, kv.SortKey(int64(99)))
    if err != nil || !ok {
        t.Fatalf("expected waiter row left in place on p1's barrier: ok=%v err=%v", ok, err)
    }
    row, derr := model.DecodeLockRow(barrier, rec)
    if derr != nil {
        t.Fatalf("decode waiter row: %v", derr)
    }
    if row.WaitingTaskID != 99 {
        t.Fatalf("expected waiter row for task 99, got %+v", row)
    }
}

func TestAcquirePrerequisitesAnySemanticsUnblocksOnTerminal(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    p1 := &model.Task{TaskID: 20, State: model.StateRunning}
    p2 := &model.Task{TaskID: 21, State: model.StateFailed}
    putTask(t, ctx, store, p1)
    putTask(t, ctx, store, p2)
    if err := store.Put(ctx, model.LocksTable, model.PrerequisiteBarrierPrefix+kv.SortKey(p1.TaskID), model.TaskIDNone, model.EncodeHeldLock(model.PrerequisiteBarrierPrefix+kv.SortKey(p1.TaskID), "mon-1", p1.TaskID, 0)); err != nil {
        t.Fatalf("seed barrier: %v", err)
    }

    waiting, err := c.AcquirePrerequisites(ctx, 99, []int64{p1.TaskID, p2.TaskID}, true)
    if err != nil {
        t.Fatalf("AcquirePrerequisites: %v", err)
    }
    if waiting {
        t.Fatalf("expected ANY semantics to unblock on terminal p2")
    }
}

func TestAcquirePrerequisitesAllSemanticsPassesWhenAllTerminal(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    p1 := &model.Task{TaskID: 30, State: model.StateSuccess}
    p2 := &model.Task{TaskID: 31, State: model.StateFailed}
    putTask(t, ctx, store, p1)
    putTask(t, ctx, store, p2)

    waiting, err := c.AcquirePrerequisites(ctx, 99, []int64{p1.TaskID, p2.TaskID}, false)
    if err != nil {
        t.Fatalf("AcquirePrerequisites: %v", err)
    }
    if waiting {
        t.Fatalf("expected no blocking when every prerequisite is terminal")
    }
}

func TestReleaseWakesAllWaitersOnTerminalBarrier(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    owner := &model.Task{TaskID: 40, State: model.StateSuccess}
    putTask(t, ctx, store, owner)

    barrier := owner.PrerequisiteBarrierID(kv.SortKey)
    if err := store.Put(ctx, model.LocksTable, barrier, model.TaskIDNone, model.EncodeHeldLock(barrier, "mon-1", owner.TaskID, 2)); err != nil {
        t.Fatalf("seed held barrier: %v", err)
    }
    w1 := &model.Task{TaskID: 41, State: model.StateWaitingForPrerequisite, MonitorID: model.WaitingSentinel}
    w2 := &model.Task{TaskID: 42, State: model.StateWaitingForPrerequisite, MonitorID: model.WaitingSentinel}
    putTask(t, ctx, store, w1)
    putTask(t, ctx, store, w2)
    if err := store.Put(ctx, model.LocksTable, barrier, kv.SortKey(w1.TaskID), model.EncodeWaiter(barrier, w1.TaskID)); err != nil {
        t.Fatalf("seed waiter1: %v", err)
    }
    if err := store.Put(ctx, model.LocksTable, barrier, kv.SortKey(w2.TaskID), model.EncodeWaiter(barrier, w2.TaskID)); err != nil {
        t.Fatalf("seed waiter2: %v", err)
    }

    if err := c.Release(ctx, "mon-1", owner.TaskID, []string{barrier}); err != nil {
        t.Fatalf("release: %v", err)
    }

    calls := enq.calls()
    if len(calls) != 2 {
        t.Fatalf("expected both waiters woken, got %v", calls)
    }
}

func TestReleaseWakesAtMostOneWaiterOnOrdinaryLock(t *testing.T) {
    ctx := context.Background()
    store := kv.NewMemStore()
    enq := &fakeEnqueuer{}
    c := newTestCoordinator(store, enq)

    if err := store.Put(ctx, model.LocksTable, "res:x", model.TaskIDNone, model.EncodeHeldLock("res:x", "mon-1", 50, 2)); err != nil {
        t.Fatalf("seed held: %v", err)
    }
    w1 := &model.Task{TaskID: 51, State: model.StateWaitingForLock, MonitorID: model.WaitingSentinel}
    w2 := &model.Task{TaskID: 52, State: model.StateWaitingForLock, MonitorID: model.WaitingSentinel}
    putTask(t, ctx, store, w1)
    putTask(t, ctx, store, w2)
    if err := store.Put(ctx, model.LocksTable, "res:x", kv.SortKey(w1.TaskID), model.EncodeWaiter("res:x", w1.TaskID)); err != nil {
        t.Fatalf("seed waiter1: %v", err)
    }
    if err := store.Put(ctx, model.LocksTable, "res:x", kv.SortKey(w2.TaskID), model.EncodeWaiter("res:x", w2.TaskID)); err != nil {
        t.Fatalf("seed waiter2: %v", err)
    }

    if err := c.Release(ctx, "mon-1", 50, []string{"res:x"}); err != nil {
        t.Fatalf("release: %v", err)
    }

    if calls := enq.calls(); len(calls) != 1 {
        t.Fatalf("expected exactly one waiter woken, got %v", calls)
    }
}
