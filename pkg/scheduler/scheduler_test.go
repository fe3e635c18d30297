package scheduler

import (
    "context"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap"

    "distq/pkg/config"
    "distq/pkg/kv"
    "distq/pkg/model"
    "distq/pkg/monitor"
    "distq/pkg/taskrun"
)

type fakeProvider struct {
    mu   sync.Mutex
    dead map[string]bool
}

func (f *fakeProvider) Monitor(ctx context.Context, fn func(context.Context, monitor.Info)) error {
    fn(ctx, monitor.Info{MonitorID: "mon-test", NodeName: "node-test"})
    return nil
}
func (f *fakeProvider) HasFailedHeartbeat(monitorID string) bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.dead[monitorID]
}
func (f *fakeProvider) ForceHeartbeatFailure(monitorID string) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.dead == nil {
        f.dead = make(map[string]bool)
    }
    f.dead[monitorID] = true
}
func (f *fakeProvider) IsActiveMonitor(info monitor.Info) bool { return !f.HasFailedHeartbeat(info.MonitorID) }

func newTestScheduler(t *testing.T) *Scheduler {
    t.Helper()
    store := kv.NewMemStore()
    cfg := config.Default().Scheduler
    handlers := map[string]HandlerFunc{
        "order": func(c *taskrun.Context) (*model.Task, error) { return nil, nil },
    }
    s, err := Build(cfg, store, handlers, &fakeProvider{}, zap.NewNop())
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    return s
}

func TestAddTaskPersistsAndResetsRuntimeFields(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, err := s.CreateTask().EntityType("order").EntityID("o-1").Build(ctx)
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    task.State = model.StateRunning
    task.MonitorID = "stale-monitor"
    task.RunCount = 7

    if err := s.AddTask(ctx, task); err != nil {
        t.Fatalf("AddTask: %v", err)
    }

    got, err := s.GetTask(ctx, task.TaskID)
    if err != nil {
        t.Fatalf("GetTask: %v", err)
    }
    if got.State != model.StateQueued || got.MonitorID != model.QueuedSentinel || got.RunCount != 0 {
        t.Fatalf("expected fresh queued task, got state=%v mid=%q runs=%d", got.State, got.MonitorID, got.RunCount)
    }
}

func TestAddTaskRejectsUnknownEntityType(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, err := s.CreateTask().EntityType("unregistered").EntityID("o-1").Build(ctx)
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    if err := s.AddTask(ctx, task); err != ErrInvalidArgument {
        t.Fatalf("expected ErrInvalidArgument, got %v", err)
    }
}

func TestDeleteTaskRejectsClaimedTask(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, _ := s.CreateTask().EntityType("order").EntityID("o-1").Build(ctx)
    if err := s.AddTask(ctx, task); err != nil {
        t.Fatalf("AddTask: %v", err)
    }
    if err := s.store.Put(ctx, model.TasksTable, kv.SortKey(task.TaskID), "",
        model.EncodeTask(&model.Task{TaskID: task.TaskID, EntityType: "order", EntityID: "o-1", State: model.StateRunning, MonitorID: "mon-1"})); err != nil {
        t.Fatalf("seed running: %v", err)
    }

    if err := s.DeleteTask(ctx, task.TaskID); err != ErrIllegalState {
        t.Fatalf("expected ErrIllegalState, got %v", err)
    }
}

func TestDeleteTaskAllowsQueuedTask(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, _ := s.CreateTask().EntityType("order").EntityID("o-1").Build(ctx)
    if err := s.AddTask(ctx, task); err != nil {
        t.Fatalf("AddTask: %v", err)
    }
    if err := s.DeleteTask(ctx, task.TaskID); err != nil {
        t.Fatalf("DeleteTask: %v", err)
    }
    if _, err := s.GetTask(ctx, task.TaskID); err != ErrNotFound {
        t.Fatalf("expected ErrNotFound after delete, got %v", err)
    }
}

func TestCancelTaskSetsCanceledByAndIgnoresTerminal(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, _ := s.CreateTask().EntityType("order").EntityID("o-1").Build(ctx)
    if err := s.AddTask(ctx, task); err != nil {
        t.Fatalf("AddTask: %v", err)
    }
    if err := s.CancelTask(ctx, "operator-1", task.TaskID); err != nil {
        t.Fatalf("CancelTask: %v", err)
    }
    got, err := s.GetTask(ctx, task.TaskID)
    if err != nil {
        t.Fatalf("GetTask: %v", err)
    }
    if got.CanceledBy != "operator-1" {
        t.Fatalf("expected canceledBy set, got %q", got.CanceledBy)
    }

    done := &model.Task{TaskID: task.TaskID, EntityType: "order", EntityID: "o-1", State: model.StateSuccess}
    if err := s.store.Put(ctx, model.TasksTable, kv.SortKey(task.TaskID), "", model.EncodeTask(done)); err != nil {
        t.Fatalf("seed terminal: %v", err)
    }
    if err := s.CancelTask(ctx, "operator-2", task.TaskID); err != nil {
        t.Fatalf("CancelTask on terminal: %v", err)
    }
    got, err = s.GetTask(ctx, task.TaskID)
    if err != nil {
        t.Fatalf("GetTask: %v", err)
    }
    if got.CanceledBy != "" {
        t.Fatalf("expected terminal task left alone, got canceledBy=%q", got.CanceledBy)
    }
}

func TestCancelTaskRequeuesWaitingTask(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    waiting := &model.Task{TaskID: 99, EntityType: "order", EntityID: "o-1", State: model.StateWaitingForLock, MonitorID: model.WaitingSentinel}
    if err := s.store.Put(ctx, model.TasksTable, kv.SortKey(99), "", model.EncodeTask(waiting)); err != nil {
        t.Fatalf("seed waiting: %v", err)
    }

    if err := s.CancelTask(ctx, "operator-1", 99); err != nil {
        t.Fatalf("CancelTask: %v", err)
    }

    got, err := s.GetTask(ctx, 99)
    if err != nil {
        t.Fatalf("GetTask: %v", err)
    }
    if got.State != model.StateQueued || got.MonitorID != model.QueuedSentinel {
        t.Fatalf("expected requeue to QUEUED, got state=%v mid=%q", got.State, got.MonitorID)
    }
    if got.CanceledBy != "operator-1" {
        t.Fatalf("expected canceledBy set alongside requeue, got %q", got.CanceledBy)
    }
}

func TestUpdateTaskSetsUpdateData(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    task, _ := s.CreateTask().EntityType("order").EntityID("o-1").Build(ctx)
    if err := s.AddTask(ctx, task); err != nil {
        t.Fatalf("AddTask: %v", err)
    }
    if err := s.UpdateTask(ctx, task.TaskID, []byte("payload")); err != nil {
        t.Fatalf("UpdateTask: %v", err)
    }
    got, err := s.GetTask(ctx, task.TaskID)
    if err != nil {
        t.Fatalf("GetTask: %v", err)
    }
    if string(got.UpdateData) != "payload" {
        t.Fatalf("expected updateData set, got %q", got.UpdateData)
    }
}

func TestQueryByEntityTypeAndIDPrefix(t *testing.T) {
    ctx := context.Background()
    s := newTestScheduler(t)

    for _, id := range []string{"order-1", "order-2", "ticket-9"} {
        task, err := s.CreateTask().EntityType("order").EntityID(id).Build(ctx)
        if err != nil {
            t.Fatalf("Build: %v", err)
        }
        if err := s.AddTask(ctx, task); err != nil {
            t.Fatalf("AddTask: %v", err)
        }
    }

    tasks, _, err := s.QueryByEntityTypeAndIDPrefix(ctx, "order", "order-", kv.Page{})
    if err != nil {
        t.Fatalf("QueryByEntityTypeAndIDPrefix: %v", err)
    }
    if len(tasks) != 2 {
        t.Fatalf("expected 2 matching tasks, got %d", len(tasks))
    }
}

func TestMonitorTaskQueueStartStopLifecycle(t *testing.T) {
    s := newTestScheduler(t)

    if err := s.MonitorTaskQueue(nil); err != nil {
        t.Fatalf("MonitorTaskQueue: %v", err)
    }
    if err := s.MonitorTaskQueue(nil); err != ErrAlreadyRunning {
        t.Fatalf("expected ErrAlreadyRunning on second start, got %v", err)
    }

    // give the background goroutine a chance to construct the dispatcher
    time.Sleep(20 * time.Millisecond)

    if err := s.StopTaskQueueMonitor(false); err != nil {
        t.Fatalf("StopTaskQueueMonitor: %v", err)
    }

    s.mu.Lock()
    running := s.running
    s.mu.Unlock()
    if running {
        t.Fatalf("expected running=false after stop")
    }
}
