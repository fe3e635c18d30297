package taskrun

import (
    "context"
    "errors"

    "distq/pkg/kv"
    "distq/pkg/model"
    "distq/pkg/monitor"
)

// Context is what a registered handler sees: the task snapshot at
// invocation, the owning monitor's identity, and a way to durably commit
// progress without waiting for the task to finish.
type Context struct {
    ctx        context.Context
    task       *model.Task
    monitor    monitor.Info
    store      kv.Store
    onLostLock func()
}

// Context returns the context the handler should use for any blocking
// work and cancellation checks.
func (c *Context) Context() context.Context { return c.ctx }

// Task returns a disposable snapshot of the task being run.
func (c *Context) Task() *model.Task { return c.task.Clone() }

// Monitor returns the identity of the worker running this task.
func (c *Context) Monitor() monitor.Info { return c.monitor }

// CommitCheckpoint durably records progress bytes the handler can use to
// resume after a crash, guarded by continued ownership of the task (a
// mid=me conditional update). A guard failure means the task's ownership
// moved out from under the handler; it is reported as ErrLostLock and the
// caller's monitor heartbeat is forced to fail so peers recover every lock
// this monitor held.
func (c *Context) CommitCheckpoint(data []byte) error {
    err := c.store.ConditionalUpdate(c.ctx, model.TasksTable, kv.SortKey(c.task.TaskID), "",
        kv.Eq(model.TaskAttrMonitor, kv.S(c.monitor.MonitorID)),
        func(existing kv.Record, exists bool) (kv.Record, error) {
            out := existing.Clone()
            out[model.TaskAttrCheckpoint] = kv.S(kv.EncodeBytes(data))
            return out, nil
        })
    if err == nil {
        c.task.CheckpointData = data
        return nil
    }
    if errors.Is(err, kv.ErrConditionFailed) {
        if c.onLostLock != nil {
            c.onLostLock()
        }
        return ErrLostLock
    }
    return err
}
