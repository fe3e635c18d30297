package model

// LockRow is the stored shape of one row in the locks table. A lock ID has
// at most one held row, keyed by (lockID, TaskIDNone); any number of waiter
// rows, keyed by (lockID, sortKey(waitingTaskID)).
//
// A held row carries MonitorID (the owner) and RunningTaskID (the task
// currently holding it on that owner's behalf) plus TasksQueued, a fence
// counter bumped on every acquire and every waiter enqueue (never on
// release) so acquire/enqueue races lose cleanly against
// ErrConditionFailed instead of corrupting the queue.
//
// A waiter row carries only WaitingTaskID (mirrored from its own range
// key, so callers scanning by hash don't need to re-parse it).
type LockRow struct {
    LockID string

    // Held-row fields; zero value on a waiter row.
    MonitorID     string
    RunningTaskID int64
    TasksQueued   int64

    // Waiter-row field; zero value on a held row.
    WaitingTaskID int64
}

// IsHeld reports whether row represents the held-lock row (as opposed to a
// waiter entry). Held rows are distinguished by a non-empty MonitorID.
func (row *LockRow) IsHeld() bool { return row != nil && row.MonitorID != "" }
