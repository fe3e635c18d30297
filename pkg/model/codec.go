package model

import (
    "fmt"

    "distq/pkg/kv"
)

// Task attribute short names, as stored in the tasks table.
//
// attrEntID does not hold the plain entity ID: it holds the compound
// entity-range key entityID + "@" + sortKey(taskID), so that a scan
// hashed on entity type and ranged on this attribute returns tasks for
// one entity ID ordered by task ID, and a BeginsWith(entityID+"@") query
// scopes to exactly one entity ID. attrNTID mirrors the same compound
// value, present only while the task is non-terminal.
const (
    attrID      = "id"
    attrEntType = "ety"
    attrEntID   = "eid"
    attrNTType  = "ntty" // mirrors EntityType while non-terminal
    attrNTID    = "ntid" // mirrors the eid compound key while non-terminal
    attrState   = "stat"
    attrLockIDs = "lids"
    attrPrereqs = "preq"
    attrAnyPreq = "any"
    attrMonitor = "mid"
    attrUpdate  = "upd"
    attrCheck   = "st8"
    attrErr     = "err"
    attrErrTr   = "errT"
    attrErrID   = "errId"
    attrStart   = "ts"
    attrEnd     = "tf"
    attrRunCnt  = "cnt"
    attrRequeue = "agn"
    attrTicker  = "tic"
    attrCancel  = "cancel"

    attrTags      = "tags"
    attrCreatedBy = "cby"
    attrCreatedAt = "cat"
    attrPriority  = "pri"
)

// Lock attribute short names, as stored in the locks table. A held row
// carries rtid/mid/agn; a waiter row carries tid. lid mirrors the row's
// own lock ID primary key so indexes can hash on it.
const (
    lockAttrID      = "lid"
    lockAttrWaitTID = "tid"
    lockAttrRunTID  = "rtid"
    lockAttrMonitor = "mid"
    lockAttrQueued  = "agn"
)

// Exported attribute-name aliases for packages (pkg/lock, pkg/sweeper) that
// build their own kv.Predicate/MutateFunc against these tables rather than
// going through the Encode/Decode helpers.
const (
    TaskAttrMonitor       = attrMonitor
    TaskAttrState         = attrState
    TaskAttrRequeue       = attrRequeue
    TaskAttrCheckpoint    = attrCheck
    TaskAttrEntityType    = attrEntType
    TaskAttrEntityID      = attrEntID
    TaskAttrNTEntityType  = attrNTType
    TaskAttrNTEntityID    = attrNTID
    TaskAttrUpdate        = attrUpdate
    TaskAttrTicker        = attrTicker

    LockAttrID      = lockAttrID
    LockAttrMonitor = lockAttrMonitor
    LockAttrQueued  = lockAttrQueued
    LockAttrRunTID  = lockAttrRunTID
    LockAttrWaitTID = lockAttrWaitTID
)

// TasksTable and LocksTable name the two kv.Store tables the codec reads
// and writes.
const (
    TasksTable = "tasks"
    LocksTable = "locks"
)

// ByEntityIndex groups tasks by entity type (ety), ordered by the eid
// compound key, covering both terminal and non-terminal tasks.
const ByEntityIndex = "by_entity"

// ByNonTerminalEntityIndex groups tasks by entity type (ntty), ordered by
// the ntid compound key, and only contains tasks that are not yet
// terminal: the attributes are omitted entirely once a task terminates.
const ByNonTerminalEntityIndex = "by_nonterminal_entity"

// ByMonitorTaskIndex groups tasks by owning monitor ID (mid), ordered by
// task id, used to recover a dead monitor's tasks.
const ByMonitorTaskIndex = "by_monitor"

// ByMonitorLockIndex groups held locks by owning monitor ID (mid), used
// to recover a dead monitor's held locks.
const ByMonitorLockIndex = "by_monitor"

// EntityRangeKey builds the compound entity-range key stored in eid/ntid:
// entityID + "@" + sortKey(taskID). Since sortKey always produces a
// fixed-width 16-hex-digit suffix, ParseEntityRangeKey can split it back
// out even if entityID itself contains "@".
func EntityRangeKey(entityID string, taskID int64) string {
    return entityID + "@" + kv.SortKey(taskID)
}

const sortKeyWidth = 16

// ParseEntityRangeKey inverts EntityRangeKey.
func ParseEntityRangeKey(compound string) (entityID string, taskID int64, err error) {
    if len(compound) < sortKeyWidth+1 || compound[len(compound)-sortKeyWidth-1] != '@' {
        return "", 0, fmt.Errorf("model: malformed entity range key %q", compound)
    }
    entityID = compound[:len(compound)-sortKeyWidth-1]
    taskID, err = kv.ParseSortKey(compound[len(compound)-sortKeyWidth:])
    if err != nil {
        return "", 0, fmt.Errorf("model: decode entity range key %q: %w", compound, err)
    }
    return entityID, taskID, nil
}

// EntityIDPrefix is the BeginsWith prefix for scoping an entity-range-key
// scan/query to exactly one entity ID (every compound key for that entity
// ID starts with this).
func EntityIDPrefix(entityID string) string { return entityID + "@" }

// EncodeTask converts t into its kv.Record representation.
func EncodeTask(t *Task) kv.Record {
    rangeKey := EntityRangeKey(t.EntityID, t.TaskID)
    rec := kv.Record{
        attrID:      kv.S(kv.SortKey(t.TaskID)),
        attrEntType: kv.S(t.EntityType),
        attrEntID:   kv.S(rangeKey),
        attrState:   kv.S(string(rune(t.State))),
        attrAnyPreq: kv.B(t.AnyPrerequisite),
        attrStart:   kv.N(float64(t.StartTime)),
        attrEnd:     kv.N(float64(t.EndTime)),
        attrRunCnt:  kv.N(float64(t.RunCount)),
        attrRequeue: kv.N(float64(t.Requeues)),
        attrCreatedAt: kv.N(float64(t.CreatedAt)),
        attrPriority:  kv.N(float64(t.Priority)),
    }
    if t.IsNonTerminal() {
        rec[attrNTType] = kv.S(t.EntityType)
        rec[attrNTID] = kv.S(rangeKey)
    }
    if t.MonitorID != "" {
        rec[attrMonitor] = kv.S(t.MonitorID)
    }
    if len(t.LockIDs) > 0 {
        rec[attrLockIDs] = kv.SS(t.LockIDs)
    }
    if len(t.PrerequisiteTaskIDs) > 0 {
        ids := make([]string, len(t.PrerequisiteTaskIDs))
        for i, id := range t.PrerequisiteTaskIDs {
            ids[i] = kv.SortKey(id)
        }
        rec[attrPrereqs] = kv.SS(ids)
    }
    if t.CheckpointData != nil {
        rec[attrCheck] = kv.S(kv.EncodeBytes(t.CheckpointData))
    }
    if t.UpdateData != nil {
        rec[attrUpdate] = kv.S(kv.EncodeBytes(t.UpdateData))
    }
    if t.MillisecondsRemaining != nil {
        rec[attrTicker] = kv.N(float64(*t.MillisecondsRemaining))
    }
    if t.CanceledBy != "" {
        rec[attrCancel] = kv.S(t.CanceledBy)
    }
    if t.ErrorMessage != "" {
        rec[attrErr] = kv.S(t.ErrorMessage)
    }
    if t.ErrorStackTrace != "" {
        rec[attrErrTr] = kv.S(t.ErrorStackTrace)
    }
    if t.ErrorID != "" {
        rec[attrErrID] = kv.S(t.ErrorID)
    }
    if len(t.Tags) > 0 {
        rec[attrTags] = kv.SS(t.Tags)
    }
    if t.CreatedBy != "" {
        rec[attrCreatedBy] = kv.S(t.CreatedBy)
    }
    return rec
}

// DecodeTask converts a stored kv.Record back into a Task.
func DecodeTask(rec kv.Record) (*Task, error) {
    idStr, ok := kv.GetString(rec, attrID)
    if !ok {
        return nil, fmt.Errorf("model: task record missing %q", attrID)
    }
    taskID, err := kv.ParseSortKey(idStr)
    if err != nil {
        return nil, fmt.Errorf("model: decode task id: %w", err)
    }
    stateStr, _ := kv.GetString(rec, attrState)
    if len(stateStr) != 1 {
        return nil, fmt.Errorf("model: task record has invalid state %q", stateStr)
    }

    t := &Task{
        TaskID: taskID,
        State:  State(stateStr[0]),
    }
    t.EntityType, _ = kv.GetString(rec, attrEntType)
    if rangeKey, ok := kv.GetString(rec, attrEntID); ok {
        entityID, rangeTaskID, err := ParseEntityRangeKey(rangeKey)
        if err != nil {
            return nil, err
        }
        if rangeTaskID != taskID {
            return nil, fmt.Errorf("model: eid range key task id %d does not match id %d", rangeTaskID, taskID)
        }
        t.EntityID = entityID
    }
    t.MonitorID, _ = kv.GetString(rec, attrMonitor)
    t.AnyPrerequisite, _ = kv.GetBool(rec, attrAnyPreq)
    t.CanceledBy, _ = kv.GetString(rec, attrCancel)
    t.ErrorMessage, _ = kv.GetString(rec, attrErr)
    t.ErrorStackTrace, _ = kv.GetString(rec, attrErrTr)
    t.ErrorID, _ = kv.GetString(rec, attrErrID)
    t.CreatedBy, _ = kv.GetString(rec, attrCreatedBy)

    if v, ok := kv.GetNumber(rec, attrStart); ok {
        t.StartTime = int64(v)
    }
    if v, ok := kv.GetNumber(rec, attrEnd); ok {
        t.EndTime = int64(v)
    }
    if v, ok := kv.GetNumber(rec, attrRunCnt); ok {
        t.RunCount = int64(v)
    }
    if v, ok := kv.GetNumber(rec, attrRequeue); ok {
        t.Requeues = int64(v)
    }
    if v, ok := kv.GetNumber(rec, attrCreatedAt); ok {
        t.CreatedAt = int64(v)
    }
    if v, ok := kv.GetNumber(rec, attrPriority); ok {
        t.Priority = uint8(v)
    }
    if v, ok := kv.GetNumber(rec, attrTicker); ok {
        ms := int64(v)
        t.MillisecondsRemaining = &ms
    }
    if lids, ok := kv.GetStringSet(rec, attrLockIDs); ok {
        t.LockIDs = lids
    }
    if tags, ok := kv.GetStringSet(rec, attrTags); ok {
        t.Tags = tags
    }
    if preqs, ok := kv.GetStringSet(rec, attrPrereqs); ok {
        ids := make([]int64, len(preqs))
        for i, p := range preqs {
            id, err := kv.ParseSortKey(p)
            if err != nil {
                return nil, fmt.Errorf("model: decode prerequisite id: %w", err)
            }
            ids[i] = id
        }
        t.PrerequisiteTaskIDs = ids
    }
    if v, ok := kv.GetString(rec, attrCheck); ok {
        b, err := kv.DecodeBytes(v)
        if err != nil {
            return nil, fmt.Errorf("model: decode checkpoint data: %w", err)
        }
        t.CheckpointData = b
    }
    if v, ok := kv.GetString(rec, attrUpdate); ok {
        b, err := kv.DecodeBytes(v)
        if err != nil {
            return nil, fmt.Errorf("model: decode update data: %w", err)
        }
        t.UpdateData = b
    }
    return t, nil
}

// EncodeHeldLock builds the held-lock row for lockID.
func EncodeHeldLock(lockID, monitorID string, runningTaskID, tasksQueued int64) kv.Record {
    return kv.Record{
        lockAttrID:      kv.S(lockID),
        lockAttrMonitor: kv.S(monitorID),
        lockAttrRunTID:  kv.S(kv.SortKey(runningTaskID)),
        lockAttrQueued:  kv.N(float64(tasksQueued)),
    }
}

// EncodeWaiter builds a waiter row for a task queued behind lockID.
func EncodeWaiter(lockID string, waitingTaskID int64) kv.Record {
    return kv.Record{
        lockAttrID:      kv.S(lockID),
        lockAttrWaitTID: kv.S(kv.SortKey(waitingTaskID)),
    }
}

// DecodeLockRow converts a stored lock kv.Record back into a LockRow.
func DecodeLockRow(lockID string, rec kv.Record) (*LockRow, error) {
    row := &LockRow{LockID: lockID}
    if mid, ok := kv.GetString(rec, lockAttrMonitor); ok {
        row.MonitorID = mid
        rtid, _ := kv.GetString(rec, lockAttrRunTID)
        id, err := kv.ParseSortKey(rtid)
        if err != nil {
            return nil, fmt.Errorf("model: decode running task id: %w", err)
        }
        row.RunningTaskID = id
        if v, ok := kv.GetNumber(rec, lockAttrQueued); ok {
            row.TasksQueued = int64(v)
        }
        return row, nil
    }
    tid, _ := kv.GetString(rec, lockAttrWaitTID)
    id, err := kv.ParseSortKey(tid)
    if err != nil {
        return nil, fmt.Errorf("model: decode waiting task id: %w", err)
    }
    row.WaitingTaskID = id
    return row, nil
}
