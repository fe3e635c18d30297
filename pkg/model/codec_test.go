package model

import (
    "reflect"
    "testing"

    "distq/pkg/kv"
)

func TestEncodeDecodeTaskRoundTrip(t *testing.T) {
    ms := int64(1500)
    orig := &Task{
        TaskID:              42,
        EntityType:          "echo",
        EntityID:            "order-9",
        State:               StateWaitingForLock,
        MonitorID:           WaitingSentinel,
        LockIDs:             []string{"lockA", "lockB"},
        PrerequisiteTaskIDs: []int64{1, 2, 3},
        AnyPrerequisite:     true,
        CheckpointData:      []byte("checkpoint-bytes"),
        UpdateData:          []byte("update-bytes"),
        StartTime:           1000,
        EndTime:             0,
        RunCount:            2,
        Requeues:            5,
        MillisecondsRemaining: &ms,
        CanceledBy:            "",
        ErrorMessage:          "",
        ErrorStackTrace:       "",
        ErrorID:               "",
        Tags:                  []string{"b", "a"},
        CreatedBy:             "user-1",
        CreatedAt:             999,
        Priority:              7,
    }

    rec := EncodeTask(orig)
    if _, ok := rec[attrNTType]; !ok {
        t.Fatalf("expected ntty present for non-terminal task")
    }

    got, err := DecodeTask(rec)
    if err != nil {
        t.Fatalf("DecodeTask: %v", err)
    }

    orig.Tags = []string{"a", "b"} // SS() sorts; expect the decoded order to match
    if !reflect.DeepEqual(got, orig) {
        t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, orig)
    }
}

func TestEncodeTaskOmitsNonTerminalMirrorWhenTerminal(t *testing.T) {
    task := &Task{TaskID: 1, EntityType: "echo", EntityID: "e1", State: StateSuccess}
    rec := EncodeTask(task)
    if _, ok := rec[attrNTType]; ok {
        t.Fatalf("terminal task must not carry ntty")
    }
    if _, ok := rec[attrNTID]; ok {
        t.Fatalf("terminal task must not carry ntid")
    }
}

func TestDecodeTaskRejectsMissingID(t *testing.T) {
    if _, err := DecodeTask(kv.Record{}); err == nil {
        t.Fatalf("expected error decoding a record with no id attribute")
    }
}

func TestEntityRangeKeyRoundTrip(t *testing.T) {
    cases := []struct {
        entityID string
        taskID   int64
    }{
        {"order-9", 42},
        {"", 0},
        {"has@sign", -7},
    }
    for _, c := range cases {
        key := EntityRangeKey(c.entityID, c.taskID)
        gotID, gotTask, err := ParseEntityRangeKey(key)
        if err != nil {
            t.Fatalf("ParseEntityRangeKey(%q): %v", key, err)
        }
        if gotID != c.entityID || gotTask != c.taskID {
            t.Fatalf("round trip mismatch for (%q, %d): got (%q, %d)", c.entityID, c.taskID, gotID, gotTask)
        }
    }
}

func TestEntityRangeKeySharesEntityIDPrefix(t *testing.T) {
    k1 := EntityRangeKey("order-9", 1)
    k2 := EntityRangeKey("order-9", 2)
    prefix := EntityIDPrefix("order-9")
    if len(k1) <= len(prefix) || k1[:len(prefix)] != prefix {
        t.Fatalf("expected %q to have prefix %q", k1, prefix)
    }
    if len(k2) <= len(prefix) || k2[:len(prefix)] != prefix {
        t.Fatalf("expected %q to have prefix %q", k2, prefix)
    }
}

func TestLockRowRoundTrip(t *testing.T) {
    held := EncodeHeldLock("L1", "monitor-a", 7, 3)
    row, err := DecodeLockRow("L1", held)
    if err != nil {
        t.Fatalf("decode held: %v", err)
    }
    if !row.IsHeld() {
        t.Fatalf("expected held row")
    }
    if row.MonitorID != "monitor-a" || row.RunningTaskID != 7 || row.TasksQueued != 3 {
        t.Fatalf("unexpected held row: %+v", row)
    }

    waiter := EncodeWaiter("L1", 9)
    wrow, err := DecodeLockRow("L1", waiter)
    if err != nil {
        t.Fatalf("decode waiter: %v", err)
    }
    if wrow.IsHeld() {
        t.Fatalf("waiter row must not report held")
    }
    if wrow.WaitingTaskID != 9 {
        t.Fatalf("unexpected waiting task id: %d", wrow.WaitingTaskID)
    }
}
