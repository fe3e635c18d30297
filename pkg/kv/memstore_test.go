package kv

import (
    "context"
    "errors"
    "sync"
    "testing"
)

func TestSortKeyRoundTrip(t *testing.T) {
    cases := []int64{0, 1, -1, 9223372036854775807, -9223372036854775808, 42, -42}
    for _, c := range cases {
        got, err := ParseSortKey(SortKey(c))
        if err != nil {
            t.Fatalf("ParseSortKey(%d): %v", c, err)
        }
        if got != c {
            t.Fatalf("round trip mismatch: %d -> %q -> %d", c, SortKey(c), got)
        }
    }
}

func TestSortKeyOrdering(t *testing.T) {
    vals := []int64{-100, -1, 0, 1, 5, 100, 1 << 40}
    for i := 1; i < len(vals); i++ {
        if SortKey(vals[i-1]) >= SortKey(vals[i]) {
            t.Fatalf("SortKey(%d) should sort before SortKey(%d)", vals[i-1], vals[i])
        }
    }
}

func TestConditionalUpdateGuardsOnMissingAttr(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()

    err := s.ConditionalUpdate(ctx, "tasks", "t1", "", Exists("mid"), func(existing Record, exists bool) (Record, error) {
        return existing, nil
    })
    if !errors.Is(err, ErrConditionFailed) {
        t.Fatalf("expected ErrConditionFailed on missing item, got %v", err)
    }

    err = s.ConditionalUpdate(ctx, "tasks", "t1", "", Not(Exists("mid")), func(existing Record, exists bool) (Record, error) {
        rec := Record{"mid": S("m1")}
        return rec, nil
    })
    if err != nil {
        t.Fatalf("unexpected error creating: %v", err)
    }

    rec, ok, err := s.Get(ctx, "tasks", "t1", "")
    if err != nil || !ok {
        t.Fatalf("expected item, got ok=%v err=%v", ok, err)
    }
    if v, _ := GetString(rec, "mid"); v != "m1" {
        t.Fatalf("expected mid=m1, got %q", v)
    }
}

func TestConditionalUpdateFencing(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    _ = s.Put(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Record{"agn": N(0)})

    // Winner: guard on current agn value, increment.
    err := s.ConditionalUpdate(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Eq("agn", N(0)), func(existing Record, exists bool) (Record, error) {
        out := existing.Clone()
        out["agn"] = N(1)
        return out, nil
    })
    if err != nil {
        t.Fatalf("winner update failed: %v", err)
    }

    // Loser: stale guard value must fail with ErrConditionFailed, not a write.
    err = s.ConditionalUpdate(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Eq("agn", N(0)), func(existing Record, exists bool) (Record, error) {
        out := existing.Clone()
        out["agn"] = N(99)
        return out, nil
    })
    if !errors.Is(err, ErrConditionFailed) {
        t.Fatalf("expected ErrConditionFailed for stale guard, got %v", err)
    }

    rec, _, _ := s.Get(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST)
    if v, _ := GetNumber(rec, "agn"); v != 1 {
        t.Fatalf("expected agn=1 after fenced race, got %v", v)
    }
}

func TestConditionalDelete(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    _ = s.Put(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Record{"mid": S("owner")})

    if err := s.ConditionalDelete(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Eq("mid", S("someone-else"))); !errors.Is(err, ErrConditionFailed) {
        t.Fatalf("expected ErrConditionFailed, got %v", err)
    }
    if err := s.ConditionalDelete(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Eq("mid", S("owner"))); err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if _, ok, _ := s.Get(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST); ok {
        t.Fatalf("expected item deleted")
    }
}

func TestQueryByIndex(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    s.RegisterIndex("tasks", IndexDef{Name: "by_monitor", HashAttr: "mid", RangeAttr: "tid"})

    _ = s.Put(ctx, "tasks", SortKey(1), "", Record{"mid": S("m1"), "tid": S(SortKey(1))})
    _ = s.Put(ctx, "tasks", SortKey(2), "", Record{"mid": S("m1"), "tid": S(SortKey(2))})
    _ = s.Put(ctx, "tasks", SortKey(3), "", Record{"mid": S("m2"), "tid": S(SortKey(3))})

    res, err := s.QueryByIndex(ctx, "tasks", "by_monitor", "m1", Page{})
    if err != nil {
        t.Fatalf("query: %v", err)
    }
    if len(res.Items) != 2 {
        t.Fatalf("expected 2 items for m1, got %d", len(res.Items))
    }
}

func TestScanByIndexExcludesMissingHashAttr(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    s.RegisterIndex("tasks", IndexDef{Name: "by_nt", HashAttr: "ntty", RangeAttr: "ntid"})

    _ = s.Put(ctx, "tasks", SortKey(1), "", Record{"ntty": S("echo"), "ntid": S("a")})
    _ = s.Put(ctx, "tasks", SortKey(2), "", Record{}) // terminal: no ntty/ntid

    res, err := s.ScanByIndex(ctx, "tasks", "by_nt", Page{})
    if err != nil {
        t.Fatalf("scan: %v", err)
    }
    if len(res.Items) != 1 {
        t.Fatalf("expected 1 non-terminal item, got %d", len(res.Items))
    }
}

func TestPagination(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    s.RegisterIndex("tasks", IndexDef{Name: "all", HashAttr: "k", RangeAttr: "tid"})
    for i := 0; i < 5; i++ {
        _ = s.Put(ctx, "tasks", SortKey(int64(i)), "", Record{"k": S("x"), "tid": S(SortKey(int64(i)))})
    }
    var seen []Record
    page := Page{Limit: 2}
    for {
        res, err := s.QueryByIndex(ctx, "tasks", "all", "x", page)
        if err != nil {
            t.Fatalf("query: %v", err)
        }
        seen = append(seen, res.Items...)
        if res.NextToken == "" {
            break
        }
        page.Token = res.NextToken
    }
    if len(seen) != 5 {
        t.Fatalf("expected 5 items across pages, got %d", len(seen))
    }
}

func TestConcurrentConditionalUpdatesAreSerialized(t *testing.T) {
    s := NewMemStore()
    ctx := context.Background()
    _ = s.Put(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Record{"n": N(0)})

    var wg sync.WaitGroup
    const n = 50
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for {
                cur, _, _ := s.Get(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST)
                v, _ := GetNumber(cur, "n")
                err := s.ConditionalUpdate(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST, Eq("n", N(v)), func(existing Record, exists bool) (Record, error) {
                    out := existing.Clone()
                    out["n"] = N(v + 1)
                    return out, nil
                })
                if err == nil {
                    return
                }
                if !errors.Is(err, ErrConditionFailed) {
                    t.Errorf("unexpected error: %v", err)
                    return
                }
            }
        }()
    }
    wg.Wait()
    rec, _, _ := s.Get(ctx, "locks", "L", TASK_ID_NONE_FOR_TEST)
    v, _ := GetNumber(rec, "n")
    if v != n {
        t.Fatalf("expected n=%d after %d serialized increments, got %v", n, n, v)
    }
}

// TASK_ID_NONE_FOR_TEST mirrors model.TaskIDNone without importing pkg/model
// (which depends on pkg/kv), keeping this package's tests self-contained.
const TASK_ID_NONE_FOR_TEST = "#"
