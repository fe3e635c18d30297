package kv

import (
    "context"
    "sort"
    "strconv"
    "sync"
)

// MemStore is an in-memory Store. Each table is guarded by a single mutex
// rather than striping by key shard, because conditional mutators need to
// evaluate a predicate and apply a write as one atomic step.
type MemStore struct {
    mu     sync.Mutex
    tables map[string]*memTable
}

type memTable struct {
    mu      sync.RWMutex
    items   map[string]map[string]Record // pk -> rk -> record
    indexes map[string]IndexDef
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
    return &MemStore{tables: make(map[string]*memTable)}
}

func (s *MemStore) table(name string) *memTable {
    s.mu.Lock()
    defer s.mu.Unlock()
    t, ok := s.tables[name]
    if !ok {
        t = &memTable{items: make(map[string]map[string]Record), indexes: make(map[string]IndexDef)}
        s.tables[name] = t
    }
    return t
}

func (s *MemStore) RegisterIndex(table string, idx IndexDef) {
    t := s.table(table)
    t.mu.Lock()
    defer t.mu.Unlock()
    t.indexes[idx.Name] = idx
}

func (s *MemStore) Get(_ context.Context, table, pk, rk string) (Record, bool, error) {
    t := s.table(table)
    t.mu.RLock()
    defer t.mu.RUnlock()
    rec, ok := t.items[pk][rk]
    if !ok {
        return nil, false, nil
    }
    return rec.Clone(), true, nil
}

func (s *MemStore) Put(_ context.Context, table, pk, rk string, rec Record) error {
    t := s.table(table)
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.items[pk] == nil {
        t.items[pk] = make(map[string]Record)
    }
    t.items[pk][rk] = rec.Clone()
    return nil
}

func (s *MemStore) ConditionalUpdate(_ context.Context, table, pk, rk string, cond Predicate, mutate MutateFunc) error {
    t := s.table(table)
    t.mu.Lock()
    defer t.mu.Unlock()

    existing, exists := t.items[pk][rk]
    if cond != nil && !cond.eval(existing) {
        return ErrConditionFailed
    }
    next, err := mutate(existing, exists)
    if err != nil {
        return err
    }
    if t.items[pk] == nil {
        t.items[pk] = make(map[string]Record)
    }
    t.items[pk][rk] = next.Clone()
    return nil
}

func (s *MemStore) ConditionalDelete(_ context.Context, table, pk, rk string, cond Predicate) error {
    t := s.table(table)
    t.mu.Lock()
    defer t.mu.Unlock()

    existing, exists := t.items[pk][rk]
    if cond != nil && !cond.eval(existing) {
        return ErrConditionFailed
    }
    if exists {
        delete(t.items[pk], rk)
        if len(t.items[pk]) == 0 {
            delete(t.items, pk)
        }
    }
    return nil
}

// itemRef pairs a record with its primary key, used only to give scans a
// deterministic fallback order (Go map iteration order is randomized).
type itemRef struct {
    pk, rk string
    rec    Record
}

func (s *MemStore) QueryPK(_ context.Context, table, pk string, page Page) (Result, error) {
    t := s.table(table)
    t.mu.RLock()
    byRK := t.items[pk]
    matched := make([]itemRef, 0, len(byRK))
    for rk, rec := range byRK {
        matched = append(matched, itemRef{pk, rk, rec.Clone()})
    }
    t.mu.RUnlock()
    sort.SliceStable(matched, func(i, j int) bool { return matched[i].rk < matched[j].rk })
    return paginate(flatten(matched), page), nil
}

func (s *MemStore) QueryByIndex(_ context.Context, table, index, hashKey string, page Page) (Result, error) {
    t := s.table(table)
    t.mu.RLock()
    idx := t.indexes[index]
    matched := make([]itemRef, 0)
    for pk, byRK := range t.items {
        for rk, rec := range byRK {
            if v, ok := GetString(rec, idx.HashAttr); ok && v == hashKey {
                matched = append(matched, itemRef{pk, rk, rec.Clone()})
            }
        }
    }
    t.mu.RUnlock()
    sortItems(matched, idx.RangeAttr)
    return paginate(flatten(matched), page), nil
}

func (s *MemStore) ScanByIndex(_ context.Context, table, index string, page Page) (Result, error) {
    t := s.table(table)
    t.mu.RLock()
    idx := t.indexes[index]
    matched := make([]itemRef, 0)
    for pk, byRK := range t.items {
        for rk, rec := range byRK {
            if HasAttr(rec, idx.HashAttr) {
                matched = append(matched, itemRef{pk, rk, rec.Clone()})
            }
        }
    }
    t.mu.RUnlock()
    sortItemsByHashThenAttr(matched, idx.HashAttr, idx.RangeAttr)
    return paginate(flatten(matched), page), nil
}

func (s *MemStore) ScanTable(_ context.Context, table string, pred Predicate, page Page) (Result, error) {
    t := s.table(table)
    t.mu.RLock()
    matched := make([]itemRef, 0)
    for pk, byRK := range t.items {
        for rk, rec := range byRK {
            if pred == nil || pred.eval(rec) {
                matched = append(matched, itemRef{pk, rk, rec.Clone()})
            }
        }
    }
    t.mu.RUnlock()
    sortItems(matched, "")
    return paginate(flatten(matched), page), nil
}

func flatten(items []itemRef) []Record {
    out := make([]Record, len(items))
    for i, it := range items {
        out[i] = it.rec
    }
    return out
}

// sortItems orders by attr (if non-empty and string-valued) and falls back
// to (pk, rk) for a total, deterministic order.
func sortItems(items []itemRef, attr string) {
    sort.SliceStable(items, func(i, j int) bool {
        if attr != "" {
            vi, oki := GetString(items[i].rec, attr)
            vj, okj := GetString(items[j].rec, attr)
            if oki && okj && vi != vj {
                return vi < vj
            }
        }
        if items[i].pk != items[j].pk {
            return items[i].pk < items[j].pk
        }
        return items[i].rk < items[j].rk
    })
}

func sortItemsByHashThenAttr(items []itemRef, hashAttr, rangeAttr string) {
    sort.SliceStable(items, func(i, j int) bool {
        hi, _ := GetString(items[i].rec, hashAttr)
        hj, _ := GetString(items[j].rec, hashAttr)
        if hi != hj {
            return hi < hj
        }
        if rangeAttr != "" {
            vi, oki := GetString(items[i].rec, rangeAttr)
            vj, okj := GetString(items[j].rec, rangeAttr)
            if oki && okj && vi != vj {
                return vi < vj
            }
        }
        if items[i].pk != items[j].pk {
            return items[i].pk < items[j].pk
        }
        return items[i].rk < items[j].rk
    })
}

// paginate applies an offset-encoded page token. MemStore is a reference
// implementation; its pagination is stable only absent concurrent writes
// to the scanned table between pages, which is sufficient for callers
// that re-scan on every tick regardless.
func paginate(all []Record, page Page) Result {
    start := 0
    if page.Token != "" {
        if n, err := strconv.Atoi(page.Token); err == nil && n > 0 {
            start = n
        }
    }
    if start > len(all) {
        start = len(all)
    }
    end := len(all)
    if page.Limit > 0 && start+page.Limit < end {
        end = start + page.Limit
    }
    res := Result{Items: all[start:end]}
    if end < len(all) {
        res.NextToken = strconv.Itoa(end)
    }
    return res
}
