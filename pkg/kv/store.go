// Package kv is the narrow key-value façade the scheduler core treats as
// its only source of truth: primary get/put, conditional update/delete
// guarded by a small predicate algebra, and paged secondary index queries.
// A failed predicate is its own outcome (ErrConditionFailed) and must
// never be conflated with a connection/IO error — callers use
// precondition failure as a coordination primitive, not an exception.
package kv

import (
    "context"
    "errors"
)

// ErrConditionFailed is returned by ConditionalUpdate/ConditionalDelete
// when the guard predicate evaluated false against the current item (or
// the item didn't exist and the guard required it to). This is the
// "someone else got there first" signal callers race on, not an error in
// the ordinary sense.
var ErrConditionFailed = errors.New("kv: condition failed")

// IndexDef declares a secondary index: items are grouped by HashAttr and,
// within a group, ordered by RangeAttr (lexicographically; empty
// RangeAttr means unordered-within-group, sorted by primary key instead).
type IndexDef struct {
    Name      string
    HashAttr  string
    RangeAttr string
}

// Page requests one page of a query/scan. A zero Limit means "no limit".
type Page struct {
    Token string
    Limit int
}

// Result is one page of a query/scan.
type Result struct {
    Items     []Record
    NextToken string
}

// MutateFunc computes the new record to store given the current one.
// existing is nil and exists is false when no item is currently stored at
// the key. Returning an error aborts the write (nothing is stored).
type MutateFunc func(existing Record, exists bool) (Record, error)

// Store is the KV façade the scheduler core depends on. table names
// partition independent key spaces (e.g. "tasks", "locks", "sequences")
// within one Store; each table declares its own secondary indexes via
// RegisterIndex before use.
type Store interface {
    // RegisterIndex declares a secondary index on table. Safe to call only
    // before the table is written to.
    RegisterIndex(table string, idx IndexDef)

    Get(ctx context.Context, table, pk, rk string) (Record, bool, error)

    // QueryPK returns every item sharing pk within table, ordered by rk,
    // paged. Used to page a lock's waiter rows, which all share the
    // lock's own primary key and are distinguished only by range key.
    QueryPK(ctx context.Context, table, pk string, page Page) (Result, error)

    // Put unconditionally creates or replaces the item at (pk, rk).
    Put(ctx context.Context, table, pk, rk string, rec Record) error

    // ConditionalUpdate evaluates cond against the current item (nil if
    // absent), and if true, stores mutate's result. If cond is false it
    // returns ErrConditionFailed and performs no write.
    ConditionalUpdate(ctx context.Context, table, pk, rk string, cond Predicate, mutate MutateFunc) error

    // ConditionalDelete deletes the item at (pk, rk) iff cond evaluates
    // true against the current item; ErrConditionFailed otherwise.
    ConditionalDelete(ctx context.Context, table, pk, rk string, cond Predicate) error

    // QueryByIndex returns items in index whose HashAttr equals hashKey,
    // ordered by RangeAttr, paged.
    QueryByIndex(ctx context.Context, table, index, hashKey string, page Page) (Result, error)

    // ScanByIndex returns all items in index ordered by (HashAttr,
    // RangeAttr), paged. Used for full index scans (e.g. sweeping).
    ScanByIndex(ctx context.Context, table, index string, page Page) (Result, error)

    // ScanTable returns every item in table matching pred, ordered by
    // (pk, rk), paged. Used where no secondary index fits, such as a
    // held-lock classification scan.
    ScanTable(ctx context.Context, table string, pred Predicate, page Page) (Result, error)
}
