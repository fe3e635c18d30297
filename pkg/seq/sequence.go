// Package seq generates monotonically increasing IDs by conditionally
// incrementing a single stored counter row. Task IDs are drawn from it, so
// Next must never silently fail: every call either returns a fresh value
// or a real error.
package seq

import (
    "context"
    "errors"
    "fmt"

    "distq/pkg/kv"
)

// Table is the kv.Store table sequence counters live in.
const Table = "sequences"

const attrValue = "v"

// Sequence generates IDs for one named counter, backed by a single row in
// a kv.Store.
type Sequence struct {
    store kv.Store
}

// New builds a Sequence over store.
func New(store kv.Store) *Sequence {
    return &Sequence{store: store}
}

// Next returns the post-increment value of the counter named name,
// creating it at 0 on first use so the first call returns 1. It retries on
// ErrConditionFailed indefinitely (bounded only by ctx), since a lost race
// here means a caller never gets a task ID.
func (s *Sequence) Next(ctx context.Context, name string) (int64, error) {
    for {
        var next int64
        err := s.store.ConditionalUpdate(ctx, Table, name, "", kv.Always(),
            func(existing kv.Record, exists bool) (kv.Record, error) {
                cur := int64(0)
                if exists {
                    v, ok := kv.GetNumber(existing, attrValue)
                    if !ok {
                        return nil, fmt.Errorf("seq: counter %q has non-numeric value", name)
                    }
                    cur = int64(v)
                }
                next = cur + 1
                return kv.Record{attrValue: kv.N(float64(next))}, nil
            })
        if err == nil {
            return next, nil
        }
        if errors.Is(err, kv.ErrConditionFailed) {
            select {
            case <-ctx.Done():
                return 0, ctx.Err()
            default:
                continue
            }
        }
        return 0, err
    }
}
