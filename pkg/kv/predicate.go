package kv

import (
    "strings"

    "google.golang.org/protobuf/types/known/structpb"
)

// Predicate is the small expression algebra every conditional mutator is
// built from: eq, not, exists, or, and, in, beginsWith. Evaluating a
// Predicate against a missing item (nil Record) must never panic; absent
// attributes simply fail Exists/Eq/In/BeginsWith checks.
type Predicate interface {
    eval(r Record) bool
}

type predFn func(r Record) bool

func (f predFn) eval(r Record) bool { return f(r) }

// Eq is true when attr is present and equal to v.
func Eq(attr string, v *structpb.Value) Predicate {
    return predFn(func(r Record) bool {
        cur, ok := r[attr]
        return ok && valueEqual(cur, v)
    })
}

// Not negates p.
func Not(p Predicate) Predicate {
    return predFn(func(r Record) bool { return !p.eval(r) })
}

// Exists is true when attr is present and not null.
func Exists(attr string) Predicate {
    return predFn(func(r Record) bool { return kvExists(r, attr) })
}

func kvExists(r Record, attr string) bool {
    v, ok := r[attr]
    if !ok || v == nil {
        return false
    }
    _, isNull := v.Kind.(*structpb.Value_NullValue)
    return !isNull
}

// Or is true when any of ps is true. Or() with no arguments is false.
func Or(ps ...Predicate) Predicate {
    return predFn(func(r Record) bool {
        for _, p := range ps {
            if p.eval(r) {
                return true
            }
        }
        return false
    })
}

// And is true when all of ps are true. And() with no arguments is true.
func And(ps ...Predicate) Predicate {
    return predFn(func(r Record) bool {
        for _, p := range ps {
            if !p.eval(r) {
                return false
            }
        }
        return true
    })
}

// In is true when attr is present and equal to one of vs.
func In(attr string, vs ...*structpb.Value) Predicate {
    return predFn(func(r Record) bool {
        cur, ok := r[attr]
        if !ok {
            return false
        }
        for _, v := range vs {
            if valueEqual(cur, v) {
                return true
            }
        }
        return false
    })
}

// BeginsWith is true when attr is a string value with the given prefix.
func BeginsWith(attr, prefix string) Predicate {
    return predFn(func(r Record) bool {
        s, ok := GetString(r, attr)
        return ok && strings.HasPrefix(s, prefix)
    })
}

// Always is a predicate that is always true, used where callers need an
// unconditional conditional-update (e.g. the caller has already proven
// exclusivity some other way).
func Always() Predicate { return predFn(func(Record) bool { return true }) }
