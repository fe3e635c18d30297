package kv

import (
    "encoding/base64"
    "sort"

    "google.golang.org/protobuf/types/known/structpb"
)

// EncodeBytes/DecodeBytes store opaque byte slices as base64 strings,
// since structpb has no native bytes kind.
func EncodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Record is a single stored item: an attribute name to a typed value.
// Values are *structpb.Value so the façade gets a ready-made discriminated
// union (string/number/bool/null/list/struct) instead of a hand-rolled
// tagged union dispatched on reflection.
type Record map[string]*structpb.Value

// Clone returns a shallow copy of r; the returned Record can be mutated
// without affecting r (individual *structpb.Value entries are treated as
// immutable once stored, so a shallow copy of the map is sufficient).
func (r Record) Clone() Record {
    if r == nil {
        return nil
    }
    out := make(Record, len(r))
    for k, v := range r {
        out[k] = v
    }
    return out
}

// S builds a string-valued attribute.
func S(v string) *structpb.Value { return structpb.NewStringValue(v) }

// N builds a number-valued attribute.
func N(v float64) *structpb.Value { return structpb.NewNumberValue(v) }

// B builds a bool-valued attribute.
func B(v bool) *structpb.Value { return structpb.NewBoolValue(v) }

// SS builds a string-set attribute, represented as a sorted ListValue of
// StringValues (sorted so two sets with the same members always compare
// attribute-equal under Eq).
func SS(vs []string) *structpb.Value {
    sorted := append([]string(nil), vs...)
    sort.Strings(sorted)
    vals := make([]*structpb.Value, len(sorted))
    for i, s := range sorted {
        vals[i] = S(s)
    }
    return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// GetString returns attr's string value, or "" if absent/not-a-string.
func GetString(r Record, attr string) (string, bool) {
    v, ok := r[attr]
    if !ok || v == nil {
        return "", false
    }
    if sv, ok := v.Kind.(*structpb.Value_StringValue); ok {
        return sv.StringValue, true
    }
    return "", false
}

// GetBool returns attr's bool value.
func GetBool(r Record, attr string) (bool, bool) {
    v, ok := r[attr]
    if !ok || v == nil {
        return false, false
    }
    if bv, ok := v.Kind.(*structpb.Value_BoolValue); ok {
        return bv.BoolValue, true
    }
    return false, false
}

// GetNumber returns attr's number value.
func GetNumber(r Record, attr string) (float64, bool) {
    v, ok := r[attr]
    if !ok || v == nil {
        return 0, false
    }
    if nv, ok := v.Kind.(*structpb.Value_NumberValue); ok {
        return nv.NumberValue, true
    }
    return 0, false
}

// GetStringSet returns attr's string-set value as a slice.
func GetStringSet(r Record, attr string) ([]string, bool) {
    v, ok := r[attr]
    if !ok || v == nil {
        return nil, false
    }
    lv, ok := v.Kind.(*structpb.Value_ListValue)
    if !ok {
        return nil, false
    }
    out := make([]string, 0, len(lv.ListValue.Values))
    for _, item := range lv.ListValue.Values {
        if sv, ok := item.Kind.(*structpb.Value_StringValue); ok {
            out = append(out, sv.StringValue)
        }
    }
    return out, true
}

// HasAttr reports whether attr is present in r and not an explicit null.
func HasAttr(r Record, attr string) bool {
    v, ok := r[attr]
    if !ok || v == nil {
        return false
    }
    _, isNull := v.Kind.(*structpb.Value_NullValue)
    return !isNull
}

func valueEqual(a, b *structpb.Value) bool {
    if a == nil || b == nil {
        return a == b
    }
    switch av := a.Kind.(type) {
    case *structpb.Value_StringValue:
        bv, ok := b.Kind.(*structpb.Value_StringValue)
        return ok && av.StringValue == bv.StringValue
    case *structpb.Value_NumberValue:
        bv, ok := b.Kind.(*structpb.Value_NumberValue)
        return ok && av.NumberValue == bv.NumberValue
    case *structpb.Value_BoolValue:
        bv, ok := b.Kind.(*structpb.Value_BoolValue)
        return ok && av.BoolValue == bv.BoolValue
    case *structpb.Value_NullValue:
        _, ok := b.Kind.(*structpb.Value_NullValue)
        return ok
    case *structpb.Value_ListValue:
        bv, ok := b.Kind.(*structpb.Value_ListValue)
        if !ok || len(av.ListValue.Values) != len(bv.ListValue.Values) {
            return false
        }
        for i, v := range av.ListValue.Values {
            if !valueEqual(v, bv.ListValue.Values[i]) {
                return false
            }
        }
        return true
    default:
        return false
    }
}
