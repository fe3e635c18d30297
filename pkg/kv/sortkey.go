package kv

import (
    "fmt"
    "strconv"
)

// signBit flips the most significant bit of a signed 64-bit integer's
// two's-complement bit pattern, turning it into an unsigned value whose
// ordering matches the signed value's ordering (negatives sort before
// zero, zero before positives).
const signBit = uint64(1) << 63

// SortKey encodes i as a fixed-width, lexicographically sortable string:
// sorting SortKey(a) < SortKey(b) as strings agrees with a < b as int64s.
// Used for task-ID range keys.
func SortKey(i int64) string {
    biased := uint64(i) ^ signBit
    return fmt.Sprintf("%016x", biased)
}

// ParseSortKey inverts SortKey. It round-trips every int64 value.
func ParseSortKey(s string) (int64, error) {
    biased, err := strconv.ParseUint(s, 16, 64)
    if err != nil {
        return 0, fmt.Errorf("kv: invalid sort key %q: %w", s, err)
    }
    return int64(biased ^ signBit), nil
}
