// Package timestamp handles the millisecond epoch timestamps carried in probes.
//
// Timestamps are 128-bit wide on the wire; values produced from a time.Time
// always fit in the low 64 bits.
package timestamp

import (
	"fmt"
	"math"
	"strings"
	"time"

	"lukechampine.com/uint128"
)

const displayLayout = "02/01/06 15:04:05.000"

// Now returns the current time in milliseconds since the epoch.
func Now() uint128.Uint128 {
	return FromTime(time.Now())
}

// FromTime converts t to milliseconds since the epoch. Times before the epoch
// clamp to zero.
func FromTime(t time.Time) uint128.Uint128 {
	ms := t.UnixMilli()
	if ms < 0 {
		return uint128.Zero
	}
	return uint128.From64(uint64(ms))
}

// ToTime converts milliseconds since the epoch to a UTC time.Time. Values
// beyond the int64 range are clamped.
func ToTime(ms uint128.Uint128) time.Time {
	v := ms.Lo
	if ms.Hi != 0 || v > 1<<62 {
		v = 1 << 62
	}
	return time.UnixMilli(int64(v)).UTC()
}

// Format renders ms as DD/MM/YY HH:MM:SS.mmm in UTC.
func Format(ms uint128.Uint128) string {
	return ToTime(ms).Format(displayLayout)
}

// Sub returns ms moved back by d, clamped at zero.
func Sub(ms uint128.Uint128, d time.Duration) uint128.Uint128 {
	if d <= 0 {
		return ms
	}
	n := uint64(d.Milliseconds())
	if ms.Cmp64(n) < 0 {
		return uint128.Zero
	}
	return ms.Sub64(n)
}

// Since returns now-then in milliseconds. It is zero when then is not before
// now and math.MaxUint64 when the gap does not fit in 64 bits.
func Since(now, then uint128.Uint128) uint64 {
	if now.Cmp(then) <= 0 {
		return 0
	}
	d := now.Sub(then)
	if d.Hi != 0 {
		return math.MaxUint64
	}
	return d.Lo
}

// Parse reads a base 10 timestamp. Only digits are accepted.
func Parse(s string) (uint128.Uint128, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return uint128.Zero, fmt.Errorf("invalid timestamp %q", s)
	}
	// leading zeros would be read as an octal prefix
	digits := strings.TrimLeft(s, "0")
	if digits == "" {
		return uint128.Zero, nil
	}
	u, err := uint128.FromString(digits)
	if err != nil {
		return uint128.Zero, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return u, nil
}
