package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	kibibyte = 1 << 10
	mebibyte = 1 << 20
	gibibyte = 1 << 30
)

// sizeUnits lists the accepted unit suffixes, upper-cased. IEC units come
// first so "MiB" is not read as "B" with a number of "1Mi".
var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GIB", gibibyte},
	{"MIB", mebibyte},
	{"KIB", kibibyte},
	{"GB", 1_000_000_000},
	{"MB", 1_000_000},
	{"KB", 1_000},
	{"B", 1},
}

// ParseSize converts a transfer size such as "1MiB", "1KiB", "1.5MB" or a
// bare byte count into bytes. Empty and "0" mean zero. Negative values,
// fractional byte counts and sizes beyond int64 are rejected.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	num, unit := splitUnit(s)

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	n := v * float64(unit)

	switch {
	case v < 0:
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	case n != math.Trunc(n):
		return 0, fmt.Errorf("invalid size %q: not a whole number of bytes", s)
	case n >= math.MaxInt64:
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(n), nil
}

// splitUnit separates the numeric part from a unit suffix. Without a
// suffix the whole string is a byte count.
func splitUnit(s string) (string, int64) {
	upper := strings.ToUpper(s)

	for _, u := range sizeUnits {
		if strings.HasSuffix(upper, u.suffix) {
			return strings.TrimSpace(s[:len(s)-len(u.suffix)]), u.bytes
		}
	}

	return s, 1
}
