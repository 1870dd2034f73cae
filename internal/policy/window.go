package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var windowUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseWindow parses "<n> <unit>" window strings such as "10 s" or "1 d".
// The space is optional.
func ParseWindow(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty window")
	}
	i := 0
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid window %q: missing count", s)
	}
	n, err := strconv.ParseInt(raw[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	unit, ok := windowUnits[strings.ToLower(strings.TrimSpace(raw[i:]))]
	if !ok {
		return 0, fmt.Errorf("invalid window %q: unknown unit", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid window %q: must be > 0", s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("invalid window %q: too large", s)
	}
	return time.Duration(n) * unit, nil
}

// FormatWindow renders d in the largest unit that divides it evenly.
func FormatWindow(d time.Duration) string {
	for _, u := range []struct {
		name string
		d    time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if d >= u.d && d%u.d == 0 {
			return strconv.FormatInt(int64(d/u.d), 10) + " " + u.name
		}
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + " ms"
}
