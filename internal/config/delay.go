package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Delay is a duration that also accepts the "<n> <unit>" form, e.g. "15 seconds".
type Delay time.Duration

var delayPattern = regexp.MustCompile(`(?i)^(\d+)\s+(ticks?|milliseconds?|seconds?|minutes?|hours?)$`)

var delayUnits = map[string]time.Duration{
	"tick":        100 * time.Nanosecond,
	"millisecond": time.Millisecond,
	"second":      time.Second,
	"minute":      time.Minute,
	"hour":        time.Hour,
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Delay) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))

	if m := delayPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", s, err)
		}

		unit := strings.TrimSuffix(strings.ToLower(m[2]), "s")
		*d = Delay(time.Duration(n) * delayUnits[unit])

		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid delay %q: expected a duration like 15s or 15 seconds", s)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid delay %q: must not be negative", s)
	}

	*d = Delay(parsed)

	return nil
}

// Duration returns d as a time.Duration.
func (d Delay) Duration() time.Duration {
	return time.Duration(d)
}

func (d Delay) String() string {
	return time.Duration(d).String()
}
