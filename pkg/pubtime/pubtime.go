// Package pubtime normalizes heterogeneous feed publication times into a
// canonical timezone-naive instant and renders coarse human-relative strings.
package pubtime

import (
	"fmt"
	"time"
)

// Layout is the canonical persisted form, naive ISO-8601.
// Lexical order of formatted values matches time order.
const Layout = "2006-01-02T15:04:05"

// layouts tried in order; first successful parse wins.
// "GMT" in the second layout is literal text, not a zone placeholder,
// so it matches only feeds that spell it out.
var layouts = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 GMT",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	Layout,
}

// ParseError reports a publication time that matched none of the known formats.
type ParseError struct {
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("time value %q does not match any known format", e.Value)
}

// Parse attempts the known formats in order and returns the first match with
// its timezone offset discarded: the wall-clock fields are kept as written and
// rebuilt in UTC, no conversion is performed.
func Parse(value string) (time.Time, error) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		return dropOffset(t), nil
	}
	return time.Time{}, &ParseError{Value: value}
}

// Format renders a normalized instant in the canonical persisted form.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Relative renders a coarse human string for the distance between t and now.
// Buckets are checked first-match with truncating division, so boundaries fall
// into the larger unit: 59s is "just now", 60s is "1 minute ago".
func Relative(t, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return pluralize(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return pluralize(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return pluralize(int(diff.Hours())/24, "day")
	default:
		return pluralize(int(diff.Hours())/24/7, "week")
	}
}

func pluralize(n int, unit string) string {
	if n > 1 {
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}

func dropOffset(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
