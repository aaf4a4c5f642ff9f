package scheduling

import (
	"strings"
	"time"
)

// Accepted operator grammars, tried in order.
const (
	LayoutMinute = "2006-01-02 15:04"
	LayoutSecond = "2006-01-02 15:04:05"
)

var whenLayouts = []string{LayoutMinute, LayoutSecond}

// ParseWhen normalizes operator-entered text into a wall-clock instant. The
// first grammar that parses wins. The result carries no zone conversion, so
// equal text always yields equal instants. Blank input must be rejected by
// the caller before normalization. Every field must be zero padded; time.Parse
// alone would take "9:30" for the hour.
func ParseWhen(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	for _, layout := range whenLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil && t.Format(layout) == trimmed {
			return t, nil
		}
	}
	return time.Time{}, &InvalidFormatError{Text: text}
}

// FormatWhen is the inverse of ParseWhen. Seconds are only printed when set.
func FormatWhen(t time.Time) string {
	if t.Second() != 0 {
		return t.Format(LayoutSecond)
	}
	return t.Format(LayoutMinute)
}

// DayBounds returns [start of day, start of next day) for the calendar day
// of t, in the same wall-clock frame as ParseWhen.
func DayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
