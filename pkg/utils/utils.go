// Package utils contains some common utilities used by all other packages.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// TimeFormat is the layout of every time literal exchanged with ClickHouse.
// Partition keys, range bounds and the cut-over watermark all use it.
const TimeFormat = "2006-01-02 15:04:05"

// ParseTime parses a ClickHouse DateTime literal.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time literal %q: %w", s, err)
	}
	return t, nil
}

// FormatTime formats t as a ClickHouse DateTime literal.
func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// AddHour returns the literal one hour after s.
func AddHour(s string) (string, error) {
	t, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return FormatTime(t.Add(time.Hour)), nil
}

// AddSecond returns the literal one second after s. One second is the
// smallest step representable in TimeFormat, so this is the tightest
// "strictly after" bound we can express.
func AddSecond(s string) (string, error) {
	t, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return FormatTime(t.Add(time.Second)), nil
}

// QuoteColumns returns a comma separated list of backtick-quoted column names.
func QuoteColumns(cols []string) string {
	q := make([]string, len(cols))
	for i, col := range cols {
		q[i] = "`" + col + "`"
	}
	return strings.Join(q, ", ")
}

// EscapeString escapes s for use inside a single-quoted ClickHouse literal.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// ErrInErr is a wrapper func to not nest too deeply in an error being handled
// inside of an already error path. Not catching the error makes linters unhappy,
// but because it's already in an error path, there's not much to do.
func ErrInErr(_ error) {
}
