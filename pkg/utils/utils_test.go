package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAndFormatTime(t *testing.T) {
	parsed, err := ParseTime("2024-01-01 13:45:09")
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 45, 9, 0, time.UTC), parsed)
	assert.Equal(t, "2024-01-01 13:45:09", FormatTime(parsed))

	_, err = ParseTime("2024-01-01T13:45:09Z")
	assert.Error(t, err)
	_, err = ParseTime("")
	assert.Error(t, err)
}

func TestAddHour(t *testing.T) {
	next, err := AddHour("2024-01-01 23:00:00")
	assert.NoError(t, err)
	assert.Equal(t, "2024-01-02 00:00:00", next)

	// Mid-hour keys advance by exactly one hour, no alignment.
	next, err = AddHour("2024-01-01 23:30:30")
	assert.NoError(t, err)
	assert.Equal(t, "2024-01-02 00:30:30", next)
}

func TestAddSecond(t *testing.T) {
	next, err := AddSecond("2024-06-01 12:34:56")
	assert.NoError(t, err)
	assert.Equal(t, "2024-06-01 12:34:57", next)

	next, err = AddSecond("2024-12-31 23:59:59")
	assert.NoError(t, err)
	assert.Equal(t, "2025-01-01 00:00:00", next)
}

func TestQuoteColumns(t *testing.T) {
	assert.Equal(t, "`a`, `b`, `c`", QuoteColumns([]string{"a", "b", "c"}))
	assert.Equal(t, "`a`", QuoteColumns([]string{"a"}))
	assert.Equal(t, "", QuoteColumns(nil))
}

func TestEscapeString(t *testing.T) {
	assert.Equal(t, `it\'s`, EscapeString("it's"))
	assert.Equal(t, `a\\b`, EscapeString(`a\b`))
	assert.Equal(t, "2024-01-01 00:00:00", EscapeString("2024-01-01 00:00:00"))
}
