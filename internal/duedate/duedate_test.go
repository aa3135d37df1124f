package duedate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday.
var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestParseCompact(t *testing.T) {
	cases := map[string]time.Time{
		"+3d":  base.AddDate(0, 0, 3),
		"3d":   base.AddDate(0, 0, 3),
		"-1d":  base.AddDate(0, 0, -1),
		"2w":   base.AddDate(0, 0, 14),
		"12h":  base.Add(12 * time.Hour),
		"1mo":  base.AddDate(0, 1, 0),
		"-2MO": base.AddDate(0, -2, 0),
		"+1y":  base.AddDate(1, 0, 0),
		"3D":   base.AddDate(0, 0, 3),
	}
	for in, want := range cases {
		got, err := Parse(in, base)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s want %s", in, got, want)
	}
}

func TestParseAbsoluteForms(t *testing.T) {
	got, err := Parse("2024-02-10T08:30:00+02:00", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 6, 30, 0, 0, time.UTC), got)

	got, err = Parse("2024-02-10", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 23, 59, 59, 0, time.UTC), got)
}

func TestParseNaturalLanguage(t *testing.T) {
	got, err := Parse("next friday", base)
	require.NoError(t, err)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.True(t, got.After(base))
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("   ", base)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("qwerty", base)
	assert.Error(t, err)

	_, err = ParseAbsolute("+3d")
	assert.Error(t, err)
}

func TestParseCompactRejectsAmbiguousAndOversized(t *testing.T) {
	for _, in := range []string{"1m", "+30m", "10001h", "99999999999999999999d", "-20000y"} {
		_, err := Parse(in, base)
		assert.Error(t, err, in)
	}

	got, err := Parse("10000h", base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(10000*time.Hour), got)
}
