package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKeyUsesUTCMonth(t *testing.T) {
	loc := time.FixedZone("WAT", 3600)
	at := time.Date(2026, time.February, 1, 0, 30, 0, 0, loc)

	assert.Equal(t, "2026-01", PeriodKey(at))
}

func TestParsePeriodKey(t *testing.T) {
	start, end, err := PeriodBounds("2026-12")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), end)

	for _, bad := range []string{"", "2026-1", "2026-13", "26-01", "2026/01"} {
		_, err := ParsePeriodKey(bad)
		assert.ErrorIs(t, err, ErrInvalidPeriodKey, bad)
	}
}

func TestPreviousPeriodKeyCrossesYear(t *testing.T) {
	assert.Equal(t, "2025-12", PreviousPeriodKey(time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-02", PreviousPeriodKey(time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)))
}

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock(time.Date(2026, time.January, 31, 23, 59, 0, 0, time.UTC))
	c.Advance(2 * time.Minute)
	assert.Equal(t, "2026-02", PeriodKey(c.Now()))
}
