package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// 14:00 Eastern on a Wednesday.
var openInstant = time.Date(2026, 1, 7, 19, 0, 0, 0, time.UTC)

func TestMarketCalendar(t *testing.T) {
	cal := NewMarketCalendar()

	assert.True(t, cal.IsOpenAt(openInstant))

	// Boundaries: open at 09:30, closed at 16:00 sharp.
	assert.True(t, cal.IsOpenAt(time.Date(2026, 1, 7, 14, 30, 0, 0, time.UTC)))
	assert.False(t, cal.IsOpenAt(time.Date(2026, 1, 7, 14, 29, 0, 0, time.UTC)))
	assert.False(t, cal.IsOpenAt(time.Date(2026, 1, 7, 21, 0, 0, 0, time.UTC)))
	assert.True(t, cal.IsOpenAt(time.Date(2026, 1, 7, 20, 59, 0, 0, time.UTC)))

	// Weekend.
	assert.False(t, cal.IsOpenAt(time.Date(2026, 1, 10, 19, 0, 0, 0, time.UTC)))
	assert.False(t, cal.IsOpenAt(time.Date(2026, 1, 11, 19, 0, 0, 0, time.UTC)))
}

func TestMarketCalendar_Holiday(t *testing.T) {
	cal := NewMarketCalendar()
	cal.AddHoliday(openInstant)

	assert.True(t, cal.IsHoliday(openInstant))
	assert.False(t, cal.IsOpenAt(openInstant))
	assert.True(t, cal.IsOpenAt(openInstant.AddDate(0, 0, 1)))
}
