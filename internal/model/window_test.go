package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Wednesday 2025-06-11 15:30 UTC
var wed = time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC)

func TestWindowStart(t *testing.T) {
	assert.Equal(t, wed.Add(-5*time.Hour), WindowStart(Window5h, wed))
	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC), WindowStart(WindowDaily, wed))
	assert.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), WindowStart(WindowWeekly, wed), "week starts Monday")
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), WindowStart(WindowMonthly, wed))
	assert.True(t, WindowStart(WindowTotal, wed).IsZero())
}

func TestWindowStart_SundayBelongsToPriorMondayWeek(t *testing.T) {
	sun := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), WindowStart(WindowWeekly, sun))
}

func TestWindowTTL(t *testing.T) {
	// daily resets at midnight: 8.5 hours left
	assert.Equal(t, 8*time.Hour+30*time.Minute, WindowTTL(WindowDaily, wed))

	// weekly resets Monday 2025-06-16 00:00
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC).Sub(wed), WindowTTL(WindowWeekly, wed))

	// monthly resets 2025-07-01
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Sub(wed), WindowTTL(WindowMonthly, wed))

	// total never expires
	assert.Equal(t, time.Duration(0), WindowTTL(WindowTotal, wed))
}
