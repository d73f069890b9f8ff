package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPatchApplyLeavesNilFieldsUntouched(t *testing.T) {
	record := UserSubscription{
		UserID:            42,
		PlanID:            "1_month",
		IsActive:          true,
		Reminder3DaysSent: true,
	}

	Patch{Reminder12HoursSent: Bool(true)}.Apply(&record)

	assert.True(t, record.IsActive)
	assert.True(t, record.Reminder3DaysSent)
	assert.True(t, record.Reminder12HoursSent)
	assert.False(t, record.ExpiredProcessed)
}

func TestEndsOn(t *testing.T) {
	end := time.Date(2026, 3, 15, 23, 30, 0, 0, time.UTC)
	record := UserSubscription{EndDate: end}

	assert.True(t, record.EndsOn(time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)))
	assert.False(t, record.EndsOn(time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)))
	assert.False(t, record.EndsOn(time.Date(2026, 3, 16, 0, 1, 0, 0, time.UTC)))
}
