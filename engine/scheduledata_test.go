package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintPtr(v uint) *uint    { return &v }
func u64Ptr(v uint64) *uint64 { return &v }

func testSchedule(id string) Schedule {
	return Schedule{
		Identifier: id,
		Type:       ScheduleTypeActions,
		Actions:    json.RawMessage(`{"add_tags":"test"}`),
		Triggers: []Trigger{
			{ID: "trigger-1", Type: "foreground", Goal: 1},
		},
	}
}

func testData(state ScheduleState) *ScheduleData {
	return &ScheduleData{
		Schedule:                testSchedule("schedule-1"),
		ScheduleState:           state,
		ScheduleStateChangeDate: time.UnixMilli(0),
		TriggerSessionID:        "session-1",
	}
}

func testTriggerContext() *TriggerContext {
	return &TriggerContext{
		Trigger: Trigger{ID: "trigger-1", Type: "foreground", Goal: 1},
		Event:   json.RawMessage(`"event"`),
		Date:    time.UnixMilli(100),
	}
}

func TestIsOverLimit(t *testing.T) {
	t.Run("nil limit means once", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		assert.False(t, data.IsOverLimit())
		data.ExecutionCount = 1
		assert.True(t, data.IsOverLimit())
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		data.Schedule.Limit = uintPtr(0)
		data.ExecutionCount = 100
		assert.False(t, data.IsOverLimit())
	})

	t.Run("count at limit is over", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		data.Schedule.Limit = uintPtr(3)
		data.ExecutionCount = 2
		assert.False(t, data.IsOverLimit())
		data.ExecutionCount = 3
		assert.True(t, data.IsOverLimit())
	})
}

func TestIsExpired(t *testing.T) {
	data := testData(ScheduleStateIdle)
	assert.False(t, data.IsExpired(time.UnixMilli(1000)))

	end := time.UnixMilli(500)
	data.Schedule.EndDate = &end
	assert.False(t, data.IsExpired(time.UnixMilli(499)))
	assert.True(t, data.IsExpired(time.UnixMilli(500)), "end date itself counts as expired")
	assert.True(t, data.IsExpired(time.UnixMilli(501)))
}

func TestIsActive(t *testing.T) {
	data := testData(ScheduleStateIdle)
	assert.True(t, data.IsActive(time.UnixMilli(0)))

	start := time.UnixMilli(100)
	data.Schedule.StartDate = &start
	assert.False(t, data.IsActive(time.UnixMilli(99)))
	assert.True(t, data.IsActive(time.UnixMilli(100)))

	end := time.UnixMilli(200)
	data.Schedule.EndDate = &end
	assert.True(t, data.IsActive(time.UnixMilli(150)))
	assert.False(t, data.IsActive(time.UnixMilli(200)))
}

func TestTriggered(t *testing.T) {
	t.Run("idle to triggered", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		ctx := testTriggerContext()
		date := time.UnixMilli(100)

		data.Triggered(ctx, date)

		assert.Equal(t, ScheduleStateTriggered, data.ScheduleState)
		assert.Equal(t, date, data.ScheduleStateChangeDate)
		require.NotNil(t, data.TriggerInfo)
		assert.Equal(t, ctx, data.TriggerInfo.Context)
		assert.Equal(t, date, data.TriggerInfo.Date)
		assert.Nil(t, data.PreparedScheduleInfo)
	})

	t.Run("regenerates trigger session", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		before := data.TriggerSessionID
		data.Triggered(testTriggerContext(), time.UnixMilli(100))
		assert.NotEqual(t, before, data.TriggerSessionID)
		assert.NotEmpty(t, data.TriggerSessionID)
	})

	t.Run("no-op when not idle", func(t *testing.T) {
		for _, state := range []ScheduleState{
			ScheduleStateTriggered, ScheduleStatePrepared, ScheduleStateExecuting, ScheduleStatePaused,
		} {
			data := testData(state)
			before := *data
			data.Triggered(testTriggerContext(), time.UnixMilli(100))
			assert.Equal(t, before, *data, "state %s", state)
		}
	})

	t.Run("over limit finishes", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		data.ExecutionCount = 1
		data.Triggered(testTriggerContext(), time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
		assert.Nil(t, data.TriggerInfo)
	})

	t.Run("expired finishes", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		end := time.UnixMilli(50)
		data.Schedule.EndDate = &end
		data.Triggered(testTriggerContext(), time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
	})
}

func TestPrepared(t *testing.T) {
	info := PreparedScheduleInfo{ScheduleID: "schedule-1", TriggerSessionID: "session-1"}

	t.Run("triggered to prepared", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		date := time.UnixMilli(100)

		data.Prepared(info, date)

		assert.Equal(t, ScheduleStatePrepared, data.ScheduleState)
		assert.Equal(t, date, data.ScheduleStateChangeDate)
		require.NotNil(t, data.PreparedScheduleInfo)
		assert.Equal(t, info, *data.PreparedScheduleInfo)
		assert.NotNil(t, data.TriggerInfo, "trigger info survives into prepared")
	})

	t.Run("no-op when not triggered", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		before := *data
		data.Prepared(info, time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})

	t.Run("over limit finishes", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		data.ExecutionCount = 1
		data.Prepared(info, time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
		assert.Nil(t, data.PreparedScheduleInfo)
	})
}

func TestExecuting(t *testing.T) {
	t.Run("prepared to executing", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		date := time.UnixMilli(100)
		data.Executing(date)
		assert.Equal(t, ScheduleStateExecuting, data.ScheduleState)
		assert.Equal(t, date, data.ScheduleStateChangeDate)
	})

	t.Run("no-op when not prepared", func(t *testing.T) {
		for _, state := range []ScheduleState{
			ScheduleStateIdle, ScheduleStateTriggered, ScheduleStateExecuting, ScheduleStatePaused, ScheduleStateFinished,
		} {
			data := testData(state)
			before := *data
			data.Executing(time.UnixMilli(100))
			assert.Equal(t, before, *data, "state %s", state)
		}
	})

	t.Run("no finish override while over limit", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.Schedule.Limit = uintPtr(0)
		end := time.UnixMilli(50)
		data.Schedule.EndDate = &end
		data.Executing(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateExecuting, data.ScheduleState)
	})
}

func TestFinishedExecuting(t *testing.T) {
	t.Run("increments count and finishes at limit", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		date := time.UnixMilli(100)

		data.FinishedExecuting(date)

		assert.Equal(t, 1, data.ExecutionCount)
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState, "default limit of one reached")
		assert.Nil(t, data.TriggerInfo)
		assert.Nil(t, data.PreparedScheduleInfo)
	})

	t.Run("returns to idle with remaining executions", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		data.Schedule.Limit = uintPtr(0)
		data.FinishedExecuting(time.UnixMilli(100))
		assert.Equal(t, 1, data.ExecutionCount)
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
	})

	t.Run("pauses when interval set", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		data.Schedule.Limit = uintPtr(0)
		data.Schedule.Interval = u64Ptr(60)
		data.FinishedExecuting(time.UnixMilli(100))
		assert.Equal(t, ScheduleStatePaused, data.ScheduleState)
	})

	t.Run("no-op never increments", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.FinishedExecuting(time.UnixMilli(100))
		assert.Equal(t, 0, data.ExecutionCount)
		assert.Equal(t, ScheduleStatePrepared, data.ScheduleState)
	})
}

func TestExecutionCancelled(t *testing.T) {
	t.Run("prepared to idle", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		data.PreparedScheduleInfo = &PreparedScheduleInfo{ScheduleID: "schedule-1"}

		data.ExecutionCancelled(time.UnixMilli(100))

		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
		assert.Nil(t, data.TriggerInfo)
		assert.Nil(t, data.PreparedScheduleInfo)
	})

	t.Run("no-op when not prepared", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		before := *data
		data.ExecutionCancelled(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})

	t.Run("expired finishes even when not prepared", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		end := time.UnixMilli(50)
		data.Schedule.EndDate = &end
		data.ExecutionCancelled(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
	})
}

func TestExecutionInvalidated(t *testing.T) {
	t.Run("prepared back to triggered", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		data.PreparedScheduleInfo = &PreparedScheduleInfo{ScheduleID: "schedule-1"}

		data.ExecutionInvalidated(time.UnixMilli(100))

		assert.Equal(t, ScheduleStateTriggered, data.ScheduleState)
		assert.Nil(t, data.PreparedScheduleInfo, "prepared info cleared for fresh preparation")
		assert.NotNil(t, data.TriggerInfo, "trigger info kept")
	})

	t.Run("no-op when not prepared", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		before := *data
		data.ExecutionInvalidated(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})
}

func TestExecutionSkipped(t *testing.T) {
	t.Run("idle without interval", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.ExecutionSkipped(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
	})

	t.Run("paused with interval", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.Schedule.Interval = u64Ptr(30)
		data.ExecutionSkipped(time.UnixMilli(100))
		assert.Equal(t, ScheduleStatePaused, data.ScheduleState)
	})

	t.Run("skip does not charge the limit", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.ExecutionSkipped(time.UnixMilli(100))
		assert.Equal(t, 0, data.ExecutionCount)
	})
}

func TestExecutionInterrupted(t *testing.T) {
	t.Run("no retry counts as finished executing", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		data.Schedule.Limit = uintPtr(0)
		data.ExecutionInterrupted(time.UnixMilli(100), false)
		assert.Equal(t, 1, data.ExecutionCount)
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
	})

	t.Run("retry re-enters pipeline at triggered", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		data.Schedule.Limit = uintPtr(0)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		data.PreparedScheduleInfo = &PreparedScheduleInfo{ScheduleID: "schedule-1"}

		data.ExecutionInterrupted(time.UnixMilli(100), true)

		assert.Equal(t, ScheduleStateTriggered, data.ScheduleState)
		assert.Equal(t, 0, data.ExecutionCount, "retry does not charge the limit")
		assert.Nil(t, data.PreparedScheduleInfo)
	})

	t.Run("retry finishes when over limit", func(t *testing.T) {
		data := testData(ScheduleStateExecuting)
		data.ExecutionCount = 1
		data.ExecutionInterrupted(time.UnixMilli(100), true)
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
	})

	t.Run("no-op when not executing", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		before := *data
		data.ExecutionInterrupted(time.UnixMilli(100), true)
		assert.Equal(t, before, *data)
	})
}

func TestPrepareCancelled(t *testing.T) {
	t.Run("without penalty", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		data.PrepareCancelled(time.UnixMilli(100), false)
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
		assert.Equal(t, 0, data.ExecutionCount)
	})

	t.Run("penalize charges the limit", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		data.Schedule.Limit = uintPtr(0)
		data.PrepareCancelled(time.UnixMilli(100), true)
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
		assert.Equal(t, 1, data.ExecutionCount)
	})

	t.Run("no-op when not triggered", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		before := *data
		data.PrepareCancelled(time.UnixMilli(100), true)
		assert.Equal(t, before, *data)
	})
}

func TestPrepareInterrupted(t *testing.T) {
	t.Run("prepared falls back to triggered", func(t *testing.T) {
		data := testData(ScheduleStatePrepared)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		data.PreparedScheduleInfo = &PreparedScheduleInfo{ScheduleID: "schedule-1"}
		date := time.UnixMilli(100)

		data.PrepareInterrupted(date)

		assert.Equal(t, ScheduleStateTriggered, data.ScheduleState)
		assert.Equal(t, date, data.ScheduleStateChangeDate)
		assert.Nil(t, data.PreparedScheduleInfo)
	})

	t.Run("triggered stays put with unchanged date", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		before := *data
		data.PrepareInterrupted(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})

	t.Run("expired finishes", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		end := time.UnixMilli(50)
		data.Schedule.EndDate = &end
		data.PrepareInterrupted(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
	})

	t.Run("no-op when idle", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		before := *data
		data.PrepareInterrupted(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})
}

func TestUpdateState(t *testing.T) {
	t.Run("finishes when over limit", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		data.ExecutionCount = 1
		data.UpdateState(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
	})

	t.Run("resurrects finished schedule after edit", func(t *testing.T) {
		data := testData(ScheduleStateFinished)
		data.ExecutionCount = 1
		data.Schedule.Limit = uintPtr(5)
		data.UpdateState(time.UnixMilli(100))
		assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
	})

	t.Run("unchanged otherwise including date", func(t *testing.T) {
		data := testData(ScheduleStateTriggered)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		before := *data
		data.UpdateState(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})

	t.Run("already finished stays finished with unchanged date", func(t *testing.T) {
		data := testData(ScheduleStateFinished)
		data.ExecutionCount = 1
		before := *data
		data.UpdateState(time.UnixMilli(100))
		assert.Equal(t, before, *data)
	})
}

func TestShouldDelete(t *testing.T) {
	t.Run("only finished schedules delete", func(t *testing.T) {
		data := testData(ScheduleStateIdle)
		assert.False(t, data.ShouldDelete(time.UnixMilli(100)))
	})

	t.Run("no grace period deletes immediately", func(t *testing.T) {
		data := testData(ScheduleStateFinished)
		assert.True(t, data.ShouldDelete(time.UnixMilli(0)))
	})

	t.Run("waits out the grace period", func(t *testing.T) {
		data := testData(ScheduleStateFinished)
		data.Schedule.EditGracePeriodDays = uintPtr(1)
		data.ScheduleStateChangeDate = time.UnixMilli(0)

		day := 24 * time.Hour
		assert.False(t, data.ShouldDelete(time.UnixMilli(0).Add(day-time.Millisecond)))
		assert.True(t, data.ShouldDelete(time.UnixMilli(0).Add(day)))
	})
}

func TestStateTransitionsClearPipelineInfo(t *testing.T) {
	for _, state := range []ScheduleState{ScheduleStateIdle, ScheduleStatePaused, ScheduleStateFinished} {
		data := testData(ScheduleStateExecuting)
		data.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(50)}
		data.PreparedScheduleInfo = &PreparedScheduleInfo{ScheduleID: "schedule-1"}

		switch state {
		case ScheduleStateIdle:
			data.Idle(time.UnixMilli(100))
		case ScheduleStatePaused:
			data.Paused(time.UnixMilli(100))
		case ScheduleStateFinished:
			data.Finished(time.UnixMilli(100))
		}

		assert.Equal(t, state, data.ScheduleState)
		assert.Nil(t, data.TriggerInfo, "entering %s clears trigger info", state)
		assert.Nil(t, data.PreparedScheduleInfo, "entering %s clears prepared info", state)
	}
}

func TestTransitionIdempotenceOnMismatch(t *testing.T) {
	data := testData(ScheduleStateFinished)
	data.ExecutionCount = 1

	data.Executing(time.UnixMilli(100))
	first := *data
	data.Executing(time.UnixMilli(200))
	assert.Equal(t, first, *data)
}

func TestFullLifecycleSingleExecution(t *testing.T) {
	data := testData(ScheduleStateIdle)
	info := PreparedScheduleInfo{ScheduleID: "schedule-1"}

	data.Triggered(testTriggerContext(), time.UnixMilli(1))
	assert.Equal(t, ScheduleStateTriggered, data.ScheduleState)

	data.Prepared(info, time.UnixMilli(2))
	assert.Equal(t, ScheduleStatePrepared, data.ScheduleState)

	data.Executing(time.UnixMilli(3))
	assert.Equal(t, ScheduleStateExecuting, data.ScheduleState)

	data.FinishedExecuting(time.UnixMilli(4))
	assert.Equal(t, 1, data.ExecutionCount)
	assert.Equal(t, ScheduleStateFinished, data.ScheduleState)
}

func TestFullLifecycleWithInterval(t *testing.T) {
	data := testData(ScheduleStateIdle)
	data.Schedule.Limit = uintPtr(0)
	data.Schedule.Interval = u64Ptr(60)

	data.Triggered(testTriggerContext(), time.UnixMilli(1))
	data.Prepared(PreparedScheduleInfo{ScheduleID: "schedule-1"}, time.UnixMilli(2))
	data.Executing(time.UnixMilli(3))
	data.FinishedExecuting(time.UnixMilli(4))
	assert.Equal(t, ScheduleStatePaused, data.ScheduleState)

	data.Idle(time.UnixMilli(64))
	assert.Equal(t, ScheduleStateIdle, data.ScheduleState)
}

func TestSortByPriority(t *testing.T) {
	t.Run("lower priority first, stable on ties", func(t *testing.T) {
		a := testData(ScheduleStateIdle)
		a.Schedule.Identifier = "a"
		a.Schedule.Priority = 2

		b := testData(ScheduleStateIdle)
		b.Schedule.Identifier = "b"
		b.Schedule.Priority = 1

		c := testData(ScheduleStateIdle)
		c.Schedule.Identifier = "c"
		c.Schedule.Priority = 1

		schedules := []*ScheduleData{a, b, c}
		SortByPriority(schedules, time.UnixMilli(0))

		assert.Equal(t, "b", schedules[0].Schedule.Identifier)
		assert.Equal(t, "c", schedules[1].Schedule.Identifier)
		assert.Equal(t, "a", schedules[2].Schedule.Identifier)
	})

	t.Run("ties break by trigger date", func(t *testing.T) {
		early := testData(ScheduleStateTriggered)
		early.Schedule.Identifier = "early"
		early.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(10)}

		late := testData(ScheduleStateTriggered)
		late.Schedule.Identifier = "late"
		late.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(20)}

		schedules := []*ScheduleData{late, early}
		SortByPriority(schedules, time.UnixMilli(0))

		assert.Equal(t, "early", schedules[0].Schedule.Identifier)
		assert.Equal(t, "late", schedules[1].Schedule.Identifier)
	})

	t.Run("reference date stands in for missing trigger info", func(t *testing.T) {
		triggered := testData(ScheduleStateTriggered)
		triggered.Schedule.Identifier = "triggered"
		triggered.TriggerInfo = &TriggeringInfo{Date: time.UnixMilli(10)}

		idle := testData(ScheduleStateIdle)
		idle.Schedule.Identifier = "idle"

		schedules := []*ScheduleData{idle, triggered}
		SortByPriority(schedules, time.UnixMilli(100))

		assert.Equal(t, "triggered", schedules[0].Schedule.Identifier)
	})
}

func TestScheduleDataRoundTrip(t *testing.T) {
	data := testData(ScheduleStatePrepared)
	data.ExecutionCount = 3
	data.TriggerInfo = &TriggeringInfo{Context: testTriggerContext(), Date: time.UnixMilli(50)}
	data.PreparedScheduleInfo = &PreparedScheduleInfo{
		ScheduleID:       "schedule-1",
		ContactID:        "contact-1",
		TriggerSessionID: "session-1",
		Priority:         2,
	}

	encoded, err := json.Marshal(data)
	require.NoError(t, err)

	var decoded ScheduleData
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, data.ScheduleState, decoded.ScheduleState)
	assert.True(t, data.ScheduleStateChangeDate.Equal(decoded.ScheduleStateChangeDate))
	assert.Equal(t, data.ExecutionCount, decoded.ExecutionCount)
	assert.Equal(t, data.TriggerSessionID, decoded.TriggerSessionID)
	require.NotNil(t, decoded.TriggerInfo)
	assert.True(t, data.TriggerInfo.Date.Equal(decoded.TriggerInfo.Date))
	require.NotNil(t, decoded.PreparedScheduleInfo)
	assert.Equal(t, *data.PreparedScheduleInfo, *decoded.PreparedScheduleInfo)
	assert.True(t, data.Schedule.Equal(&decoded.Schedule))
}
