package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ScheduleState is the persistent state of a schedule in the execution
// pipeline.
type ScheduleState string

const (
	ScheduleStateIdle      ScheduleState = "idle"
	ScheduleStateTriggered ScheduleState = "triggered"
	ScheduleStatePrepared  ScheduleState = "prepared"
	ScheduleStateExecuting ScheduleState = "executing"
	ScheduleStatePaused    ScheduleState = "paused"
	ScheduleStateFinished  ScheduleState = "finished"
)

// ScheduleData wraps a schedule with its persistent state machine. All
// mutation goes through the named transition methods; each transition is
// a no-op when its precondition state does not match, which makes stale
// updates under concurrent access safe to apply blindly.
type ScheduleData struct {
	Schedule                Schedule              `json:"schedule"`
	ScheduleState           ScheduleState         `json:"schedule_state"`
	ScheduleStateChangeDate time.Time             `json:"schedule_state_change_date"`
	ExecutionCount          int                   `json:"execution_count"`
	TriggerInfo             *TriggeringInfo       `json:"trigger_info,omitempty"`
	PreparedScheduleInfo    *PreparedScheduleInfo `json:"prepared_schedule_info,omitempty"`
	TriggerSessionID        string                `json:"trigger_session_id,omitempty"`
}

// IsOverLimit reports whether the schedule has used up its execution
// limit. A nil limit means once, zero means unlimited.
func (d *ScheduleData) IsOverLimit() bool {
	limit := uint(1)
	if d.Schedule.Limit != nil {
		limit = *d.Schedule.Limit
	}
	if limit == 0 {
		return false
	}
	return uint(d.ExecutionCount) >= limit
}

// IsExpired reports whether the schedule's end date has passed. The end
// date itself counts as expired.
func (d *ScheduleData) IsExpired(now time.Time) bool {
	return d.Schedule.EndDate != nil && !d.Schedule.EndDate.After(now)
}

// IsActive reports whether the schedule is inside its start/end window.
func (d *ScheduleData) IsActive(now time.Time) bool {
	if d.IsExpired(now) {
		return false
	}
	return d.Schedule.StartDate == nil || !now.Before(*d.Schedule.StartDate)
}

// IsInState reports whether the current state is any of the given states.
func (d *ScheduleData) IsInState(states ...ScheduleState) bool {
	for _, state := range states {
		if d.ScheduleState == state {
			return true
		}
	}
	return false
}

// setState records the transition. Trigger and prepared info only exist
// while the schedule is in the pipeline, so entering idle, paused, or
// finished clears both.
func (d *ScheduleData) setState(state ScheduleState, date time.Time) {
	d.ScheduleState = state
	d.ScheduleStateChangeDate = date

	switch state {
	case ScheduleStateIdle, ScheduleStatePaused, ScheduleStateFinished:
		d.TriggerInfo = nil
		d.PreparedScheduleInfo = nil
	}
}

// finishIfNeeded forces the terminal state when the schedule is over its
// execution limit or expired. Every non-terminal transition applies this
// override first.
func (d *ScheduleData) finishIfNeeded(date time.Time) bool {
	if d.IsOverLimit() || d.IsExpired(date) {
		d.Finished(date)
		return true
	}
	return false
}

// Finished moves the schedule to the terminal state unconditionally.
func (d *ScheduleData) Finished(date time.Time) {
	d.setState(ScheduleStateFinished, date)
}

// Idle moves the schedule to idle unconditionally.
func (d *ScheduleData) Idle(date time.Time) {
	d.setState(ScheduleStateIdle, date)
}

// Paused moves the schedule to paused unconditionally.
func (d *ScheduleData) Paused(date time.Time) {
	d.setState(ScheduleStatePaused, date)
}

// Triggered moves an idle schedule into the pipeline, recording what
// fired it and starting a new trigger session.
func (d *ScheduleData) Triggered(context *TriggerContext, date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStateIdle {
		return
	}

	d.TriggerInfo = &TriggeringInfo{Context: context, Date: date}
	d.PreparedScheduleInfo = nil
	d.TriggerSessionID = uuid.NewString()
	d.setState(ScheduleStateTriggered, date)
}

// Prepared attaches the prepared payload metadata to a triggered
// schedule.
func (d *ScheduleData) Prepared(info PreparedScheduleInfo, date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStateTriggered {
		return
	}

	d.PreparedScheduleInfo = &info
	d.setState(ScheduleStatePrepared, date)
}

// Executing marks a prepared schedule as running. No finish override: an
// execution already underway is allowed to complete and account for
// itself in FinishedExecuting.
func (d *ScheduleData) Executing(date time.Time) {
	if d.ScheduleState != ScheduleStatePrepared {
		return
	}
	d.setState(ScheduleStateExecuting, date)
}

// FinishedExecuting completes a run: the execution count advances, then
// the schedule finishes, pauses for its interval, or returns to idle.
func (d *ScheduleData) FinishedExecuting(date time.Time) {
	if d.ScheduleState != ScheduleStateExecuting {
		return
	}

	d.ExecutionCount++
	if d.finishIfNeeded(date) {
		return
	}

	if d.Schedule.Interval != nil {
		d.setState(ScheduleStatePaused, date)
	} else {
		d.setState(ScheduleStateIdle, date)
	}
}

// ExecutionCancelled aborts a prepared schedule back to idle, typically
// because a delay cancellation trigger fired.
func (d *ScheduleData) ExecutionCancelled(date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStatePrepared {
		return
	}
	d.setState(ScheduleStateIdle, date)
}

// ExecutionInvalidated sends a prepared schedule back to triggered so it
// can be prepared again against fresh configuration.
func (d *ScheduleData) ExecutionInvalidated(date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStatePrepared {
		return
	}
	d.PreparedScheduleInfo = nil
	d.setState(ScheduleStateTriggered, date)
}

// ExecutionSkipped drops a prepared schedule without executing it,
// pausing for the interval when one is set.
func (d *ScheduleData) ExecutionSkipped(date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStatePrepared {
		return
	}

	if d.Schedule.Interval != nil {
		d.setState(ScheduleStatePaused, date)
	} else {
		d.setState(ScheduleStateIdle, date)
	}
}

// ExecutionInterrupted resolves a schedule found executing after a
// process restart. Without retry the run counts as completed; with retry
// the schedule re-enters the pipeline at triggered without charging the
// execution count.
func (d *ScheduleData) ExecutionInterrupted(date time.Time, retry bool) {
	if d.ScheduleState != ScheduleStateExecuting {
		return
	}

	if !retry {
		d.FinishedExecuting(date)
		return
	}

	if d.finishIfNeeded(date) {
		return
	}
	d.PreparedScheduleInfo = nil
	d.setState(ScheduleStateTriggered, date)
}

// PrepareCancelled abandons a triggered schedule before preparation
// completed. Penalizing charges the execution count anyway, used when
// the preparer decided the attempt should count against the limit.
func (d *ScheduleData) PrepareCancelled(date time.Time, penalize bool) {
	if d.finishIfNeeded(date) {
		return
	}
	if d.ScheduleState != ScheduleStateTriggered {
		return
	}

	if penalize {
		d.ExecutionCount++
	}
	d.setState(ScheduleStateIdle, date)
}

// PrepareInterrupted resolves a schedule found mid-preparation after a
// process restart: a prepared schedule falls back to triggered, a
// triggered one stays put.
func (d *ScheduleData) PrepareInterrupted(date time.Time) {
	if d.finishIfNeeded(date) {
		return
	}
	if !d.IsInState(ScheduleStateTriggered, ScheduleStatePrepared) {
		return
	}

	if d.ScheduleState == ScheduleStatePrepared {
		d.PreparedScheduleInfo = nil
		d.setState(ScheduleStateTriggered, date)
	}
}

// UpdateState reconciles the state after a configuration edit: finish
// when over limit or expired, resurrect a finished schedule whose
// constraints no longer apply, otherwise leave everything untouched.
func (d *ScheduleData) UpdateState(now time.Time) {
	if d.IsOverLimit() || d.IsExpired(now) {
		if d.ScheduleState != ScheduleStateFinished {
			d.setState(ScheduleStateFinished, now)
		}
		return
	}

	if d.ScheduleState == ScheduleStateFinished {
		d.setState(ScheduleStateIdle, now)
	}
}

// ShouldDelete reports whether a finished schedule is past its edit
// grace period and can be removed. No grace period means immediately.
func (d *ScheduleData) ShouldDelete(now time.Time) bool {
	if d.ScheduleState != ScheduleStateFinished {
		return false
	}
	if d.Schedule.EditGracePeriodDays == nil {
		return true
	}
	grace := time.Duration(*d.Schedule.EditGracePeriodDays) * 24 * time.Hour
	return now.Sub(d.ScheduleStateChangeDate) >= grace
}

// triggerDate is the ordering date for restoration: the trigger firing
// date when present, otherwise the supplied reference date.
func (d *ScheduleData) triggerDate(reference time.Time) time.Time {
	if d.TriggerInfo != nil {
		return d.TriggerInfo.Date
	}
	return reference
}

// SortByPriority orders schedules for restoration and execution: lower
// priority value first, ties broken by trigger firing date ascending.
// The sort is stable so equal schedules keep their relative order.
func SortByPriority(schedules []*ScheduleData, reference time.Time) {
	sort.SliceStable(schedules, func(i, j int) bool {
		a, b := schedules[i], schedules[j]
		if a.Schedule.Priority != b.Schedule.Priority {
			return a.Schedule.Priority < b.Schedule.Priority
		}
		return a.triggerDate(reference).Before(b.triggerDate(reference))
	})
}
