package triggers

import (
	"time"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/feed"
)

// preparedTrigger pairs one trigger with its counting state and activation
// status. Execution triggers count only while their schedule is idle,
// delay-cancellation triggers only while it is in the execution pipeline;
// the processor flips activation as the schedule moves.
type preparedTrigger struct {
	scheduleID    string
	group         string
	executionType engine.TriggerExecutionType
	trigger       engine.Trigger
	startDate     *time.Time
	endDate       *time.Time
	priority      int

	state  *triggerState
	active bool
}

// processResult carries the updated counting state and, when the goal was
// reached, the fired trigger result.
type processResult struct {
	state  *triggerState
	result *engine.TriggerResult
}

func (p *preparedTrigger) activate() {
	if p.active {
		return
	}
	p.active = true

	// Cancellation triggers count within a single pipeline pass, so any
	// progress from a previous pass is discarded on re-arm.
	if p.executionType == engine.TriggerExecutionTypeDelayCancellation {
		p.state.resetCount()
	}
}

func (p *preparedTrigger) disable() {
	p.active = false
}

// update replaces the trigger definition after a schedule edit, keeping
// the accumulated count but dropping child state for removed branches.
func (p *preparedTrigger) update(trigger engine.Trigger, startDate, endDate *time.Time, priority int) {
	p.trigger = trigger
	p.startDate = startDate
	p.endDate = endDate
	p.priority = priority
	pruneStaleChildren(&p.trigger, p.state)
}

// process matches one event. It returns nil when the trigger is inactive,
// outside its date window, or the event is irrelevant.
func (p *preparedTrigger) process(event feed.Event, now time.Time, predicate PredicateFunc) *processResult {
	if !p.active {
		return nil
	}
	if p.startDate != nil && now.Before(*p.startDate) {
		return nil
	}
	if p.endDate != nil && now.After(*p.endDate) {
		return nil
	}

	match := matchEvent(&p.trigger, event, p.state, true, predicate)
	if match == nil {
		return nil
	}

	out := &processResult{state: p.state}
	if match.isTriggered {
		out.result = &engine.TriggerResult{
			ScheduleID:           p.scheduleID,
			TriggerExecutionType: p.executionType,
			TriggerInfo: engine.TriggeringInfo{
				Context: &engine.TriggerContext{
					Trigger: p.trigger,
					Event:   event.Data,
					Date:    now,
				},
				Date: now,
			},
		}
	}
	return out
}
