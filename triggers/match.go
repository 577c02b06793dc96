package triggers

import (
	"encoding/json"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/feed"
)

// PredicateFunc evaluates a trigger predicate against an event payload.
// Returning true counts the event toward the trigger goal. A nil
// PredicateFunc matches everything.
type PredicateFunc func(predicate json.RawMessage, payload json.RawMessage) bool

type matchResult struct {
	triggerID   string
	isTriggered bool
}

// matchEvent advances the trigger state for one event. It returns nil when
// the event is irrelevant to this trigger. When resetOnTrigger is set and
// the goal is reached, the counter is cleared so the trigger can fire again.
func matchEvent(t *engine.Trigger, event feed.Event, state *triggerState, resetOnTrigger bool, predicate PredicateFunc) *matchResult {
	var result *matchResult
	if t.IsCompound() {
		result = matchCompound(t, event, state, predicate)
	} else {
		result = matchSimple(t, event, state, predicate)
	}

	if resetOnTrigger && result != nil && result.isTriggered {
		state.resetCount()
	}
	return result
}

func isTriggered(t *engine.Trigger, state *triggerState) bool {
	return state.Count >= t.Goal
}

func matchSimple(t *engine.Trigger, event feed.Event, state *triggerState, predicate PredicateFunc) *matchResult {
	if event.IsStateEvent() {
		return stateTriggerMatch(t, event.State, state, predicate)
	}

	if string(event.Type) != t.Type {
		return nil
	}
	if !predicateMatches(predicate, t.Predicate, event.Data) {
		return nil
	}
	return evaluate(t, state, event.Value)
}

// stateTriggerMatch handles version and active-session triggers, which
// respond to state transitions rather than counting every event. The last
// matched state is remembered so repeated deliveries of the same state do
// not advance the count.
func stateTriggerMatch(t *engine.Trigger, newState *feed.TriggerableState, state *triggerState, predicate PredicateFunc) *matchResult {
	if newState == nil {
		return nil
	}

	switch feed.EventType(t.Type) {
	case feed.EventVersion:
		if newState.VersionUpdated == "" {
			return nil
		}
		if state.LastState != nil && newState.VersionUpdated == state.LastState.VersionUpdated {
			return nil
		}
		payload, _ := json.Marshal(map[string]string{"version_updated": newState.VersionUpdated})
		if !predicateMatches(predicate, t.Predicate, payload) {
			return nil
		}
		state.LastState = newState
		return evaluate(t, state, 1)

	case feed.EventActiveSession:
		if newState.AppSessionID == "" {
			return nil
		}
		if state.LastState != nil && newState.AppSessionID == state.LastState.AppSessionID {
			return nil
		}
		state.LastState = newState
		return evaluate(t, state, 1)

	default:
		return nil
	}
}

func predicateMatches(predicate PredicateFunc, raw json.RawMessage, payload json.RawMessage) bool {
	if predicate == nil || len(raw) == 0 {
		return true
	}
	return predicate(raw, payload)
}

func evaluate(t *engine.Trigger, state *triggerState, increment float64) *matchResult {
	state.Count += increment
	return &matchResult{triggerID: t.ID, isTriggered: state.Count >= t.Goal}
}

// matchCompound advances an or/and/chain trigger. Children are matched
// first without resetting, then the parent decides which child counters to
// clear based on its combination rule.
func matchCompound(t *engine.Trigger, event feed.Event, state *triggerState, predicate PredicateFunc) *matchResult {
	triggeredBefore := triggeredChildrenCount(t, state)

	childResults := matchChildren(t, event, state, predicate)

	// Chain triggers gate later children on earlier ones. When a new child
	// crosses its goal, replay the last known triggerable state so a state
	// trigger further down the chain gets a chance to match immediately.
	last := state.LastState
	if t.Type == engine.TriggerTypeChain && last != nil && !event.IsStateEvent() &&
		triggeredBefore != triggeredChildrenCount(t, state) {
		childResults = matchChildren(t, feed.Event{Type: feed.EventStateChanged, State: last}, state, predicate)
	} else if event.IsStateEvent() {
		state.LastState = event.State
	}

	switch t.Type {
	case engine.TriggerTypeAnd, engine.TriggerTypeChain:
		if allTriggered(childResults) {
			for i := range t.Children {
				child := &t.Children[i]
				if child.IsSticky == nil || !*child.IsSticky {
					state.child(child.Trigger.ID).resetCount()
				}
			}
			state.Count++
		}

	case engine.TriggerTypeOr:
		if anyTriggered(childResults) {
			for i := range t.Children {
				child := &t.Children[i]
				childState := state.child(child.Trigger.ID)
				// Clear the child when it reached its own goal, or always
				// when the child opts into reset-on-increment.
				if childState.Count >= child.Trigger.Goal ||
					(child.ResetOnIncrement != nil && *child.ResetOnIncrement) {
					childState.resetCount()
				}
			}
			state.Count++
		}
	}

	return &matchResult{triggerID: t.ID, isTriggered: state.Count >= t.Goal}
}

// matchChildren matches the event against every child without resetting
// individual counters. Chain triggers stop evaluating after the first
// child that has not reached its goal.
func matchChildren(t *engine.Trigger, event feed.Event, state *triggerState, predicate PredicateFunc) []matchResult {
	evaluateRemaining := true
	results := make([]matchResult, 0, len(t.Children))

	for i := range t.Children {
		child := &t.Children[i]
		childState := state.child(child.Trigger.ID)

		var childResult *matchResult
		if evaluateRemaining {
			childResult = matchEvent(&child.Trigger, event, childState, false, predicate)
		}
		if childResult == nil {
			childResult = &matchResult{
				triggerID:   child.Trigger.ID,
				isTriggered: isTriggered(&child.Trigger, childState),
			}
		}

		if t.Type == engine.TriggerTypeChain && evaluateRemaining && !childResult.isTriggered {
			evaluateRemaining = false
		}
		results = append(results, *childResult)
	}
	return results
}

func triggeredChildrenCount(t *engine.Trigger, state *triggerState) int {
	count := 0
	for i := range t.Children {
		child := &t.Children[i]
		childState, ok := state.Children[child.Trigger.ID]
		if ok && isTriggered(&child.Trigger, childState) {
			count++
		}
	}
	return count
}

func allTriggered(results []matchResult) bool {
	for _, r := range results {
		if !r.isTriggered {
			return false
		}
	}
	return len(results) > 0
}

func anyTriggered(results []matchResult) bool {
	for _, r := range results {
		if r.isTriggered {
			return true
		}
	}
	return false
}

// pruneStaleChildren drops persisted child state that no longer corresponds
// to a branch of the trigger, keeping edits from resurrecting old counts.
func pruneStaleChildren(t *engine.Trigger, state *triggerState) {
	if len(t.Children) == 0 {
		return
	}

	keep := make(map[string]struct{}, len(t.Children))
	for i := range t.Children {
		keep[t.Children[i].Trigger.ID] = struct{}{}
	}
	for id := range state.Children {
		if _, ok := keep[id]; !ok {
			delete(state.Children, id)
		}
	}
	for i := range t.Children {
		child := &t.Children[i]
		if childState, ok := state.Children[child.Trigger.ID]; ok {
			pruneStaleChildren(&child.Trigger, childState)
		}
	}
}
