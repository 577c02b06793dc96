// Package triggers counts automation events against schedule triggers and
// reports when a trigger reaches its goal. Counting state is persisted per
// trigger so progress survives restarts, keyed by stable trigger ids so it
// also survives schedule edits that leave a trigger unchanged.
package triggers

import (
	"encoding/json"

	"github.com/airloft/automation/errors"
	"github.com/airloft/automation/feed"
	"github.com/airloft/automation/store"
)

// triggerState is the mutable counting state for one trigger node. Compound
// triggers carry one child state per branch, keyed by the child trigger id.
type triggerState struct {
	Count     float64                  `json:"count"`
	Children  map[string]*triggerState `json:"children,omitempty"`
	LastState *feed.TriggerableState   `json:"last_state,omitempty"`
}

func newTriggerState() *triggerState {
	return &triggerState{}
}

// child returns the state for a child trigger, creating it on first use.
func (s *triggerState) child(id string) *triggerState {
	if s.Children == nil {
		s.Children = make(map[string]*triggerState)
	}
	c, ok := s.Children[id]
	if !ok {
		c = newTriggerState()
		s.Children[id] = c
	}
	return c
}

func (s *triggerState) resetCount() {
	s.Count = 0
}

// childrenEnvelope is the persisted form of everything except the top-level
// count, which lives in its own column.
type childrenEnvelope struct {
	Children  map[string]*triggerState `json:"children,omitempty"`
	LastState *feed.TriggerableState   `json:"last_state,omitempty"`
}

func encodeTriggerState(scheduleID, triggerID string, executionType string, state *triggerState) (store.TriggerStateRecord, error) {
	rec := store.TriggerStateRecord{
		TriggerID:     triggerID,
		ScheduleID:    scheduleID,
		ExecutionType: executionType,
		Count:         state.Count,
	}
	if len(state.Children) > 0 || state.LastState != nil {
		raw, err := json.Marshal(childrenEnvelope{Children: state.Children, LastState: state.LastState})
		if err != nil {
			return rec, errors.Wrapf(err, "encode trigger state for %s/%s", scheduleID, triggerID)
		}
		rec.Children = string(raw)
	}
	return rec, nil
}

func decodeTriggerState(rec store.TriggerStateRecord) (*triggerState, error) {
	state := &triggerState{Count: rec.Count}
	if rec.Children == "" {
		return state, nil
	}
	var env childrenEnvelope
	if err := json.Unmarshal([]byte(rec.Children), &env); err != nil {
		return nil, errors.Wrapf(err, "decode trigger state for %s/%s", rec.ScheduleID, rec.TriggerID)
	}
	state.Children = env.Children
	state.LastState = env.LastState
	return state, nil
}
