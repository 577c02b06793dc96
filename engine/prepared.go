package engine

import (
	"context"
	"encoding/json"
)

// PreparedScheduleInfo is opaque metadata produced by the preparer and
// threaded through execution and interruption handling.
type PreparedScheduleInfo struct {
	ScheduleID                    string          `json:"schedule_id"`
	Campaigns                     json.RawMessage `json:"campaigns,omitempty"`
	ContactID                     string          `json:"contact_id,omitempty"`
	ExperimentResult              json.RawMessage `json:"experiment_result,omitempty"`
	ReportingContext              json.RawMessage `json:"reporting_context,omitempty"`
	TriggerSessionID              string          `json:"trigger_session_id,omitempty"`
	AdditionalAudienceCheckResult bool            `json:"additional_audience_check_result,omitempty"`
	Priority                      int             `json:"priority,omitempty"`
}

// FrequencyChecker gates how often a schedule may execute inside a time
// window. CheckAndIncrement atomically verifies the limit and records an
// occurrence when it passes.
type FrequencyChecker interface {
	CheckAndIncrement(ctx context.Context) (bool, error)
}

// PreparedSchedule is the resolved, ready-to-execute form of a schedule:
// the prepared info plus the payload for the schedule's kind and an
// optional frequency gate.
type PreparedSchedule struct {
	Info    PreparedScheduleInfo
	Actions json.RawMessage
	Message *InAppMessage

	FrequencyChecker FrequencyChecker
}

// ScheduleType reports the payload kind carried by the prepared schedule.
func (p *PreparedSchedule) ScheduleType() ScheduleType {
	if p.Message != nil {
		return ScheduleTypeInAppMessage
	}
	return ScheduleTypeActions
}
