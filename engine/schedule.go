package engine

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/airloft/automation/errors"
)

// ScheduleType tags a schedule's payload kind.
type ScheduleType string

const (
	ScheduleTypeActions      ScheduleType = "actions"
	ScheduleTypeInAppMessage ScheduleType = "in_app_message"
	ScheduleTypeDeferred     ScheduleType = "deferred"
)

// InAppMessage is resolved display content for a message schedule. The
// engine never interprets the display content, it only carries it to the
// executor delegate.
type InAppMessage struct {
	Name           string          `json:"name"`
	DisplayContent json.RawMessage `json:"display"`
	Extras         json.RawMessage `json:"extra,omitempty"`
}

// DeferredPayload points at server-resolved schedule content.
type DeferredPayload struct {
	URL            string `json:"url"`
	Type           string `json:"type"`
	RetryOnTimeout bool   `json:"retry_on_timeout,omitempty"`
}

// Delay gates the transition from prepared to executing: a static wait
// period plus environmental conditions that must hold.
type Delay struct {
	Seconds              uint64    `json:"seconds,omitempty"`
	Screens              []string  `json:"screen,omitempty"`
	RegionID             string    `json:"region_id,omitempty"`
	AppState             string    `json:"app_state,omitempty"`
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}

// Schedule is the immutable configuration for one automation: what
// triggers it, what it runs, and under what constraints.
type Schedule struct {
	Identifier string    `json:"id"`
	Triggers   []Trigger `json:"triggers"`
	Group      string    `json:"group,omitempty"`

	// Priority orders restoration and execution, lower first.
	Priority int `json:"priority,omitempty"`

	// Limit caps executions. Nil means once, zero means unlimited.
	Limit *uint `json:"limit,omitempty"`

	StartDate *time.Time `json:"start,omitempty"`
	EndDate   *time.Time `json:"end,omitempty"`

	Audience json.RawMessage `json:"audience,omitempty"`
	Delay    *Delay          `json:"delay,omitempty"`

	// Interval is the cooldown in seconds after a successful execution
	// before the schedule becomes eligible again.
	Interval *uint64 `json:"interval,omitempty"`

	Type     ScheduleType     `json:"type"`
	Actions  json.RawMessage  `json:"actions,omitempty"`
	Message  *InAppMessage    `json:"message,omitempty"`
	Deferred *DeferredPayload `json:"deferred,omitempty"`

	// EditGracePeriodDays keeps a finished schedule around so it can be
	// resurrected by an edit before cleanup deletes it.
	EditGracePeriodDays *uint `json:"edit_grace_period,omitempty"`

	FrequencyConstraintIDs []string  `json:"frequency_constraint_ids,omitempty"`
	Created                time.Time `json:"created,omitzero"`
}

// Validate checks the schedule is structurally sound: identifier present,
// at least one trigger, and the payload matching the declared type.
func (s *Schedule) Validate() error {
	if s.Identifier == "" {
		return errors.Wrap(errors.ErrInvalidSchedule, "missing identifier")
	}
	if len(s.Triggers) == 0 {
		return errors.Wrapf(errors.ErrInvalidSchedule, "schedule %s has no triggers", s.Identifier)
	}
	switch s.Type {
	case ScheduleTypeActions:
		if len(s.Actions) == 0 {
			return errors.Wrapf(errors.ErrInvalidSchedule, "schedule %s missing actions payload", s.Identifier)
		}
	case ScheduleTypeInAppMessage:
		if s.Message == nil {
			return errors.Wrapf(errors.ErrInvalidSchedule, "schedule %s missing message payload", s.Identifier)
		}
	case ScheduleTypeDeferred:
		if s.Deferred == nil {
			return errors.Wrapf(errors.ErrInvalidSchedule, "schedule %s missing deferred payload", s.Identifier)
		}
	default:
		return errors.Wrapf(errors.ErrInvalidSchedule, "schedule %s has unknown type %q", s.Identifier, s.Type)
	}
	return nil
}

// IntervalDuration returns the execution cooldown, zero if unset.
func (s *Schedule) IntervalDuration() time.Duration {
	if s.Interval == nil {
		return 0
	}
	return time.Duration(*s.Interval) * time.Second
}

// Equal reports whether two schedules carry identical configuration.
// Compared over the serialized form so raw JSON payloads participate.
func (s *Schedule) Equal(other *Schedule) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// UpdateOrCreate merges this schedule into existing persisted state, or
// creates fresh idle state when the identifier is new. Existing state
// keeps its position in the state machine; only the configuration is
// replaced.
func (s *Schedule) UpdateOrCreate(existing *ScheduleData, now time.Time) *ScheduleData {
	if existing == nil {
		return &ScheduleData{
			Schedule:                *s,
			ScheduleState:           ScheduleStateIdle,
			ScheduleStateChangeDate: now,
			TriggerSessionID:        uuid.NewString(),
		}
	}
	existing.Schedule = *s
	return existing
}
