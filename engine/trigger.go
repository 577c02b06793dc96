package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TriggerExecutionType distinguishes triggers that start execution from
// triggers that cancel a pending delay.
type TriggerExecutionType string

const (
	TriggerExecutionTypeExecution         TriggerExecutionType = "execution"
	TriggerExecutionTypeDelayCancellation TriggerExecutionType = "delay_cancellation"
)

// Compound trigger types. Any other type value is an event trigger.
const (
	TriggerTypeOr    = "or"
	TriggerTypeAnd   = "and"
	TriggerTypeChain = "chain"
)

// TriggerChild is one branch of a compound trigger.
type TriggerChild struct {
	Trigger          Trigger `json:"trigger"`
	IsSticky         *bool   `json:"is_sticky,omitempty"`
	ResetOnIncrement *bool   `json:"reset_on_increment,omitempty"`
}

// Trigger is a condition tree that fires a schedule. A trigger is either
// an event trigger (counts matching events toward a goal) or a compound
// trigger (or/and/chain over children).
type Trigger struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Goal      float64         `json:"goal"`
	Predicate json.RawMessage `json:"predicate,omitempty"`
	Children  []TriggerChild  `json:"children,omitempty"`
}

// IsCompound reports whether the trigger combines child triggers instead
// of matching events directly.
func (t *Trigger) IsCompound() bool {
	switch t.Type {
	case TriggerTypeOr, TriggerTypeAnd, TriggerTypeChain:
		return true
	default:
		return false
	}
}

// StableID derives a deterministic identifier from the trigger shape, used
// when a trigger arrives without an explicit id so trigger counts survive
// schedule edits that do not change the trigger itself.
func (t *Trigger) StableID(executionType TriggerExecutionType) string {
	components := []string{
		t.Type,
		strconv.FormatFloat(t.Goal, 'f', -1, 64),
		string(executionType),
	}
	if len(t.Predicate) > 0 {
		components = append(components, string(t.Predicate))
	}
	sum := sha256.Sum256([]byte(strings.Join(components, ":")))
	return hex.EncodeToString(sum[:])
}

// NormalizeIDs fills in stable ids for the trigger and all descendants
// that were parsed without one.
func (t *Trigger) NormalizeIDs(executionType TriggerExecutionType) {
	if t.ID == "" {
		t.ID = t.StableID(executionType)
	}
	for i := range t.Children {
		t.Children[i].Trigger.NormalizeIDs(executionType)
	}
}

// TriggerContext captures what fired a trigger.
type TriggerContext struct {
	Trigger Trigger         `json:"trigger"`
	Event   json.RawMessage `json:"event,omitempty"`
	Date    time.Time       `json:"date"`
}

// TriggeringInfo is the trigger context plus the firing date, retained on
// a schedule while it moves through the execution pipeline.
type TriggeringInfo struct {
	Context *TriggerContext `json:"context,omitempty"`
	Date    time.Time       `json:"date"`
}

// TriggerResult is emitted by the trigger processor when a trigger
// reaches its goal.
type TriggerResult struct {
	ScheduleID           string               `json:"schedule_id"`
	TriggerExecutionType TriggerExecutionType `json:"trigger_execution_type"`
	TriggerInfo          TriggeringInfo       `json:"trigger_info"`
}
