package engine

import (
	"context"
	"time"

	"github.com/airloft/automation/feed"
)

// ScheduleStore is the persistence contract the engine drives. The store
// is the single source of truth: all mutation happens through transform
// closures applied atomically per schedule, never raw field writes.
type ScheduleStore interface {
	// Schedules returns every stored schedule.
	Schedules(ctx context.Context) ([]*ScheduleData, error)

	// SchedulesByGroup returns the schedules in a group.
	SchedulesByGroup(ctx context.Context, group string) ([]*ScheduleData, error)

	// Schedule returns a schedule by identifier, nil when absent.
	Schedule(ctx context.Context, identifier string) (*ScheduleData, error)

	// UpdateSchedule applies transform to the stored schedule under the
	// store's write lock and persists the result. Returns nil when the
	// identifier is absent.
	UpdateSchedule(ctx context.Context, identifier string, transform func(*ScheduleData)) (*ScheduleData, error)

	// UpsertSchedules applies transform to each identifier in one batch,
	// passing nil as existing data for new identifiers. The batch is
	// all-or-nothing: a transform error aborts every change.
	UpsertSchedules(ctx context.Context, identifiers []string, transform func(identifier string, existing *ScheduleData) (*ScheduleData, error)) ([]*ScheduleData, error)

	// DeleteSchedules removes schedules by identifier.
	DeleteSchedules(ctx context.Context, identifiers []string) error

	// DeleteSchedulesByGroup removes every schedule in a group.
	DeleteSchedulesByGroup(ctx context.Context, group string) error
}

// TriggerProcessor evaluates events against schedule triggers. It holds
// its own per-trigger counting state, kept consistent with the schedule
// store by being told about every schedule state change.
type TriggerProcessor interface {
	// TriggerResults is the stream of fired triggers the engine consumes.
	TriggerResults() <-chan TriggerResult

	// ProcessEvent matches one event against all active triggers.
	ProcessEvent(ctx context.Context, event feed.Event) error

	// UpdateSchedules replaces trigger state for edited schedules.
	UpdateSchedules(ctx context.Context, schedules []*ScheduleData) error

	// UpdateScheduleState tells the processor a schedule moved, so it can
	// start or stop counting the relevant trigger kinds.
	UpdateScheduleState(ctx context.Context, identifier string, state ScheduleState) error

	// Cancel drops trigger state for the given schedules.
	Cancel(ctx context.Context, identifiers []string) error

	// CancelGroup drops trigger state for every schedule in a group.
	CancelGroup(ctx context.Context, group string) error

	// RestoreSchedules re-arms triggers for all schedules at startup, in
	// priority order.
	RestoreSchedules(ctx context.Context, schedules []*ScheduleData) error
}

// DelayProcessor gates execution behind a schedule delay.
type DelayProcessor interface {
	// Process blocks until the delay's wait period (measured from
	// triggerDate) and conditions are first satisfied, or ctx is done.
	Process(ctx context.Context, delay *Delay, triggerDate time.Time) error

	// AreConditionsMet re-checks the delay's conditions instantaneously.
	AreConditionsMet(ctx context.Context, delay *Delay) bool
}

// PrepareResultKind tags the outcome of preparing a schedule.
type PrepareResultKind int

const (
	// PrepareCancel deletes the schedule outright.
	PrepareCancel PrepareResultKind = iota
	// PreparePrepared carries a payload ready for execution.
	PreparePrepared
	// PrepareSkip abandons the attempt without charging the limit.
	PrepareSkip
	// PreparePenalize abandons the attempt and charges the limit.
	PreparePenalize
	// PrepareInvalidate asks for the whole triggered flow to restart.
	PrepareInvalidate
)

// PrepareResult is the tagged outcome of Preparer.Prepare. Prepared is
// set only for PreparePrepared.
type PrepareResult struct {
	Kind     PrepareResultKind
	Prepared *PreparedSchedule
}

// Preparer resolves a triggered schedule's payload (audience checks,
// deferred resolution, message assembly) into an executable form.
type Preparer interface {
	Prepare(ctx context.Context, schedule Schedule, triggerContext *TriggerContext, triggerSessionID string) (PrepareResult, error)

	// Cancelled releases any resources the preparer holds for a schedule
	// that will not execute.
	Cancelled(ctx context.Context, schedule Schedule) error
}

// Clock supplies the current time, injectable for tests.
type Clock interface {
	Now() time.Time
}

// Sleeper suspends for a duration, injectable for tests. Non-positive
// durations return immediately.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
