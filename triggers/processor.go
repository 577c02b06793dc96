package triggers

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/feed"
	"github.com/airloft/automation/store"
)

// StateStore persists per-trigger counting state. *store.Store satisfies
// this.
type StateStore interface {
	TriggerStates(ctx context.Context, scheduleID string) ([]store.TriggerStateRecord, error)
	SaveTriggerState(ctx context.Context, rec store.TriggerStateRecord) error
	DeleteTriggerStates(ctx context.Context, scheduleIDs []string) error
}

// Processor implements engine.TriggerProcessor. It keeps one prepared
// trigger per (trigger, execution type) pair of every known schedule,
// arms and disarms them as schedules move through the pipeline, and emits
// a result on the channel whenever an armed trigger reaches its goal.
type Processor struct {
	states    StateStore
	predicate PredicateFunc
	clock     engine.Clock
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	prepared map[string][]*preparedTrigger
	results  chan engine.TriggerResult
}

// NewProcessor returns a processor backed by the given state store. A nil
// predicate matches every event payload.
func NewProcessor(states StateStore, predicate PredicateFunc, logger *zap.SugaredLogger) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{
		states:    states,
		predicate: predicate,
		clock:     engine.SystemClock{},
		logger:    logger,
		prepared:  make(map[string][]*preparedTrigger),
		results:   make(chan engine.TriggerResult, 32),
	}
}

// TriggerResults is the stream of fired triggers.
func (p *Processor) TriggerResults() <-chan engine.TriggerResult {
	return p.results
}

// ProcessEvent matches one event against every armed trigger, persists the
// advanced counts, and emits a result per trigger that reached its goal.
// Schedules are evaluated in priority order.
func (p *Processor) ProcessEvent(ctx context.Context, event feed.Event) error {
	now := p.clock.Now()

	p.mu.Lock()
	var fired []engine.TriggerResult
	for _, id := range p.sortedScheduleIDsLocked() {
		for _, pt := range p.prepared[id] {
			res := pt.process(event, now, p.predicate)
			if res == nil {
				continue
			}
			p.persistLocked(ctx, pt)
			if res.result != nil {
				fired = append(fired, *res.result)
			}
		}
	}
	p.mu.Unlock()

	for _, result := range fired {
		select {
		case p.results <- result:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UpdateSchedules rebuilds the prepared triggers for edited schedules.
// Triggers whose id survives the edit keep their accumulated count; new
// triggers start fresh and removed triggers are dropped along with their
// persisted state.
func (p *Processor) UpdateSchedules(ctx context.Context, schedules []*engine.ScheduleData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, data := range schedules {
		id := data.Schedule.Identifier

		existing := make(map[preparedKey]*preparedTrigger)
		for _, pt := range p.prepared[id] {
			existing[preparedKey{pt.trigger.ID, pt.executionType}] = pt
		}

		var updated []*preparedTrigger
		for _, def := range scheduleTriggers(data) {
			if pt, ok := existing[preparedKey{def.trigger.ID, def.executionType}]; ok {
				pt.group = data.Schedule.Group
				pt.update(def.trigger, data.Schedule.StartDate, data.Schedule.EndDate, data.Schedule.Priority)
				updated = append(updated, pt)
				continue
			}
			updated = append(updated, p.newPreparedTrigger(data, def, newTriggerState()))
		}

		p.prepared[id] = updated
		p.applyStateLocked(updated, data.ScheduleState)
		p.rewriteStateLocked(ctx, id, updated)
	}
	return nil
}

// UpdateScheduleState re-arms the trigger kinds relevant to the schedule's
// new state: execution triggers count while idle, cancellation triggers
// while the schedule is in the execution pipeline.
func (p *Processor) UpdateScheduleState(ctx context.Context, identifier string, state engine.ScheduleState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pts, ok := p.prepared[identifier]
	if !ok {
		return nil
	}
	p.applyStateLocked(pts, state)
	for _, pt := range pts {
		p.persistLocked(ctx, pt)
	}
	return nil
}

// Cancel drops all trigger state for the given schedules.
func (p *Processor) Cancel(ctx context.Context, identifiers []string) error {
	p.mu.Lock()
	for _, id := range identifiers {
		delete(p.prepared, id)
	}
	p.mu.Unlock()
	return p.states.DeleteTriggerStates(ctx, identifiers)
}

// CancelGroup drops trigger state for every schedule in a group.
func (p *Processor) CancelGroup(ctx context.Context, group string) error {
	p.mu.Lock()
	var ids []string
	for id, pts := range p.prepared {
		if len(pts) > 0 && pts[0].group == group {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(p.prepared, id)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return p.states.DeleteTriggerStates(ctx, ids)
}

// RestoreSchedules rebuilds prepared triggers from persisted counts at
// startup and arms them according to each schedule's stored state.
func (p *Processor) RestoreSchedules(ctx context.Context, schedules []*engine.ScheduleData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, data := range schedules {
		id := data.Schedule.Identifier

		records, err := p.states.TriggerStates(ctx, id)
		if err != nil {
			p.logger.Errorw("Failed to load trigger state, starting fresh",
				"schedule_id", id, "error", err)
			records = nil
		}
		saved := make(map[preparedKey]*triggerState, len(records))
		for _, rec := range records {
			state, err := decodeTriggerState(rec)
			if err != nil {
				p.logger.Warnw("Dropping undecodable trigger state",
					"schedule_id", id, "trigger_id", rec.TriggerID, "error", err)
				continue
			}
			saved[preparedKey{rec.TriggerID, engine.TriggerExecutionType(rec.ExecutionType)}] = state
		}

		var pts []*preparedTrigger
		for _, def := range scheduleTriggers(data) {
			state, ok := saved[preparedKey{def.trigger.ID, def.executionType}]
			if !ok {
				state = newTriggerState()
			} else {
				pruneStaleChildren(&def.trigger, state)
			}
			pts = append(pts, p.newPreparedTrigger(data, def, state))
		}

		p.prepared[id] = pts
		p.applyStateLocked(pts, data.ScheduleState)
		p.rewriteStateLocked(ctx, id, pts)
	}
	return nil
}

type preparedKey struct {
	triggerID     string
	executionType engine.TriggerExecutionType
}

// triggerDef is one (trigger, execution type) pair extracted from a
// schedule: its execution triggers plus any delay cancellation triggers.
type triggerDef struct {
	trigger       engine.Trigger
	executionType engine.TriggerExecutionType
}

func scheduleTriggers(data *engine.ScheduleData) []triggerDef {
	var defs []triggerDef
	for _, t := range data.Schedule.Triggers {
		t.NormalizeIDs(engine.TriggerExecutionTypeExecution)
		defs = append(defs, triggerDef{trigger: t, executionType: engine.TriggerExecutionTypeExecution})
	}
	if data.Schedule.Delay != nil {
		for _, t := range data.Schedule.Delay.CancellationTriggers {
			t.NormalizeIDs(engine.TriggerExecutionTypeDelayCancellation)
			defs = append(defs, triggerDef{trigger: t, executionType: engine.TriggerExecutionTypeDelayCancellation})
		}
	}
	return defs
}

func (p *Processor) newPreparedTrigger(data *engine.ScheduleData, def triggerDef, state *triggerState) *preparedTrigger {
	return &preparedTrigger{
		scheduleID:    data.Schedule.Identifier,
		group:         data.Schedule.Group,
		executionType: def.executionType,
		trigger:       def.trigger,
		startDate:     data.Schedule.StartDate,
		endDate:       data.Schedule.EndDate,
		priority:      data.Schedule.Priority,
		state:         state,
	}
}

func (p *Processor) applyStateLocked(pts []*preparedTrigger, state engine.ScheduleState) {
	for _, pt := range pts {
		switch state {
		case engine.ScheduleStateIdle:
			if pt.executionType == engine.TriggerExecutionTypeExecution {
				pt.activate()
			} else {
				pt.disable()
			}
		case engine.ScheduleStateTriggered, engine.ScheduleStatePrepared, engine.ScheduleStateExecuting:
			if pt.executionType == engine.TriggerExecutionTypeDelayCancellation {
				pt.activate()
			} else {
				pt.disable()
			}
		default:
			pt.disable()
		}
	}
}

// persistLocked writes one trigger's current count. Persistence failures
// are logged but do not interrupt event processing; the in-memory count
// stays authoritative for this run.
func (p *Processor) persistLocked(ctx context.Context, pt *preparedTrigger) {
	rec, err := encodeTriggerState(pt.scheduleID, pt.trigger.ID, string(pt.executionType), pt.state)
	if err != nil {
		p.logger.Errorw("Failed to encode trigger state",
			"schedule_id", pt.scheduleID, "trigger_id", pt.trigger.ID, "error", err)
		return
	}
	if err := p.states.SaveTriggerState(ctx, rec); err != nil {
		p.logger.Errorw("Failed to persist trigger state",
			"schedule_id", pt.scheduleID, "trigger_id", pt.trigger.ID, "error", err)
	}
}

// rewriteStateLocked replaces every persisted row for a schedule with the
// current set, dropping rows for triggers removed by an edit.
func (p *Processor) rewriteStateLocked(ctx context.Context, scheduleID string, pts []*preparedTrigger) {
	if err := p.states.DeleteTriggerStates(ctx, []string{scheduleID}); err != nil {
		p.logger.Errorw("Failed to clear trigger state", "schedule_id", scheduleID, "error", err)
		return
	}
	for _, pt := range pts {
		p.persistLocked(ctx, pt)
	}
}

func (p *Processor) sortedScheduleIDsLocked() []string {
	ids := make([]string, 0, len(p.prepared))
	for id := range p.prepared {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := 0, 0
		if pts := p.prepared[ids[i]]; len(pts) > 0 {
			pi = pts[0].priority
		}
		if pts := p.prepared[ids[j]]; len(pts) > 0 {
			pj = pts[0].priority
		}
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}
