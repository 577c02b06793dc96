package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/errors"
	"github.com/airloft/automation/limits"
)

// preparer resolves triggered schedules into executable form, binding the
// schedule's frequency checker at prepare time.
type preparer struct {
	limits *limits.Manager
	logger *zap.SugaredLogger
}

func (p *preparer) Prepare(ctx context.Context, schedule engine.Schedule, triggerContext *engine.TriggerContext, triggerSessionID string) (engine.PrepareResult, error) {
	checker, err := p.limits.Checker(ctx, schedule.FrequencyConstraintIDs)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// The schedule references a constraint that no longer exists;
			// skip rather than run uncapped.
			p.logger.Warnw("Skipping schedule with unknown frequency constraint",
				"schedule_id", schedule.Identifier, "error", err)
			return engine.PrepareResult{Kind: engine.PrepareSkip}, nil
		}
		return engine.PrepareResult{}, err
	}

	prepared := &engine.PreparedSchedule{
		Info: engine.PreparedScheduleInfo{
			ScheduleID:       schedule.Identifier,
			TriggerSessionID: triggerSessionID,
			Priority:         schedule.Priority,
		},
		Actions:          schedule.Actions,
		Message:          schedule.Message,
		FrequencyChecker: checker,
	}
	return engine.PrepareResult{Kind: engine.PreparePrepared, Prepared: prepared}, nil
}

func (p *preparer) Cancelled(ctx context.Context, schedule engine.Schedule) error {
	return nil
}
