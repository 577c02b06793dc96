package main

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/airloft/automation/actions"
	"github.com/airloft/automation/engine"
)

// displayDelegate handles in-app message payloads. The daemon has no
// rendering surface, so messages are emitted as structured log records
// for a downstream consumer.
type displayDelegate struct {
	logger *zap.SugaredLogger
}

func (d *displayDelegate) IsReady(ctx context.Context, prepared *engine.PreparedSchedule) engine.ReadyResult {
	return engine.ReadyResultReady
}

func (d *displayDelegate) Execute(ctx context.Context, prepared *engine.PreparedSchedule) (engine.ExecuteResult, error) {
	name := ""
	if prepared.Message != nil {
		name = prepared.Message.Name
	}
	d.logger.Infow("Displaying message",
		"schedule_id", prepared.Info.ScheduleID,
		"message", name,
	)
	return engine.ExecuteResultFinished, nil
}

func (d *displayDelegate) Interrupted(ctx context.Context, schedule engine.Schedule, info engine.PreparedScheduleInfo) engine.InterruptedBehavior {
	return engine.InterruptedBehaviorFinish
}

// registerBuiltinActions installs the daemon's built-in action handlers.
// Applications embedding the engine register their own.
func registerBuiltinActions(registry *actions.Registry, log *zap.SugaredLogger) error {
	return registry.Register(actions.HandlerFunc{
		HandlerName: "log",
		Func: func(ctx context.Context, value json.RawMessage) error {
			log.Infow("Log action", "value", value)
			return nil
		},
	})
}
