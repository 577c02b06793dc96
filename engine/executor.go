package engine

import (
	"context"

	"go.uber.org/zap"
)

// ReadyResult is the outcome of a readiness check.
type ReadyResult int

const (
	ReadyResultReady ReadyResult = iota
	ReadyResultInvalidate
	ReadyResultNotReady
	ReadyResultSkip
)

func (r ReadyResult) String() string {
	switch r {
	case ReadyResultReady:
		return "ready"
	case ReadyResultInvalidate:
		return "invalidate"
	case ReadyResultNotReady:
		return "not_ready"
	case ReadyResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ExecuteResult is the outcome of executing a prepared schedule.
type ExecuteResult int

const (
	ExecuteResultCancel ExecuteResult = iota
	ExecuteResultFinished
	ExecuteResultRetry
)

func (r ExecuteResult) String() string {
	switch r {
	case ExecuteResultCancel:
		return "cancel"
	case ExecuteResultFinished:
		return "finished"
	case ExecuteResultRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// InterruptedBehavior decides what happens to a schedule found executing
// after a process restart.
type InterruptedBehavior int

const (
	InterruptedBehaviorRetry InterruptedBehavior = iota
	InterruptedBehaviorFinish
)

// ExecutorDelegate performs the actual execution for one payload kind.
type ExecutorDelegate interface {
	IsReady(ctx context.Context, prepared *PreparedSchedule) ReadyResult
	Execute(ctx context.Context, prepared *PreparedSchedule) (ExecuteResult, error)
	Interrupted(ctx context.Context, schedule Schedule, info PreparedScheduleInfo) InterruptedBehavior
}

// RemoteDataChecker reports whether a schedule's backing configuration is
// still current. Stale schedules invalidate instead of executing.
type RemoteDataChecker interface {
	IsCurrent(ctx context.Context, schedule Schedule) bool
}

// Executor dispatches readiness checks and execution to per-payload-kind
// delegates, applying the frequency gate before any delegate readiness
// check.
type Executor struct {
	actionDelegate  ExecutorDelegate
	messageDelegate ExecutorDelegate
	remoteData      RemoteDataChecker
	logger          *zap.SugaredLogger
}

// NewExecutor wires the per-kind delegates. remoteData may be nil when no
// freshness source exists, in which case prechecks always pass.
func NewExecutor(actionDelegate, messageDelegate ExecutorDelegate, remoteData RemoteDataChecker, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		actionDelegate:  actionDelegate,
		messageDelegate: messageDelegate,
		remoteData:      remoteData,
		logger:          logger,
	}
}

func (e *Executor) delegate(scheduleType ScheduleType) ExecutorDelegate {
	switch scheduleType {
	case ScheduleTypeActions:
		return e.actionDelegate
	default:
		// Deferred content resolves to a message.
		return e.messageDelegate
	}
}

// IsReadyPrecheck verifies the schedule's backing configuration is still
// current before any execution work begins.
func (e *Executor) IsReadyPrecheck(ctx context.Context, schedule Schedule) ReadyResult {
	if e.remoteData != nil && !e.remoteData.IsCurrent(ctx, schedule) {
		return ReadyResultInvalidate
	}
	return ReadyResultReady
}

// IsReady checks the frequency gate, then the delegate. An exhausted or
// failing frequency check skips without consulting the delegate.
func (e *Executor) IsReady(ctx context.Context, prepared *PreparedSchedule) ReadyResult {
	if checker := prepared.FrequencyChecker; checker != nil {
		ok, err := checker.CheckAndIncrement(ctx)
		if err != nil {
			e.logger.Warnw("Frequency check failed, skipping execution",
				"schedule_id", prepared.Info.ScheduleID,
				"error", err,
			)
			return ReadyResultSkip
		}
		if !ok {
			e.logger.Debugw("Frequency limit exceeded, skipping execution",
				"schedule_id", prepared.Info.ScheduleID,
			)
			return ReadyResultSkip
		}
	}

	return e.delegate(prepared.ScheduleType()).IsReady(ctx, prepared)
}

// Execute runs the delegate. Delegate errors and panics are contained
// and converted to a retry; execution failure never propagates.
func (e *Executor) Execute(ctx context.Context, prepared *PreparedSchedule) (result ExecuteResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Delegate panicked during execution",
				"schedule_id", prepared.Info.ScheduleID,
				"panic", r,
			)
			result = ExecuteResultRetry
		}
	}()

	result, err := e.delegate(prepared.ScheduleType()).Execute(ctx, prepared)
	if err != nil {
		e.logger.Errorw("Execution failed, will retry",
			"schedule_id", prepared.Info.ScheduleID,
			"error", err,
		)
		return ExecuteResultRetry
	}
	return result
}

// Interrupted asks the delegate how to resolve a schedule that was
// executing when the process died.
func (e *Executor) Interrupted(ctx context.Context, schedule Schedule, info PreparedScheduleInfo) InterruptedBehavior {
	return e.delegate(schedule.Type).Interrupted(ctx, schedule, info)
}
