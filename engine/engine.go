// Package engine drives automations through the triggered → prepared →
// executing pipeline: it consumes trigger results and events, persists
// every state transition, and recovers interrupted schedules across
// process restarts.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/airloft/automation/errors"
	"github.com/airloft/automation/feed"
)

// Engine orchestrates the automation pipeline. All trigger-result
// handling, event forwarding, and store mutation sequencing runs on one
// serialized context; display execution is funneled through a second
// serialized context; everything else runs on detached goroutines that
// observe engine cancellation.
type Engine struct {
	store            ScheduleStore
	executor         *Executor
	preparer         Preparer
	triggerProcessor TriggerProcessor
	delayProcessor   DelayProcessor
	notifier         *ConditionsChangedNotifier
	events           <-chan feed.Event
	clock            Clock
	sleeper          Sleeper
	logger           *zap.SugaredLogger

	enginePaused    atomic.Bool
	executionPaused atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	processing  *serialQueue
	display     *serialQueue
	restoreDone chan struct{}
	wg          sync.WaitGroup
	started     bool
}

// Config collects the engine's collaborators. Clock, Sleeper, and Logger
// default when nil.
type Config struct {
	Store            ScheduleStore
	Executor         *Executor
	Preparer         Preparer
	TriggerProcessor TriggerProcessor
	DelayProcessor   DelayProcessor
	Notifier         *ConditionsChangedNotifier
	Events           <-chan feed.Event
	Clock            Clock
	Sleeper          Sleeper
	Logger           *zap.SugaredLogger
}

func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = TaskSleeper{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewConditionsChangedNotifier()
	}

	return &Engine{
		store:            cfg.Store,
		executor:         cfg.Executor,
		preparer:         cfg.Preparer,
		triggerProcessor: cfg.TriggerProcessor,
		delayProcessor:   cfg.DelayProcessor,
		notifier:         notifier,
		events:           cfg.Events,
		clock:            clock,
		sleeper:          sleeper,
		logger:           logger,
	}
}

// SetEnginePaused suspends or resumes triggering and scheduling overall.
func (e *Engine) SetEnginePaused(paused bool) {
	e.enginePaused.Store(paused)
	if !paused {
		e.notifier.Notify()
	}
}

// SetExecutionPaused blocks or unblocks the ready-check step; paused
// schedules report not ready and park until resumed.
func (e *Engine) SetExecutionPaused(paused bool) {
	e.executionPaused.Store(paused)
	if !paused {
		e.notifier.Notify()
	}
}

// Start launches restoration and the trigger-result and event consumers.
// Restoration runs first on the serialized processing context; every
// mutating public call waits for it, so no schedule is touched before
// interrupted-state recovery completes.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.processing = newSerialQueue()
	e.display = newSerialQueue()
	e.restoreDone = make(chan struct{})

	ctx := e.ctx
	e.processing.Enqueue(func() {
		defer close(e.restoreDone)
		if err := e.restoreSchedules(ctx); err != nil {
			e.logger.Errorw("Failed to restore schedules", "error", err)
		}
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeTriggerResults(ctx)
	}()

	if e.events != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeEvents(ctx)
		}()
	}
}

// Stop cancels restoration, the consumers, and every descendant task.
// In-flight work observes cancellation at its next suspension point.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false

	e.cancel()
	e.notifier.Notify()
	e.processing.Stop()
	e.display.Stop()
	e.wg.Wait()
}

// awaitStarted is the startup gate: it blocks until restoration has
// completed or the engine is stopped.
func (e *Engine) awaitStarted(ctx context.Context) error {
	e.mu.Lock()
	restoreDone := e.restoreDone
	started := e.started
	e.mu.Unlock()

	if !started {
		return errors.ErrStopped
	}

	select {
	case <-restoreDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertSchedules creates or edits schedules in one atomic batch, then
// reconciles each against its limit and end date. The batch fails as a
// whole on an invalid schedule.
func (e *Engine) UpsertSchedules(ctx context.Context, schedules []*Schedule) error {
	if err := e.awaitStarted(ctx); err != nil {
		return err
	}

	byID := make(map[string]*Schedule, len(schedules))
	identifiers := make([]string, 0, len(schedules))
	for _, schedule := range schedules {
		if err := schedule.Validate(); err != nil {
			return err
		}
		if _, seen := byID[schedule.Identifier]; !seen {
			identifiers = append(identifiers, schedule.Identifier)
		}
		byID[schedule.Identifier] = schedule
	}

	e.logger.Debugw("Upserting schedules", "count", len(identifiers))

	now := e.clock.Now()
	updated, err := e.store.UpsertSchedules(ctx, identifiers, func(identifier string, existing *ScheduleData) (*ScheduleData, error) {
		schedule, ok := byID[identifier]
		if !ok {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule, "unknown identifier %s in upsert batch", identifier)
		}
		data := schedule.UpdateOrCreate(existing, now)
		data.UpdateState(now)
		return data, nil
	})
	if err != nil {
		return errors.Wrap(err, "upsert schedules")
	}

	return e.triggerProcessor.UpdateSchedules(ctx, updated)
}

// StopSchedules ends the given schedules now: the end date moves to the
// current time and each schedule finishes.
func (e *Engine) StopSchedules(ctx context.Context, identifiers []string) error {
	if err := e.awaitStarted(ctx); err != nil {
		return err
	}

	e.logger.Debugw("Stopping schedules", "identifiers", identifiers)

	now := e.clock.Now()
	for _, identifier := range identifiers {
		_, err := e.updateState(ctx, identifier, func(data *ScheduleData) {
			end := now
			data.Schedule.EndDate = &end
			data.Finished(now)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CancelSchedules deletes schedules by identifier.
func (e *Engine) CancelSchedules(ctx context.Context, identifiers []string) error {
	if err := e.awaitStarted(ctx); err != nil {
		return err
	}

	e.logger.Debugw("Cancelling schedules", "identifiers", identifiers)

	if err := e.store.DeleteSchedules(ctx, identifiers); err != nil {
		return err
	}
	return e.triggerProcessor.Cancel(ctx, identifiers)
}

// CancelSchedulesByGroup deletes every schedule in a group.
func (e *Engine) CancelSchedulesByGroup(ctx context.Context, group string) error {
	if err := e.awaitStarted(ctx); err != nil {
		return err
	}

	e.logger.Debugw("Cancelling schedules", "group", group)

	if err := e.store.DeleteSchedulesByGroup(ctx, group); err != nil {
		return err
	}
	return e.triggerProcessor.CancelGroup(ctx, group)
}

// CancelSchedulesWithType deletes every schedule whose payload matches
// the given kind. The payload tag is stored inside the serialized
// schedule, so filtering happens here rather than in the store query.
func (e *Engine) CancelSchedulesWithType(ctx context.Context, scheduleType ScheduleType) error {
	if err := e.awaitStarted(ctx); err != nil {
		return err
	}

	e.logger.Debugw("Cancelling schedules", "type", scheduleType)

	all, err := e.store.Schedules(ctx)
	if err != nil {
		return err
	}

	var identifiers []string
	for _, data := range all {
		if data.Schedule.Type == scheduleType {
			identifiers = append(identifiers, data.Schedule.Identifier)
		}
	}
	if len(identifiers) == 0 {
		return nil
	}

	if err := e.store.DeleteSchedules(ctx, identifiers); err != nil {
		return err
	}
	return e.triggerProcessor.Cancel(ctx, identifiers)
}

// Schedules returns every schedule not already pending deletion.
func (e *Engine) Schedules(ctx context.Context) ([]*Schedule, error) {
	if err := e.awaitStarted(ctx); err != nil {
		return nil, err
	}

	all, err := e.store.Schedules(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	var schedules []*Schedule
	for _, data := range all {
		if data.ShouldDelete(now) {
			continue
		}
		schedule := data.Schedule
		schedules = append(schedules, &schedule)
	}
	return schedules, nil
}

// Schedule returns a schedule by identifier, nil when absent or expired.
func (e *Engine) Schedule(ctx context.Context, identifier string) (*Schedule, error) {
	if err := e.awaitStarted(ctx); err != nil {
		return nil, err
	}

	data, err := e.store.Schedule(ctx, identifier)
	if err != nil || data == nil {
		return nil, err
	}
	if data.IsExpired(e.clock.Now()) {
		return nil, nil
	}
	schedule := data.Schedule
	return &schedule, nil
}

// SchedulesByGroup returns the group's schedules that have not expired.
func (e *Engine) SchedulesByGroup(ctx context.Context, group string) ([]*Schedule, error) {
	if err := e.awaitStarted(ctx); err != nil {
		return nil, err
	}

	all, err := e.store.SchedulesByGroup(ctx, group)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	var schedules []*Schedule
	for _, data := range all {
		if data.IsExpired(now) {
			continue
		}
		schedule := data.Schedule
		schedules = append(schedules, &schedule)
	}
	return schedules, nil
}

// updateState applies a transform in the store, then mirrors the
// resulting state to the trigger processor. Store first: the store is
// the source of truth, the processor follows.
func (e *Engine) updateState(ctx context.Context, identifier string, transform func(*ScheduleData)) (*ScheduleData, error) {
	updated, err := e.store.UpdateSchedule(ctx, identifier, transform)
	if err != nil || updated == nil {
		return nil, err
	}
	if err := e.triggerProcessor.UpdateScheduleState(ctx, identifier, updated.ScheduleState); err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) consumeTriggerResults(ctx context.Context) {
	results := e.triggerProcessor.TriggerResults()
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return
			}
			e.processing.Do(ctx, func() {
				e.processTriggerResult(ctx, result)
			})
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case event, ok := <-e.events:
			if !ok {
				return
			}
			e.processing.Do(ctx, func() {
				if err := e.triggerProcessor.ProcessEvent(ctx, event); err != nil {
					e.logger.Errorw("Failed to process event",
						"event_type", event.Type,
						"error", err,
					)
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

// processTriggerResult handles one fired trigger. Failures are logged
// and swallowed so one schedule never stalls the stream.
func (e *Engine) processTriggerResult(ctx context.Context, result TriggerResult) {
	now := e.clock.Now()

	switch result.TriggerExecutionType {
	case TriggerExecutionTypeDelayCancellation:
		updated, err := e.updateState(ctx, result.ScheduleID, func(data *ScheduleData) {
			data.ExecutionCancelled(now)
		})
		if err != nil {
			e.logger.Errorw("Failed to process delay cancellation",
				"schedule_id", result.ScheduleID,
				"error", err,
			)
			return
		}
		if updated != nil {
			if err := e.preparer.Cancelled(ctx, updated.Schedule); err != nil {
				e.logger.Errorw("Preparer cancel failed",
					"schedule_id", result.ScheduleID,
					"error", err,
				)
			}
		}

	case TriggerExecutionTypeExecution:
		triggerContext := result.TriggerInfo.Context
		_, err := e.updateState(ctx, result.ScheduleID, func(data *ScheduleData) {
			data.Triggered(triggerContext, now)
		})
		if err != nil {
			e.logger.Errorw("Failed to process trigger",
				"schedule_id", result.ScheduleID,
				"error", err,
			)
			return
		}
		e.startTaskToProcessTriggeredSchedule(ctx, result.ScheduleID)
	}
}

// startTaskToProcessTriggeredSchedule hands a triggered schedule off to
// its own detached pipeline. Each schedule's pipeline is independent;
// its errors are logged here and go no further.
func (e *Engine) startTaskToProcessTriggeredSchedule(ctx context.Context, identifier string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Debugw("Processing triggered schedule", "schedule_id", identifier)
		if err := e.processTriggeredSchedule(ctx, identifier); err != nil {
			e.logger.Errorw("Failed to process triggered schedule",
				"schedule_id", identifier,
				"error", err,
			)
		}
	}()
}

func (e *Engine) processTriggeredSchedule(ctx context.Context, identifier string) error {
	data, err := e.store.Schedule(ctx, identifier)
	if err != nil {
		return err
	}
	if data == nil {
		e.logger.Debugw("Aborting triggered schedule, no longer in store", "schedule_id", identifier)
		return nil
	}

	if data.ScheduleState != ScheduleStateTriggered {
		e.logger.Debugw("Aborting triggered schedule, no longer triggered",
			"schedule_id", identifier,
			"state", data.ScheduleState,
		)
		return nil
	}

	if !data.IsActive(e.clock.Now()) {
		e.logger.Debugw("Aborting triggered schedule, no longer active", "schedule_id", identifier)
		return e.preparer.Cancelled(ctx, data.Schedule)
	}

	latest, prepared, err := e.prepareSchedule(ctx, data)
	if err != nil || prepared == nil {
		return err
	}
	return e.startExecuting(ctx, latest, prepared)
}

// prepareSchedule resolves a triggered schedule's payload. On Prepared
// the payload is returned even when the state transition was skipped by
// a concurrent change: checkReady's store freshness re-check is the gate
// that catches the race before anything executes.
func (e *Engine) prepareSchedule(ctx context.Context, data *ScheduleData) (*ScheduleData, *PreparedSchedule, error) {
	identifier := data.Schedule.Identifier
	e.logger.Debugw("Preparing schedule", "schedule_id", identifier)

	var triggerContext *TriggerContext
	if data.TriggerInfo != nil {
		triggerContext = data.TriggerInfo.Context
	}

	result, err := e.preparer.Prepare(ctx, data.Schedule, triggerContext, data.TriggerSessionID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "prepare schedule %s", identifier)
	}

	now := e.clock.Now()
	updated, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
		if d.ScheduleState != ScheduleStateTriggered {
			return
		}
		switch result.Kind {
		case PreparePrepared:
			d.Prepared(result.Prepared.Info, now)
		case PreparePenalize:
			d.PrepareCancelled(now, true)
		case PrepareSkip:
			d.PrepareCancelled(now, false)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if updated == nil {
		updated = data
	}

	switch result.Kind {
	case PrepareCancel:
		return nil, nil, e.store.DeleteSchedules(ctx, []string{identifier})
	case PreparePrepared:
		return updated, result.Prepared, nil
	case PrepareInvalidate:
		e.startTaskToProcessTriggeredSchedule(ctx, identifier)
		return nil, nil, nil
	default:
		return nil, nil, nil
	}
}

// startExecuting loops a prepared schedule through readiness and
// execution until it reaches a resting state.
func (e *Engine) startExecuting(ctx context.Context, data *ScheduleData, prepared *PreparedSchedule) error {
	identifier := data.Schedule.Identifier
	e.logger.Debugw("Starting to execute schedule", "schedule_id", identifier)

	for {
		switch e.checkReady(ctx, data, prepared) {
		case ReadyResultReady:

		case ReadyResultInvalidate:
			updated, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
				d.ExecutionInvalidated(e.clock.Now())
			})
			if err != nil {
				return err
			}
			if updated != nil && updated.ScheduleState == ScheduleStateTriggered {
				e.startTaskToProcessTriggeredSchedule(ctx, identifier)
			} else {
				return e.preparer.Cancelled(ctx, data.Schedule)
			}
			return nil

		case ReadyResultNotReady:
			if err := e.notifier.Wait(ctx); err != nil {
				return nil
			}
			continue

		case ReadyResultSkip:
			_, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
				d.ExecutionSkipped(e.clock.Now())
			})
			if err != nil {
				return err
			}
			return e.preparer.Cancelled(ctx, data.Schedule)
		}

		result, err := e.execute(ctx, prepared)
		if err != nil {
			return err
		}

		e.logger.Debugw("Execution result",
			"schedule_id", identifier,
			"result", result,
		)

		switch result {
		case ExecuteResultCancel:
			if err := e.store.DeleteSchedules(ctx, []string{identifier}); err != nil {
				return err
			}
			return e.triggerProcessor.Cancel(ctx, []string{identifier})

		case ExecuteResultFinished:
			updated, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
				d.FinishedExecuting(e.clock.Now())
			})
			if err != nil {
				return err
			}
			if updated != nil && updated.ScheduleState == ScheduleStatePaused {
				e.handleInterval(ctx, updated.Schedule.IntervalDuration(), identifier)
			}
			return nil

		case ExecuteResultRetry:
			continue
		}
	}
}

// execute marks the schedule executing in the store while the executor
// runs, and waits for both. The store write and the execution side
// effect are allowed to race, but the persisted executing mark is always
// observed before the result is acted on. The executor call itself is
// funneled through the display context so display-affecting work from
// different schedules never overlaps.
func (e *Engine) execute(ctx context.Context, prepared *PreparedSchedule) (ExecuteResult, error) {
	identifier := prepared.Info.ScheduleID
	e.logger.Debugw("Executing schedule", "schedule_id", identifier)

	markDone := make(chan error, 1)
	go func() {
		_, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
			d.Executing(e.clock.Now())
		})
		markDone <- err
	}()

	result := ExecuteResultRetry
	err := e.display.Do(ctx, func() {
		result = e.executor.Execute(ctx, prepared)
	})

	if markErr := <-markDone; markErr != nil {
		return result, markErr
	}
	return result, err
}

// checkReady is an ordered gate chain; the first failing gate wins.
func (e *Engine) checkReady(ctx context.Context, data *ScheduleData, prepared *PreparedSchedule) ReadyResult {
	identifier := data.Schedule.Identifier
	e.logger.Debugw("Checking if schedule is ready", "schedule_id", identifier)

	// 1. Delay gate: wait out the static delay and first condition pass.
	triggerDate := data.ScheduleStateChangeDate
	if data.TriggerInfo != nil {
		triggerDate = data.TriggerInfo.Date
	}
	if err := e.delayProcessor.Process(ctx, data.Schedule.Delay, triggerDate); err != nil {
		return ReadyResultNotReady
	}

	// 2. Freshness: the schedule may have been edited, cancelled, or
	// delay-cancelled while we waited.
	stored, err := e.store.Schedule(ctx, identifier)
	if err != nil || stored == nil ||
		stored.ScheduleState != ScheduleStatePrepared ||
		!stored.Schedule.Equal(&data.Schedule) {
		e.logger.Debugw("Schedule no longer valid, invalidating", "schedule_id", identifier)
		return ReadyResultInvalidate
	}

	// 3. Backing configuration currency.
	if result := e.executor.IsReadyPrecheck(ctx, data.Schedule); result != ReadyResultReady {
		e.logger.Debugw("Precheck not ready", "schedule_id", identifier)
		return result
	}

	// 4. Conditions may have flipped since the delay gate passed.
	if !e.delayProcessor.AreConditionsMet(ctx, stored.Schedule.Delay) {
		e.logger.Debugw("Delay conditions not met", "schedule_id", identifier)
		return ReadyResultNotReady
	}

	// 5. Pause flags.
	if e.enginePaused.Load() || e.executionPaused.Load() {
		e.logger.Debugw("Engine paused, not ready", "schedule_id", identifier)
		return ReadyResultNotReady
	}

	// 6. Start/end window.
	if !data.IsActive(e.clock.Now()) {
		e.logger.Debugw("Schedule no longer active, invalidating", "schedule_id", identifier)
		return ReadyResultInvalidate
	}

	// 7. Frequency gate and delegate readiness.
	return e.executor.IsReady(ctx, prepared)
}

// handleInterval wakes the schedule back to idle after its cooldown.
// Fire and forget: the sleep is cut short by engine shutdown.
func (e *Engine) handleInterval(ctx context.Context, interval time.Duration, identifier string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sleeper.Sleep(ctx, interval); err != nil {
			return
		}
		_, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
			d.Idle(e.clock.Now())
		})
		if err != nil {
			e.logger.Errorw("Failed to wake paused schedule",
				"schedule_id", identifier,
				"error", err,
			)
		}
	}()
}

// restoreSchedules recovers state after a process restart: re-arm
// triggers, resolve schedules interrupted mid-pipeline, resume paused
// intervals, and sweep deletable schedules.
func (e *Engine) restoreSchedules(ctx context.Context) error {
	now := e.clock.Now()

	schedules, err := e.store.Schedules(ctx)
	if err != nil {
		return errors.Wrap(err, "load schedules for restore")
	}
	SortByPriority(schedules, now)

	if err := e.triggerProcessor.RestoreSchedules(ctx, schedules); err != nil {
		return errors.Wrap(err, "restore triggers")
	}

	for _, data := range schedules {
		if !data.IsInState(ScheduleStateExecuting, ScheduleStatePrepared, ScheduleStateTriggered) {
			continue
		}

		identifier := data.Schedule.Identifier
		if data.ScheduleState == ScheduleStateExecuting && data.PreparedScheduleInfo != nil {
			behavior := e.executor.Interrupted(ctx, data.Schedule, *data.PreparedScheduleInfo)
			retry := behavior == InterruptedBehaviorRetry
			if _, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
				d.ExecutionInterrupted(now, retry)
			}); err != nil {
				e.logger.Errorw("Failed to restore interrupted schedule",
					"schedule_id", identifier,
					"error", err,
				)
			}
		} else {
			if _, err := e.updateState(ctx, identifier, func(d *ScheduleData) {
				d.PrepareInterrupted(now)
			}); err != nil {
				e.logger.Errorw("Failed to restore interrupted schedule",
					"schedule_id", identifier,
					"error", err,
				)
			}
		}

		if data.ScheduleState == ScheduleStateTriggered {
			e.startTaskToProcessTriggeredSchedule(ctx, identifier)
		}
	}

	// Resume paused intervals. The interval is compared against the
	// current time as a deadline here, matching long-standing behavior.
	for _, data := range schedules {
		if data.ScheduleState != ScheduleStatePaused {
			continue
		}
		remaining := data.Schedule.IntervalDuration() - time.Duration(now.UnixMilli())*time.Millisecond
		e.handleInterval(ctx, remaining, data.Schedule.Identifier)
	}

	var toDelete []string
	for _, data := range schedules {
		if data.ShouldDelete(now) {
			toDelete = append(toDelete, data.Schedule.Identifier)
		}
	}
	if len(toDelete) > 0 {
		if err := e.store.DeleteSchedules(ctx, toDelete); err != nil {
			return errors.Wrap(err, "delete finished schedules")
		}
		if err := e.triggerProcessor.Cancel(ctx, toDelete); err != nil {
			return errors.Wrap(err, "cancel finished schedules")
		}
	}

	return nil
}
