// Package actions executes actions-type schedule payloads. A payload is a
// JSON object mapping action names to argument values; each name routes to
// a registered Handler. Unknown names are skipped with a warning so one
// missing handler does not block the rest of the payload.
package actions

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/errors"
)

// Handler runs one named action. Implementations decode their own
// argument shape from the raw value.
type Handler interface {
	// Name is the payload key this handler consumes.
	Name() string

	// Perform runs the action.
	Perform(ctx context.Context, value json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Func        func(ctx context.Context, value json.RawMessage) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Perform(ctx context.Context, value json.RawMessage) error {
	return h.Func(ctx, value)
}

// Registry holds action handlers by name. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name. Registering the same name twice
// is a programming error.
func (r *Registry) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		return errors.Newf("action handler already registered for %q", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get returns the handler for a name, nil when none is registered.
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Delegate is the engine.ExecutorDelegate for actions payloads.
type Delegate struct {
	registry *Registry
	logger   *zap.SugaredLogger
}

func NewDelegate(registry *Registry, logger *zap.SugaredLogger) *Delegate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Delegate{registry: registry, logger: logger}
}

// IsReady always reports ready: actions have no display surface to wait
// for.
func (d *Delegate) IsReady(ctx context.Context, prepared *engine.PreparedSchedule) engine.ReadyResult {
	return engine.ReadyResultReady
}

// Execute runs every action in the payload. A handler error retries the
// whole payload; handlers are expected to be idempotent.
func (d *Delegate) Execute(ctx context.Context, prepared *engine.PreparedSchedule) (engine.ExecuteResult, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(prepared.Actions, &payload); err != nil {
		// A payload that cannot decode will never succeed; cancel instead
		// of retrying forever.
		d.logger.Errorw("Undecodable actions payload, cancelling",
			"schedule_id", prepared.Info.ScheduleID, "error", err)
		return engine.ExecuteResultCancel, nil
	}

	for name, value := range payload {
		handler := d.registry.Get(name)
		if handler == nil {
			d.logger.Warnw("No handler for action, skipping",
				"action", name, "schedule_id", prepared.Info.ScheduleID)
			continue
		}
		if err := handler.Perform(ctx, value); err != nil {
			return engine.ExecuteResultRetry, errors.Wrapf(err, "action %s for %s", name, prepared.Info.ScheduleID)
		}
	}
	return engine.ExecuteResultFinished, nil
}

// Interrupted finishes interrupted action runs rather than retrying:
// there is no way to tell how much of the payload already ran.
func (d *Delegate) Interrupted(ctx context.Context, schedule engine.Schedule, info engine.PreparedScheduleInfo) engine.InterruptedBehavior {
	return engine.InterruptedBehaviorFinish
}
