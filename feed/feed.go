// Package feed converts application and analytics signals into the typed
// event stream the trigger processor consumes.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// EventType identifies the kind of automation event.
type EventType string

const (
	EventForeground         EventType = "foreground"
	EventBackground         EventType = "background"
	EventAppInit            EventType = "app_init"
	EventScreen             EventType = "screen"
	EventVersion            EventType = "version"
	EventRegionEnter        EventType = "region_enter"
	EventRegionExit         EventType = "region_exit"
	EventCustomEventCount   EventType = "custom_event_count"
	EventCustomEventValue   EventType = "custom_event_value"
	EventFeatureFlag        EventType = "feature_flag_interaction"
	EventActiveSession      EventType = "active_session"
	EventStateChanged       EventType = "state_changed"
)

// TriggerableState carries app-session and version signals that state
// triggers match against instead of counting discrete events.
type TriggerableState struct {
	AppSessionID   string `json:"app_session_id,omitempty"`
	VersionUpdated string `json:"version_updated,omitempty"`
}

// Event is a single entry in the automation event stream.
type Event struct {
	Type EventType `json:"type"`

	// Data is the event body a trigger predicate may match against.
	Data json.RawMessage `json:"data,omitempty"`

	// Value is the amount a matching trigger's count advances by.
	// Custom-value events carry the event value, everything else 1.
	Value float64 `json:"value"`

	// State is set only for state-changed events.
	State *TriggerableState `json:"state,omitempty"`
}

// IsStateEvent reports whether the event carries triggerable state rather
// than a countable occurrence.
func (e Event) IsStateEvent() bool {
	return e.Type == EventStateChanged
}

// Feed fans application signals out to a single consumer channel. Emit is
// safe from any goroutine; events emitted with no attached consumer are
// dropped.
type Feed struct {
	mu     sync.Mutex
	ch     chan Event
	state  TriggerableState
	logger *zap.SugaredLogger
}

// New returns a feed with the given buffer size.
func New(buffer int, logger *zap.SugaredLogger) *Feed {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Feed{
		ch:     make(chan Event, buffer),
		logger: logger,
	}
}

// Events returns the consumer channel. The feed owns the channel; it is
// closed only by Close.
func (f *Feed) Events() <-chan Event {
	return f.ch
}

// Emit publishes an event, dropping it if the consumer is not keeping up.
func (f *Feed) Emit(event Event) {
	select {
	case f.ch <- event:
	default:
		f.logger.Warnw("Event dropped, feed buffer full", "event_type", event.Type)
	}
}

// EmitWait publishes an event, blocking until the consumer accepts it or
// ctx is done.
func (f *Feed) EmitWait(ctx context.Context, event Event) error {
	select {
	case f.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyForeground records a new app session and emits the foreground
// event followed by the updated state.
func (f *Feed) NotifyForeground(sessionID string) {
	f.mu.Lock()
	f.state.AppSessionID = sessionID
	state := f.state
	f.mu.Unlock()

	f.Emit(Event{Type: EventForeground, Value: 1})
	f.Emit(Event{Type: EventStateChanged, State: &state})
}

// NotifyBackground clears the active session and emits the background
// event followed by the updated state.
func (f *Feed) NotifyBackground() {
	f.mu.Lock()
	f.state.AppSessionID = ""
	state := f.state
	f.mu.Unlock()

	f.Emit(Event{Type: EventBackground, Value: 1})
	f.Emit(Event{Type: EventStateChanged, State: &state})
}

// NotifyAppInit emits the app-init event. If version is non-empty it is
// recorded as a version update in the triggerable state.
func (f *Feed) NotifyAppInit(version string) {
	f.mu.Lock()
	if version != "" {
		f.state.VersionUpdated = version
	}
	state := f.state
	f.mu.Unlock()

	f.Emit(Event{Type: EventAppInit, Value: 1})
	f.Emit(Event{Type: EventStateChanged, State: &state})
}

// NotifyScreen emits a screen-view event for the named screen.
func (f *Feed) NotifyScreen(name string) {
	data, _ := json.Marshal(name)
	f.Emit(Event{Type: EventScreen, Data: data, Value: 1})
}

// NotifyRegion emits a region enter or exit event.
func (f *Feed) NotifyRegion(regionID string, enter bool) {
	eventType := EventRegionExit
	if enter {
		eventType = EventRegionEnter
	}
	data, _ := json.Marshal(map[string]string{"region_id": regionID})
	f.Emit(Event{Type: eventType, Data: data, Value: 1})
}

// NotifyCustomEvent emits both the count and value variants for a custom
// analytics event.
func (f *Feed) NotifyCustomEvent(body json.RawMessage, value float64) {
	f.Emit(Event{Type: EventCustomEventCount, Data: body, Value: 1})
	f.Emit(Event{Type: EventCustomEventValue, Data: body, Value: value})
}

// NotifyFeatureFlag emits a feature-flag interaction event.
func (f *Feed) NotifyFeatureFlag(body json.RawMessage) {
	f.Emit(Event{Type: EventFeatureFlag, Data: body, Value: 1})
}

// Close closes the consumer channel. Emit must not be called after Close.
func (f *Feed) Close() {
	close(f.ch)
}
