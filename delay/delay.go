// Package delay gates triggered schedules behind a wait period and app
// conditions: required app state, a set of allowed screens, and a region
// the device must be inside. It tracks the current conditions from the
// application and notifies parked ready-checks when they change.
package delay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
)

// App states a delay may require.
const (
	AppStateForeground = "foreground"
	AppStateBackground = "background"
)

// Processor implements engine.DelayProcessor over tracked app state. The
// application reports state through the setters; every change pings the
// shared notifier so blocked ready-checks re-evaluate.
type Processor struct {
	clock    engine.Clock
	sleeper  engine.Sleeper
	notifier *engine.ConditionsChangedNotifier
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	foreground bool
	screen     string
	regions    map[string]struct{}
}

// NewProcessor returns a processor publishing condition changes on the
// given notifier, which must be the one the engine waits on.
func NewProcessor(notifier *engine.ConditionsChangedNotifier, logger *zap.SugaredLogger) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{
		clock:    engine.SystemClock{},
		sleeper:  engine.TaskSleeper{},
		notifier: notifier,
		logger:   logger,
		regions:  make(map[string]struct{}),
	}
}

// SetForeground records whether the app is foregrounded.
func (p *Processor) SetForeground(foreground bool) {
	p.mu.Lock()
	p.foreground = foreground
	p.mu.Unlock()
	p.notifier.Notify()
}

// SetScreen records the currently displayed screen.
func (p *Processor) SetScreen(name string) {
	p.mu.Lock()
	p.screen = name
	p.mu.Unlock()
	p.notifier.Notify()
}

// RegionEnter records entry into a region.
func (p *Processor) RegionEnter(regionID string) {
	p.mu.Lock()
	p.regions[regionID] = struct{}{}
	p.mu.Unlock()
	p.notifier.Notify()
}

// RegionExit records leaving a region.
func (p *Processor) RegionExit(regionID string) {
	p.mu.Lock()
	delete(p.regions, regionID)
	p.mu.Unlock()
	p.notifier.Notify()
}

// Process sleeps out the remainder of the delay's wait period, measured
// from the trigger date, then blocks until the delay's conditions hold.
func (p *Processor) Process(ctx context.Context, delay *engine.Delay, triggerDate time.Time) error {
	if delay == nil {
		return nil
	}

	remaining := time.Duration(delay.Seconds)*time.Second - p.clock.Now().Sub(triggerDate)
	if remaining > 0 {
		p.logger.Debugw("Waiting out schedule delay", "remaining", remaining)
	}
	if err := p.sleeper.Sleep(ctx, remaining); err != nil {
		return err
	}

	for !p.AreConditionsMet(ctx, delay) {
		if err := p.notifier.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AreConditionsMet reports whether the delay's conditions hold right now.
// The wait period is not part of this check.
func (p *Processor) AreConditionsMet(ctx context.Context, delay *engine.Delay) bool {
	if delay == nil {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch delay.AppState {
	case AppStateForeground:
		if !p.foreground {
			return false
		}
	case AppStateBackground:
		if p.foreground {
			return false
		}
	}

	if len(delay.Screens) > 0 {
		found := false
		for _, screen := range delay.Screens {
			if screen == p.screen {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if delay.RegionID != "" {
		if _, ok := p.regions[delay.RegionID]; !ok {
			return false
		}
	}
	return true
}
