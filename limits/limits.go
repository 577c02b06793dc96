// Package limits enforces frequency constraints: named sliding-window
// caps on how often schedules referencing them may execute. Occurrences
// are persisted so windows survive restarts.
package limits

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/errors"
)

// Constraint caps executions to Count per sliding Range window.
type Constraint struct {
	ID    string
	Range time.Duration
	Count int
}

// Manager owns the constraint definitions and their recorded occurrences.
// Checkers handed out for a schedule all share the manager's window state,
// so concurrent executions across schedules count against the same caps.
type Manager struct {
	db     *sql.DB
	clock  engine.Clock
	logger *zap.SugaredLogger

	mu          sync.Mutex
	constraints map[string]Constraint
	occurrences map[string][]time.Time
	loaded      bool
}

// NewManager returns a manager over the given database connection.
func NewManager(conn *sql.DB, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		db:          conn,
		clock:       engine.SystemClock{},
		logger:      logger,
		constraints: make(map[string]Constraint),
		occurrences: make(map[string][]time.Time),
	}
}

// SetConstraints replaces the stored constraint set. Constraints no longer
// present are removed along with their occurrence history; updated ones
// keep their history, re-evaluated under the new range and count.
func (m *Manager) SetConstraints(ctx context.Context, constraints []Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin constraints transaction")
	}
	defer tx.Rollback()

	incoming := make(map[string]Constraint, len(constraints))
	for _, c := range constraints {
		incoming[c.ID] = c
	}

	for id := range m.constraints {
		if _, ok := incoming[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM frequency_constraints WHERE constraint_id = ?`, id); err != nil {
			return errors.Wrapf(err, "delete constraint %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM frequency_occurrences WHERE constraint_id = ?`, id); err != nil {
			return errors.Wrapf(err, "delete occurrences for %s", id)
		}
	}

	for _, c := range constraints {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO frequency_constraints (constraint_id, range_ms, count)
			VALUES (?, ?, ?)
			ON CONFLICT(constraint_id) DO UPDATE SET
				range_ms = excluded.range_ms,
				count = excluded.count`,
			c.ID, c.Range.Milliseconds(), c.Count)
		if err != nil {
			return errors.Wrapf(err, "upsert constraint %s", c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit constraints")
	}

	for id := range m.constraints {
		if _, ok := incoming[id]; !ok {
			delete(m.occurrences, id)
		}
	}
	m.constraints = incoming
	return nil
}

// Constraints returns the stored constraint definitions.
func (m *Manager) Constraints(ctx context.Context) ([]Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Constraint, 0, len(m.constraints))
	for _, c := range m.constraints {
		out = append(out, c)
	}
	return out, nil
}

// Checker returns a frequency checker bound to the named constraints. An
// unknown id is an error so a schedule never silently runs uncapped. A
// nil checker is returned when ids is empty.
func (m *Manager) Checker(ctx context.Context, ids []string) (engine.FrequencyChecker, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := m.constraints[id]; !ok {
			return nil, errors.Wrapf(errors.ErrNotFound, "frequency constraint %s", id)
		}
	}
	return &checker{manager: m, ids: ids}, nil
}

// loadLocked hydrates constraints and window state from the database once.
func (m *Manager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `SELECT constraint_id, range_ms, count FROM frequency_constraints`)
	if err != nil {
		return errors.Wrap(err, "load frequency constraints")
	}
	defer rows.Close()
	for rows.Next() {
		var c Constraint
		var rangeMS int64
		if err := rows.Scan(&c.ID, &rangeMS, &c.Count); err != nil {
			return errors.Wrap(err, "scan frequency constraint")
		}
		c.Range = time.Duration(rangeMS) * time.Millisecond
		m.constraints[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate frequency constraints")
	}

	occ, err := m.db.QueryContext(ctx, `SELECT constraint_id, occurred_at FROM frequency_occurrences ORDER BY occurred_at`)
	if err != nil {
		return errors.Wrap(err, "load frequency occurrences")
	}
	defer occ.Close()
	for occ.Next() {
		var id string
		var at int64
		if err := occ.Scan(&id, &at); err != nil {
			return errors.Wrap(err, "scan frequency occurrence")
		}
		m.occurrences[id] = append(m.occurrences[id], time.UnixMilli(at))
	}
	if err := occ.Err(); err != nil {
		return errors.Wrap(err, "iterate frequency occurrences")
	}

	m.loaded = true
	return nil
}

// checkAndIncrement verifies every constraint has capacity and, when all
// do, records one occurrence against each.
func (m *Manager) checkAndIncrement(ctx context.Context, ids []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, id := range ids {
		c, ok := m.constraints[id]
		if !ok {
			return false, errors.Wrapf(errors.ErrNotFound, "frequency constraint %s", id)
		}
		m.evictLocked(ctx, id, now.Add(-c.Range))
		if len(m.occurrences[id]) >= c.Count {
			return false, nil
		}
	}

	for _, id := range ids {
		if _, err := m.db.ExecContext(ctx, `
			INSERT INTO frequency_occurrences (constraint_id, occurred_at) VALUES (?, ?)`,
			id, now.UnixMilli()); err != nil {
			return false, errors.Wrapf(err, "record occurrence for %s", id)
		}
		m.occurrences[id] = append(m.occurrences[id], now)
	}
	return true, nil
}

// evictLocked drops occurrences that slid out of the window. Timestamps
// are ordered, so eviction stops at the first one inside the cutoff.
func (m *Manager) evictLocked(ctx context.Context, id string, cutoff time.Time) {
	times := m.occurrences[id]
	expired := 0
	for _, at := range times {
		if !at.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	if expired == 0 {
		return
	}

	m.occurrences[id] = times[expired:]
	if _, err := m.db.ExecContext(ctx, `
		DELETE FROM frequency_occurrences WHERE constraint_id = ? AND occurred_at <= ?`,
		id, cutoff.UnixMilli()); err != nil {
		m.logger.Warnw("Failed to prune frequency occurrences", "constraint_id", id, "error", err)
	}
}

type checker struct {
	manager *Manager
	ids     []string
}

func (c *checker) CheckAndIncrement(ctx context.Context) (bool, error) {
	return c.manager.checkAndIncrement(ctx, c.ids)
}
