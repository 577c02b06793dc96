package store

import (
	"context"
	"database/sql"

	"github.com/airloft/automation/errors"
)

// TriggerStateRecord is the persisted counting state for one trigger of
// one schedule. Children holds serialized per-child state for compound
// triggers.
type TriggerStateRecord struct {
	TriggerID     string
	ScheduleID    string
	ExecutionType string
	Count         float64
	Children      string
}

// TriggerStates returns the persisted state for a schedule's triggers.
func (s *Store) TriggerStates(ctx context.Context, scheduleID string) ([]TriggerStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, schedule_id, execution_type, count, children
		FROM trigger_state WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return nil, errors.Wrapf(err, "query trigger state for %s", scheduleID)
	}
	defer rows.Close()

	var out []TriggerStateRecord
	for rows.Next() {
		var rec TriggerStateRecord
		var children sql.NullString
		if err := rows.Scan(&rec.TriggerID, &rec.ScheduleID, &rec.ExecutionType, &rec.Count, &children); err != nil {
			return nil, errors.Wrap(err, "scan trigger state row")
		}
		rec.Children = children.String
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate trigger state rows")
}

// SaveTriggerState writes one trigger's counting state.
func (s *Store) SaveTriggerState(ctx context.Context, rec TriggerStateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_state (trigger_id, schedule_id, execution_type, count, children)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id, schedule_id, execution_type) DO UPDATE SET
			count = excluded.count,
			children = excluded.children`,
		rec.TriggerID, rec.ScheduleID, rec.ExecutionType, rec.Count, nullable(rec.Children))
	return errors.Wrapf(err, "save trigger state %s/%s", rec.ScheduleID, rec.TriggerID)
}

// DeleteTriggerStates drops all trigger state for the given schedules.
func (s *Store) DeleteTriggerStates(ctx context.Context, scheduleIDs []string) error {
	for _, scheduleID := range scheduleIDs {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM trigger_state WHERE schedule_id = ?", scheduleID); err != nil {
			return errors.Wrapf(err, "delete trigger state for %s", scheduleID)
		}
	}
	return nil
}
