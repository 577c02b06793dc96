// Package store persists schedule state in SQLite. It is the single
// source of truth for the engine: every mutation happens through a
// transform applied inside a transaction, so concurrent writers always
// see a consistent read-modify-write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airloft/automation/engine"
	"github.com/airloft/automation/errors"
)

// Store implements engine.ScheduleStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	// Serializes read-modify-write cycles. SQLite's own locking protects
	// the file; this protects the transform window.
	mu sync.Mutex
}

func New(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

const scheduleColumns = `schedule_id, group_name, execution_count, prepared_schedule_info,
	schedule, schedule_state, schedule_state_change_date, trigger_info, trigger_session_id`

type scheduleRow struct {
	scheduleID      string
	groupName       sql.NullString
	executionCount  int
	preparedInfo    sql.NullString
	schedule        string
	state           string
	stateChangeDate int64
	triggerInfo     sql.NullString
	sessionID       sql.NullString
}

func scanScheduleRow(scanner interface{ Scan(...any) error }) (*scheduleRow, error) {
	var row scheduleRow
	err := scanner.Scan(
		&row.scheduleID,
		&row.groupName,
		&row.executionCount,
		&row.preparedInfo,
		&row.schedule,
		&row.state,
		&row.stateChangeDate,
		&row.triggerInfo,
		&row.sessionID,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *scheduleRow) toData() (*engine.ScheduleData, error) {
	data := &engine.ScheduleData{
		ScheduleState:           engine.ScheduleState(r.state),
		ScheduleStateChangeDate: time.UnixMilli(r.stateChangeDate),
		ExecutionCount:          r.executionCount,
		TriggerSessionID:        r.sessionID.String,
	}
	if err := json.Unmarshal([]byte(r.schedule), &data.Schedule); err != nil {
		return nil, errors.Wrapf(err, "decode schedule %s", r.scheduleID)
	}
	if r.preparedInfo.Valid && r.preparedInfo.String != "" {
		var info engine.PreparedScheduleInfo
		if err := json.Unmarshal([]byte(r.preparedInfo.String), &info); err != nil {
			return nil, errors.Wrapf(err, "decode prepared info for %s", r.scheduleID)
		}
		data.PreparedScheduleInfo = &info
	}
	if r.triggerInfo.Valid && r.triggerInfo.String != "" {
		var info engine.TriggeringInfo
		if err := json.Unmarshal([]byte(r.triggerInfo.String), &info); err != nil {
			return nil, errors.Wrapf(err, "decode trigger info for %s", r.scheduleID)
		}
		data.TriggerInfo = &info
	}
	return data, nil
}

func encodeData(data *engine.ScheduleData) (schedule, preparedInfo, triggerInfo string, err error) {
	scheduleBytes, err := json.Marshal(&data.Schedule)
	if err != nil {
		return "", "", "", errors.Wrap(err, "encode schedule")
	}
	schedule = string(scheduleBytes)

	if data.PreparedScheduleInfo != nil {
		infoBytes, err := json.Marshal(data.PreparedScheduleInfo)
		if err != nil {
			return "", "", "", errors.Wrap(err, "encode prepared info")
		}
		preparedInfo = string(infoBytes)
	}
	if data.TriggerInfo != nil {
		infoBytes, err := json.Marshal(data.TriggerInfo)
		if err != nil {
			return "", "", "", errors.Wrap(err, "encode trigger info")
		}
		triggerInfo = string(infoBytes)
	}
	return schedule, preparedInfo, triggerInfo, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Schedules returns every stored schedule. Rows that no longer decode
// are deleted and skipped rather than failing the whole load.
func (s *Store) Schedules(ctx context.Context) ([]*engine.ScheduleData, error) {
	return s.querySchedules(ctx, "SELECT "+scheduleColumns+" FROM schedules")
}

// SchedulesByGroup returns the schedules in a group.
func (s *Store) SchedulesByGroup(ctx context.Context, group string) ([]*engine.ScheduleData, error) {
	return s.querySchedules(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE group_name = ?", group)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*engine.ScheduleData, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query schedules")
	}
	defer rows.Close()

	var out []*engine.ScheduleData
	var corrupt []string
	for rows.Next() {
		row, err := scanScheduleRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule row")
		}
		data, err := row.toData()
		if err != nil {
			s.logger.Warnw("Dropping corrupt schedule row",
				"schedule_id", row.scheduleID,
				"error", err,
			)
			corrupt = append(corrupt, row.scheduleID)
			continue
		}
		out = append(out, data)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate schedule rows")
	}

	if len(corrupt) > 0 {
		if err := s.DeleteSchedules(ctx, corrupt); err != nil {
			s.logger.Errorw("Failed to delete corrupt schedule rows", "error", err)
		}
	}
	return out, nil
}

// Schedule returns a schedule by identifier, nil when absent.
func (s *Store) Schedule(ctx context.Context, identifier string) (*engine.ScheduleData, error) {
	row, err := scanScheduleRow(s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE schedule_id = ?", identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query schedule %s", identifier)
	}

	data, err := row.toData()
	if err != nil {
		s.logger.Warnw("Deleting corrupt schedule row",
			"schedule_id", identifier,
			"error", err,
		)
		if delErr := s.DeleteSchedules(ctx, []string{identifier}); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	return data, nil
}

func (s *Store) writeSchedule(ctx context.Context, tx *sql.Tx, data *engine.ScheduleData) error {
	schedule, preparedInfo, triggerInfo, err := encodeData(data)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			group_name = excluded.group_name,
			execution_count = excluded.execution_count,
			prepared_schedule_info = excluded.prepared_schedule_info,
			schedule = excluded.schedule,
			schedule_state = excluded.schedule_state,
			schedule_state_change_date = excluded.schedule_state_change_date,
			trigger_info = excluded.trigger_info,
			trigger_session_id = excluded.trigger_session_id`,
		data.Schedule.Identifier,
		nullable(data.Schedule.Group),
		data.ExecutionCount,
		nullable(preparedInfo),
		schedule,
		string(data.ScheduleState),
		data.ScheduleStateChangeDate.UnixMilli(),
		nullable(triggerInfo),
		nullable(data.TriggerSessionID),
	)
	if err != nil {
		return errors.Wrapf(err, "write schedule %s", data.Schedule.Identifier)
	}
	return nil
}

// UpdateSchedule applies transform to the stored schedule and persists
// the result atomically. Returns nil when the identifier is absent.
func (s *Store) UpdateSchedule(ctx context.Context, identifier string, transform func(*engine.ScheduleData)) (*engine.ScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin update")
	}
	defer tx.Rollback()

	row, err := scanScheduleRow(tx.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE schedule_id = ?", identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load schedule %s", identifier)
	}

	data, err := row.toData()
	if err != nil {
		return nil, err
	}

	transform(data)

	if err := s.writeSchedule(ctx, tx, data); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "commit update for %s", identifier)
	}
	return data, nil
}

// UpsertSchedules applies transform to each identifier inside a single
// transaction. Any transform error aborts the whole batch.
func (s *Store) UpsertSchedules(ctx context.Context, identifiers []string, transform func(string, *engine.ScheduleData) (*engine.ScheduleData, error)) ([]*engine.ScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin upsert")
	}
	defer tx.Rollback()

	out := make([]*engine.ScheduleData, 0, len(identifiers))
	for _, identifier := range identifiers {
		var existing *engine.ScheduleData
		row, err := scanScheduleRow(tx.QueryRowContext(ctx,
			"SELECT "+scheduleColumns+" FROM schedules WHERE schedule_id = ?", identifier))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(err, "load schedule %s", identifier)
		}
		if err == nil {
			existing, err = row.toData()
			if err != nil {
				// Corrupt row: treat the upsert as a fresh create.
				existing = nil
			}
		}

		updated, err := transform(identifier, existing)
		if err != nil {
			return nil, err
		}
		if err := s.writeSchedule(ctx, tx, updated); err != nil {
			return nil, err
		}
		out = append(out, updated)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit upsert")
	}
	return out, nil
}

// DeleteSchedules removes schedules and their trigger state.
func (s *Store) DeleteSchedules(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	for _, identifier := range identifiers {
		if _, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE schedule_id = ?", identifier); err != nil {
			return errors.Wrapf(err, "delete schedule %s", identifier)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM trigger_state WHERE schedule_id = ?", identifier); err != nil {
			return errors.Wrapf(err, "delete trigger state for %s", identifier)
		}
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// DeleteSchedulesByGroup removes every schedule in a group along with
// its trigger state.
func (s *Store) DeleteSchedulesByGroup(ctx context.Context, group string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete group")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM trigger_state WHERE schedule_id IN
			(SELECT schedule_id FROM schedules WHERE group_name = ?)`, group); err != nil {
		return errors.Wrapf(err, "delete trigger state for group %s", group)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE group_name = ?", group); err != nil {
		return errors.Wrapf(err, "delete schedules in group %s", group)
	}
	return errors.Wrap(tx.Commit(), "commit delete group")
}
