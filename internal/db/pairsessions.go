package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

const pairSessionColumns = `pp_session_id, pair_session_id, driver_id, navigator_id, current_driver_id,
	start_time, end_time, total_role_switches, pending_tasks_count, completed_tasks_count,
	expected_duration_minutes, workspace_name`

// PairSessionParams carries the fields of a pair-session start event.
type PairSessionParams struct {
	PairSessionID           string
	DriverID                int64
	NavigatorID             int64
	StartTime               time.Time
	ExpectedDurationMinutes int
	WorkspaceName           *string
}

// OpenPairSession opens a pair session for a token, or refreshes the open
// one in place when the start event is a re-sent retry. The partial unique
// index on (pair_session_id) WHERE end_time IS NULL enforces at most one
// open row per token; a violation on insert means a concurrent batch
// opened it first, in which case the open row is updated instead.
func (t *Tx) OpenPairSession(ctx context.Context, params PairSessionParams) (*models.PairSession, error) {
	ctx, span := tracer.Start(ctx, "db.open_pair_session",
		trace.WithAttributes(attribute.String("pair_session.token", params.PairSessionID)))
	defer span.End()

	// An open row for this token means a re-sent start event: update in
	// place rather than erroring. FOR UPDATE serializes against concurrent
	// switches and task events on the same row.
	selectQuery := `SELECT pp_session_id FROM pair_sessions WHERE pair_session_id = $1 AND end_time IS NULL FOR UPDATE`

	var ppSessionID int64
	err := t.tx.QueryRowContext(ctx, selectQuery, params.PairSessionID).Scan(&ppSessionID)
	if err == nil {
		span.SetAttributes(attribute.Bool("pair_session.resent_start", true))
		return t.refreshOpenPairSession(ctx, ppSessionID, params)
	}
	if err != sql.ErrNoRows {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find open pair session: %w", err)
	}

	if err := t.Savepoint(ctx, "open_pair_session"); err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO pair_sessions (
			pair_session_id, driver_id, navigator_id, current_driver_id,
			start_time, total_role_switches, pending_tasks_count, completed_tasks_count,
			expected_duration_minutes, workspace_name
		)
		VALUES ($1, $2, $3, $2, $4, 0, 0, 0, $5, $6)
		RETURNING ` + pairSessionColumns

	ps, err := scanPairSession(t.tx.QueryRowContext(ctx, insertQuery,
		params.PairSessionID, params.DriverID, params.NavigatorID,
		params.StartTime.UTC(), params.ExpectedDurationMinutes, params.WorkspaceName))
	if err == nil {
		span.SetAttributes(attribute.Bool("pair_session.created", true))
		if relErr := t.Release(ctx, "open_pair_session"); relErr != nil {
			return nil, relErr
		}
		return ps, nil
	}

	if isUniqueViolation(err) {
		span.SetAttributes(attribute.Bool("pair_session.race_condition", true))
		if rbErr := t.RollbackTo(ctx, "open_pair_session"); rbErr != nil {
			return nil, rbErr
		}
		err = t.tx.QueryRowContext(ctx, selectQuery, params.PairSessionID).Scan(&ppSessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to find pair session after conflict: %w", err)
		}
		return t.refreshOpenPairSession(ctx, ppSessionID, params)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("failed to create pair session: %w", err)
}

// refreshOpenPairSession applies a re-sent start event to the open row.
// Counters are left alone; a retry must not reset switch or task state.
func (t *Tx) refreshOpenPairSession(ctx context.Context, ppSessionID int64, params PairSessionParams) (*models.PairSession, error) {
	query := `
		UPDATE pair_sessions
		SET driver_id = $2,
		    navigator_id = $3,
		    current_driver_id = $2,
		    start_time = $4,
		    expected_duration_minutes = $5,
		    workspace_name = COALESCE($6, workspace_name)
		WHERE pp_session_id = $1
		RETURNING ` + pairSessionColumns

	ps, err := scanPairSession(t.tx.QueryRowContext(ctx, query,
		ppSessionID, params.DriverID, params.NavigatorID,
		params.StartTime.UTC(), params.ExpectedDurationMinutes, params.WorkspaceName))
	if err != nil {
		return nil, fmt.Errorf("failed to refresh pair session: %w", err)
	}
	return ps, nil
}

// SwitchDriver records a role switch on the open pair session for the
// token: swaps current_driver_id, increments total_role_switches by
// exactly one, and appends a role_switches audit row with the pre-switch
// driver. The open row is locked FOR UPDATE so concurrent batches never
// lose an increment or record a stale previous driver. Returns
// ErrNoOpenPairSession when no open row matches.
func (t *Tx) SwitchDriver(ctx context.Context, pairSessionID string, newDriverID int64, switchedAt time.Time) (*models.RoleSwitch, error) {
	ctx, span := tracer.Start(ctx, "db.switch_driver",
		trace.WithAttributes(attribute.String("pair_session.token", pairSessionID)))
	defer span.End()

	lockQuery := `
		SELECT pp_session_id, current_driver_id
		FROM pair_sessions
		WHERE pair_session_id = $1 AND end_time IS NULL
		FOR UPDATE
	`

	var ppSessionID, previousDriverID int64
	err := t.tx.QueryRowContext(ctx, lockQuery, pairSessionID).Scan(&ppSessionID, &previousDriverID)
	if err == sql.ErrNoRows {
		return nil, ErrNoOpenPairSession
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock pair session: %w", err)
	}

	updateQuery := `
		UPDATE pair_sessions
		SET current_driver_id = $2,
		    total_role_switches = total_role_switches + 1
		WHERE pp_session_id = $1
	`
	if _, err := t.tx.ExecContext(ctx, updateQuery, ppSessionID, newDriverID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to switch driver: %w", err)
	}

	auditQuery := `
		INSERT INTO role_switches (pp_session_id, switched_at, previous_driver_id, new_driver_id)
		VALUES ($1, $2, $3, $4)
		RETURNING switch_id
	`
	sw := &models.RoleSwitch{
		PPSessionID:      ppSessionID,
		SwitchedAt:       switchedAt.UTC(),
		PreviousDriverID: previousDriverID,
		NewDriverID:      newDriverID,
	}
	if err := t.tx.QueryRowContext(ctx, auditQuery, ppSessionID, switchedAt.UTC(), previousDriverID, newDriverID).Scan(&sw.SwitchID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to insert role switch: %w", err)
	}
	return sw, nil
}

// ClosePairSession closes the open pair session for the token, writing
// the final task counters from the end event (zero when the payload
// omitted them). Returns ErrNoOpenPairSession when no open row matches.
func (t *Tx) ClosePairSession(ctx context.Context, pairSessionID string, endTime time.Time, completedTasks, pendingTasks int) error {
	ctx, span := tracer.Start(ctx, "db.close_pair_session",
		trace.WithAttributes(attribute.String("pair_session.token", pairSessionID)))
	defer span.End()

	query := `
		UPDATE pair_sessions
		SET end_time = $2,
		    completed_tasks_count = $3,
		    pending_tasks_count = $4
		WHERE pair_session_id = $1 AND end_time IS NULL
	`
	result, err := t.tx.ExecContext(ctx, query, pairSessionID, endTime.UTC(), completedTasks, pendingTasks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to close pair session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNoOpenPairSession
	}
	return nil
}

// AdjustTaskCounters applies task-event deltas to the open pair session
// for the token. The pending counter is floored at zero in a single
// UPDATE so concurrent batches cannot interleave a read-modify-write.
// Returns ErrNoOpenPairSession when no open row matches.
func (t *Tx) AdjustTaskCounters(ctx context.Context, pairSessionID string, pendingDelta, completedDelta int) error {
	ctx, span := tracer.Start(ctx, "db.adjust_task_counters",
		trace.WithAttributes(
			attribute.String("pair_session.token", pairSessionID),
			attribute.Int("tasks.pending_delta", pendingDelta),
			attribute.Int("tasks.completed_delta", completedDelta),
		))
	defer span.End()

	query := `
		UPDATE pair_sessions
		SET pending_tasks_count = GREATEST(pending_tasks_count + $2, 0),
		    completed_tasks_count = completed_tasks_count + $3
		WHERE pair_session_id = $1 AND end_time IS NULL
	`
	result, err := t.tx.ExecContext(ctx, query, pairSessionID, pendingDelta, completedDelta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to adjust task counters: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNoOpenPairSession
	}
	return nil
}

// GetPairSession retrieves the most recent pair session row for a token
func (db *DB) GetPairSession(ctx context.Context, pairSessionID string) (*models.PairSession, error) {
	query := `SELECT ` + pairSessionColumns + `
		FROM pair_sessions
		WHERE pair_session_id = $1
		ORDER BY start_time DESC, pp_session_id DESC
		LIMIT 1`
	ps, err := scanPairSession(db.conn.QueryRowContext(ctx, query, pairSessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPairSessionNotFound
		}
		return nil, fmt.Errorf("failed to get pair session: %w", err)
	}
	return ps, nil
}

// ListRoleSwitches returns the audit rows for a pair session in switch order
func (db *DB) ListRoleSwitches(ctx context.Context, ppSessionID int64) ([]models.RoleSwitch, error) {
	query := `
		SELECT switch_id, pp_session_id, switched_at, previous_driver_id, new_driver_id
		FROM role_switches
		WHERE pp_session_id = $1
		ORDER BY switch_id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, ppSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role switches: %w", err)
	}
	defer rows.Close()

	var switches []models.RoleSwitch
	for rows.Next() {
		var sw models.RoleSwitch
		if err := rows.Scan(&sw.SwitchID, &sw.PPSessionID, &sw.SwitchedAt, &sw.PreviousDriverID, &sw.NewDriverID); err != nil {
			return nil, fmt.Errorf("failed to scan role switch: %w", err)
		}
		switches = append(switches, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role switches: %w", err)
	}
	return switches, nil
}

func scanPairSession(row *sql.Row) (*models.PairSession, error) {
	var ps models.PairSession
	err := row.Scan(
		&ps.PPSessionID,
		&ps.PairSessionID,
		&ps.DriverID,
		&ps.NavigatorID,
		&ps.CurrentDriverID,
		&ps.StartTime,
		&ps.EndTime,
		&ps.TotalRoleSwitches,
		&ps.PendingTasksCount,
		&ps.CompletedTasksCount,
		&ps.ExpectedDurationMinutes,
		&ps.WorkspaceName,
	)
	if err != nil {
		return nil, err
	}
	return &ps, nil
}
