package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

const sessionColumns = `session_id, user_id, device_id, start_time, end_time, platform_info`

// SessionParams carries the fields written when a session is first seen.
type SessionParams struct {
	SessionID    string
	UserID       *int64
	DeviceID     *string
	StartTime    time.Time
	PlatformInfo json.RawMessage
}

// FindOrCreateSession finds a session by its client-generated token or
// creates one. On subsequent sight the existing row is returned
// unmodified: ownership is first-writer-wins, the owner is never
// reassigned even if a later event claims a different one. Concurrent
// creates are resolved by the primary key via catch-and-retry.
func (t *Tx) FindOrCreateSession(ctx context.Context, params SessionParams) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "db.find_or_create_session",
		trace.WithAttributes(attribute.String("session.id", params.SessionID)))
	defer span.End()

	selectQuery := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	session, err := scanSession(t.tx.QueryRowContext(ctx, selectQuery, params.SessionID))
	if err == nil {
		span.SetAttributes(attribute.Bool("session.created", false))
		return session, nil
	}
	if err != sql.ErrNoRows {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if err := t.Savepoint(ctx, "create_session"); err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO sessions (session_id, user_id, device_id, start_time, platform_info)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + sessionColumns

	session, err = scanSession(t.tx.QueryRowContext(ctx, insertQuery,
		params.SessionID, params.UserID, params.DeviceID, params.StartTime.UTC(), nullableJSON(params.PlatformInfo)))
	if err == nil {
		span.SetAttributes(attribute.Bool("session.created", true))
		if relErr := t.Release(ctx, "create_session"); relErr != nil {
			return nil, relErr
		}
		return session, nil
	}

	if isUniqueViolation(err) {
		span.SetAttributes(attribute.Bool("session.race_condition", true))
		if rbErr := t.RollbackTo(ctx, "create_session"); rbErr != nil {
			return nil, rbErr
		}
		session, err = scanSession(t.tx.QueryRowContext(ctx, selectQuery, params.SessionID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to find session after conflict: %w", err)
		}
		return session, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("failed to create session: %w", err)
}

// CloseSession sets end_time on a known, still-open session. Closing an
// unknown or already-closed session is a no-op; terminal events are
// frequently re-delivered.
func (t *Tx) CloseSession(ctx context.Context, sessionID string, endTime time.Time) error {
	query := `UPDATE sessions SET end_time = $2 WHERE session_id = $1 AND end_time IS NULL`
	if _, err := t.tx.ExecContext(ctx, query, sessionID, endTime.UTC()); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by its token
func (db *DB) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	session, err := scanSession(db.conn.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.SessionID,
		&session.UserID,
		&session.DeviceID,
		&session.StartTime,
		&session.EndTime,
		&session.PlatformInfo,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// nullableJSON maps an empty raw message to SQL NULL
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
