package db

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// InsertEvent appends one row to the analytics_events log. Returns
// ErrDuplicateEvent when the event_id has already been logged: retried
// batches must see duplicates reported, never a second row. ON CONFLICT
// DO NOTHING keeps the detection from aborting the batch transaction.
func (t *Tx) InsertEvent(ctx context.Context, ev *models.AnalyticsEvent) error {
	ctx, span := tracer.Start(ctx, "db.insert_event",
		trace.WithAttributes(
			attribute.String("event.id", ev.EventID),
			attribute.String("event.type", ev.EventType),
		))
	defer span.End()

	query := `
		INSERT INTO analytics_events (
			event_id, event_type, user_id, session_id, pair_session_id,
			conversation_id, driver_user_id, navigator_user_id,
			device_id, platform_info, event_timestamp, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`

	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := t.tx.ExecContext(ctx, query,
		ev.EventID,
		ev.EventType,
		ev.UserID,
		ev.SessionID,
		ev.PairSessionID,
		ev.ConversationID,
		ev.DriverUserID,
		ev.NavigatorUserID,
		ev.DeviceID,
		nullableJSON(ev.PlatformInfo),
		ev.EventTimestamp.UTC(),
		[]byte(payload),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check event insert: %w", err)
	}
	if rows == 0 {
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		return ErrDuplicateEvent
	}
	return nil
}

// CountEvents returns the number of rows in the event log (for tests)
func (db *DB) CountEvents(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
