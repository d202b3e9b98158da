package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

var tracer = otel.Tracer("pairtrace/reports")

// recentEventsLimit bounds the per-user recent events list.
const recentEventsLimit = 20

// Store provides read-side aggregate queries over ingested telemetry.
type Store struct {
	db *sql.DB
}

// NewStore creates a new reports store.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// GetSummary computes the service-wide overview. Count queries run in
// parallel to minimize latency.
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "reports.get_summary")
	defer span.End()

	summary := &Summary{ComputedAt: time.Now().UTC()}
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, 4)

	// Helper to run a getter in parallel
	runGet := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runGet("entity_counts", func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM users),
				(SELECT COUNT(*) FROM sessions),
				(SELECT COUNT(*) FROM analytics_events),
				(SELECT COUNT(*) FROM pair_sessions),
				(SELECT COUNT(*) FROM chat_messages),
				(SELECT COUNT(*) FROM code_snapshots)`)
		mu.Lock()
		defer mu.Unlock()
		return row.Scan(
			&summary.TotalUsers, &summary.TotalSessions, &summary.TotalEvents,
			&summary.TotalPairSessions, &summary.TotalChatMessages, &summary.TotalSnapshots)
	})

	runGet("events_by_type", func() error {
		byType, err := s.queryTypeCounts(ctx, `
			SELECT event_type, COUNT(*)
			FROM analytics_events
			GROUP BY event_type
			ORDER BY COUNT(*) DESC`)
		if err != nil {
			return err
		}
		mu.Lock()
		summary.EventsByType = byType
		mu.Unlock()
		return nil
	})

	runGet("events_last_24h", func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM analytics_events
			WHERE event_timestamp >= NOW() - INTERVAL '24 hours'`)
		mu.Lock()
		defer mu.Unlock()
		return row.Scan(&summary.EventsLast24h)
	})

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to compute summary: %w", err)
	}
	return summary, nil
}

// GetUserActivity builds the per-user report. Returns db.ErrUserNotFound
// when the email is unknown.
func (s *Store) GetUserActivity(ctx context.Context, email string) (*UserActivity, error) {
	ctx, span := tracer.Start(ctx, "reports.get_user_activity",
		trace.WithAttributes(attribute.String("user.email", email)))
	defer span.End()

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, university_domain, created_at, last_active_at, settings
		FROM users WHERE email = $1`, email).Scan(
		&user.UserID, &user.Email, &user.UniversityDomain,
		&user.CreatedAt, &user.LastActiveAt, &user.Settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	activity := &UserActivity{
		User:         user,
		RecentEvents: []*models.AnalyticsEvent{},
		Languages:    []string{},
		PairSessions: []UserPairSession{},
	}

	activity.EventsByType, err = s.queryTypeCounts(ctx, `
		SELECT event_type, COUNT(*)
		FROM analytics_events
		WHERE user_id = $1
		GROUP BY event_type
		ORDER BY COUNT(*) DESC`, user.UserID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, user_id, session_id, pair_session_id,
		       conversation_id, driver_user_id, navigator_user_id, device_id,
		       platform_info, event_timestamp, payload
		FROM analytics_events
		WHERE user_id = $1
		ORDER BY event_timestamp DESC
		LIMIT $2`, user.UserID, recentEventsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ev := &models.AnalyticsEvent{}
		if err := rows.Scan(
			&ev.EventID, &ev.EventType, &ev.UserID, &ev.SessionID, &ev.PairSessionID,
			&ev.ConversationID, &ev.DriverUserID, &ev.NavigatorUserID, &ev.DeviceID,
			&ev.PlatformInfo, &ev.EventTimestamp, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		activity.RecentEvents = append(activity.RecentEvents, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	var languages pq.StringArray
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(array_agg(DISTINCT language) FILTER (WHERE language IS NOT NULL), '{}')
		FROM code_snapshots
		WHERE author_user_id = $1`, user.UserID).Scan(&activity.SnapshotCount, &languages)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot stats: %w", err)
	}
	activity.Languages = []string(languages)

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE author_user_id = $1`,
		user.UserID).Scan(&activity.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query message count: %w", err)
	}

	psRows, err := s.db.QueryContext(ctx, `
		SELECT pair_session_id,
		       CASE WHEN driver_id = $1 THEN 'driver' ELSE 'navigator' END,
		       start_time, end_time, total_role_switches
		FROM pair_sessions
		WHERE driver_id = $1 OR navigator_id = $1
		ORDER BY start_time DESC`, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pair sessions: %w", err)
	}
	defer psRows.Close()
	for psRows.Next() {
		var ps UserPairSession
		if err := psRows.Scan(&ps.PairSessionID, &ps.Role, &ps.StartTime,
			&ps.EndTime, &ps.TotalRoleSwitches); err != nil {
			return nil, fmt.Errorf("failed to scan pair session: %w", err)
		}
		activity.PairSessions = append(activity.PairSessions, ps)
	}
	if err := psRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pair sessions: %w", err)
	}

	span.SetAttributes(attribute.Int("events.recent", len(activity.RecentEvents)))
	return activity, nil
}

// GetPairStats computes aggregate pair-programming statistics. Averages
// are taken over completed sessions only; duration comes from end_time.
func (s *Store) GetPairStats(ctx context.Context) (*PairStats, error) {
	ctx, span := tracer.Start(ctx, "reports.get_pair_stats")
	defer span.End()

	stats := &PairStats{
		AvgRoleSwitches:    decimal.Zero,
		AvgCompletedTasks:  decimal.Zero,
		AvgDurationMinutes: decimal.Zero,
	}

	var avgSwitches, avgTasks, avgDuration sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE end_time IS NULL),
			COUNT(*) FILTER (WHERE end_time IS NOT NULL),
			ROUND(AVG(total_role_switches) FILTER (WHERE end_time IS NOT NULL), 2)::text,
			ROUND(AVG(completed_tasks_count) FILTER (WHERE end_time IS NOT NULL), 2)::text,
			ROUND(AVG(EXTRACT(EPOCH FROM (end_time - start_time)) / 60)
				FILTER (WHERE end_time IS NOT NULL), 2)::text
		FROM pair_sessions`).Scan(
		&stats.TotalSessions, &stats.ActiveSessions, &stats.CompletedSessions,
		&avgSwitches, &avgTasks, &avgDuration)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pair stats: %w", err)
	}

	if avgSwitches.Valid {
		stats.AvgRoleSwitches, _ = decimal.NewFromString(avgSwitches.String)
	}
	if avgTasks.Valid {
		stats.AvgCompletedTasks, _ = decimal.NewFromString(avgTasks.String)
	}
	if avgDuration.Valid {
		stats.AvgDurationMinutes, _ = decimal.NewFromString(avgDuration.String)
	}
	return stats, nil
}

// GetPairSessionDetail returns the latest pair session for a token plus
// its role-switch history and related-row counts. Returns
// db.ErrPairSessionNotFound for unknown tokens.
func (s *Store) GetPairSessionDetail(ctx context.Context, pairSessionID string) (*PairSessionDetail, error) {
	ctx, span := tracer.Start(ctx, "reports.get_pair_session_detail",
		trace.WithAttributes(attribute.String("pair_session.token", pairSessionID)))
	defer span.End()

	ps := &models.PairSession{}
	detail := &PairSessionDetail{
		Session:      ps,
		RoleSwitches: []*models.RoleSwitch{},
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT p.pp_session_id, p.pair_session_id, p.driver_id, p.navigator_id,
		       p.current_driver_id, p.start_time, p.end_time, p.total_role_switches,
		       p.pending_tasks_count, p.completed_tasks_count,
		       p.expected_duration_minutes, p.workspace_name,
		       d.email, n.email, c.email
		FROM pair_sessions p
		JOIN users d ON d.user_id = p.driver_id
		JOIN users n ON n.user_id = p.navigator_id
		JOIN users c ON c.user_id = p.current_driver_id
		WHERE p.pair_session_id = $1
		ORDER BY p.start_time DESC, p.pp_session_id DESC
		LIMIT 1`, pairSessionID).Scan(
		&ps.PPSessionID, &ps.PairSessionID, &ps.DriverID, &ps.NavigatorID,
		&ps.CurrentDriverID, &ps.StartTime, &ps.EndTime, &ps.TotalRoleSwitches,
		&ps.PendingTasksCount, &ps.CompletedTasksCount,
		&ps.ExpectedDurationMinutes, &ps.WorkspaceName,
		&detail.DriverEmail, &detail.NavigatorEmail, &detail.CurrentDriverEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrPairSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pair session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT switch_id, pp_session_id, switched_at, previous_driver_id, new_driver_id
		FROM role_switches
		WHERE pp_session_id = $1
		ORDER BY switch_id ASC`, ps.PPSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role switches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rs := &models.RoleSwitch{}
		if err := rows.Scan(&rs.SwitchID, &rs.PPSessionID, &rs.SwitchedAt,
			&rs.PreviousDriverID, &rs.NewDriverID); err != nil {
			return nil, fmt.Errorf("failed to scan role switch: %w", err)
		}
		detail.RoleSwitches = append(detail.RoleSwitches, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role switches: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM analytics_events WHERE pair_session_id = $1),
			(SELECT COUNT(*) FROM code_snapshots WHERE pair_session_id = $1),
			(SELECT COUNT(*) FROM chat_messages WHERE pair_session_id = $1)`,
		pairSessionID).Scan(&detail.EventCount, &detail.SnapshotCount, &detail.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query related counts: %w", err)
	}

	span.SetAttributes(attribute.Int("role_switches.count", len(detail.RoleSwitches)))
	return detail, nil
}

// GetTimeline merges events, snapshots, and messages of one pair session
// token into a single chronological list.
func (s *Store) GetTimeline(ctx context.Context, pairSessionID string) ([]TimelineEntry, error) {
	ctx, span := tracer.Start(ctx, "reports.get_timeline",
		trace.WithAttributes(attribute.String("pair_session.token", pairSessionID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT 'event', event_timestamp, event_type, NULL::text
		FROM analytics_events WHERE pair_session_id = $1
		UNION ALL
		SELECT 'snapshot', captured_at, file_name, language
		FROM code_snapshots WHERE pair_session_id = $1
		UNION ALL
		SELECT 'message', sent_at, message_type,
		       LEFT(message_content, 120)
		FROM chat_messages WHERE pair_session_id = $1
		ORDER BY 2 ASC`, pairSessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	timeline := []TimelineEntry{}
	for rows.Next() {
		var entry TimelineEntry
		if err := rows.Scan(&entry.Kind, &entry.OccurredAt, &entry.Label, &entry.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		timeline = append(timeline, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeline: %w", err)
	}

	span.SetAttributes(attribute.Int("timeline.entries", len(timeline)))
	return timeline, nil
}

// GetConversation returns a conversation's messages in display order.
// An unknown conversation id yields an empty message list, not an error.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	ctx, span := tracer.Start(ctx, "reports.get_conversation",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, pair_session_id, message_order,
		       parent_message_id, author_user_id, author_role, driver_user_id,
		       navigator_user_id, message_type, message_content, message_length,
		       included_code, code_language, code_lines_count, query_category,
		       response_time_ms, sent_at, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY message_order ASC, sent_at ASC`, conversationID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	conv := &Conversation{
		ConversationID: conversationID,
		Messages:       []*models.ChatMessage{},
	}
	for rows.Next() {
		m := &models.ChatMessage{}
		if err := rows.Scan(
			&m.MessageID, &m.ConversationID, &m.PairSessionID, &m.MessageOrder,
			&m.ParentMessageID, &m.AuthorUserID, &m.AuthorRole, &m.DriverUserID,
			&m.NavigatorUserID, &m.MessageType, &m.MessageContent, &m.MessageLength,
			&m.IncludedCode, &m.CodeLanguage, &m.CodeLinesCount, &m.QueryCategory,
			&m.ResponseTimeMs, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	span.SetAttributes(attribute.Int("messages.count", len(conv.Messages)))
	return conv, nil
}

func (s *Store) queryTypeCounts(ctx context.Context, query string, args ...interface{}) ([]TypeCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query type counts: %w", err)
	}
	defer rows.Close()

	counts := []TypeCount{}
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.EventType, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		counts = append(counts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate type counts: %w", err)
	}
	return counts, nil
}
