package db

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// InsertChatMessage appends one chat message row
func (t *Tx) InsertChatMessage(ctx context.Context, m *models.ChatMessage) error {
	ctx, span := tracer.Start(ctx, "db.insert_chat_message",
		trace.WithAttributes(
			attribute.String("conversation.id", m.ConversationID),
			attribute.String("message.type", m.MessageType),
		))
	defer span.End()

	query := `
		INSERT INTO chat_messages (
			message_id, conversation_id, pair_session_id, message_order, parent_message_id,
			author_user_id, author_role, driver_user_id, navigator_user_id,
			message_type, message_content, message_length, included_code,
			code_language, code_lines_count, query_category, response_time_ms, sent_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := t.tx.ExecContext(ctx, query,
		m.MessageID,
		m.ConversationID,
		m.PairSessionID,
		m.MessageOrder,
		m.ParentMessageID,
		m.AuthorUserID,
		m.AuthorRole,
		m.DriverUserID,
		m.NavigatorUserID,
		m.MessageType,
		m.MessageContent,
		m.MessageLength,
		m.IncludedCode,
		m.CodeLanguage,
		m.CodeLinesCount,
		m.QueryCategory,
		m.ResponseTimeMs,
		m.SentAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// InsertLegacyChatInteraction dual-writes the flattened legacy table.
// Callers treat a failure here as a per-event diagnostic, never as an
// event failure: the legacy table is kept only for old dashboards.
func (t *Tx) InsertLegacyChatInteraction(ctx context.Context, m *models.ChatMessage, sessionID *string) error {
	query := `
		INSERT INTO chat_interactions (
			user_id, session_id, pair_session_id, message_type, message_content,
			included_code, response_time_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.tx.ExecContext(ctx, query,
		m.AuthorUserID,
		sessionID,
		m.PairSessionID,
		m.MessageType,
		m.MessageContent,
		m.IncludedCode,
		m.ResponseTimeMs,
		m.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert legacy chat interaction: %w", err)
	}
	return nil
}
