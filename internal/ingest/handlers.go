package ingest

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// applyEvent dispatches a normalized event to its type-specific handler.
// Soft no-op conditions (role-switch, task, or end events with no pair
// session token or no open pair session) come back as warnings, not
// errors: the event is handled.
func (p *Pipeline) applyEvent(ctx context.Context, tx *db.Tx, ev *NormalizedEvent, ids resolvedIDs, session *models.Session) ([]archiveJob, []string, error) {
	switch ev.Kind {
	case KindPairStart:
		return nil, nil, p.handlePairStart(ctx, tx, ev, ids)
	case KindRoleSwitch:
		warn, err := p.handleRoleSwitch(ctx, tx, ev, ids)
		return nil, warn, err
	case KindPairEnd:
		warn, err := p.handlePairEnd(ctx, tx, ev)
		return nil, warn, err
	case KindTask:
		warn, err := p.handleTask(ctx, tx, ev)
		return nil, warn, err
	case KindChat:
		warn, err := p.handleChat(ctx, tx, ev, ids)
		return nil, warn, err
	case KindSnapshot:
		return p.handleSnapshot(ctx, tx, ev, ids)
	case KindSessionTerminal:
		if ev.SessionID != nil {
			if err := tx.CloseSession(ctx, *ev.SessionID, ev.Timestamp); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	default:
		// Generic events carry no type-specific handling; the log row is
		// the whole effect.
		return nil, nil, nil
	}
}

// handlePairStart opens (or, for a re-sent start, refreshes) the pair
// session. Normalize guarantees both participant emails were present;
// resolution failures surfaced earlier as event failures.
func (p *Pipeline) handlePairStart(ctx context.Context, tx *db.Tx, ev *NormalizedEvent, ids resolvedIDs) error {
	if ids.driver == nil || ids.navigator == nil {
		return fmt.Errorf("pair session start requires resolved driver and navigator")
	}
	_, err := tx.OpenPairSession(ctx, db.PairSessionParams{
		PairSessionID:           *ev.PairSessionID,
		DriverID:                *ids.driver,
		NavigatorID:             *ids.navigator,
		StartTime:               ev.Timestamp,
		ExpectedDurationMinutes: ev.PairStart.ExpectedDurationMinutes,
		WorkspaceName:           ev.PairStart.WorkspaceName,
	})
	return err
}

// handleRoleSwitch records the driver change. The new driver was resolved
// alongside the other identities, before the per-event savepoint, so a
// rollback here never leaves the batch cache holding an undone insert.
func (p *Pipeline) handleRoleSwitch(ctx context.Context, tx *db.Tx, ev *NormalizedEvent, ids resolvedIDs) ([]string, error) {
	if ev.PairSessionID == nil {
		return []string{missingPairTokenWarning(ev)}, nil
	}
	if ids.newDriver == nil {
		return nil, fmt.Errorf("role switch requires a resolved new driver")
	}

	_, err := tx.SwitchDriver(ctx, *ev.PairSessionID, *ids.newDriver, ev.Timestamp)
	if errors.Is(err, db.ErrNoOpenPairSession) {
		return []string{noOpenSessionWarning(ev)}, nil
	}
	return nil, err
}

func (p *Pipeline) handlePairEnd(ctx context.Context, tx *db.Tx, ev *NormalizedEvent) ([]string, error) {
	if ev.PairSessionID == nil {
		return []string{missingPairTokenWarning(ev)}, nil
	}
	err := tx.ClosePairSession(ctx, *ev.PairSessionID, ev.Timestamp,
		ev.PairEnd.CompletedTasks, ev.PairEnd.PendingTasks)
	if errors.Is(err, db.ErrNoOpenPairSession) {
		return []string{noOpenSessionWarning(ev)}, nil
	}
	return nil, err
}

func (p *Pipeline) handleTask(ctx context.Context, tx *db.Tx, ev *NormalizedEvent) ([]string, error) {
	if ev.PairSessionID == nil {
		return []string{missingPairTokenWarning(ev)}, nil
	}

	var pendingDelta, completedDelta int
	switch ev.EventType {
	case TypeTaskCreate:
		pendingDelta = 1
	case TypeTaskComplete:
		pendingDelta, completedDelta = -1, 1
	case TypeTaskDelete:
		pendingDelta = -1
	case TypeTaskEdit:
		// No counter effect
		return nil, nil
	}

	err := tx.AdjustTaskCounters(ctx, *ev.PairSessionID, pendingDelta, completedDelta)
	if errors.Is(err, db.ErrNoOpenPairSession) {
		return []string{noOpenSessionWarning(ev)}, nil
	}
	return nil, err
}

// handleChat writes the chat message and then dual-writes the legacy
// chat_interactions table as an independent secondary effect: a legacy
// failure is rolled back to its own savepoint and reported as a
// diagnostic, never as an event failure.
func (p *Pipeline) handleChat(ctx context.Context, tx *db.Tx, ev *NormalizedEvent, ids resolvedIDs) ([]string, error) {
	msg := &models.ChatMessage{
		MessageID:       parseOrNewUUID(ev.Chat.MessageID),
		ConversationID:  *ev.ConversationID,
		PairSessionID:   ev.PairSessionID,
		MessageOrder:    ev.Chat.MessageOrder,
		ParentMessageID: parseUUIDPtr(ev.Chat.ParentMessageID),
		AuthorUserID:    ids.actor,
		AuthorRole:      ev.Chat.AuthorRole,
		DriverUserID:    ids.driver,
		NavigatorUserID: ids.navigator,
		MessageType:     ev.Chat.MessageType,
		MessageContent:  ev.Chat.MessageContent,
		MessageLength:   chatMessageLength(ev.Chat),
		IncludedCode:    ev.Chat.IncludedCode,
		CodeLanguage:    ev.Chat.CodeLanguage,
		CodeLinesCount:  ev.Chat.CodeLinesCount,
		QueryCategory:   ev.Chat.QueryCategory,
		ResponseTimeMs:  ev.Chat.ResponseTimeMs,
		SentAt:          ev.Timestamp,
	}
	if err := tx.InsertChatMessage(ctx, msg); err != nil {
		return nil, err
	}

	if err := tx.Savepoint(ctx, "legacy_chat"); err != nil {
		return nil, err
	}
	if err := tx.InsertLegacyChatInteraction(ctx, msg, ev.SessionID); err != nil {
		if rbErr := tx.RollbackTo(ctx, "legacy_chat"); rbErr != nil {
			return nil, rbErr
		}
		return []string{fmt.Sprintf("legacy chat write failed: %v", err)}, nil
	}
	return nil, nil
}

// handleSnapshot writes the snapshot row and enqueues the compressed
// object-storage copy for after commit.
func (p *Pipeline) handleSnapshot(ctx context.Context, tx *db.Tx, ev *NormalizedEvent, ids resolvedIDs) ([]archiveJob, []string, error) {
	snap := &models.CodeSnapshot{
		SnapshotID:      parseOrNewUUID(ev.Snapshot.SnapshotID),
		PairSessionID:   ev.PairSessionID,
		AuthorUserID:    ids.actor,
		AuthorRole:      ev.Snapshot.AuthorRole,
		DriverUserID:    ids.driver,
		NavigatorUserID: ids.navigator,
		FileName:        ev.Snapshot.FileName,
		FilePath:        ev.Snapshot.FilePath,
		Language:        ev.Snapshot.Language,
		WorkspaceName:   ev.Snapshot.WorkspaceName,
		TaskID:          ev.Snapshot.TaskID,
		CodeContent:     ev.Snapshot.Content,
		CapturedAt:      ev.Timestamp,
	}
	if m := ev.Snapshot.Metrics; m != nil {
		snap.LineCount = m.LineCount
		snap.CharCount = m.CharCount
		snap.LinesAdded = m.LinesAdded
		snap.CharsAdded = m.CharsAdded
	}
	if g := ev.Snapshot.GitInfo; g != nil {
		snap.GitBranch = g.Branch
		snap.GitCommit = g.Commit
		snap.HasGitChanges = g.HasChanges
	}

	if err := tx.InsertCodeSnapshot(ctx, snap); err != nil {
		return nil, nil, err
	}

	if p.archive == nil || snap.CodeContent == "" {
		return nil, nil, nil
	}
	pairToken := ""
	if ev.PairSessionID != nil {
		pairToken = *ev.PairSessionID
	}
	jobs := []archiveJob{{
		snapshotID:    snap.SnapshotID,
		pairSessionID: pairToken,
		content:       snap.CodeContent,
	}}
	return jobs, nil, nil
}

func noOpenSessionWarning(ev *NormalizedEvent) string {
	return fmt.Sprintf("%s ignored: no open pair session for token %s", ev.EventType, *ev.PairSessionID)
}

func missingPairTokenWarning(ev *NormalizedEvent) string {
	return ev.EventType + " ignored: no pair_session_id on event"
}

// chatMessageLength prefers the client-reported length; absent that, the
// content is counted in runes.
func chatMessageLength(c *ChatPayload) int {
	if c.MessageLength != nil {
		return *c.MessageLength
	}
	return utf8.RuneCountInString(c.MessageContent)
}

// parseOrNewUUID keeps a client-supplied id when it is a valid UUID,
// otherwise mints one (the columns are typed uuid).
func parseOrNewUUID(s string) string {
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

func parseUUIDPtr(s *string) *string {
	if s == nil {
		return nil
	}
	if id, err := uuid.Parse(*s); err == nil {
		v := id.String()
		return &v
	}
	return nil
}
