package db

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// InsertCodeSnapshot appends one code snapshot row
func (t *Tx) InsertCodeSnapshot(ctx context.Context, s *models.CodeSnapshot) error {
	ctx, span := tracer.Start(ctx, "db.insert_code_snapshot",
		trace.WithAttributes(
			attribute.String("snapshot.id", s.SnapshotID),
			attribute.String("snapshot.file_name", s.FileName),
		))
	defer span.End()

	query := `
		INSERT INTO code_snapshots (
			snapshot_id, pair_session_id, author_user_id, author_role,
			driver_user_id, navigator_user_id, file_name, file_path, language,
			workspace_name, line_count, char_count, lines_added, chars_added,
			task_id, git_branch, git_commit, has_git_changes, code_content, captured_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := t.tx.ExecContext(ctx, query,
		s.SnapshotID,
		s.PairSessionID,
		s.AuthorUserID,
		s.AuthorRole,
		s.DriverUserID,
		s.NavigatorUserID,
		s.FileName,
		s.FilePath,
		s.Language,
		s.WorkspaceName,
		s.LineCount,
		s.CharCount,
		s.LinesAdded,
		s.CharsAdded,
		s.TaskID,
		s.GitBranch,
		s.GitCommit,
		s.HasGitChanges,
		s.CodeContent,
		s.CapturedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert code snapshot: %w", err)
	}
	return nil
}

// SetSnapshotArchiveKey records the object-storage key of a snapshot's
// compressed copy. Runs outside the batch transaction: the archive upload
// happens after commit, and a missing key only means "no archive".
func (db *DB) SetSnapshotArchiveKey(ctx context.Context, snapshotID, archiveKey string) error {
	query := `UPDATE code_snapshots SET archive_key = $2 WHERE snapshot_id = $1`
	if _, err := db.conn.ExecContext(ctx, query, snapshotID, archiveKey); err != nil {
		return fmt.Errorf("failed to set snapshot archive key: %w", err)
	}
	return nil
}
