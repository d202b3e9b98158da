package ingest

import (
	"database/sql"
	"testing"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/testutil"
)

func TestIngest_SnapshotArchiving_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := testutil.SetupTestEnvironment(t)
	pipeline := NewPipeline(env.DB, env.Storage)

	now := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	content := "package main\n\nfunc main() {}\n"

	t.Run("archives snapshot content after commit", func(t *testing.T) {
		env.CleanDB(t)

		batch := toEnvelopes(t,
			testutil.Event("arch-1", "CODE_SNAPSHOT", now, map[string]interface{}{
				"active_user_email": "alice@uni.edu",
				"pair_session_id":   "pair-arch",
				"data": map[string]interface{}{
					"file_name": "main.go",
					"language":  "go",
					"content":   content,
				},
			}),
		)

		result, err := pipeline.Ingest(env.Ctx, batch)
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		if result.Succeeded != 1 {
			t.Fatalf("expected 1 success, got %+v", result)
		}

		var snapshotID string
		var archiveKey sql.NullString
		err = env.DB.Conn().QueryRowContext(env.Ctx,
			`SELECT snapshot_id, archive_key FROM code_snapshots`).Scan(&snapshotID, &archiveKey)
		if err != nil {
			t.Fatalf("failed to read snapshot row: %v", err)
		}
		if !archiveKey.Valid {
			t.Fatal("expected archive_key to be backfilled")
		}

		got, err := env.Storage.FetchSnapshot(env.Ctx, archiveKey.String)
		if err != nil {
			t.Fatalf("failed to fetch archived snapshot: %v", err)
		}
		if got != content {
			t.Errorf("archived content mismatch: got %q", got)
		}
	})

	t.Run("empty content skips the archive", func(t *testing.T) {
		env.CleanDB(t)

		batch := toEnvelopes(t,
			testutil.Event("arch-2", "CODE_SNAPSHOT", now, map[string]interface{}{
				"active_user_email": "alice@uni.edu",
				"data": map[string]interface{}{
					"file_name": "empty.go",
				},
			}),
		)

		result, err := pipeline.Ingest(env.Ctx, batch)
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		if result.Succeeded != 1 {
			t.Fatalf("expected 1 success, got %+v", result)
		}

		var archiveKey sql.NullString
		err = env.DB.Conn().QueryRowContext(env.Ctx,
			`SELECT archive_key FROM code_snapshots`).Scan(&archiveKey)
		if err != nil {
			t.Fatalf("failed to read snapshot row: %v", err)
		}
		if archiveKey.Valid {
			t.Errorf("expected no archive key, got %q", archiveKey.String)
		}
	})
}
