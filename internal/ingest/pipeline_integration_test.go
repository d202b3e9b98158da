package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/testutil"
)

var baseTime = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func validEvent(id string, offset time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"event_id":          id,
		"event_type":        "SESSION_START",
		"timestamp":         baseTime.Add(offset).Format(time.RFC3339),
		"active_user_email": "alice@uni.edu",
	}
}

func brokenEvent(id string) map[string]interface{} {
	// Missing actor email for an actor-required type
	return map[string]interface{}{
		"event_id":   id,
		"event_type": "SESSION_START",
		"timestamp":  baseTime.Format(time.RFC3339),
	}
}

func pairStart(id, token string, offset time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        id,
		"event_type":      "PAIR_SESSION_START",
		"timestamp":       baseTime.Add(offset).Format(time.RFC3339),
		"pair_session_id": token,
		"driver_email":    "alice@uni.edu",
		"navigator_email": "bob@uni.edu",
	}
}

func roleSwitch(id, token, newDriver string, offset time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        id,
		"event_type":      "PAIR_ROLE_SWITCH",
		"timestamp":       baseTime.Add(offset).Format(time.RFC3339),
		"pair_session_id": token,
		"data":            map[string]interface{}{"new_driver_email": newDriver},
	}
}

func toEnvelopes(t *testing.T, events ...map[string]interface{}) []Envelope {
	t.Helper()
	envelopes := make([]Envelope, 0, len(events))
	for _, fields := range events {
		envelopes = append(envelopes, *envelope(t, fields))
	}
	return envelopes
}

func TestIngest_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := testutil.SetupTestEnvironment(t)
	pipeline := NewPipeline(env.DB, nil)
	ctx := context.Background()

	t.Run("rolls back whole batch when more than half fail", func(t *testing.T) {
		env.CleanDB(t)

		events := []map[string]interface{}{}
		for i := 0; i < 4; i++ {
			events = append(events, validEvent(fmt.Sprintf("ok-%d", i), time.Duration(i)*time.Second))
		}
		for i := 0; i < 6; i++ {
			events = append(events, brokenEvent(fmt.Sprintf("bad-%d", i)))
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t, events...))
		if !errors.Is(err, ErrTooManyFailures) {
			t.Fatalf("expected ErrTooManyFailures, got %v", err)
		}
		if result.Failed != 6 || result.Succeeded != 4 {
			t.Errorf("expected 6 failed / 4 succeeded, got %d / %d", result.Failed, result.Succeeded)
		}

		// Everything rolled back, including log rows of the 4 successes
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 0 {
			t.Errorf("expected 0 log rows after rollback, got %d", n)
		}
	})

	t.Run("keeps successes when failures are exactly at the threshold", func(t *testing.T) {
		env.CleanDB(t)

		events := []map[string]interface{}{}
		for i := 0; i < 6; i++ {
			events = append(events, validEvent(fmt.Sprintf("ok-%d", i), time.Duration(i)*time.Second))
		}
		for i := 0; i < 4; i++ {
			events = append(events, brokenEvent(fmt.Sprintf("bad-%d", i)))
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t, events...))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.Succeeded != 6 || result.Failed != 4 {
			t.Errorf("expected 6 succeeded / 4 failed, got %d / %d", result.Succeeded, result.Failed)
		}
		if len(result.Errors) != 4 {
			t.Errorf("expected 4 error details, got %d", len(result.Errors))
		}
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 6 {
			t.Errorf("expected 6 log rows, got %d", n)
		}
	})

	t.Run("duplicate event id is an error without a second row", func(t *testing.T) {
		env.CleanDB(t)

		first, err := pipeline.Ingest(ctx, toEnvelopes(t, validEvent("dup-1", 0)))
		if err != nil || first.Succeeded != 1 {
			t.Fatalf("first ingest failed: %v (%+v)", err, first)
		}

		// Re-delivery of the same event id plus one new event
		second, err := pipeline.Ingest(ctx, toEnvelopes(t,
			validEvent("dup-1", 0),
			validEvent("fresh-1", time.Second),
		))
		if err != nil {
			t.Fatalf("second ingest failed: %v", err)
		}
		if second.Succeeded != 1 || second.Failed != 1 {
			t.Errorf("expected 1 succeeded / 1 failed, got %d / %d", second.Succeeded, second.Failed)
		}
		if len(second.Errors) != 1 || second.Errors[0].EventID != "dup-1" {
			t.Errorf("expected error detail for dup-1, got %+v", second.Errors)
		}
		if n := testutil.CountRows(t, env, "analytics_events", "event_id = $1", "dup-1"); n != 1 {
			t.Errorf("expected exactly one row for dup-1, got %d", n)
		}
	})

	t.Run("creates identities with derived domain and event-time last seen", func(t *testing.T) {
		env.CleanDB(t)

		eventTime := baseTime.Add(-48 * time.Hour)
		_, err := pipeline.Ingest(ctx, toEnvelopes(t, map[string]interface{}{
			"event_id":          "id-1",
			"event_type":        "SESSION_START",
			"timestamp":         eventTime.Format(time.RFC3339),
			"active_user_email": "carol@college.edu",
		}))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}

		var domain string
		var lastActive time.Time
		err = env.DB.QueryRow(ctx,
			`SELECT university_domain, last_active_at FROM users WHERE email = $1`,
			"carol@college.edu").Scan(&domain, &lastActive)
		if err != nil {
			t.Fatalf("user not created: %v", err)
		}
		if domain != "college.edu" {
			t.Errorf("expected derived domain college.edu, got %q", domain)
		}
		if !lastActive.UTC().Equal(eventTime) {
			t.Errorf("expected last_active_at %v (event time), got %v", eventTime, lastActive.UTC())
		}
	})

	t.Run("pair session lifecycle start switch end", func(t *testing.T) {
		env.CleanDB(t)

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			pairStart("ps-1", "pair-e2e", 0),
			roleSwitch("ps-2", "pair-e2e", "bob@uni.edu", time.Minute),
			map[string]interface{}{
				"event_id":        "ps-3",
				"event_type":      "PAIR_SESSION_END",
				"timestamp":       baseTime.Add(2 * time.Minute).Format(time.RFC3339),
				"pair_session_id": "pair-e2e",
				"data":            map[string]interface{}{"completed_tasks": 3, "pending_tasks": 1},
			},
		))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.Succeeded != 3 {
			t.Fatalf("expected 3 successes, got %+v", result)
		}

		var switches, completed, pending int
		var endTime *time.Time
		err = env.DB.QueryRow(ctx, `
			SELECT total_role_switches, completed_tasks_count, pending_tasks_count, end_time
			FROM pair_sessions WHERE pair_session_id = $1`, "pair-e2e").Scan(
			&switches, &completed, &pending, &endTime)
		if err != nil {
			t.Fatalf("pair session not found: %v", err)
		}
		if switches != 1 {
			t.Errorf("expected 1 role switch, got %d", switches)
		}
		if completed != 3 || pending != 1 {
			t.Errorf("expected final counters 3/1, got %d/%d", completed, pending)
		}
		if endTime == nil {
			t.Error("expected end_time to be set")
		}
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 3 {
			t.Errorf("expected 3 log rows, got %d", n)
		}
	})

	t.Run("k role switches produce count k and a chained audit trail", func(t *testing.T) {
		env.CleanDB(t)

		const k = 5
		events := []map[string]interface{}{pairStart("sw-0", "pair-k", 0)}
		drivers := []string{"alice@uni.edu", "bob@uni.edu"}
		for i := 1; i <= k; i++ {
			// Alternates starting with bob (alice drives first)
			events = append(events, roleSwitch(
				fmt.Sprintf("sw-%d", i), "pair-k", drivers[i%2], time.Duration(i)*time.Minute))
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t, events...))
		if err != nil || result.Failed != 0 {
			t.Fatalf("Ingest failed: %v (%+v)", err, result)
		}

		var switches int
		if err := env.DB.QueryRow(ctx,
			`SELECT total_role_switches FROM pair_sessions WHERE pair_session_id = $1`,
			"pair-k").Scan(&switches); err != nil {
			t.Fatalf("pair session not found: %v", err)
		}
		if switches != k {
			t.Errorf("expected %d switches, got %d", k, switches)
		}

		rows, err := env.DB.Conn().QueryContext(ctx, `
			SELECT rs.previous_driver_id, rs.new_driver_id
			FROM role_switches rs
			JOIN pair_sessions ps ON ps.pp_session_id = rs.pp_session_id
			WHERE ps.pair_session_id = $1
			ORDER BY rs.switch_id ASC`, "pair-k")
		if err != nil {
			t.Fatalf("failed to query role switches: %v", err)
		}
		defer rows.Close()

		var prevNew int64
		count := 0
		for rows.Next() {
			var prev, next int64
			if err := rows.Scan(&prev, &next); err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if count > 0 && prev != prevNew {
				t.Errorf("audit row %d not chained: previous %d != prior new %d", count, prev, prevNew)
			}
			if prev == next {
				t.Errorf("audit row %d switches to the same driver", count)
			}
			prevNew = next
			count++
		}
		if count != k {
			t.Errorf("expected %d audit rows, got %d", k, count)
		}
	})

	t.Run("task counters floor at zero", func(t *testing.T) {
		env.CleanDB(t)

		task := func(id, typ string, offset time.Duration) map[string]interface{} {
			return map[string]interface{}{
				"event_id":          id,
				"event_type":        typ,
				"timestamp":         baseTime.Add(offset).Format(time.RFC3339),
				"pair_session_id":   "pair-tasks",
				"active_user_email": "alice@uni.edu",
			}
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			pairStart("t-0", "pair-tasks", 0),
			task("t-1", "TASK_CREATE", 1*time.Second),
			task("t-2", "TASK_CREATE", 2*time.Second),
			task("t-3", "TASK_COMPLETE", 3*time.Second),
			task("t-4", "TASK_COMPLETE", 4*time.Second),
			task("t-5", "TASK_COMPLETE", 5*time.Second), // pending already 0, floors
			task("t-6", "TASK_EDIT", 6*time.Second),     // no counter effect
			task("t-7", "TASK_DELETE", 7*time.Second),   // pending 0, floors
		))
		if err != nil || result.Failed != 0 {
			t.Fatalf("Ingest failed: %v (%+v)", err, result)
		}

		var pending, completed int
		if err := env.DB.QueryRow(ctx, `
			SELECT pending_tasks_count, completed_tasks_count
			FROM pair_sessions WHERE pair_session_id = $1`, "pair-tasks").Scan(&pending, &completed); err != nil {
			t.Fatalf("pair session not found: %v", err)
		}
		if pending != 0 {
			t.Errorf("expected pending floored at 0, got %d", pending)
		}
		if completed != 3 {
			t.Errorf("expected 3 completed, got %d", completed)
		}
	})

	t.Run("pair events without an open session are warnings not errors", func(t *testing.T) {
		env.CleanDB(t)

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			roleSwitch("w-1", "pair-none", "bob@uni.edu", 0),
			map[string]interface{}{
				"event_id":        "w-2",
				"event_type":      "PAIR_SESSION_END",
				"timestamp":       baseTime.Format(time.RFC3339),
				"pair_session_id": "pair-none",
			},
			map[string]interface{}{
				"event_id":          "w-3",
				"event_type":        "TASK_CREATE",
				"timestamp":         baseTime.Format(time.RFC3339),
				"pair_session_id":   "pair-none",
				"active_user_email": "alice@uni.edu",
			},
		))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.Failed != 0 || result.Succeeded != 3 {
			t.Errorf("expected all successes, got %+v", result)
		}
		if len(result.Warnings) != 3 {
			t.Errorf("expected 3 warnings, got %+v", result.Warnings)
		}
		// Log rows still written
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 3 {
			t.Errorf("expected 3 log rows, got %d", n)
		}
	})

	t.Run("re-sent start updates the open row in place", func(t *testing.T) {
		env.CleanDB(t)

		_, err := pipeline.Ingest(ctx, toEnvelopes(t,
			pairStart("rs-1", "pair-retry", 0),
			roleSwitch("rs-2", "pair-retry", "bob@uni.edu", time.Minute),
		))
		if err != nil {
			t.Fatalf("first ingest failed: %v", err)
		}

		// Client retries the start event
		restart := pairStart("rs-3", "pair-retry", 2*time.Minute)
		restart["data"] = map[string]interface{}{"workspace_name": "lab-7"}
		result, err := pipeline.Ingest(ctx, toEnvelopes(t, restart))
		if err != nil || result.Failed != 0 {
			t.Fatalf("retry ingest failed: %v (%+v)", err, result)
		}

		if n := testutil.CountRows(t, env, "pair_sessions", "pair_session_id = $1", "pair-retry"); n != 1 {
			t.Fatalf("expected one pair session row, got %d", n)
		}

		var switches int
		var workspace string
		if err := env.DB.QueryRow(ctx, `
			SELECT total_role_switches, COALESCE(workspace_name, '')
			FROM pair_sessions WHERE pair_session_id = $1`, "pair-retry").Scan(&switches, &workspace); err != nil {
			t.Fatalf("pair session not found: %v", err)
		}
		if switches != 1 {
			t.Errorf("re-sent start must not reset switch count, got %d", switches)
		}
		if workspace != "lab-7" {
			t.Errorf("expected refreshed workspace, got %q", workspace)
		}
	})

	t.Run("handler failure keeps the log row", func(t *testing.T) {
		env.CleanDB(t)

		chat := func(id string, order int, offset time.Duration) map[string]interface{} {
			return map[string]interface{}{
				"event_id":          id,
				"event_type":        "CHAT_INTERACTION",
				"timestamp":         baseTime.Add(offset).Format(time.RFC3339),
				"active_user_email": "alice@uni.edu",
				"conversation_id":   "conv-1",
				"data": map[string]interface{}{
					// Same client-supplied message id: second insert hits the
					// chat_messages primary key
					"message_id":      "7d8e7a9e-54d1-4e83-9a30-0f0f9a6f2b11",
					"message_order":   order,
					"message_content": "how do I test this?",
				},
			}
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			chat("hf-1", 1, 0),
			chat("hf-2", 2, time.Second),
			validEvent("hf-3", 2*time.Second),
		))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.Succeeded != 2 || result.Failed != 1 {
			t.Fatalf("expected 2 succeeded / 1 failed, got %+v", result)
		}
		if result.Errors[0].EventID != "hf-2" {
			t.Errorf("expected hf-2 to fail, got %+v", result.Errors)
		}

		// The failed event's log row stands even though its handler failed
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 3 {
			t.Errorf("expected 3 log rows, got %d", n)
		}
		if n := testutil.CountRows(t, env, "chat_messages", ""); n != 1 {
			t.Errorf("expected 1 chat message, got %d", n)
		}
	})

	t.Run("pair events without a token are logged no-ops", func(t *testing.T) {
		env.CleanDB(t)

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			map[string]interface{}{
				"event_id":   "nt-1",
				"event_type": "PAIR_SESSION_END",
				"timestamp":  baseTime.Format(time.RFC3339),
			},
			map[string]interface{}{
				"event_id":   "nt-2",
				"event_type": "PAIR_ROLE_SWITCH",
				"timestamp":  baseTime.Format(time.RFC3339),
			},
			map[string]interface{}{
				"event_id":          "nt-3",
				"event_type":        "TASK_CREATE",
				"timestamp":         baseTime.Format(time.RFC3339),
				"active_user_email": "alice@uni.edu",
			},
		))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if result.Failed != 0 || result.Succeeded != 3 {
			t.Errorf("expected all successes, got %+v", result)
		}
		if len(result.Warnings) != 3 {
			t.Errorf("expected 3 warnings, got %+v", result.Warnings)
		}
		if n := testutil.CountRows(t, env, "analytics_events", ""); n != 3 {
			t.Errorf("expected 3 log rows, got %d", n)
		}
		if n := testutil.CountRows(t, env, "pair_sessions", ""); n != 0 {
			t.Errorf("expected no pair session rows, got %d", n)
		}
	})

	t.Run("extension snapshot shape persists under the client id", func(t *testing.T) {
		env.CleanDB(t)

		result, err := pipeline.Ingest(ctx, toEnvelopes(t, map[string]interface{}{
			"event_id":          "snap-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         baseTime.Format(time.RFC3339),
			"active_user_email": "alice@uni.edu",
			"pair_session_id":   "pair-snap",
			"data": map[string]interface{}{
				"metadata": map[string]interface{}{
					"snapshot_id": "0b8f7c52-9f49-4d5a-8f46-d51c2a3e7b90",
					"file_name":   "main.go",
					"file_path":   "src/main.go",
					"language":    "go",
					"author_role": "driver",
					"metrics": map[string]interface{}{
						"line_count": 120,
						"char_count": 3400,
						"changes_since_last": map[string]interface{}{
							"lines_added": 7,
							"chars_added": 210,
						},
					},
					"task_id_context": "task-9",
					"workspace":       map[string]interface{}{"name": "lab-3"},
					"git_info": map[string]interface{}{
						"branch":      "main",
						"commit_hash": "abc1234",
						"has_changes": true,
					},
				},
				"code_content": "package main",
			},
		}))
		if err != nil || result.Failed != 0 {
			t.Fatalf("Ingest failed: %v (%+v)", err, result)
		}

		var fileName, content, workspace, commit, taskID string
		var lineCount, linesAdded int
		err = env.DB.QueryRow(ctx, `
			SELECT file_name, code_content, COALESCE(workspace_name, ''), COALESCE(git_commit, ''),
			       COALESCE(task_id, ''), COALESCE(line_count, 0), COALESCE(lines_added, 0)
			FROM code_snapshots WHERE snapshot_id = $1`,
			"0b8f7c52-9f49-4d5a-8f46-d51c2a3e7b90").Scan(
			&fileName, &content, &workspace, &commit, &taskID, &lineCount, &linesAdded)
		if err != nil {
			t.Fatalf("snapshot not stored under the client id: %v", err)
		}
		if fileName != "main.go" || content != "package main" {
			t.Errorf("expected nested name and content persisted, got %q / %q", fileName, content)
		}
		if workspace != "lab-3" || commit != "abc1234" || taskID != "task-9" {
			t.Errorf("expected nested metadata persisted, got %q / %q / %q", workspace, commit, taskID)
		}
		if lineCount != 120 || linesAdded != 7 {
			t.Errorf("expected metrics 120/7, got %d/%d", lineCount, linesAdded)
		}
	})

	t.Run("client reported message length is kept", func(t *testing.T) {
		env.CleanDB(t)

		chat := func(id, msgID string, data map[string]interface{}, offset time.Duration) map[string]interface{} {
			data["message_id"] = msgID
			return map[string]interface{}{
				"event_id":          id,
				"event_type":        "CHAT_INTERACTION",
				"timestamp":         baseTime.Add(offset).Format(time.RFC3339),
				"active_user_email": "alice@uni.edu",
				"conversation_id":   "conv-len",
				"data":              data,
			}
		}

		result, err := pipeline.Ingest(ctx, toEnvelopes(t,
			chat("ml-1", "aa6a25c8-7c5c-4f5e-9a39-2b1a51f9d001", map[string]interface{}{
				"message_content": "short",
				"message_length":  2048,
			}, 0),
			chat("ml-2", "aa6a25c8-7c5c-4f5e-9a39-2b1a51f9d002", map[string]interface{}{
				"message_content": "héllo",
			}, time.Second),
		))
		if err != nil || result.Failed != 0 {
			t.Fatalf("Ingest failed: %v (%+v)", err, result)
		}

		lengthOf := func(msgID string) int {
			var n int
			if err := env.DB.QueryRow(ctx,
				`SELECT message_length FROM chat_messages WHERE message_id = $1`, msgID).Scan(&n); err != nil {
				t.Fatalf("message %s not found: %v", msgID, err)
			}
			return n
		}
		if n := lengthOf("aa6a25c8-7c5c-4f5e-9a39-2b1a51f9d001"); n != 2048 {
			t.Errorf("expected client-reported length 2048, got %d", n)
		}
		// No client value: counted in runes, not bytes
		if n := lengthOf("aa6a25c8-7c5c-4f5e-9a39-2b1a51f9d002"); n != 5 {
			t.Errorf("expected counted length 5, got %d", n)
		}
	})

	t.Run("role switch driver resolves with the other identities", func(t *testing.T) {
		env.CleanDB(t)

		tx, err := env.DB.BeginTx(ctx)
		if err != nil {
			t.Fatalf("BeginTx failed: %v", err)
		}
		defer tx.Rollback()

		ev, err := Normalize(envelope(t, roleSwitch("ri-1", "pair-ri", "dana@uni.edu", 0)))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}

		cache := newBatchCache()
		ids, err := pipeline.resolveIdentities(ctx, tx, cache, ev)
		if err != nil {
			t.Fatalf("resolveIdentities failed: %v", err)
		}
		// Resolution happens with the batch identities, before any
		// per-event savepoint: a handler rollback can never undo the
		// insert while the cache keeps the row.
		if ids.newDriver == nil {
			t.Fatal("expected the incoming driver resolved before the handler runs")
		}
		if _, ok := cache.users["dana@uni.edu"]; !ok {
			t.Error("expected the incoming driver cached with the batch identities")
		}
	})
}
