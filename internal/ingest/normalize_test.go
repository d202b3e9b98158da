package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func envelope(t *testing.T, fields map[string]interface{}) *Envelope {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	return &env
}

func TestNormalize_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
		field  string
	}{
		{
			name: "missing event_id",
			fields: map[string]interface{}{
				"event_type":        "SESSION_START",
				"timestamp":         "2026-08-28T10:00:00Z",
				"active_user_email": "alice@uni.edu",
			},
			field: "event_id",
		},
		{
			name: "missing event_type",
			fields: map[string]interface{}{
				"event_id":          "evt-1",
				"timestamp":         "2026-08-28T10:00:00Z",
				"active_user_email": "alice@uni.edu",
			},
			field: "event_type",
		},
		{
			name: "missing timestamp",
			fields: map[string]interface{}{
				"event_id":          "evt-1",
				"event_type":        "SESSION_START",
				"active_user_email": "alice@uni.edu",
			},
			field: "timestamp",
		},
		{
			name: "missing actor for actor-required type",
			fields: map[string]interface{}{
				"event_id":   "evt-1",
				"event_type": "SESSION_START",
				"timestamp":  "2026-08-28T10:00:00Z",
			},
			field: "active_user_email",
		},
		{
			name: "invalid actor email",
			fields: map[string]interface{}{
				"event_id":          "evt-1",
				"event_type":        "SESSION_START",
				"timestamp":         "2026-08-28T10:00:00Z",
				"active_user_email": "not-an-email",
			},
			field: "active_user_email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(envelope(t, tt.fields))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestNormalize_ActorlessTypes(t *testing.T) {
	for _, eventType := range []string{
		"PAIR_SESSION_START", "PAIR_SESSION_END", "PAIR_ROLE_SWITCH", "API_RESPONSE_TIME",
	} {
		t.Run(eventType, func(t *testing.T) {
			fields := map[string]interface{}{
				"event_id":   "evt-1",
				"event_type": eventType,
				"timestamp":  "2026-08-28T10:00:00Z",
			}
			switch eventType {
			case "PAIR_SESSION_START":
				fields["pair_session_id"] = "pair-1"
				fields["driver_email"] = "alice@uni.edu"
				fields["navigator_email"] = "bob@uni.edu"
			case "PAIR_SESSION_END":
				fields["pair_session_id"] = "pair-1"
			case "PAIR_ROLE_SWITCH":
				fields["pair_session_id"] = "pair-1"
				fields["driver_email"] = "bob@uni.edu"
			}

			ev, err := Normalize(envelope(t, fields))
			if err != nil {
				t.Fatalf("expected actor-less %s to normalize, got %v", eventType, err)
			}
			if ev.ActorEmail != "" {
				t.Errorf("expected empty actor email, got %q", ev.ActorEmail)
			}
		})
	}
}

func TestNormalize_LegacyUserEmailAlias(t *testing.T) {
	ev, err := Normalize(envelope(t, map[string]interface{}{
		"event_id":   "evt-1",
		"event_type": "SESSION_START",
		"timestamp":  "2026-08-28T10:00:00Z",
		"user_email": "alice@uni.edu",
	}))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.ActorEmail != "alice@uni.edu" {
		t.Errorf("expected alias to populate actor email, got %q", ev.ActorEmail)
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want time.Time
	}{
		{"rfc3339", "2026-08-28T10:30:00Z", time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)},
		{"rfc3339 nano", "2026-08-28T10:30:00.123456789Z", time.Date(2026, 8, 28, 10, 30, 0, 123456789, time.UTC)},
		{"no zone", "2026-08-28T10:30:00", time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)},
		{"epoch seconds", float64(1787826600), time.Unix(1787826600, 0).UTC()},
		{"epoch millis", float64(1787826600123), time.UnixMilli(1787826600123).UTC()},
		{"epoch string", "1787826600", time.Unix(1787826600, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(envelope(t, map[string]interface{}{
				"event_id":          "evt-1",
				"event_type":        "SESSION_START",
				"timestamp":         tt.raw,
				"active_user_email": "alice@uni.edu",
			}))
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if !ev.Timestamp.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ev.Timestamp)
			}
		})
	}

	t.Run("garbage timestamp", func(t *testing.T) {
		_, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "SESSION_START",
			"timestamp":         "yesterday-ish",
			"active_user_email": "alice@uni.edu",
		}))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "timestamp" {
			t.Fatalf("expected timestamp validation error, got %v", err)
		}
	})
}

func TestNormalize_PairStartRequirements(t *testing.T) {
	t.Run("missing participants", func(t *testing.T) {
		_, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":        "evt-1",
			"event_type":      "PAIR_SESSION_START",
			"timestamp":       "2026-08-28T10:00:00Z",
			"pair_session_id": "pair-1",
			"driver_email":    "alice@uni.edu",
		}))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("default expected duration", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":        "evt-1",
			"event_type":      "PAIR_SESSION_START",
			"timestamp":       "2026-08-28T10:00:00Z",
			"pair_session_id": "pair-1",
			"driver_email":    "alice@uni.edu",
			"navigator_email": "bob@uni.edu",
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.PairStart.ExpectedDurationMinutes != DefaultExpectedDurationMinutes {
			t.Errorf("expected default duration %d, got %d",
				DefaultExpectedDurationMinutes, ev.PairStart.ExpectedDurationMinutes)
		}
	})
}

func TestNormalize_RoleSwitchDriverFallback(t *testing.T) {
	t.Run("explicit new driver wins", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":        "evt-1",
			"event_type":      "PAIR_ROLE_SWITCH",
			"timestamp":       "2026-08-28T10:00:00Z",
			"pair_session_id": "pair-1",
			"driver_email":    "alice@uni.edu",
			"data":            map[string]interface{}{"new_driver_email": "bob@uni.edu"},
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.RoleSwitch.NewDriverEmail != "bob@uni.edu" {
			t.Errorf("expected explicit new driver, got %q", ev.RoleSwitch.NewDriverEmail)
		}
	})

	t.Run("falls back to driver_email", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":        "evt-1",
			"event_type":      "PAIR_ROLE_SWITCH",
			"timestamp":       "2026-08-28T10:00:00Z",
			"pair_session_id": "pair-1",
			"driver_email":    "bob@uni.edu",
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.RoleSwitch.NewDriverEmail != "bob@uni.edu" {
			t.Errorf("expected fallback driver, got %q", ev.RoleSwitch.NewDriverEmail)
		}
	})

	t.Run("neither present", func(t *testing.T) {
		_, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":        "evt-1",
			"event_type":      "PAIR_ROLE_SWITCH",
			"timestamp":       "2026-08-28T10:00:00Z",
			"pair_session_id": "pair-1",
		}))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestNormalize_PairEventsWithoutToken(t *testing.T) {
	// End, switch, and task events may arrive without a pair session
	// token; they normalize and the handlers log them as no-ops.
	tests := []map[string]interface{}{
		{
			"event_id":   "evt-1",
			"event_type": "PAIR_SESSION_END",
			"timestamp":  "2026-08-28T10:00:00Z",
		},
		{
			"event_id":   "evt-2",
			"event_type": "PAIR_ROLE_SWITCH",
			"timestamp":  "2026-08-28T10:00:00Z",
		},
		{
			"event_id":          "evt-3",
			"event_type":        "TASK_CREATE",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
		},
	}

	for _, fields := range tests {
		t.Run(fields["event_type"].(string), func(t *testing.T) {
			ev, err := Normalize(envelope(t, fields))
			if err != nil {
				t.Fatalf("expected token-less %s to normalize, got %v", fields["event_type"], err)
			}
			if ev.PairSessionID != nil {
				t.Errorf("expected nil pair session id, got %q", *ev.PairSessionID)
			}
		})
	}
}

func TestNormalize_SnapshotWireShapes(t *testing.T) {
	t.Run("nested metadata shape", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
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
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}

		snap := ev.Snapshot
		if snap.SnapshotID != "0b8f7c52-9f49-4d5a-8f46-d51c2a3e7b90" {
			t.Errorf("expected client snapshot id kept, got %q", snap.SnapshotID)
		}
		if snap.FileName != "main.go" || snap.Content != "package main" {
			t.Errorf("expected nested name and content projected, got %q / %q", snap.FileName, snap.Content)
		}
		if snap.FilePath == nil || *snap.FilePath != "src/main.go" {
			t.Errorf("expected nested file path, got %v", snap.FilePath)
		}
		if snap.WorkspaceName == nil || *snap.WorkspaceName != "lab-3" {
			t.Errorf("expected workspace.name projected, got %v", snap.WorkspaceName)
		}
		if snap.TaskID == nil || *snap.TaskID != "task-9" {
			t.Errorf("expected task_id_context projected, got %v", snap.TaskID)
		}
		m := snap.Metrics
		if m == nil || m.LineCount == nil || *m.LineCount != 120 || m.CharCount == nil || *m.CharCount != 3400 {
			t.Fatalf("expected size counters projected, got %+v", m)
		}
		if m.LinesAdded == nil || *m.LinesAdded != 7 || m.CharsAdded == nil || *m.CharsAdded != 210 {
			t.Errorf("expected changes_since_last deltas projected, got %+v", m)
		}
		g := snap.GitInfo
		if g == nil || g.Commit == nil || *g.Commit != "abc1234" || !g.HasChanges {
			t.Fatalf("expected commit_hash projected, got %+v", g)
		}
	})

	t.Run("numeric snapshot id", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
			"data": map[string]interface{}{
				"metadata": map[string]interface{}{
					"snapshot_id": 42,
					"file_name":   "main.go",
				},
				"code_content": "package main",
			},
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.Snapshot.SnapshotID != "42" {
			t.Errorf("expected numeric id kept as text, got %q", ev.Snapshot.SnapshotID)
		}
	})

	t.Run("flat shape still accepted", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
			"data": map[string]interface{}{
				"file_name": "util.go",
				"language":  "go",
				"content":   "package util",
				"metrics":   map[string]interface{}{"line_count": 3},
			},
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.Snapshot.FileName != "util.go" || ev.Snapshot.Content != "package util" {
			t.Errorf("expected flat fields projected, got %+v", ev.Snapshot)
		}
		if ev.Snapshot.Metrics == nil || *ev.Snapshot.Metrics.LineCount != 3 {
			t.Errorf("expected flat metrics projected, got %+v", ev.Snapshot.Metrics)
		}
	})

	t.Run("file name required in either shape", func(t *testing.T) {
		_, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
			"data": map[string]interface{}{
				"metadata":     map[string]interface{}{"language": "go"},
				"code_content": "package main",
			},
		}))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "data" {
			t.Fatalf("expected data validation error, got %v", err)
		}
	})
}

func TestNormalize_ChatMessageLength(t *testing.T) {
	ev, err := Normalize(envelope(t, map[string]interface{}{
		"event_id":          "evt-1",
		"event_type":        "CHAT_INTERACTION",
		"timestamp":         "2026-08-28T10:00:00Z",
		"active_user_email": "alice@uni.edu",
		"conversation_id":   "conv-1",
		"data": map[string]interface{}{
			"message_content": "short",
			"message_length":  2048,
		},
	}))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Chat.MessageLength == nil || *ev.Chat.MessageLength != 2048 {
		t.Errorf("expected client-reported length projected, got %v", ev.Chat.MessageLength)
	}
}

func TestNormalize_PayloadProjection(t *testing.T) {
	t.Run("chat requires message content", func(t *testing.T) {
		_, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CHAT_INTERACTION",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
			"conversation_id":   "conv-1",
			"data":              map[string]interface{}{"message_type": "user_query"},
		}))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "data" {
			t.Fatalf("expected data validation error, got %v", err)
		}
	})

	t.Run("raw payload preserved verbatim", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "CODE_SNAPSHOT",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
			"data": map[string]interface{}{
				"file_name":          "main.go",
				"a_field_from_later": "kept",
			},
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(ev.Payload, &raw); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if raw["a_field_from_later"] != "kept" {
			t.Errorf("unknown payload field was not preserved: %v", raw)
		}
		if ev.Snapshot.FileName != "main.go" {
			t.Errorf("expected typed projection, got %+v", ev.Snapshot)
		}
	})

	t.Run("unknown type is generic", func(t *testing.T) {
		ev, err := Normalize(envelope(t, map[string]interface{}{
			"event_id":          "evt-1",
			"event_type":        "SOME_FUTURE_TYPE",
			"timestamp":         "2026-08-28T10:00:00Z",
			"active_user_email": "alice@uni.edu",
		}))
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.Kind != KindGeneric {
			t.Errorf("expected generic kind, got %v", ev.Kind)
		}
	})
}
