package testutil

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// ParseJSONResponse decodes JSON response body into v
func ParseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v. Body: %s", err, w.Body.String())
	}
}

// AssertStatus checks HTTP status code matches expected
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if w.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertErrorResponse checks error response format and message
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedMessage string) {
	t.Helper()

	AssertStatus(t, w, expectedStatus)

	var resp map[string]string
	ParseJSONResponse(t, w, &resp)

	if resp["error"] != expectedMessage {
		t.Errorf("expected error message %q, got %q", expectedMessage, resp["error"])
	}
}

// CreateTestUser creates a user in the database for testing
func CreateTestUser(t *testing.T, env *TestEnvironment, email string) *models.User {
	t.Helper()

	query := `
		INSERT INTO users (email, university_domain, created_at, last_active_at)
		VALUES ($1, NULLIF(SPLIT_PART($1, '@', 2), ''), NOW(), NOW())
		RETURNING user_id, email, university_domain, created_at, last_active_at, settings
	`

	var user models.User
	row := env.DB.QueryRow(env.Ctx, query, email)
	err := row.Scan(&user.UserID, &user.Email, &user.UniversityDomain,
		&user.CreatedAt, &user.LastActiveAt, &user.Settings)
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	return &user
}

// Event builds a minimal event envelope as raw JSON fields. Extra fields
// override or extend the defaults.
func Event(eventID, eventType string, ts time.Time, extra map[string]interface{}) map[string]interface{} {
	ev := map[string]interface{}{
		"event_id":   eventID,
		"event_type": eventType,
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		ev[k] = v
	}
	return ev
}

// PairStartEvent builds a PAIR_SESSION_START envelope with both
// participants.
func PairStartEvent(eventID, token, driverEmail, navigatorEmail string, ts time.Time) map[string]interface{} {
	return Event(eventID, "PAIR_SESSION_START", ts, map[string]interface{}{
		"pair_session_id": token,
		"driver_email":    driverEmail,
		"navigator_email": navigatorEmail,
	})
}

// RoleSwitchEvent builds a PAIR_ROLE_SWITCH envelope naming the next
// driver in its data payload.
func RoleSwitchEvent(eventID, token, newDriverEmail string, ts time.Time) map[string]interface{} {
	return Event(eventID, "PAIR_ROLE_SWITCH", ts, map[string]interface{}{
		"pair_session_id": token,
		"data":            map[string]interface{}{"new_driver_email": newDriverEmail},
	})
}

// PairEndEvent builds a PAIR_SESSION_END envelope with final task counts.
func PairEndEvent(eventID, token string, completed, pending int, ts time.Time) map[string]interface{} {
	return Event(eventID, "PAIR_SESSION_END", ts, map[string]interface{}{
		"pair_session_id": token,
		"data": map[string]interface{}{
			"completed_tasks": completed,
			"pending_tasks":   pending,
		},
	})
}

// TaskEvent builds a TASK_* envelope for a pair session token.
func TaskEvent(eventID, eventType, token, actorEmail string, ts time.Time) map[string]interface{} {
	return Event(eventID, eventType, ts, map[string]interface{}{
		"pair_session_id":   token,
		"active_user_email": actorEmail,
	})
}

// BatchBody wraps envelopes into the ingestion request body.
func BatchBody(t *testing.T, events ...map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		t.Fatalf("failed to marshal batch body: %v", err)
	}
	return body
}

// CountRows returns the row count of a table, optionally filtered.
func CountRows(t *testing.T, env *TestEnvironment, table, where string, args ...interface{}) int {
	t.Helper()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}

	var count int
	if err := env.DB.QueryRow(env.Ctx, query, args...).Scan(&count); err != nil {
		t.Fatalf("failed to count rows in %s: %v", table, err)
	}
	return count
}
