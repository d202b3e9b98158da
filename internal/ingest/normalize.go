package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/validation"
)

// Envelope is the wire shape of one raw event inside a batch.
// user_email is accepted as a legacy alias for active_user_email.
type Envelope struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	Timestamp       json.RawMessage `json:"timestamp"`
	SessionID       string          `json:"session_id"`
	ActiveUserEmail string          `json:"active_user_email"`
	UserEmail       string          `json:"user_email"`
	DriverEmail     string          `json:"driver_email"`
	NavigatorEmail  string          `json:"navigator_email"`
	PairSessionID   string          `json:"pair_session_id"`
	ConversationID  string          `json:"conversation_id"`
	DeviceID        string          `json:"device_id"`
	PlatformInfo    json.RawMessage `json:"platform_info"`
	Data            json.RawMessage `json:"data"`
}

// NormalizedEvent is the canonical projection of a validated envelope.
// Emails are carried unresolved; the pipeline maps them to user ids via
// the batch-scoped identity cache. Payload holds the raw data blob
// verbatim next to the typed variant selected by Kind.
type NormalizedEvent struct {
	EventID        string
	EventType      string
	Timestamp      time.Time
	SessionID      *string
	PairSessionID  *string
	ConversationID *string
	DeviceID       *string
	PlatformInfo   json.RawMessage
	Payload        json.RawMessage

	ActorEmail     string // empty for actor-less types
	DriverEmail    string
	NavigatorEmail string

	Kind       Kind
	PairStart  *PairStartPayload
	PairEnd    *PairEndPayload
	RoleSwitch *RoleSwitchPayload
	Task       *TaskPayload
	Chat       *ChatPayload
	Snapshot   *SnapshotPayload
}

// ValidationError is a per-event rejection. It never propagates past the
// batch boundary; the coordinator records it and moves on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// actorless lists the event types that legitimately carry no active
// actor email: pair-level transitions are attributed to the pair, and
// API_RESPONSE_TIME is emitted by the extension itself.
var actorless = map[string]bool{
	TypePairSessionStart: true,
	TypePairSessionEnd:   true,
	TypePairRoleSwitch:   true,
	TypeAPIResponseTime:  true,
}

// Normalize validates one envelope and produces its canonical record.
// Returns *ValidationError for client-side mistakes (missing required
// fields, unparseable timestamp, bad email).
func Normalize(env *Envelope) (*NormalizedEvent, error) {
	if env.EventID == "" {
		return nil, &ValidationError{Field: "event_id", Reason: "is required"}
	}
	if env.EventType == "" {
		return nil, &ValidationError{Field: "event_type", Reason: "is required"}
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	actor := env.ActiveUserEmail
	if actor == "" {
		actor = env.UserEmail
	}
	if actor == "" && !actorless[env.EventType] {
		return nil, &ValidationError{Field: "active_user_email", Reason: "is required for " + env.EventType}
	}
	if actor != "" && !validation.IsValidEmail(actor) {
		return nil, &ValidationError{Field: "active_user_email", Reason: "is not a valid email"}
	}
	if env.DriverEmail != "" && !validation.IsValidEmail(env.DriverEmail) {
		return nil, &ValidationError{Field: "driver_email", Reason: "is not a valid email"}
	}
	if env.NavigatorEmail != "" && !validation.IsValidEmail(env.NavigatorEmail) {
		return nil, &ValidationError{Field: "navigator_email", Reason: "is not a valid email"}
	}

	ev := &NormalizedEvent{
		EventID:        env.EventID,
		EventType:      env.EventType,
		Timestamp:      ts,
		SessionID:      optional(env.SessionID),
		PairSessionID:  optional(env.PairSessionID),
		ConversationID: optional(env.ConversationID),
		DeviceID:       optional(env.DeviceID),
		PlatformInfo:   env.PlatformInfo,
		Payload:        env.Data,
		ActorEmail:     actor,
		DriverEmail:    env.DriverEmail,
		NavigatorEmail: env.NavigatorEmail,
	}

	if err := ev.parsePayload(env.Data); err != nil {
		return nil, &ValidationError{Field: "data", Reason: err.Error()}
	}

	// Type-specific envelope requirements
	switch ev.Kind {
	case KindPairStart:
		if ev.PairSessionID == nil {
			return nil, &ValidationError{Field: "pair_session_id", Reason: "is required for " + env.EventType}
		}
		if env.DriverEmail == "" || env.NavigatorEmail == "" {
			return nil, &ValidationError{Field: "driver_email/navigator_email", Reason: "are required for " + env.EventType}
		}
	case KindChat:
		if ev.ConversationID == nil {
			return nil, &ValidationError{Field: "conversation_id", Reason: "is required for " + env.EventType}
		}
	}

	if ev.Kind == KindRoleSwitch {
		// Explicit new driver wins; envelope driver_email is the fallback.
		// Without a pair_session_id the switch is a logged no-op, so the
		// driver fields are not enforced.
		if ev.RoleSwitch.NewDriverEmail == "" {
			ev.RoleSwitch.NewDriverEmail = env.DriverEmail
		}
		if ev.PairSessionID != nil {
			if ev.RoleSwitch.NewDriverEmail == "" {
				return nil, &ValidationError{Field: "data.new_driver_email", Reason: "or driver_email is required for " + env.EventType}
			}
			if !validation.IsValidEmail(ev.RoleSwitch.NewDriverEmail) {
				return nil, &ValidationError{Field: "data.new_driver_email", Reason: "is not a valid email"}
			}
		}
	}

	return ev, nil
}

// parseTimestamp accepts ISO-8601 strings and epoch numbers. Epoch
// values above 1e12 are treated as milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("is required")
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("is not a valid string")
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		// Epoch sent as a string
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), nil
		}
		return time.Time{}, fmt.Errorf("is not ISO-8601 or epoch")
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, fmt.Errorf("is not ISO-8601 or epoch")
	}
	return epochToTime(f), nil
}

func epochToTime(f float64) time.Time {
	if f > 1e12 {
		// Milliseconds
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
