package reports

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// TypeCount is one event-type bucket in an aggregate.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// Summary is the service-wide overview returned by GET /analytics/summary.
type Summary struct {
	TotalUsers        int64       `json:"total_users"`
	TotalSessions     int64       `json:"total_sessions"`
	TotalEvents       int64       `json:"total_events"`
	TotalPairSessions int64       `json:"total_pair_sessions"`
	TotalChatMessages int64       `json:"total_chat_messages"`
	TotalSnapshots    int64       `json:"total_snapshots"`
	EventsByType      []TypeCount `json:"events_by_type"`
	EventsLast24h     int64       `json:"events_last_24h"`
	ComputedAt        time.Time   `json:"computed_at"`
}

// UserPairSession is a pair session as seen from one participant's report.
type UserPairSession struct {
	PairSessionID     string     `json:"pair_session_id"`
	Role              string     `json:"role"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	TotalRoleSwitches int        `json:"total_role_switches"`
}

// UserActivity is the per-user report returned by GET /analytics/users/{email}.
type UserActivity struct {
	User          *models.User             `json:"user"`
	EventsByType  []TypeCount              `json:"events_by_type"`
	RecentEvents  []*models.AnalyticsEvent `json:"recent_events"`
	SnapshotCount int64                    `json:"snapshot_count"`
	MessageCount  int64                    `json:"message_count"`
	Languages     []string                 `json:"languages"`
	PairSessions  []UserPairSession        `json:"pair_sessions"`
}

// PairStats is the aggregate pair-programming report.
type PairStats struct {
	TotalSessions      int64           `json:"total_sessions"`
	ActiveSessions     int64           `json:"active_sessions"`
	CompletedSessions  int64           `json:"completed_sessions"`
	AvgRoleSwitches    decimal.Decimal `json:"avg_role_switches"`
	AvgCompletedTasks  decimal.Decimal `json:"avg_completed_tasks"`
	AvgDurationMinutes decimal.Decimal `json:"avg_duration_minutes"`
}

// PairSessionDetail is one pair session with participant emails and
// its full role-switch history.
type PairSessionDetail struct {
	Session            *models.PairSession  `json:"session"`
	DriverEmail        string               `json:"driver_email"`
	NavigatorEmail     string               `json:"navigator_email"`
	CurrentDriverEmail string               `json:"current_driver_email"`
	RoleSwitches       []*models.RoleSwitch `json:"role_switches"`
	EventCount         int64                `json:"event_count"`
	SnapshotCount      int64                `json:"snapshot_count"`
	MessageCount       int64                `json:"message_count"`
}

// TimelineEntry is one item of the merged pair-session timeline. Kind is
// "event", "snapshot", or "message"; Label carries the event type, the
// file name, or the message type respectively.
type TimelineEntry struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Label      string    `json:"label"`
	Detail     *string   `json:"detail,omitempty"`
}

// Conversation is the ordered message list of one conversation.
type Conversation struct {
	ConversationID string                `json:"conversation_id"`
	Messages       []*models.ChatMessage `json:"messages"`
}
