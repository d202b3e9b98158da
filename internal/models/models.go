package models

import (
	"encoding/json"
	"time"
)

// User is a durable identity keyed by email.
// Created on first reference by any event; never deleted.
type User struct {
	UserID           int64           `json:"user_id"`
	Email            string          `json:"email"`
	UniversityDomain *string         `json:"university_domain,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	LastActiveAt     time.Time       `json:"last_active_at"`
	Settings         json.RawMessage `json:"settings,omitempty"`
}

// Session is a raw client session identified by a client-generated token.
// The owner is fixed on first sight (first writer wins).
type Session struct {
	SessionID    string          `json:"session_id"`
	UserID       *int64          `json:"user_id,omitempty"`
	DeviceID     *string         `json:"device_id,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	PlatformInfo json.RawMessage `json:"platform_info,omitempty"`
}

// AnalyticsEvent is one row of the append-only event log.
// Every accepted event produces exactly one row, regardless of type.
type AnalyticsEvent struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	UserID          *int64          `json:"user_id,omitempty"`
	SessionID       *string         `json:"session_id,omitempty"`
	PairSessionID   *string         `json:"pair_session_id,omitempty"`
	ConversationID  *string         `json:"conversation_id,omitempty"`
	DriverUserID    *int64          `json:"driver_user_id,omitempty"`
	NavigatorUserID *int64          `json:"navigator_user_id,omitempty"`
	DeviceID        *string         `json:"device_id,omitempty"`
	PlatformInfo    json.RawMessage `json:"platform_info,omitempty"`
	EventTimestamp  time.Time       `json:"event_timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// PairSession is a collaborative session distinct from the raw Session,
// identified by its own external token. Driver and navigator are fixed
// for the lifetime of the pair session; current driver swaps on role
// switches. At most one open row (end_time IS NULL) exists per token.
type PairSession struct {
	PPSessionID             int64      `json:"pp_session_id"`
	PairSessionID           string     `json:"pair_session_id"`
	DriverID                int64      `json:"driver_id"`
	NavigatorID             int64      `json:"navigator_id"`
	CurrentDriverID         int64      `json:"current_driver_id"`
	StartTime               time.Time  `json:"start_time"`
	EndTime                 *time.Time `json:"end_time,omitempty"`
	TotalRoleSwitches       int        `json:"total_role_switches"`
	PendingTasksCount       int        `json:"pending_tasks_count"`
	CompletedTasksCount     int        `json:"completed_tasks_count"`
	ExpectedDurationMinutes int        `json:"expected_duration_minutes"`
	WorkspaceName           *string    `json:"workspace_name,omitempty"`
}

// RoleSwitch is one audit row per role-switch event. Append-only; the
// current driver lives on PairSession, never here.
type RoleSwitch struct {
	SwitchID         int64     `json:"switch_id"`
	PPSessionID      int64     `json:"pp_session_id"`
	SwitchedAt       time.Time `json:"switched_at"`
	PreviousDriverID int64     `json:"previous_driver_id"`
	NewDriverID      int64     `json:"new_driver_id"`
}

// ChatMessage is a message inside a conversation, ordered by MessageOrder.
// ParentMessageID is a non-owning back-reference, not an enforced hierarchy.
type ChatMessage struct {
	MessageID       string    `json:"message_id"`
	ConversationID  string    `json:"conversation_id"`
	PairSessionID   *string   `json:"pair_session_id,omitempty"`
	MessageOrder    int       `json:"message_order"`
	ParentMessageID *string   `json:"parent_message_id,omitempty"`
	AuthorUserID    *int64    `json:"author_user_id,omitempty"`
	AuthorRole      *string   `json:"author_role,omitempty"`
	DriverUserID    *int64    `json:"driver_user_id,omitempty"`
	NavigatorUserID *int64    `json:"navigator_user_id,omitempty"`
	MessageType     string    `json:"message_type"`
	MessageContent  string    `json:"message_content"`
	MessageLength   int       `json:"message_length"`
	IncludedCode    bool      `json:"included_code"`
	CodeLanguage    *string   `json:"code_language,omitempty"`
	CodeLinesCount  *int      `json:"code_lines_count,omitempty"`
	QueryCategory   *string   `json:"query_category,omitempty"`
	ResponseTimeMs  *int      `json:"response_time_ms,omitempty"`
	SentAt          time.Time `json:"sent_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// CodeSnapshot is a point-in-time capture of a file's content with
// author/pair attribution. ArchiveKey points at the optional compressed
// object-storage copy.
type CodeSnapshot struct {
	SnapshotID      string    `json:"snapshot_id"`
	PairSessionID   *string   `json:"pair_session_id,omitempty"`
	AuthorUserID    *int64    `json:"author_user_id,omitempty"`
	AuthorRole      *string   `json:"author_role,omitempty"`
	DriverUserID    *int64    `json:"driver_user_id,omitempty"`
	NavigatorUserID *int64    `json:"navigator_user_id,omitempty"`
	FileName        string    `json:"file_name"`
	FilePath        *string   `json:"file_path,omitempty"`
	Language        *string   `json:"language,omitempty"`
	WorkspaceName   *string   `json:"workspace_name,omitempty"`
	LineCount       *int      `json:"line_count,omitempty"`
	CharCount       *int      `json:"char_count,omitempty"`
	LinesAdded      *int      `json:"lines_added,omitempty"`
	CharsAdded      *int      `json:"chars_added,omitempty"`
	TaskID          *string   `json:"task_id,omitempty"`
	GitBranch       *string   `json:"git_branch,omitempty"`
	GitCommit       *string   `json:"git_commit,omitempty"`
	HasGitChanges   bool      `json:"has_git_changes"`
	CodeContent     string    `json:"code_content"`
	ArchiveKey      *string   `json:"archive_key,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}
