package ingest

import (
	"encoding/json"
	"fmt"
)

// Event types recognized by the pipeline. The vocabulary is open: any
// other value is accepted and logged generically.
const (
	TypeSessionStart       = "SESSION_START"
	TypeSessionEnd         = "SESSION_END"
	TypeUserLogin          = "USER_LOGIN"
	TypeUserLogout         = "USER_LOGOUT"
	TypeChatInteraction    = "CHAT_INTERACTION"
	TypePairSessionStart   = "PAIR_SESSION_START"
	TypePairSessionEnd     = "PAIR_SESSION_END"
	TypePairRoleSwitch     = "PAIR_ROLE_SWITCH"
	TypeTaskCreate         = "TASK_CREATE"
	TypeTaskComplete       = "TASK_COMPLETE"
	TypeTaskEdit           = "TASK_EDIT"
	TypeTaskDelete         = "TASK_DELETE"
	TypeCodeAnalysis       = "CODE_ANALYSIS"
	TypeCodeAnalysisResult = "CODE_ANALYSIS_RESULT"
	TypeCodeSnapshot       = "CODE_SNAPSHOT"
	TypeAPIResponseTime    = "API_RESPONSE_TIME"
)

// DefaultExpectedDurationMinutes is written when a pair-session start
// omits expected_duration_minutes.
const DefaultExpectedDurationMinutes = 15

// Kind selects the typed-payload variant of a normalized event.
type Kind int

const (
	KindGeneric Kind = iota
	KindPairStart
	KindPairEnd
	KindRoleSwitch
	KindTask
	KindChat
	KindSnapshot
	KindSessionTerminal
)

// PairStartPayload is the data blob of a PAIR_SESSION_START event.
type PairStartPayload struct {
	ExpectedDurationMinutes int     `json:"expected_duration_minutes"`
	WorkspaceName           *string `json:"workspace_name"`
}

// RoleSwitchPayload is the data blob of a PAIR_ROLE_SWITCH event.
// The new driver may be named explicitly, otherwise the envelope's
// driver_email is used.
type RoleSwitchPayload struct {
	NewDriverEmail string `json:"new_driver_email"`
}

// PairEndPayload carries the final task counters of a PAIR_SESSION_END
// event. Absent fields mean zero.
type PairEndPayload struct {
	CompletedTasks int `json:"completed_tasks"`
	PendingTasks   int `json:"pending_tasks"`
}

// TaskPayload is the data blob of TASK_* events.
type TaskPayload struct {
	TaskID *string `json:"task_id"`
}

// ChatPayload is the data blob of a CHAT_INTERACTION event.
type ChatPayload struct {
	MessageID       string  `json:"message_id"`
	MessageOrder    int     `json:"message_order"`
	ParentMessageID *string `json:"parent_message_id"`
	AuthorRole      *string `json:"author_role"`
	MessageType     string  `json:"message_type"`
	MessageContent  string  `json:"message_content"`
	IncludedCode    bool    `json:"included_code"`
	CodeLanguage    *string `json:"code_language"`
	CodeLinesCount  *int    `json:"code_lines_count"`
	QueryCategory   *string `json:"query_category"`
	ResponseTimeMs  *int    `json:"response_time_ms"`

	// Clients report their own length; absent means count the content.
	MessageLength *int `json:"message_length"`
}

// SnapshotMetrics are the size counters of a code snapshot.
type SnapshotMetrics struct {
	LineCount  *int
	CharCount  *int
	LinesAdded *int
	CharsAdded *int
}

// SnapshotGitInfo is the optional git context of a code snapshot.
type SnapshotGitInfo struct {
	Branch     *string
	Commit     *string
	HasChanges bool
}

// SnapshotPayload is the projected data blob of a CODE_SNAPSHOT event.
// The editor extension nests most fields under data.metadata and puts
// the source text in data.code_content; older callers send everything
// flat. Both shapes project here, nested values winning.
type SnapshotPayload struct {
	SnapshotID    string
	FileName      string
	FilePath      *string
	Language      *string
	WorkspaceName *string
	Content       string
	AuthorRole    *string
	TaskID        *string
	Metrics       *SnapshotMetrics
	GitInfo       *SnapshotGitInfo
}

// flexID accepts a JSON string or number. Snapshot ids arrive as either
// depending on the client version.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	*f = flexID(b)
	return nil
}

type snapshotWireMetrics struct {
	LineCount        *int `json:"line_count"`
	CharCount        *int `json:"char_count"`
	LinesAdded       *int `json:"lines_added"`
	CharsAdded       *int `json:"chars_added"`
	ChangesSinceLast *struct {
		LinesAdded *int `json:"lines_added"`
		CharsAdded *int `json:"chars_added"`
	} `json:"changes_since_last"`
}

func (m *snapshotWireMetrics) project() *SnapshotMetrics {
	if m == nil {
		return nil
	}
	out := &SnapshotMetrics{
		LineCount:  m.LineCount,
		CharCount:  m.CharCount,
		LinesAdded: m.LinesAdded,
		CharsAdded: m.CharsAdded,
	}
	if c := m.ChangesSinceLast; c != nil {
		if c.LinesAdded != nil {
			out.LinesAdded = c.LinesAdded
		}
		if c.CharsAdded != nil {
			out.CharsAdded = c.CharsAdded
		}
	}
	return out
}

type snapshotWireGit struct {
	Branch     *string `json:"branch"`
	Commit     *string `json:"commit"`
	CommitHash *string `json:"commit_hash"`
	HasChanges bool    `json:"has_changes"`
}

func (g *snapshotWireGit) project() *SnapshotGitInfo {
	if g == nil {
		return nil
	}
	out := &SnapshotGitInfo{Branch: g.Branch, Commit: g.Commit, HasChanges: g.HasChanges}
	if g.CommitHash != nil {
		out.Commit = g.CommitHash
	}
	return out
}

type snapshotWireMetadata struct {
	SnapshotID    flexID               `json:"snapshot_id"`
	FileName      string               `json:"file_name"`
	FilePath      *string              `json:"file_path"`
	Language      *string              `json:"language"`
	AuthorRole    *string              `json:"author_role"`
	TaskIDContext *string              `json:"task_id_context"`
	Workspace     *struct {
		Name *string `json:"name"`
	} `json:"workspace"`
	Metrics *snapshotWireMetrics `json:"metrics"`
	GitInfo *snapshotWireGit     `json:"git_info"`
}

type snapshotWire struct {
	SnapshotID    flexID               `json:"snapshot_id"`
	FileName      string               `json:"file_name"`
	FilePath      *string              `json:"file_path"`
	Language      *string              `json:"language"`
	WorkspaceName *string              `json:"workspace_name"`
	Content       string               `json:"content"`
	AuthorRole    *string              `json:"author_role"`
	TaskID        *string              `json:"task_id"`
	Metrics       *snapshotWireMetrics `json:"metrics"`
	GitInfo       *snapshotWireGit     `json:"git_info"`

	Metadata    *snapshotWireMetadata `json:"metadata"`
	CodeContent string                `json:"code_content"`
}

func (w *snapshotWire) project() *SnapshotPayload {
	p := &SnapshotPayload{
		SnapshotID:    string(w.SnapshotID),
		FileName:      w.FileName,
		FilePath:      w.FilePath,
		Language:      w.Language,
		WorkspaceName: w.WorkspaceName,
		Content:       w.Content,
		AuthorRole:    w.AuthorRole,
		TaskID:        w.TaskID,
		Metrics:       w.Metrics.project(),
		GitInfo:       w.GitInfo.project(),
	}
	if w.CodeContent != "" {
		p.Content = w.CodeContent
	}
	md := w.Metadata
	if md == nil {
		return p
	}
	if md.SnapshotID != "" {
		p.SnapshotID = string(md.SnapshotID)
	}
	if md.FileName != "" {
		p.FileName = md.FileName
	}
	if md.FilePath != nil {
		p.FilePath = md.FilePath
	}
	if md.Language != nil {
		p.Language = md.Language
	}
	if md.AuthorRole != nil {
		p.AuthorRole = md.AuthorRole
	}
	if md.TaskIDContext != nil {
		p.TaskID = md.TaskIDContext
	}
	if md.Workspace != nil && md.Workspace.Name != nil {
		p.WorkspaceName = md.Workspace.Name
	}
	if md.Metrics != nil {
		p.Metrics = md.Metrics.project()
	}
	if md.GitInfo != nil {
		p.GitInfo = md.GitInfo.project()
	}
	return p
}

// parsePayload projects the raw data blob into the typed variant for the
// event type. The raw blob is always preserved verbatim on the log row,
// so unrecognized fields are never lost.
func (ev *NormalizedEvent) parsePayload(data json.RawMessage) error {
	switch ev.EventType {
	case TypePairSessionStart:
		ev.Kind = KindPairStart
		ev.PairStart = &PairStartPayload{ExpectedDurationMinutes: DefaultExpectedDurationMinutes}
		if err := unmarshalPayload(data, ev.PairStart); err != nil {
			return err
		}
		if ev.PairStart.ExpectedDurationMinutes <= 0 {
			ev.PairStart.ExpectedDurationMinutes = DefaultExpectedDurationMinutes
		}

	case TypePairSessionEnd:
		ev.Kind = KindPairEnd
		ev.PairEnd = &PairEndPayload{}
		if err := unmarshalPayload(data, ev.PairEnd); err != nil {
			return err
		}

	case TypePairRoleSwitch:
		ev.Kind = KindRoleSwitch
		ev.RoleSwitch = &RoleSwitchPayload{}
		if err := unmarshalPayload(data, ev.RoleSwitch); err != nil {
			return err
		}

	case TypeTaskCreate, TypeTaskComplete, TypeTaskEdit, TypeTaskDelete:
		ev.Kind = KindTask
		ev.Task = &TaskPayload{}
		if err := unmarshalPayload(data, ev.Task); err != nil {
			return err
		}

	case TypeChatInteraction:
		ev.Kind = KindChat
		ev.Chat = &ChatPayload{}
		if err := unmarshalPayload(data, ev.Chat); err != nil {
			return err
		}
		if ev.Chat.MessageContent == "" {
			return fmt.Errorf("data.message_content is required for %s", TypeChatInteraction)
		}
		if ev.Chat.MessageType == "" {
			ev.Chat.MessageType = "user_query"
		}

	case TypeCodeSnapshot:
		ev.Kind = KindSnapshot
		wire := &snapshotWire{}
		if err := unmarshalPayload(data, wire); err != nil {
			return err
		}
		ev.Snapshot = wire.project()
		if ev.Snapshot.FileName == "" {
			return fmt.Errorf("data.file_name is required for %s", TypeCodeSnapshot)
		}

	case TypeSessionEnd, TypeUserLogout:
		// Terminal events close the raw session, then log generically
		ev.Kind = KindSessionTerminal

	default:
		ev.Kind = KindGeneric
	}
	return nil
}

func unmarshalPayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed data payload: %w", err)
	}
	return nil
}
