package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusComplete  SessionStatus = "complete"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusComplete, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Correlation ties a session or job to one pull request.
type Correlation struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
}

// Valid reports whether both halves of the correlation are set.
func (c Correlation) Valid() bool {
	return c.Repository != "" && c.Number > 0
}

// Key returns the canonical "owner/repo#number" form used to index jobs and refreshes.
func (c Correlation) Key() string {
	return JobKey(c.Repository, c.Number)
}

// AgentSession is one invocation of the external coding agent.
type AgentSession struct {
	ID             string        `json:"id"`
	Correlation    *Correlation  `json:"correlation,omitempty"`
	Prompt         string        `json:"prompt"`
	WorkDir        string        `json:"cwd"`
	Label          string        `json:"label,omitempty"`
	Category       JobCategory   `json:"category,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []Message     `json:"messages"`
	Status         SessionStatus `json:"status"`
	PID            int           `json:"pid,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	ResumedFrom    string        `json:"resumed_from,omitempty"`
}

// SessionSummary is the cheap list view of a session; it omits the message buffer.
type SessionSummary struct {
	ID             string        `json:"id"`
	Correlation    *Correlation  `json:"correlation,omitempty"`
	Label          string        `json:"label,omitempty"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	MessageCount   int           `json:"message_count"`
	ConversationID string        `json:"conversation_id,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
}

// Summary builds the list view of s.
func (s *AgentSession) Summary() SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		Correlation:    s.Correlation,
		Label:          s.Label,
		Status:         s.Status,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		MessageCount:   len(s.Messages),
		ConversationID: s.ConversationID,
		ExitCode:       s.ExitCode,
	}
}

// Clone returns a copy of s whose message slice and pointers are not shared.
func (s *AgentSession) Clone() *AgentSession {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	if s.Correlation != nil {
		corr := *s.Correlation
		c.Correlation = &corr
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return &c
}
