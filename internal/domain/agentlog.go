package domain

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of one worker invocation.
type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// AgentLog is the audit row written around every worker call: one row at
// launch (running), updated once to a terminal state.
type AgentLog struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	AgentName    string          `json:"agent_name"`
	Phase        Phase           `json:"phase"`
	Status       AgentStatus     `json:"status"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TokensUsed   int             `json:"tokens_used"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the log row will no longer change.
func (a *AgentLog) IsTerminal() bool {
	return a.Status == AgentStatusCompleted || a.Status == AgentStatusFailed
}
