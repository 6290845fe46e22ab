package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's history. Messages are append-only
// within a committed turn; drafts produced during streaming are not
// durable until the turn commits.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	TurnIndex int        `json:"turn_index"`
	CreatedAt time.Time  `json:"created_at"`
}

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

const (
	ToolCallPending         ToolCallStatus = "pending"
	ToolCallAwaitingConfirm ToolCallStatus = "awaiting_confirm"
	ToolCallRunning         ToolCallStatus = "running"
	ToolCallDone            ToolCallStatus = "done"
	ToolCallError           ToolCallStatus = "error"
	ToolCallRejected        ToolCallStatus = "rejected"
)

// ToolCall represents an LLM's request to execute a tool.
// CallID is unique within a turn.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Status    ToolCallStatus  `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Session is an ordered sequence of turns owned by exactly one user.
// SessionID is globally unique but logically scoped by UserID: any
// operation naming a session must verify ownership or fail NotFound.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is an account. Usernames are unique; ID is immutable.
type User struct {
	ID           string    `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	AgentName    string    `json:"agent_name,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Redacted returns a copy safe to hand to API responses.
func (u User) Redacted() User {
	u.PasswordHash = ""
	return u
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MemoryCandidate is one committed exchange handed to the memory
// service for asynchronous ingest.
type MemoryCandidate struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}
