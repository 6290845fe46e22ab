package models

import "encoding/json"

// FrameType identifies a streamed frame sent to clients.
type FrameType string

const (
	FrameText         FrameType = "text"
	FrameToolDetected FrameType = "tool_detected"
	FrameToolStart    FrameType = "tool_start"
	FrameToolResult   FrameType = "tool_result"
	FrameToolError    FrameType = "tool_error"
	FrameDone         FrameType = "done"
	FrameError        FrameType = "error"
)

// Frame is one streamed line of the chat response: a single JSON object
// followed by a newline. The final frame of a successful turn is
// {type:"done", session_id}.
type Frame struct {
	Type      FrameType       `json:"type"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Encode renders the frame as a single JSON line.
func (f Frame) Encode() []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// Frame fields are all marshalable; this is unreachable in practice.
		return []byte(`{"type":"error","content":"frame encoding failed"}` + "\n")
	}
	return append(b, '\n')
}
