package models

import "time"

// EventType identifies one of the closed set of bus event kinds.
type EventType string

const (
	EventChannelMessage     EventType = "channel.message"
	EventConversationStart  EventType = "conversation.start"
	EventStreamText         EventType = "conversation.stream.text"
	EventStreamToolDetected EventType = "conversation.stream.tool_detected"
	EventStreamToolStart    EventType = "conversation.stream.tool_start"
	EventStreamToolResult   EventType = "conversation.stream.tool_result"
	EventStreamToolError    EventType = "conversation.stream.tool_error"
	EventConversationDone   EventType = "conversation.complete"
	EventConversationError  EventType = "conversation.error"
	EventToolCallStart      EventType = "tool.call.start"
	EventToolCallResult     EventType = "tool.call.result"
	EventToolCallError      EventType = "tool.call.error"
	EventMemorySaved        EventType = "memory.saved"
	EventMemoryRecalled     EventType = "memory.recalled"
	EventMemoryClusterDone  EventType = "memory.cluster.done"
	EventMemorySummaryDone  EventType = "memory.summary.done"
	EventConfigChanged      EventType = "config.changed"
	EventConnectionBound    EventType = "connection.bound"
	EventConnectionClosed   EventType = "connection.closed"
)

// Event is the envelope carried by the bus. Payload contents are
// event-type specific; CorrelationID ties events of one turn together.
type Event struct {
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TransportKind names the transport a connection arrived over.
type TransportKind string

const (
	TransportSSE       TransportKind = "sse"
	TransportWebsocket TransportKind = "websocket"
	TransportChannel   TransportKind = "channel"
)
