package agent

import "time"

type EventKind string

const (
	EventSessionStart  EventKind = "SESSION_START"
	EventSessionEnd    EventKind = "SESSION_END"
	EventUserInput     EventKind = "USER_INPUT"
	EventModelCall     EventKind = "MODEL_CALL"
	EventAssistantText EventKind = "ASSISTANT_TEXT"
	EventRoute         EventKind = "ROUTE"
	EventToolCallStart EventKind = "TOOL_CALL_START"
	EventToolCallEnd   EventKind = "TOOL_CALL_END"
	EventStepLimit     EventKind = "STEP_LIMIT"
	EventCheckpoint    EventKind = "CHECKPOINT"
	EventLoopDetection EventKind = "LOOP_DETECTION"
	EventWarning       EventKind = "WARNING"
	EventError         EventKind = "ERROR"
)

type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
