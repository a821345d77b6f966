package events

import "encoding/json"

// Kind is the discriminant of a stream event. Canonical kinds use the wire
// type string of the flat dialect.
type Kind string

const (
	TextStart Kind = "text-start"
	TextDelta Kind = "text-delta"
	TextEnd   Kind = "text-end"

	ReasoningStart Kind = "reasoning-start"
	ReasoningDelta Kind = "reasoning-delta"
	ReasoningEnd   Kind = "reasoning-end"
	ThinkingStart  Kind = "thinking-start"
	ThinkingDelta  Kind = "thinking-delta"
	ThinkingEnd    Kind = "thinking-end"

	PlanStart Kind = "plan-start"
	PlanDelta Kind = "plan-delta"
	PlanEnd   Kind = "plan-end"

	ToolCallStart   Kind = "tool-call-start"
	ToolCallDelta   Kind = "tool-call-delta"
	ToolCallEnd     Kind = "tool-call-end"
	ToolResultStart Kind = "tool-result-start"
	ToolResultDelta Kind = "tool-result-delta"
	ToolResultEnd   Kind = "tool-result-end"
	TodoUpdate      Kind = "todo-update"

	MessageStart Kind = "message-start"
	MessageEnd   Kind = "message-end"

	Metadata          Kind = "metadata"
	Metrics           Kind = "run_metrics"
	SandboxMetrics    Kind = "sandbox_metrics"
	SandboxConnecting Kind = "sandbox-connecting"
	SandboxConnected  Kind = "sandbox-connected"

	Error Kind = "error"
	Done  Kind = "done"

	// BlockEnd closes a legacy content block without naming its type; the
	// block opened earlier with the same id says what ended.
	BlockEnd Kind = "content_block_stop"

	Unknown Kind = "unknown"
)

// Event is one decoded stream event. Raw is the verbatim wire payload and is
// never interpreted; Payload holds the kind-specific fields.
type Event struct {
	Kind    Kind            `json:"kind"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// BlockPayload is carried by text, reasoning, thinking and plan start/end
// events and by BlockEnd.
type BlockPayload struct {
	ID string `json:"id,omitempty"`
}

// DeltaPayload is carried by text, reasoning, thinking and plan deltas.
type DeltaPayload struct {
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta"`
}

// ToolCallPayload is carried by tool call start/end and tool result start.
type ToolCallPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	// Standalone marks a legacy tool_use message, which is not a content
	// block and is never followed by content_block_stop.
	Standalone bool `json:"standalone,omitempty"`
}

// ToolDeltaPayload carries a fragment of JSON-encoded arguments or of a
// streamed tool result.
type ToolDeltaPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
}

// ToolResultPayload closes a tool result. Result is nil when the producer did
// not send one.
type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Todo is one item of a todo-list snapshot, kept as sent.
type Todo map[string]any

// Content returns the todo text.
func (t Todo) Content() string {
	s, _ := t["content"].(string)
	return s
}

// Status returns the todo status, e.g. "pending", "in_progress" or "completed".
func (t Todo) Status() string {
	s, _ := t["status"].(string)
	return s
}

// TodoUpdatePayload is a full todo-list snapshot.
type TodoUpdatePayload struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Todos      []Todo `json:"todos"`
}

// MessagePayload is carried by message start/end.
type MessagePayload struct {
	MessageID string `json:"message_id,omitempty"`
}

// MetadataPayload holds structured metadata such as usage or session info.
type MetadataPayload struct {
	Fields map[string]any `json:"fields"`
}

// MetricsPayload reports run execution metrics.
type MetricsPayload struct {
	ExecutionTimeMs      *int64   `json:"execution_time_ms,omitempty"`
	InputTokens          *int64   `json:"input_tokens,omitempty"`
	OutputTokens         *int64   `json:"output_tokens,omitempty"`
	CostUSD              *float64 `json:"cost_usd,omitempty"`
	StopReason           string   `json:"stop_reason,omitempty"`
	CompletionState      string   `json:"completion_state,omitempty"`
	UnresolvedToolUseIDs []string `json:"unresolved_tool_use_ids,omitempty"`
}

// SandboxMetricsPayload reports time spent in the sandbox.
type SandboxMetricsPayload struct {
	SandboxExecutionTimeMs *int64 `json:"sandbox_execution_time_ms,omitempty"`
}

// SandboxConnectingPayload is sent while a sandbox is being started.
type SandboxConnectingPayload struct {
	Message string `json:"message,omitempty"`
}

// SandboxConnectedPayload is sent once the sandbox is ready.
type SandboxConnectedPayload struct {
	SandboxID  string `json:"sandbox_id,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ErrorPayload is a producer-reported error. It is data, not a failure of the
// decoder.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DonePayload marks the end of a stream.
type DonePayload struct {
	CompletionState      string   `json:"completion_state,omitempty"`
	UnresolvedToolUseIDs []string `json:"unresolved_tool_use_ids,omitempty"`
	StopReason           string   `json:"stop_reason,omitempty"`
}

// Delta returns the fragment carried by a delta event, or "".
func (e Event) Delta() string {
	switch p := e.Payload.(type) {
	case DeltaPayload:
		return p.Delta
	case ToolDeltaPayload:
		return p.Delta
	}
	return ""
}

// BlockID returns the block id of a text, reasoning, thinking, plan or
// content-block event, or "".
func (e Event) BlockID() string {
	switch p := e.Payload.(type) {
	case BlockPayload:
		return p.ID
	case DeltaPayload:
		return p.ID
	}
	return ""
}

// ToolCallID returns the tool call an event belongs to, or "".
func (e Event) ToolCallID() string {
	switch p := e.Payload.(type) {
	case ToolCallPayload:
		return p.ToolCallID
	case ToolDeltaPayload:
		return p.ToolCallID
	case ToolResultPayload:
		return p.ToolCallID
	case TodoUpdatePayload:
		return p.ToolCallID
	}
	return ""
}

// IsTerminal reports whether e signals the end of the stream. The decoder
// does not stop after it; that is up to the consumer.
func (e Event) IsTerminal() bool {
	return e.Kind == Done
}
