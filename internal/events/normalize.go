package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed is returned for a frame payload that is not valid JSON.
	ErrMalformed = errors.New("malformed frame payload")
	// ErrNotObject is returned for valid JSON that is not an object.
	ErrNotObject = fmt.Errorf("%w: not a JSON object", ErrMalformed)
)

// DoneSentinel returns the event standing for the [DONE] sentinel.
func DoneSentinel() Event {
	return Event{Kind: Done, Raw: json.RawMessage(`{"type":"done"}`), Payload: DonePayload{}}
}

// Decode parses one frame payload and normalizes it. A payload that is not a
// JSON object yields ErrMalformed and no events; callers skip the frame.
func Decode(payload []byte) ([]Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformed
	}
	obj := gjson.ParseBytes(payload)
	if !obj.IsObject() {
		return nil, ErrNotObject
	}
	return Normalize(obj), nil
}

type builder func(obj gjson.Result, raw json.RawMessage) Event

var canonical = map[Kind]builder{
	TextStart:         blockEvent(TextStart),
	TextEnd:           blockEvent(TextEnd),
	TextDelta:         deltaEvent(TextDelta, "delta"),
	ReasoningStart:    blockEvent(ReasoningStart),
	ReasoningEnd:      blockEvent(ReasoningEnd),
	ReasoningDelta:    deltaEvent(ReasoningDelta, "delta", "text"),
	ThinkingStart:     blockEvent(ThinkingStart),
	ThinkingEnd:       blockEvent(ThinkingEnd),
	ThinkingDelta:     deltaEvent(ThinkingDelta, "delta", "text"),
	PlanStart:         blockEvent(PlanStart),
	PlanEnd:           blockEvent(PlanEnd),
	PlanDelta:         deltaEvent(PlanDelta, "delta", "text", "plan"),
	ToolCallStart:     toolCallEvent(ToolCallStart),
	ToolCallDelta:     toolDeltaEvent(ToolCallDelta),
	ToolCallEnd:       toolCallEvent(ToolCallEnd),
	ToolResultStart:   toolCallEvent(ToolResultStart),
	ToolResultDelta:   toolDeltaEvent(ToolResultDelta),
	ToolResultEnd:     toolResultEvent,
	TodoUpdate:        todoUpdateEvent,
	MessageStart:      messageEvent(MessageStart, "messageId"),
	MessageEnd:        messageEvent(MessageEnd, "messageId"),
	Metadata:          metadataEvent,
	Metrics:           metricsEvent,
	SandboxMetrics:    sandboxMetricsEvent,
	SandboxConnecting: sandboxConnectingEvent,
	SandboxConnected:  sandboxConnectedEvent,
	Error:             errorEvent,
	Done:              doneEvent,
}

var legacy = map[string]builder{
	"message_start":       legacyMessageStart,
	"message_delta":       legacyMessageDelta,
	"message_stop":        messageEvent(MessageEnd, "message_id"),
	"message_complete":    messageEvent(MessageEnd, "message_id"),
	"content_block_start": legacyBlockStart,
	"content_block_delta": legacyBlockDelta,
	"content_block_stop":  legacyBlockStop,
	"tool_use":            legacyToolUse,
	"tool_result":         legacyToolResult,
}

// Normalize maps one decoded JSON object to zero or more events. Session
// lifecycle messages yield nothing; unrecognized types yield a single Unknown
// event carrying the payload.
func Normalize(obj gjson.Result) []Event {
	if subtype := obj.Get("subtype").String(); subtype == "init" || subtype == "success" {
		return nil
	}
	// session.created carries an internal session id that is not surfaced.
	if obj.Get("event.type").String() == "session.created" {
		return nil
	}

	raw := json.RawMessage(obj.Raw)
	typ := obj.Get("type").String()
	if build, ok := canonical[Kind(typ)]; ok {
		return []Event{build(obj, raw)}
	}
	if build, ok := legacy[typ]; ok {
		return []Event{build(obj, raw)}
	}
	return []Event{unknownEvent(raw)}
}

func unknownEvent(raw json.RawMessage) Event {
	return Event{Kind: Unknown, Raw: raw}
}

func blockEvent(kind Kind) builder {
	return func(obj gjson.Result, raw json.RawMessage) Event {
		return Event{Kind: kind, Raw: raw, Payload: BlockPayload{ID: str(obj, "id")}}
	}
}

func deltaEvent(kind Kind, keys ...string) builder {
	return func(obj gjson.Result, raw json.RawMessage) Event {
		return Event{Kind: kind, Raw: raw, Payload: DeltaPayload{ID: str(obj, "id"), Delta: firstNonEmpty(obj, keys...)}}
	}
}

func toolCallEvent(kind Kind) builder {
	return func(obj gjson.Result, raw json.RawMessage) Event {
		return Event{Kind: kind, Raw: raw, Payload: ToolCallPayload{
			ToolCallID: str(obj, "toolCallId"),
			ToolName:   str(obj, "toolName"),
		}}
	}
}

func toolDeltaEvent(kind Kind) builder {
	return func(obj gjson.Result, raw json.RawMessage) Event {
		return Event{Kind: kind, Raw: raw, Payload: ToolDeltaPayload{
			ToolCallID: str(obj, "toolCallId"),
			Delta:      str(obj, "delta"),
		}}
	}
}

func toolResultEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: ToolResultEnd, Raw: raw, Payload: ToolResultPayload{
		ToolCallID: str(obj, "toolCallId"),
		Result:     rawValue(obj.Get("result")),
	}}
}

func todoUpdateEvent(obj gjson.Result, raw json.RawMessage) Event {
	todos := []Todo{}
	if list := obj.Get("todos"); list.IsArray() {
		for _, item := range list.Array() {
			if m, ok := item.Value().(map[string]any); ok {
				todos = append(todos, Todo(m))
			}
		}
	}
	return Event{Kind: TodoUpdate, Raw: raw, Payload: TodoUpdatePayload{
		ToolCallID: firstNonEmpty(obj, "toolCallId", "tool_call_id"),
		Todos:      todos,
	}}
}

func messageEvent(kind Kind, key string) builder {
	return func(obj gjson.Result, raw json.RawMessage) Event {
		return Event{Kind: kind, Raw: raw, Payload: MessagePayload{MessageID: str(obj, key)}}
	}
}

func metadataEvent(obj gjson.Result, raw json.RawMessage) Event {
	fields := map[string]any{}
	if payload := obj.Get("payload"); payload.IsObject() {
		fields, _ = payload.Value().(map[string]any)
	} else if m, ok := obj.Value().(map[string]any); ok {
		delete(m, "type")
		fields = m
	}
	return Event{Kind: Metadata, Raw: raw, Payload: MetadataPayload{Fields: fields}}
}

func metricsEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: Metrics, Raw: raw, Payload: MetricsPayload{
		ExecutionTimeMs:      optInt(obj, "execution_time_ms"),
		InputTokens:          optInt(obj, "input_tokens_used"),
		OutputTokens:         optInt(obj, "output_tokens_used"),
		CostUSD:              optFloat(obj, "claude_token_cost_usd"),
		StopReason:           str(obj, "stop_reason"),
		CompletionState:      str(obj, "completion_state"),
		UnresolvedToolUseIDs: stringList(obj, "unresolved_tool_use_ids"),
	}}
}

func sandboxMetricsEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: SandboxMetrics, Raw: raw, Payload: SandboxMetricsPayload{
		SandboxExecutionTimeMs: optInt(obj, "sandbox_execution_time_ms"),
	}}
}

func sandboxConnectingEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: SandboxConnecting, Raw: raw, Payload: SandboxConnectingPayload{Message: str(obj, "message")}}
}

func sandboxConnectedEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: SandboxConnected, Raw: raw, Payload: SandboxConnectedPayload{
		SandboxID:  str(obj, "sandbox_id"),
		DurationMs: optInt(obj, "duration_ms"),
		Message:    str(obj, "message"),
	}}
}

func errorEvent(obj gjson.Result, raw json.RawMessage) Event {
	msg := "Unknown error"
	if e := obj.Get("error"); e.IsObject() {
		if m := e.Get("message").String(); m != "" {
			msg = m
		}
	} else if e.Exists() && e.Type != gjson.Null {
		msg = e.String()
	}
	return Event{Kind: Error, Raw: raw, Payload: ErrorPayload{Message: msg}}
}

func doneEvent(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: Done, Raw: raw, Payload: DonePayload{
		CompletionState:      str(obj, "completion_state"),
		UnresolvedToolUseIDs: stringList(obj, "unresolved_tool_use_ids"),
		StopReason:           str(obj, "stop_reason"),
	}}
}

func legacyMessageStart(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: MessageStart, Raw: raw, Payload: MessagePayload{MessageID: str(obj, "message.id")}}
}

func legacyMessageDelta(obj gjson.Result, raw json.RawMessage) Event {
	text := obj.Get("delta.text")
	if text.Type != gjson.String {
		return unknownEvent(raw)
	}
	return Event{Kind: TextDelta, Raw: raw, Payload: DeltaPayload{ID: str(obj, "id"), Delta: text.String()}}
}

func legacyBlockStart(obj gjson.Result, raw json.RawMessage) Event {
	blockType := firstNonEmpty(obj, "content_block.type", "block_type")
	id := firstNonEmpty(obj, "id", "content_block.id")
	switch blockType {
	case "text":
		return Event{Kind: TextStart, Raw: raw, Payload: BlockPayload{ID: id}}
	case "thinking":
		return Event{Kind: ThinkingStart, Raw: raw, Payload: BlockPayload{ID: id}}
	case "plan":
		return Event{Kind: PlanStart, Raw: raw, Payload: BlockPayload{ID: id}}
	case "tool_use":
		return Event{Kind: ToolCallStart, Raw: raw, Payload: ToolCallPayload{
			ToolCallID: id,
			ToolName:   firstNonEmpty(obj, "content_block.name", "name"),
		}}
	}
	return unknownEvent(raw)
}

func legacyBlockDelta(obj gjson.Result, raw json.RawMessage) Event {
	id := str(obj, "id")
	switch obj.Get("delta.type").String() {
	case "text_delta":
		return Event{Kind: TextDelta, Raw: raw, Payload: DeltaPayload{ID: id, Delta: str(obj, "delta.text")}}
	case "thinking_delta":
		return Event{Kind: ThinkingDelta, Raw: raw, Payload: DeltaPayload{ID: id, Delta: firstNonEmpty(obj, "delta.text", "delta.thinking")}}
	case "plan_delta":
		return Event{Kind: PlanDelta, Raw: raw, Payload: DeltaPayload{ID: id, Delta: str(obj, "delta.text")}}
	case "input_json_delta":
		return Event{Kind: ToolCallDelta, Raw: raw, Payload: ToolDeltaPayload{ToolCallID: id, Delta: str(obj, "delta.partial_json")}}
	}
	return unknownEvent(raw)
}

func legacyBlockStop(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: BlockEnd, Raw: raw, Payload: BlockPayload{ID: str(obj, "id")}}
}

func legacyToolUse(obj gjson.Result, raw json.RawMessage) Event {
	return Event{Kind: ToolCallStart, Raw: raw, Payload: ToolCallPayload{
		ToolCallID: str(obj, "id"),
		ToolName:   str(obj, "name"),
		Standalone: true,
	}}
}

func legacyToolResult(obj gjson.Result, raw json.RawMessage) Event {
	result := obj.Get("result")
	if content := obj.Get("content"); content.Exists() {
		result = content
	}
	return Event{Kind: ToolResultEnd, Raw: raw, Payload: ToolResultPayload{
		ToolCallID: firstNonEmpty(obj, "tool_use_id", "id"),
		Result:     rawValue(result),
	}}
}

// str returns the string at path; missing and null values read as "".
func str(obj gjson.Result, path string) string {
	v := obj.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

func firstNonEmpty(obj gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := str(obj, path); s != "" {
			return s
		}
	}
	return ""
}

func optInt(obj gjson.Result, path string) *int64 {
	v := obj.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	n := v.Int()
	return &n
}

func optFloat(obj gjson.Result, path string) *float64 {
	v := obj.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

// stringList keeps the string members of the array at path. It returns nil
// when the value is not an array.
func stringList(obj gjson.Result, path string) []string {
	v := obj.Get(path)
	if !v.IsArray() {
		return nil
	}
	out := []string{}
	for _, item := range v.Array() {
		if item.Type == gjson.String {
			out = append(out, item.String())
		}
	}
	return out
}

func rawValue(v gjson.Result) json.RawMessage {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(v.Raw)
}
