package events

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, payload string) Event {
	t.Helper()
	evs, err := Decode([]byte(payload))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.JSONEq(t, payload, string(evs[0].Raw))
	return evs[0]
}

func TestDecodeCanonicalTextEvents(t *testing.T) {
	ev := decodeOne(t, `{"type":"text-start","id":"0"}`)
	assert.Equal(t, TextStart, ev.Kind)
	assert.Equal(t, "0", ev.BlockID())

	ev = decodeOne(t, `{"type":"text-delta","id":"0","delta":"Hi"}`)
	assert.Equal(t, TextDelta, ev.Kind)
	assert.Equal(t, "Hi", ev.Delta())
}

func TestDecodeReasoningFallsBackToTextField(t *testing.T) {
	ev := decodeOne(t, `{"type":"reasoning-delta","text":"hmm"}`)
	assert.Equal(t, ReasoningDelta, ev.Kind)
	assert.Equal(t, "hmm", ev.Delta())

	ev = decodeOne(t, `{"type":"plan-delta","plan":"1. look"}`)
	assert.Equal(t, PlanDelta, ev.Kind)
	assert.Equal(t, "1. look", ev.Delta())
}

func TestDecodeToolEvents(t *testing.T) {
	ev := decodeOne(t, `{"type":"tool-call-start","toolCallId":"c1","toolName":"q"}`)
	assert.Equal(t, ToolCallStart, ev.Kind)
	assert.Equal(t, ToolCallPayload{ToolCallID: "c1", ToolName: "q"}, ev.Payload)

	ev = decodeOne(t, `{"type":"tool-call-delta","toolCallId":"c1","delta":"{\"a\":"}`)
	assert.Equal(t, `{"a":`, ev.Delta())
	assert.Equal(t, "c1", ev.ToolCallID())

	ev = decodeOne(t, `{"type":"tool-result-end","toolCallId":"c1","result":{"n":3}}`)
	p := ev.Payload.(ToolResultPayload)
	assert.JSONEq(t, `{"n":3}`, string(p.Result))

	ev = decodeOne(t, `{"type":"tool-result-end","toolCallId":"c1","result":null}`)
	assert.Nil(t, ev.Payload.(ToolResultPayload).Result)
}

func TestDecodeTodoUpdateKeepsOnlyObjects(t *testing.T) {
	ev := decodeOne(t, `{"type":"todo-update","tool_call_id":"c9","todos":[{"id":"1","content":"Example","status":"completed"},"junk",3]}`)
	p := ev.Payload.(TodoUpdatePayload)
	assert.Equal(t, "c9", p.ToolCallID)
	require.Len(t, p.Todos, 1)
	assert.Equal(t, "completed", p.Todos[0].Status())
	assert.Equal(t, "Example", p.Todos[0].Content())
}

func TestDecodeMetadata(t *testing.T) {
	ev := decodeOne(t, `{"type":"metadata","payload":{"usage":{"input_tokens":3}}}`)
	fields := ev.Payload.(MetadataPayload).Fields
	assert.Contains(t, fields, "usage")

	ev = decodeOne(t, `{"type":"metadata","session":"s1"}`)
	assert.Equal(t, map[string]any{"session": "s1"}, ev.Payload.(MetadataPayload).Fields)
}

func TestDecodeMetricsAndDone(t *testing.T) {
	ev := decodeOne(t, `{"type":"run_metrics","execution_time_ms":1200,"input_tokens_used":10,"output_tokens_used":20,"claude_token_cost_usd":0.5,"unresolved_tool_use_ids":["a",1,"b"]}`)
	m := ev.Payload.(MetricsPayload)
	require.NotNil(t, m.ExecutionTimeMs)
	assert.EqualValues(t, 1200, *m.ExecutionTimeMs)
	assert.EqualValues(t, 20, *m.OutputTokens)
	assert.InDelta(t, 0.5, *m.CostUSD, 1e-9)
	assert.Equal(t, []string{"a", "b"}, m.UnresolvedToolUseIDs)

	ev = decodeOne(t, `{"type":"done","completion_state":"complete","stop_reason":"end_turn"}`)
	assert.True(t, ev.IsTerminal())
	assert.Equal(t, DonePayload{CompletionState: "complete", StopReason: "end_turn"}, ev.Payload)
}

func TestDecodeErrorMessage(t *testing.T) {
	cases := []struct{ payload, want string }{
		{`{"type":"error","error":"boom"}`, "boom"},
		{`{"type":"error","error":{"message":"denied"}}`, "denied"},
		{`{"type":"error"}`, "Unknown error"},
		{`{"type":"error","error":null}`, "Unknown error"},
	}
	for _, tc := range cases {
		ev := decodeOne(t, tc.payload)
		assert.Equal(t, Error, ev.Kind)
		assert.Equal(t, ErrorPayload{Message: tc.want}, ev.Payload, tc.payload)
	}
}

func TestDecodeSandboxEvents(t *testing.T) {
	ev := decodeOne(t, `{"type":"sandbox-connected","sandbox_id":"sb1","duration_ms":40}`)
	p := ev.Payload.(SandboxConnectedPayload)
	assert.Equal(t, "sb1", p.SandboxID)
	assert.EqualValues(t, 40, *p.DurationMs)

	ev = decodeOne(t, `{"type":"sandbox_metrics"}`)
	assert.Nil(t, ev.Payload.(SandboxMetricsPayload).SandboxExecutionTimeMs)
}

func TestDecodeLegacyDialect(t *testing.T) {
	cases := []struct {
		payload string
		kind    Kind
		want    any
	}{
		{`{"type":"content_block_start","id":"b1","content_block":{"type":"text","text":""}}`, TextStart, BlockPayload{ID: "b1"}},
		{`{"type":"content_block_start","content_block":{"type":"thinking","id":"b2"}}`, ThinkingStart, BlockPayload{ID: "b2"}},
		{`{"type":"content_block_start","id":"b3","block_type":"plan"}`, PlanStart, BlockPayload{ID: "b3"}},
		{`{"type":"content_block_start","id":"t1","content_block":{"type":"tool_use","name":"search"}}`, ToolCallStart, ToolCallPayload{ToolCallID: "t1", ToolName: "search"}},
		{`{"type":"content_block_delta","id":"b1","delta":{"type":"text_delta","text":"Hello"}}`, TextDelta, DeltaPayload{ID: "b1", Delta: "Hello"}},
		{`{"type":"content_block_delta","id":"b2","delta":{"type":"thinking_delta","text":"hmm"}}`, ThinkingDelta, DeltaPayload{ID: "b2", Delta: "hmm"}},
		{`{"type":"content_block_delta","id":"b3","delta":{"type":"plan_delta","text":"step"}}`, PlanDelta, DeltaPayload{ID: "b3", Delta: "step"}},
		{`{"type":"content_block_delta","id":"t1","delta":{"type":"input_json_delta","partial_json":"{\"q\":1}"}}`, ToolCallDelta, ToolDeltaPayload{ToolCallID: "t1", Delta: `{"q":1}`}},
		{`{"type":"content_block_stop","id":"b1"}`, BlockEnd, BlockPayload{ID: "b1"}},
		{`{"type":"message_start","message":{"id":"m1"}}`, MessageStart, MessagePayload{MessageID: "m1"}},
		{`{"type":"message_stop","message_id":"m1"}`, MessageEnd, MessagePayload{MessageID: "m1"}},
		{`{"type":"message_complete"}`, MessageEnd, MessagePayload{}},
		{`{"type":"message_delta","delta":{"text":"more"}}`, TextDelta, DeltaPayload{Delta: "more"}},
		{`{"type":"tool_use","id":"tool_1","name":"run_gaql_query"}`, ToolCallStart, ToolCallPayload{ToolCallID: "tool_1", ToolName: "run_gaql_query", Standalone: true}},
	}
	for _, tc := range cases {
		ev := decodeOne(t, tc.payload)
		assert.Equal(t, tc.kind, ev.Kind, tc.payload)
		assert.Equal(t, tc.want, ev.Payload, tc.payload)
	}
}

func TestDecodeLegacyToolResultPrefersContent(t *testing.T) {
	ev := decodeOne(t, `{"type":"tool_result","tool_use_id":"tool_1","content":{"count":3},"result":"ignored"}`)
	assert.Equal(t, ToolResultEnd, ev.Kind)
	p := ev.Payload.(ToolResultPayload)
	assert.Equal(t, "tool_1", p.ToolCallID)
	assert.JSONEq(t, `{"count":3}`, string(p.Result))

	ev = decodeOne(t, `{"type":"tool_result","id":"tool_2","result":"plain"}`)
	p = ev.Payload.(ToolResultPayload)
	assert.Equal(t, "tool_2", p.ToolCallID)
	assert.JSONEq(t, `"plain"`, string(p.Result))
}

func TestDecodeLegacyUnsupportedBlocksDegrade(t *testing.T) {
	for _, payload := range []string{
		`{"type":"content_block_start","id":"x","content_block":{"type":"image"}}`,
		`{"type":"content_block_delta","id":"x","delta":{"type":"signature_delta"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	} {
		assert.Equal(t, Unknown, decodeOne(t, payload).Kind, payload)
	}
}

func TestNormalizeDropsLifecycleFrames(t *testing.T) {
	for _, payload := range []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"result","subtype":"success"}`,
		`{"type":"stream_event","event":{"type":"session.created","session_id":"s"}}`,
	} {
		evs, err := Decode([]byte(payload))
		require.NoError(t, err)
		assert.Empty(t, evs, payload)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	_, err := Decode([]byte(`{"type":"text-delta",`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`[1,2]`))
	require.ErrorIs(t, err, ErrNotObject)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`"text"`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDoneSentinelRaw(t *testing.T) {
	ev := DoneSentinel()
	assert.Equal(t, Done, ev.Kind)
	assert.JSONEq(t, `{"type":"done"}`, string(ev.Raw))
}

func TestUnknownTypesNeverFail(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("unrecognized type yields one Unknown with raw payload", prop.ForAll(
		func(typ string) bool {
			if _, ok := canonical[Kind(typ)]; ok {
				return true
			}
			if _, ok := legacy[typ]; ok {
				return true
			}
			payload, _ := json.Marshal(map[string]any{"type": typ, "extra": []int{1, 2}})
			evs, err := Decode(payload)
			if err != nil || len(evs) != 1 {
				return false
			}
			return evs[0].Kind == Unknown && string(evs[0].Raw) == string(payload)
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}
