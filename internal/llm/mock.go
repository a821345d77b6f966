package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// MockBackend is a deterministic backend for tests and demos. It replays a
// canned run that mixes both wire dialects and includes one malformed frame.
type MockBackend struct {
	mu    sync.Mutex
	calls int
	last  Request
}

// NewMockBackend returns a simple mock.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (m *MockBackend) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()

	answer := "Summary: mock run completed."
	if req.RunID != "" {
		answer = "Reply to " + req.RunID + ": noted."
	}
	return io.NopCloser(strings.NewReader(MockTranscript(answer))), nil
}

// Calls returns how many streams were opened.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the request of the latest Open.
func (m *MockBackend) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// MockTranscript renders the canned SSE body with answer as the final text.
func MockTranscript(answer string) string {
	delta, _ := json.Marshal(answer)
	lines := []string{
		`: mock stream`,
		`data: {"type":"system","subtype":"init"}`,
		`data: {"type":"message-start","messageId":"msg_mock"}`,
		`data: {"type":"sandbox-connecting","message":"Starting sandbox"}`,
		`data: {"type":"sandbox-connected","sandbox_id":"sb_mock","duration_ms":12}`,
		`data: {"type":"content_block_start","id":"th_1","content_block":{"type":"thinking"}}`,
		`data: {"type":"content_block_delta","id":"th_1","delta":{"type":"thinking_delta","text":"Looking for the relevant tool."}}`,
		`data: {"type":"content_block_stop","id":"th_1"}`,
		`data: {"type":"plan-start","id":"p1"}`,
		`data: {"type":"plan-delta","id":"p1","delta":"1. search\n2. summarize"}`,
		`data: {"type":"plan-end","id":"p1"}`,
		`data: {"type":"content_block_start","id":"toolu_1","content_block":{"type":"tool_use","name":"search"}}`,
		`data: {"type":"content_block_delta","id":"toolu_1","delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`data: {"type":"content_block_delta","id":"toolu_1","delta":{"type":"input_json_delta","partial_json":"\"status\"}"}}`,
		`data: {"type":"content_block_stop","id":"toolu_1"}`,
		`data: {"type":"tool_result","tool_use_id":"toolu_1","content":{"matches":3}}`,
		`data: {"type":"tool-call-start","toolCallId":"call_todo","toolName":"TodoWrite"}`,
		`data: {"type":"todo-update","toolCallId":"call_todo","todos":[{"content":"search","status":"completed"},{"content":"summarize","status":"in_progress"}]}`,
		`data: {"type":"tool-call-end","toolCallId":"call_todo"}`,
		`data: {"type":"text-delta",`,
		`data: {"type":"text-start","id":"0"}`,
		`data: {"type":"text-delta","id":"0","delta":` + string(delta) + `}`,
		`data: {"type":"text-end","id":"0"}`,
		`data: {"type":"metadata","payload":{"usage":{"input_tokens":42,"output_tokens":7}}}`,
		`data: {"type":"run_metrics","execution_time_ms":1500,"input_tokens_used":42,"output_tokens_used":7,"claude_token_cost_usd":0.001}`,
		`data: {"type":"message-end","messageId":"msg_mock"}`,
		`data: [DONE]`,
	}
	return strings.Join(lines, "\n\n") + "\n\n"
}
