package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"mates-cli/internal/events"
	"mates-cli/internal/stream"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChunks struct {
	chunks []openai.ChatCompletionChunk
	pos    int
	err    error
	closed bool
}

func (f *fakeChunks) Next() bool {
	if f.pos >= len(f.chunks) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeChunks) Current() openai.ChatCompletionChunk { return f.chunks[f.pos-1] }
func (f *fakeChunks) Err() error                          { return f.err }
func (f *fakeChunks) Close() error {
	f.closed = true
	return nil
}

func chunks(t *testing.T, raw ...string) []openai.ChatCompletionChunk {
	t.Helper()
	out := make([]openai.ChatCompletionChunk, 0, len(raw))
	for _, r := range raw {
		var c openai.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(r), &c))
		out = append(out, c)
	}
	return out
}

func bridge(t *testing.T, src *fakeChunks) *stream.Stream {
	t.Helper()
	pr, pw := io.Pipe()
	go pump(context.Background(), src, pw, zap.NewNop())
	return stream.New(pr)
}

func TestBridgeTranslatesTextAndUsage(t *testing.T) {
	src := &fakeChunks{chunks: chunks(t,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	)}
	s := bridge(t, src)

	var kinds []events.Kind
	for ev, err := range s.Events() {
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []events.Kind{
		events.MessageStart, events.TextStart, events.TextDelta, events.TextDelta, events.TextEnd,
		events.Metadata, events.MessageEnd, events.Done,
	}, kinds)
	assert.Equal(t, "Hello", s.Text())

	usage, err := stream.DecodeUsage(s.Accumulator().Usage())
	require.NoError(t, err)
	assert.EqualValues(t, 7, usage.TotalTokens)

	done, ok := s.Done()
	require.True(t, ok)
	assert.Equal(t, "stop", done.StopReason)
	assert.True(t, src.closed)
}

func TestBridgeTranslatesToolCalls(t *testing.T) {
	src := &fakeChunks{chunks: chunks(t,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"name":"lookup"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)}
	s := bridge(t, src)
	for _, err := range s.Events() {
		require.NoError(t, err)
	}

	calls := s.Accumulator().ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, stream.ToolCall{ID: "call_a", Name: "search", Arguments: `{"q":"go"}`, Completed: true}, calls["call_a"])
	assert.Equal(t, stream.ToolCall{ID: "call_1", Name: "lookup", Arguments: `{}`, Completed: true}, calls["call_1"])
}

func TestBridgeReportsUpstreamErrorAsEvent(t *testing.T) {
	src := &fakeChunks{
		chunks: chunks(t, `{"id":"c","choices":[{"index":0,"delta":{"content":"par"}}]}`),
		err:    errors.New("upstream 500"),
	}
	s := bridge(t, src)
	for _, err := range s.Events() {
		require.NoError(t, err)
	}
	acc := s.Accumulator()
	assert.Equal(t, []string{"upstream 500"}, acc.Errors())
	assert.Equal(t, "par", acc.Text())
}

func TestBridgeStopsWhenReaderCloses(t *testing.T) {
	src := &fakeChunks{chunks: chunks(t,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"b"}}]}`,
	)}
	pr, pw := io.Pipe()
	finished := make(chan struct{})
	go func() {
		pump(context.Background(), src, pw, zap.NewNop())
		close(finished)
	}()
	require.NoError(t, pr.Close())
	<-finished
	assert.True(t, src.closed)
}

func TestOpenAIBackendRejectsReplies(t *testing.T) {
	b := NewOpenAIBackend("key", "http://127.0.0.1:0", "gpt-test", nil)
	_, err := b.Open(context.Background(), Request{Message: "hi", RunID: "42"})
	assert.Error(t, err)
}

func TestFunctionTools(t *testing.T) {
	assert.Nil(t, functionTools(nil))
	defs := functionTools([]string{"search"})
	require.Len(t, defs, 1)
	require.NotNil(t, defs[0].OfFunction)
	assert.Equal(t, "search", defs[0].OfFunction.Function.Name)
}
