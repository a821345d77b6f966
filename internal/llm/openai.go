package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const textBlockID = "0"

// OpenAIBackend streams a chat completion from any OpenAI-compatible endpoint
// and re-encodes the chunks as canonical SSE frames, so the same decoder
// reads it as it reads the runs API.
type OpenAIBackend struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIBackend constructs a backend with base URL and key.
func NewOpenAIBackend(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), model: model, logger: logger}
}

func (b *OpenAIBackend) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.RunID != "" {
		return nil, errors.New("openai backend does not support replies to existing runs")
	}
	model := b.model
	if req.Model != "" {
		model = req.Model
	}
	if model == "" {
		return nil, errors.New("openai backend needs a model")
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	messages = append(messages, openai.UserMessage(req.Message))

	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(model),
		Messages:      messages,
		Tools:         functionTools(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)},
	}

	ctx, cancel := context.WithCancel(ctx)
	st := b.client.Chat.Completions.NewStreaming(ctx, params)
	pr, pw := io.Pipe()
	go pump(ctx, st, pw, b.logger)
	return &bridgeBody{PipeReader: pr, cancel: cancel}, nil
}

// functionTools declares each named tool as a function taking a free-form
// object.
func functionTools(names []string) []openai.ChatCompletionToolUnionParam {
	var defs []openai.ChatCompletionToolUnionParam
	for _, name := range names {
		defs = append(defs, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:       name,
			Parameters: shared.FunctionParameters{"type": "object"},
		}))
	}
	return defs
}

type bridgeBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *bridgeBody) Close() error {
	b.cancel()
	return b.PipeReader.Close()
}

type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// pump copies translated frames into w until the upstream stream ends or the
// reader goes away.
func pump(ctx context.Context, st chunkStream, w *io.PipeWriter, logger *zap.Logger) {
	defer st.Close()
	t := newChunkTranslator()
	write := func(frames [][]byte) error {
		for _, f := range frames {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", f); err != nil {
				return err
			}
		}
		return nil
	}

	for st.Next() {
		if err := write(t.translate(st.Current())); err != nil {
			logger.Debug("bridge reader closed", zap.Error(err))
			return
		}
	}
	if err := st.Err(); err != nil {
		if ctx.Err() != nil {
			_ = w.CloseWithError(ctx.Err())
			return
		}
		logger.Warn("openai stream failed", zap.Error(err))
		_ = write([][]byte{frame("error", "error", err.Error())})
	}
	_ = write(t.finish())
	_ = w.Close()
}

type bridgedTool struct {
	id      string
	name    string
	started bool
	ended   bool
	pending string
}

// chunkTranslator turns chat completion chunks into canonical event frames.
// Text goes into a single block; tool calls are keyed by their index in the
// choice since only the first chunk of a call carries its id.
type chunkTranslator struct {
	messageID string
	started   bool
	textOpen  bool
	tools     map[int64]*bridgedTool
	order     []int64
	stop      string
}

func newChunkTranslator() *chunkTranslator {
	return &chunkTranslator{tools: map[int64]*bridgedTool{}}
}

func (t *chunkTranslator) translate(chunk openai.ChatCompletionChunk) [][]byte {
	var out [][]byte
	if !t.started {
		t.started = true
		t.messageID = chunk.ID
		out = append(out, frame("message-start", "messageId", chunk.ID))
	}
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if content := choice.Delta.Content; content != "" {
			if !t.textOpen {
				t.textOpen = true
				out = append(out, frame("text-start", "id", textBlockID))
			}
			out = append(out, frame("text-delta", "id", textBlockID, "delta", content))
		}
		for _, call := range choice.Delta.ToolCalls {
			out = append(out, t.toolDelta(call)...)
		}
		if choice.FinishReason != "" {
			t.stop = choice.FinishReason
			out = append(out, t.closeBlocks()...)
		}
	}
	if chunk.JSON.Usage.Valid() {
		out = append(out, frame("metadata", "payload.usage", map[string]int64{
			"input_tokens":  chunk.Usage.PromptTokens,
			"output_tokens": chunk.Usage.CompletionTokens,
			"total_tokens":  chunk.Usage.TotalTokens,
		}))
	}
	return out
}

func (t *chunkTranslator) toolDelta(call openai.ChatCompletionChunkChoiceDeltaToolCall) [][]byte {
	var out [][]byte
	tool, ok := t.tools[call.Index]
	if !ok {
		tool = &bridgedTool{}
		t.tools[call.Index] = tool
		t.order = append(t.order, call.Index)
	}
	if tool.id == "" && call.ID != "" {
		tool.id = call.ID
	}
	if tool.name == "" && call.Function.Name != "" {
		tool.name = call.Function.Name
	}
	tool.pending += call.Function.Arguments
	if !tool.started && tool.name != "" {
		if tool.id == "" {
			tool.id = "call_" + strconv.FormatInt(call.Index, 10)
		}
		tool.started = true
		out = append(out, frame("tool-call-start", "toolCallId", tool.id, "toolName", tool.name))
	}
	if tool.started && tool.pending != "" {
		out = append(out, frame("tool-call-delta", "toolCallId", tool.id, "delta", tool.pending))
		tool.pending = ""
	}
	return out
}

func (t *chunkTranslator) closeBlocks() [][]byte {
	var out [][]byte
	if t.textOpen {
		t.textOpen = false
		out = append(out, frame("text-end", "id", textBlockID))
	}
	for _, idx := range t.order {
		tool := t.tools[idx]
		if tool.started && !tool.ended {
			tool.ended = true
			out = append(out, frame("tool-call-end", "toolCallId", tool.id))
		}
	}
	return out
}

// finish closes whatever is still open and emits the terminal frames.
func (t *chunkTranslator) finish() [][]byte {
	out := t.closeBlocks()
	if t.started {
		out = append(out, frame("message-end", "messageId", t.messageID))
	}
	done := frame("done")
	if t.stop != "" {
		done = frame("done", "stop_reason", t.stop)
	}
	return append(out, done)
}

// frame builds a canonical event payload from path/value pairs.
func frame(typ string, kv ...any) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "type", typ)
	for i := 0; i+1 < len(kv); i += 2 {
		path, _ := kv[i].(string)
		out, _ = sjson.SetBytes(out, path, kv[i+1])
	}
	return out
}
