package stream

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"

	"mates-cli/internal/events"
)

// ToolCall is the folded state of one tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments"`
	Result    json.RawMessage `json:"result,omitempty"`
	Todos     []events.Todo   `json:"todos,omitempty"`
	Completed bool            `json:"completed"`
}

// ResultText returns the result as display text: a JSON string result is
// unquoted, anything else is returned as compact JSON.
func (tc ToolCall) ResultText() string {
	if len(tc.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(tc.Result, &s); err == nil {
		return s
	}
	return string(tc.Result)
}

// TodoUpdate is one entry of the todo ledger.
type TodoUpdate struct {
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Todos      []events.Todo `json:"todos"`
}

type toolState struct {
	call     ToolCall
	chunks   strings.Builder
	explicit json.RawMessage
}

type openBlock struct {
	id   string
	kind events.Kind
}

// Accumulator folds events into queryable state. Process is the only mutator;
// every accessor returns a copy and may be called at any time, from any
// goroutine, including mid-stream.
type Accumulator struct {
	mu sync.RWMutex

	text      strings.Builder
	reasoning strings.Builder
	plan      strings.Builder

	tools    map[string]*toolState
	order    []string
	errors   []string
	metadata []map[string]any
	usage    map[string]any
	todos    []TodoUpdate
	message  string
	blocks   []openBlock
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{tools: map[string]*toolState{}}
}

// Process applies one event. Kinds that carry no state are ignored.
func (a *Accumulator) Process(ev events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case events.TextStart:
		a.open(ev.BlockID(), ev.Kind)
	case events.TextDelta:
		a.text.WriteString(ev.Delta())
	case events.TextEnd:
		a.close(ev.BlockID(), events.TextStart)

	case events.ReasoningStart, events.ThinkingStart:
		a.open(ev.BlockID(), ev.Kind)
		boundary(&a.reasoning)
	case events.ReasoningDelta, events.ThinkingDelta:
		a.reasoning.WriteString(ev.Delta())
	case events.ReasoningEnd, events.ThinkingEnd:
		a.close(ev.BlockID(), events.ReasoningStart, events.ThinkingStart)
		boundary(&a.reasoning)

	case events.PlanStart:
		a.open(ev.BlockID(), ev.Kind)
		boundary(&a.plan)
	case events.PlanDelta:
		a.plan.WriteString(ev.Delta())
	case events.PlanEnd:
		a.close(ev.BlockID(), events.PlanStart)
		boundary(&a.plan)

	case events.ToolCallStart:
		p, _ := ev.Payload.(events.ToolCallPayload)
		if ts := a.tool(p.ToolCallID); ts != nil {
			if ts.call.Name == "" {
				ts.call.Name = p.ToolName
			}
			if !p.Standalone {
				a.open(p.ToolCallID, ev.Kind)
			}
		}
	case events.ToolCallDelta:
		if ts := a.tool(ev.ToolCallID()); ts != nil {
			ts.call.Arguments += ev.Delta()
		}
	case events.ToolCallEnd:
		if ts := a.tool(ev.ToolCallID()); ts != nil {
			ts.call.Completed = true
			a.close(ts.call.ID)
		}
	case events.ToolResultStart:
		a.tool(ev.ToolCallID())
	case events.ToolResultDelta:
		if ts := a.tool(ev.ToolCallID()); ts != nil {
			ts.chunks.WriteString(ev.Delta())
		}
	case events.ToolResultEnd:
		p, _ := ev.Payload.(events.ToolResultPayload)
		if ts := a.tool(p.ToolCallID); ts != nil {
			if len(p.Result) > 0 {
				ts.explicit = slices.Clone(p.Result)
			}
			ts.call.Completed = true
			a.close(ts.call.ID)
		}
	case events.TodoUpdate:
		p, _ := ev.Payload.(events.TodoUpdatePayload)
		todos := cloneTodos(p.Todos)
		a.todos = append(a.todos, TodoUpdate{ToolCallID: p.ToolCallID, Todos: todos})
		if ts := a.tool(p.ToolCallID); ts != nil {
			ts.call.Todos = todos
		}

	case events.BlockEnd:
		a.endBlock(ev.BlockID())

	case events.MessageStart:
		p, _ := ev.Payload.(events.MessagePayload)
		a.message = p.MessageID
	case events.MessageEnd:
		a.message = ""

	case events.Metadata:
		p, _ := ev.Payload.(events.MetadataPayload)
		fields := maps.Clone(p.Fields)
		if fields == nil {
			fields = map[string]any{}
		}
		a.metadata = append(a.metadata, fields)
		if usage, ok := fields["usage"].(map[string]any); ok {
			a.usage = usage
		}
	case events.Error:
		p, _ := ev.Payload.(events.ErrorPayload)
		a.errors = append(a.errors, p.Message)
	}
}

// tool returns the entry for id, allocating it on first reference so deltas
// and results that arrive before their start are kept. It returns nil for an
// empty id.
func (a *Accumulator) tool(id string) *toolState {
	if id == "" {
		return nil
	}
	if ts, ok := a.tools[id]; ok {
		return ts
	}
	ts := &toolState{call: ToolCall{ID: id}}
	a.tools[id] = ts
	a.order = append(a.order, id)
	return ts
}

func (a *Accumulator) open(id string, kind events.Kind) {
	if id != "" && slices.ContainsFunc(a.blocks, func(b openBlock) bool { return b.id == id }) {
		return
	}
	a.blocks = append(a.blocks, openBlock{id: id, kind: kind})
}

// close drops and returns the open block with id. An empty id closes the most
// recent block of one of kinds, or of any kind when none are given. An id
// that matches no open block closes nothing.
func (a *Accumulator) close(id string, kinds ...events.Kind) (openBlock, bool) {
	idx := slices.IndexFunc(a.blocks, func(b openBlock) bool { return id != "" && b.id == id })
	if id == "" {
		for i := len(a.blocks) - 1; i >= 0; i-- {
			if len(kinds) == 0 || slices.Contains(kinds, a.blocks[i].kind) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return openBlock{}, false
	}
	b := a.blocks[idx]
	a.blocks = slices.Delete(a.blocks, idx, idx+1)
	return b, true
}

// endBlock resolves a type-less content_block_stop against the block it
// closes.
func (a *Accumulator) endBlock(id string) {
	b, ok := a.close(id)
	if !ok {
		return
	}
	switch b.kind {
	case events.ReasoningStart, events.ThinkingStart:
		boundary(&a.reasoning)
	case events.PlanStart:
		boundary(&a.plan)
	case events.ToolCallStart:
		if ts := a.tools[b.id]; ts != nil {
			ts.call.Completed = true
		}
	}
}

// boundary separates sections of a buffer with a single newline.
func boundary(b *strings.Builder) {
	if b.Len() == 0 {
		return
	}
	if s := b.String(); s[len(s)-1] != '\n' {
		b.WriteByte('\n')
	}
}

// Text returns the concatenation of every text delta seen so far.
func (a *Accumulator) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.text.String()
}

// Reasoning returns reasoning and thinking output.
func (a *Accumulator) Reasoning() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reasoning.String()
}

func (a *Accumulator) Plan() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.plan.String()
}

// ToolCalls returns a snapshot of every tool call keyed by id.
func (a *Accumulator) ToolCalls() map[string]ToolCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]ToolCall, len(a.tools))
	for id, ts := range a.tools {
		out[id] = ts.snapshot()
	}
	return out
}

// OrderedToolCalls returns the tool calls in first-seen order.
func (a *Accumulator) OrderedToolCalls() []ToolCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.tools[id].snapshot())
	}
	return out
}

// snapshot copies the call. Result is the explicit result when one was sent,
// else the streamed chunks as a JSON string.
func (ts *toolState) snapshot() ToolCall {
	out := ts.call
	out.Todos = cloneTodos(ts.call.Todos)
	switch {
	case ts.explicit != nil:
		out.Result = slices.Clone(ts.explicit)
	case ts.chunks.Len() > 0:
		out.Result, _ = json.Marshal(ts.chunks.String())
	}
	return out
}

// Usage returns the usage object of the latest metadata event that had one,
// or nil.
func (a *Accumulator) Usage() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.usage)
}

// TodoUpdates returns every todo snapshot in arrival order.
func (a *Accumulator) TodoUpdates() []TodoUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]TodoUpdate, len(a.todos))
	for i, u := range a.todos {
		out[i] = TodoUpdate{ToolCallID: u.ToolCallID, Todos: cloneTodos(u.Todos)}
	}
	return out
}

func (a *Accumulator) HasErrors() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.errors) > 0
}

func (a *Accumulator) Errors() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.errors)
}

// Metadata returns every metadata payload in arrival order.
func (a *Accumulator) Metadata() []map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]map[string]any, len(a.metadata))
	for i, m := range a.metadata {
		out[i] = maps.Clone(m)
	}
	return out
}

// MessageID returns the id of the message in progress, or "".
func (a *Accumulator) MessageID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.message
}

func cloneTodos(todos []events.Todo) []events.Todo {
	if todos == nil {
		return nil
	}
	out := make([]events.Todo, len(todos))
	for i, t := range todos {
		out[i] = maps.Clone(t)
	}
	return out
}
