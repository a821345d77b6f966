package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"mates-cli/internal/events"
	"mates-cli/internal/stream"
	"mates-cli/internal/util"
)

const (
	previewLines = 6
	previewBytes = 400
)

type section int

const (
	sectionNone section = iota
	sectionText
	sectionThinking
	sectionPlan
)

// StdoutRenderer streams events to a plain text writer. Tool names and
// results are looked up in the accumulator the stream folds into, so events
// must be emitted after the accumulator has seen them.
type StdoutRenderer struct {
	w    io.Writer
	acc  *stream.Accumulator
	opts Options

	mu          sync.Mutex
	section     section
	atLineStart bool
}

// NewStdoutRenderer creates a renderer for plain text streaming.
func NewStdoutRenderer(w io.Writer, acc *stream.Accumulator, opts Options) *StdoutRenderer {
	if acc == nil {
		acc = stream.NewAccumulator()
	}
	return &StdoutRenderer{w: w, acc: acc, opts: opts, atLineStart: true}
}

func (r *StdoutRenderer) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case events.TextDelta:
		r.write(sectionText, "", ev.Delta())
	case events.ReasoningDelta, events.ThinkingDelta:
		if r.opts.Quiet || !r.opts.ShowThinking {
			return
		}
		r.write(sectionThinking, "thinking: ", ev.Delta())
	case events.PlanDelta:
		if r.opts.Quiet {
			return
		}
		r.write(sectionPlan, "plan: ", ev.Delta())
	case events.TextEnd, events.ReasoningEnd, events.ThinkingEnd, events.PlanEnd, events.BlockEnd:
		if r.section != sectionNone {
			r.endSection()
		}
		if ev.Kind == events.BlockEnd && r.opts.Verbose && r.showTools() {
			if call, ok := r.acc.ToolCalls()[ev.BlockID()]; ok && call.Arguments != "" {
				r.line("input: %s", call.Arguments)
			}
		}

	case events.ToolCallStart:
		if !r.showTools() {
			return
		}
		p, _ := ev.Payload.(events.ToolCallPayload)
		r.line("tool: %s start", r.toolName(p.ToolCallID, p.ToolName))
	case events.ToolCallEnd:
		if !r.showTools() || !r.opts.Verbose {
			return
		}
		if call, ok := r.acc.ToolCalls()[ev.ToolCallID()]; ok && call.Arguments != "" {
			r.line("input: %s", call.Arguments)
		}
	case events.ToolResultEnd:
		if !r.showTools() {
			return
		}
		call := r.acc.ToolCalls()[ev.ToolCallID()]
		r.line("tool: %s ok", r.toolName(ev.ToolCallID(), call.Name))
		if r.opts.Verbose {
			if text := util.Preview(call.ResultText(), previewLines, previewBytes); text != "" {
				r.line("preview:")
				for _, line := range strings.Split(text, "\n") {
					r.line("  %s", line)
				}
			}
		}
	case events.TodoUpdate:
		if !r.showTools() {
			return
		}
		p, _ := ev.Payload.(events.TodoUpdatePayload)
		r.line("todos:")
		for _, todo := range p.Todos {
			mark := " "
			if todo.Status() == "completed" {
				mark = "x"
			}
			r.line("  [%s] %s", mark, todo.Content())
		}

	case events.SandboxConnecting:
		if r.opts.Quiet {
			return
		}
		p, _ := ev.Payload.(events.SandboxConnectingPayload)
		msg := p.Message
		if msg == "" {
			msg = "connecting"
		}
		r.line("sandbox: %s", msg)
	case events.SandboxConnected:
		if r.opts.Quiet {
			return
		}
		p, _ := ev.Payload.(events.SandboxConnectedPayload)
		if p.DurationMs != nil {
			r.line("sandbox: connected %s (%dms)", p.SandboxID, *p.DurationMs)
		} else {
			r.line("sandbox: connected %s", p.SandboxID)
		}

	case events.Error:
		p, _ := ev.Payload.(events.ErrorPayload)
		r.line("Error: %s", p.Message)
	case events.Done:
		r.finish()
	case events.Unknown:
		if r.opts.Verbose && !r.opts.Quiet {
			raw, _ := util.TruncateBytes(util.RedactSecrets(string(ev.Raw)), previewBytes)
			r.line("unknown event: %s", raw)
		}
	}
}

// Close terminates a dangling line. It is a no-op when a done event was seen.
func (r *StdoutRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.atLineStart {
		fmt.Fprintln(r.w)
		r.atLineStart = true
	}
	return nil
}

func (r *StdoutRenderer) showTools() bool {
	return r.opts.ShowTools && !r.opts.Quiet
}

func (r *StdoutRenderer) toolName(id, name string) string {
	if name != "" {
		return name
	}
	if call, ok := r.acc.ToolCalls()[id]; ok && call.Name != "" {
		return call.Name
	}
	return id
}

// write appends a delta to the current section, opening a new line with
// prefix when the section changes.
func (r *StdoutRenderer) write(s section, prefix, delta string) {
	if delta == "" {
		return
	}
	if r.section != s {
		if r.section != sectionNone {
			r.endSection()
		}
		if !r.atLineStart {
			fmt.Fprintln(r.w)
		}
		fmt.Fprint(r.w, prefix)
		r.section = s
	}
	fmt.Fprint(r.w, delta)
	r.atLineStart = strings.HasSuffix(delta, "\n")
}

func (r *StdoutRenderer) endSection() {
	if r.section != sectionText && !r.atLineStart {
		fmt.Fprintln(r.w)
		r.atLineStart = true
	}
	r.section = sectionNone
}

// line prints a full status line on its own row.
func (r *StdoutRenderer) line(format string, args ...any) {
	if !r.atLineStart {
		fmt.Fprintln(r.w)
	}
	r.section = sectionNone
	fmt.Fprintf(r.w, format+"\n", args...)
	r.atLineStart = true
}

func (r *StdoutRenderer) finish() {
	if !r.atLineStart {
		fmt.Fprintln(r.w)
		r.atLineStart = true
	}
	r.section = sectionNone
	if r.opts.Quiet {
		return
	}
	usage, err := stream.DecodeUsage(r.acc.Usage())
	if err != nil || usage.TotalTokens == 0 {
		return
	}
	r.line("usage: %d in / %d out (%d total)", usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
}
