package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mates-cli/internal/config"
	"mates-cli/internal/events"
	"mates-cli/internal/llm"
	"mates-cli/internal/render"
	"mates-cli/internal/stream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run statuses recorded in Result.Status.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusIncomplete = "incomplete"
	StatusCancelled  = "cancelled"
	StatusFailure    = "failure"
)

// ErrRunFailed is returned when the stream carried error events.
var ErrRunFailed = errors.New("run reported errors")

// Result captures run output for JSON mode and persisted run records.
type Result struct {
	RunID       string              `json:"run_id"`
	StartedAt   time.Time           `json:"timestamp_start"`
	FinishedAt  time.Time           `json:"timestamp_end"`
	Message     string              `json:"message"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Backend     string              `json:"backend"`
	Format      stream.Format       `json:"format"`
	Status      string              `json:"status"`
	Text        string              `json:"text"`
	Reasoning   string              `json:"reasoning,omitempty"`
	Plan        string              `json:"plan,omitempty"`
	ToolCalls   []stream.ToolCall   `json:"tool_calls"`
	TodoUpdates []stream.TodoUpdate `json:"todo_updates,omitempty"`
	Usage       *stream.Usage       `json:"usage,omitempty"`
	Errors      []string            `json:"errors,omitempty"`
	Done        *events.DonePayload `json:"done,omitempty"`
	Skipped     int                 `json:"skipped_frames"`
	Events      []events.Event      `json:"events,omitempty"`
}

// Runner opens a stream on a backend and drives it to the end, writing the
// selected projection to out.
type Runner struct {
	backend llm.Backend
	out     io.Writer
	logger  *zap.Logger
	cfg     config.Config
}

// NewRunner constructs a Runner.
func NewRunner(backend llm.Backend, out io.Writer, logger *zap.Logger, cfg config.Config) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{backend: backend, out: out, logger: logger, cfg: cfg}
}

// Run executes one turn. The returned Result is filled in even when an error
// is returned.
func (r *Runner) Run(ctx context.Context, req llm.Request) (Result, error) {
	result := Result{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Message:   req.Message,
		ReplyTo:   req.RunID,
		Backend:   r.cfg.Backend,
		Format:    r.cfg.Format,
		Status:    StatusFailure,
	}

	body, err := r.backend.Open(ctx, req)
	if err != nil {
		r.logger.Error("open stream failed", zap.Error(err))
		result.Errors = []string{err.Error()}
		result.FinishedAt = time.Now()
		return result, err
	}

	s := stream.New(body, stream.WithLogger(r.logger))
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var streamErr error
	switch {
	case r.cfg.JSON:
		streamErr = r.consumeEvents(s, nil, &result)
	case r.cfg.Format == stream.FormatText:
		streamErr = r.consumeText(s)
	case r.cfg.Format == stream.FormatJSON:
		streamErr = r.consumeRaw(s)
	default:
		renderer := render.NewStdoutRenderer(r.out, s.Accumulator(), render.Options{
			Verbose:      r.cfg.Verbose,
			Quiet:        r.cfg.Quiet,
			ShowThinking: r.cfg.ShowThinking,
			ShowTools:    r.cfg.ShowTools,
		})
		streamErr = r.consumeEvents(s, renderer, &result)
		if err := renderer.Close(); err != nil {
			r.logger.Debug("close renderer", zap.Error(err))
		}
	}

	r.collect(s, &result)
	result.FinishedAt = time.Now()

	switch {
	case ctx.Err() != nil:
		result.Status = StatusCancelled
		return result, ctx.Err()
	case streamErr != nil:
		result.Status = StatusFailure
		r.logger.Error("stream failed", zap.Error(streamErr))
		return result, streamErr
	case len(result.Errors) > 0:
		result.Status = StatusError
		return result, fmt.Errorf("%w: %s", ErrRunFailed, strings.Join(result.Errors, "; "))
	case result.Done == nil:
		result.Status = StatusIncomplete
	default:
		result.Status = StatusSuccess
	}
	r.logger.Debug("run finished", zap.String("run_id", result.RunID), zap.String("status", result.Status), zap.Int("skipped", result.Skipped))
	return result, nil
}

func (r *Runner) consumeEvents(s *stream.Stream, renderer render.Renderer, result *Result) error {
	for ev, err := range s.Events() {
		if err != nil {
			return err
		}
		result.Events = append(result.Events, ev)
		if renderer != nil {
			renderer.Emit(ev)
		}
	}
	return nil
}

func (r *Runner) consumeText(s *stream.Stream) error {
	endedWithNewline := true
	for delta, err := range s.TextDeltas() {
		if err != nil {
			return err
		}
		if delta == "" {
			continue
		}
		fmt.Fprint(r.out, delta)
		endedWithNewline = strings.HasSuffix(delta, "\n")
	}
	if !endedWithNewline {
		fmt.Fprintln(r.out)
	}
	return nil
}

func (r *Runner) consumeRaw(s *stream.Stream) error {
	for raw, err := range s.RawJSON() {
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s\n", raw)
	}
	return nil
}

// collect copies the accumulated state into result.
func (r *Runner) collect(s *stream.Stream, result *Result) {
	acc := s.Accumulator()
	result.Text = acc.Text()
	result.Reasoning = acc.Reasoning()
	result.Plan = acc.Plan()
	result.ToolCalls = acc.OrderedToolCalls()
	result.TodoUpdates = acc.TodoUpdates()
	result.Errors = acc.Errors()
	result.Skipped = s.Skipped()
	if done, ok := s.Done(); ok {
		result.Done = &done
	}
	if raw := acc.Usage(); raw != nil {
		usage, err := stream.DecodeUsage(raw)
		if err != nil {
			r.logger.Debug("ignoring usage", zap.Error(err))
		} else {
			result.Usage = &usage
		}
	}
}
