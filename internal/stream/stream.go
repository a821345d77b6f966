package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"mates-cli/internal/events"
	"mates-cli/internal/sse"
	"mates-cli/internal/util"

	"go.uber.org/zap"
)

const previewBytes = 200

// Format selects which projection of a stream a consumer reads.
type Format string

const (
	FormatEvents Format = "events"
	FormatText   Format = "text"
	FormatJSON   Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatEvents, FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatEvents, nil
	}
	return "", fmt.Errorf("unknown format %q (want events, text or json)", s)
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for skipped frames and transport close.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAccumulator folds events into acc instead of a fresh Accumulator.
func WithAccumulator(acc *Accumulator) Option {
	return func(s *Stream) {
		if acc != nil {
			s.acc = acc
		}
	}
}

// Stream decodes one SSE response body. It is single-pass: events are read
// lazily from the transport and every event is folded into the Accumulator
// before it is handed to the caller. The body is closed exactly once, on
// exhaustion, on a read error or on Close.
type Stream struct {
	body   io.ReadCloser
	reader *sse.Reader
	acc    *Accumulator
	logger *zap.Logger

	pending   []events.Event
	cur       events.Event
	err       error
	exhausted bool
	skipped   int
	done      *events.DonePayload

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New returns a Stream reading body. The Stream owns body from here on.
func New(body io.ReadCloser, opts ...Option) *Stream {
	s := &Stream{
		body:   body,
		reader: sse.NewReader(body),
		acc:    NewAccumulator(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next advances to the next event. It returns false when the stream is
// exhausted, failed or was closed; check Err to tell them apart.
func (s *Stream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			s.acc.Process(s.cur)
			if s.cur.Kind == events.Done {
				p, _ := s.cur.Payload.(events.DonePayload)
				s.done = &p
			}
			return true
		}
		if s.exhausted {
			return false
		}
		if s.closed.Load() {
			s.exhausted = true
			return false
		}

		frame, err := s.reader.Next()
		if err != nil {
			s.exhausted = true
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.err = fmt.Errorf("read stream: %w", err)
			}
			s.release()
			return false
		}
		if frame.IsDone() {
			s.pending = append(s.pending, events.DoneSentinel())
			continue
		}
		evs, err := events.Decode([]byte(frame.Data))
		if err != nil {
			s.skipped++
			s.logger.Debug("skipping malformed frame", zap.Error(err), zap.Int("lines", frame.Lines), zap.String("preview", preview(frame.Data)))
			continue
		}
		for _, ev := range evs {
			if ev.Kind == events.Unknown {
				s.logger.Debug("unknown event type", zap.String("raw", preview(string(ev.Raw))))
			}
		}
		s.pending = append(s.pending, evs...)
	}
}

// Current returns the event produced by the last successful Next.
func (s *Stream) Current() events.Event {
	return s.cur
}

// Err returns the transport error that ended the stream, if any. Producer
// errors are events, not errors.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the transport. It is safe to call more than once and from
// another goroutine; later calls return the result of the first.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		s.logger.Debug("stream closed")
	})
	return s.closeErr
}

func (s *Stream) release() {
	if err := s.Close(); err != nil {
		s.logger.Debug("close stream body", zap.Error(err))
	}
}

// Accumulator returns the state folded from every event delivered so far.
func (s *Stream) Accumulator() *Accumulator {
	return s.acc
}

// Text returns the assistant text accumulated so far.
func (s *Stream) Text() string {
	return s.acc.Text()
}

// Done returns the terminal payload once a done event has been delivered.
func (s *Stream) Done() (events.DonePayload, bool) {
	if s.done == nil {
		return events.DonePayload{}, false
	}
	return *s.done, true
}

// Skipped returns how many malformed frames were dropped.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Events yields every event and closes the stream however the loop ends.
// The error of a failed stream is yielded once, last.
func (s *Stream) Events() iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		defer s.release()
		for s.Next() {
			if !yield(s.Current(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(events.Event{}, err)
		}
	}
}

// TextDeltas yields only the fragments of text delta events. Every event is
// still folded into the Accumulator.
func (s *Stream) TextDeltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.release()
		for s.Next() {
			ev := s.Current()
			if ev.Kind != events.TextDelta {
				continue
			}
			if !yield(ev.Delta(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield("", err)
		}
	}
}

// RawJSON yields the wire payload of every event unchanged.
func (s *Stream) RawJSON() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer s.release()
		for s.Next() {
			if !yield(s.Current().Raw, nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// preview is what may reach a log line of a payload.
func preview(payload string) string {
	out, _ := util.TruncateBytes(util.RedactSecrets(payload), previewBytes)
	return out
}
