package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DoneSentinel is the non-JSON payload that terminates a stream.
const DoneSentinel = "[DONE]"

// Frame is one SSE unit: the data lines between two blank lines.
type Frame struct {
	// Data holds the payload of every data: line in the frame joined with "\n".
	Data string
	// Lines is the number of raw lines that made up the frame, comments included.
	Lines int
}

// IsDone reports whether the frame carries the [DONE] sentinel.
func (f Frame) IsDone() bool {
	return f.Data == DoneSentinel
}

// Reader turns a line-oriented source into SSE frames. It reads lazily, holds at
// most the frame in progress and cannot be rewound.
type Reader struct {
	br    *bufio.Reader
	err   error
	data  []string
	lines int
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next frame that carries a non-empty payload. Frames made only
// of comments or non-data fields are skipped. When the source ends without a
// trailing blank line the frame in progress is still returned; after that Next
// returns io.EOF. Read errors other than io.EOF are returned as is and the
// partial frame is dropped.
func (r *Reader) Next() (Frame, error) {
	for {
		if r.err != nil {
			if !errors.Is(r.err, io.EOF) {
				r.reset()
				return Frame{}, r.err
			}
			if frame, ok := r.flush(); ok {
				return frame, nil
			}
			return Frame{}, r.err
		}

		line, err := r.br.ReadString('\n')
		if err != nil {
			r.err = err
			if line == "" {
				continue
			}
		}
		line = strings.ToValidUTF8(strings.TrimRight(line, "\r\n"), "�")

		if line == "" {
			if frame, ok := r.flush(); ok {
				return frame, nil
			}
			continue
		}
		r.add(line)
	}
}

func (r *Reader) add(line string) {
	r.lines++
	if strings.HasPrefix(line, ":") {
		return
	}
	value, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// event:, id:, retry: and unknown fields carry nothing for this protocol.
		return
	}
	r.data = append(r.data, strings.TrimPrefix(value, " "))
}

func (r *Reader) flush() (Frame, bool) {
	defer r.reset()
	if len(r.data) == 0 {
		return Frame{}, false
	}
	payload := strings.TrimSpace(strings.Join(r.data, "\n"))
	if payload == "" {
		return Frame{}, false
	}
	return Frame{Data: payload, Lines: r.lines}, true
}

func (r *Reader) reset() {
	r.data = r.data[:0]
	r.lines = 0
}
