package llm

import (
	"context"
	"io"
)

// Request describes one turn to stream. RunID selects a reply to an existing
// run; an empty RunID starts a new one.
type Request struct {
	Message      string
	RunID        string
	TeammateID   int64
	Tools        []string
	Instructions string
	Model        string
}

// Backend opens an SSE response body for a turn. The body is owned by the
// caller, who hands it to the stream decoder.
type Backend interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

func (f BackendFunc) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}
