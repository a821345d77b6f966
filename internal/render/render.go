package render

import "mates-cli/internal/events"

// Renderer emits events to an output target.
type Renderer interface {
	Emit(events.Event)
	Close() error
}

// Options toggles the sections a renderer prints.
type Options struct {
	Verbose      bool
	Quiet        bool
	ShowThinking bool
	ShowTools    bool
}
