package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	reader := NewReader(r)
	var frames []Frame
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestReaderSplitsFramesOnBlankLines(t *testing.T) {
	input := "data: {\"type\":\"text-start\",\"id\":\"0\"}\n\n" +
		"data: {\"type\":\"text-delta\",\"id\":\"0\",\"delta\":\"Hi\"}\n\n" +
		"data: [DONE]\n\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 3)
	assert.Equal(t, `{"type":"text-start","id":"0"}`, frames[0].Data)
	assert.False(t, frames[1].IsDone())
	assert.True(t, frames[2].IsDone())
}

func TestReaderJoinsMultipleDataLines(t *testing.T) {
	input := "data: {\"type\":\"text-delta\",\n" +
		"data: \"delta\":\"split\"}\n\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 1)
	assert.Equal(t, "{\"type\":\"text-delta\",\n\"delta\":\"split\"}", frames[0].Data)
	assert.Equal(t, 2, frames[0].Lines)
}

func TestReaderIgnoresCommentsAndOtherFields(t *testing.T) {
	input := ": keep-alive\n\n" +
		"event: message\nid: 7\nretry: 1000\ndata: {\"type\":\"done\"}\n\n" +
		": trailing comment\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"type":"done"}`, frames[0].Data)
}

func TestReaderFlushesTrailingFrame(t *testing.T) {
	input := "data: {\"type\":\"text-delta\",\"delta\":\"a\"}\n\ndata: {\"type\":\"text-delta\",\"delta\":\"b\"}"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 2)
	assert.Equal(t, `{"type":"text-delta","delta":"b"}`, frames[1].Data)
}

func TestReaderHandlesCRLF(t *testing.T) {
	input := "data: {\"a\":1}\r\n\r\ndata: {\"b\":2}\r\n\r\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 2)
	assert.Equal(t, `{"b":2}`, frames[1].Data)
}

func TestReaderStripsOnlyOneLeadingSpace(t *testing.T) {
	input := "data:no-space\ndata:  two-spaces\n\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 1)
	assert.Equal(t, "no-space\n two-spaces", frames[0].Data)
}

func TestReaderReplacesInvalidUTF8(t *testing.T) {
	input := "data: {\"delta\":\"a\xffb\"}\n\n"
	frames := readAll(t, strings.NewReader(input))
	require.Len(t, frames, 1)
	assert.Equal(t, "{\"delta\":\"a�b\"}", frames[0].Data)
}

type failingReader struct {
	data string
	read bool
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func TestReaderPropagatesTransportErrors(t *testing.T) {
	boom := errors.New("connection reset")
	reader := NewReader(&failingReader{data: "data: {\"a\":1}\n\ndata: {\"partial\"", err: boom})

	frame, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, frame.Data)

	_, err = reader.Next()
	require.ErrorIs(t, err, boom)
	_, err = reader.Next()
	require.ErrorIs(t, err, boom)
}
