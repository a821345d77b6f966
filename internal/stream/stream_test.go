package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mates-cli/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingCloser struct {
	io.Reader
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func readCloser(s string) *countingCloser {
	return &countingCloser{Reader: strings.NewReader(s)}
}

const helloStream = "data: {\"type\":\"text-start\",\"id\":\"0\"}\n\n" +
	"data: {\"type\":\"text-delta\",\"id\":\"0\",\"delta\":\"Hi\"}\n\n" +
	"data: {\"type\":\"text-delta\",\"id\":\"0\",\"delta\":\" there\"}\n\n" +
	"data: {\"type\":\"text-end\",\"id\":\"0\"}\n\n" +
	"data: [DONE]\n\n"

func TestStreamConcreteScenario(t *testing.T) {
	body := readCloser(helloStream)
	s := New(body)

	var kinds []events.Kind
	for ev, err := range s.Events() {
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []events.Kind{events.TextStart, events.TextDelta, events.TextDelta, events.TextEnd, events.Done}, kinds)
	assert.Equal(t, "Hi there", s.Text())
	assert.EqualValues(t, 1, body.closes.Load())

	_, ok := s.Done()
	assert.True(t, ok)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	body := readCloser(helloStream)
	s := New(body)
	require.True(t, s.Next())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.EqualValues(t, 1, body.closes.Load())
	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestStreamClosesOnExhaustion(t *testing.T) {
	body := readCloser(helloStream)
	s := New(body)
	for s.Next() {
	}
	assert.EqualValues(t, 1, body.closes.Load())
	require.NoError(t, s.Close())
	assert.EqualValues(t, 1, body.closes.Load())
}

func TestStreamEarlyBreakClosesTransportOnce(t *testing.T) {
	body := readCloser(helloStream)
	s := New(body)
	for range s.Events() {
		break
	}
	assert.EqualValues(t, 1, body.closes.Load())
	assert.Equal(t, "", s.Text())

	_ = s.Close()
	assert.EqualValues(t, 1, body.closes.Load())
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	input := "data: {\"type\":\"text-delta\",\"delta\":\"a\"}\n\n" +
		"data: {\"type\":\"text-delta\",\"api_key\":\"m8-secret-0123456789abcdefghij\"\n\n" +
		"data: [1,2,3]\n\n" +
		"data: {\"type\":\"text-delta\",\"delta\":\"b\"}\n\n"
	s := New(readCloser(input), WithLogger(zap.New(core)))

	var deltas []string
	for d, err := range s.TextDeltas() {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	assert.Equal(t, []string{"a", "b"}, deltas)
	assert.Equal(t, "ab", s.Accumulator().Text())
	assert.Equal(t, 2, s.Skipped())

	skipped := logs.FilterMessage("skipping malformed frame").All()
	require.Len(t, skipped, 2)
	preview := skipped[0].ContextMap()["preview"].(string)
	assert.NotContains(t, preview, "0123456789")
}

func TestStreamMultiLineFrameIsOneEvent(t *testing.T) {
	input := "data: {\"type\":\"message-start\",\ndata: \"messageId\":\"msg_1\"}\n\n"
	s := New(readCloser(input))
	require.True(t, s.Next())
	ev := s.Current()
	assert.Equal(t, events.MessageStart, ev.Kind)
	assert.Equal(t, events.MessagePayload{MessageID: "msg_1"}, ev.Payload)
	assert.False(t, s.Next())
}

func TestStreamBothTerminatorsYieldOneDone(t *testing.T) {
	for _, input := range []string{
		"data: [DONE]\n\n",
		"data: {\"type\":\"done\",\"stop_reason\":\"end_turn\"}\n\n",
	} {
		s := New(readCloser(input))
		var done int
		for ev, err := range s.Events() {
			require.NoError(t, err)
			if ev.IsTerminal() {
				done++
			}
		}
		assert.Equal(t, 1, done, input)
	}
}

func TestStreamRawJSONPassesPayloadThrough(t *testing.T) {
	input := "data: {\"type\":\"future-kind\",\"x\":1}\n\n" +
		"data: {\"type\":\"text-delta\",\"delta\":\"z\"}\n\n" +
		"data: [DONE]\n\n"
	s := New(readCloser(input))
	var raws []string
	for raw, err := range s.RawJSON() {
		require.NoError(t, err)
		raws = append(raws, string(raw))
	}
	assert.Equal(t, []string{`{"type":"future-kind","x":1}`, `{"type":"text-delta","delta":"z"}`, `{"type":"done"}`}, raws)
	assert.Equal(t, "z", s.Text())
}

type brokenBody struct {
	data  string
	read  bool
	close atomic.Int32
}

var errReset = errors.New("connection reset by peer")

func (b *brokenBody) Read(p []byte) (int, error) {
	if !b.read {
		b.read = true
		return copy(p, b.data), nil
	}
	return 0, errReset
}

func (b *brokenBody) Close() error {
	b.close.Add(1)
	return nil
}

func TestStreamTransportErrorPropagates(t *testing.T) {
	body := &brokenBody{data: "data: {\"type\":\"text-delta\",\"delta\":\"partial\"}\n\n"}
	s := New(body)

	var got []error
	for _, err := range s.Events() {
		if err != nil {
			got = append(got, err)
		}
	}
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], errReset)
	assert.ErrorIs(t, s.Err(), errReset)
	assert.Equal(t, "partial", s.Text())
	assert.EqualValues(t, 1, body.close.Load())
}

func TestStreamCloseUnblocksPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	s := New(pr)
	go func() {
		_, _ = pw.Write([]byte("data: {\"type\":\"text-delta\",\"delta\":\"x\"}\n\n"))
	}()

	require.True(t, s.Next())
	result := make(chan bool, 1)
	go func() { result <- s.Next() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.NoError(t, s.Err())
}

func TestStreamUsesSharedAccumulator(t *testing.T) {
	acc := NewAccumulator()
	for range New(readCloser(helloStream), WithAccumulator(acc)).Events() {
	}
	for range New(readCloser("data: {\"type\":\"text-delta\",\"delta\":\"!\"}\n\n"), WithAccumulator(acc)).Events() {
	}
	assert.Equal(t, "Hi there!", acc.Text())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatEvents, "events": FormatEvents, "text": FormatText, "json": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestEventRawMarshalsVerbatim(t *testing.T) {
	s := New(readCloser("data: {\"type\":\"metadata\",\"payload\":{\"k\":\"v\"}}\n\n"))
	require.True(t, s.Next())
	out, err := json.Marshal(s.Current())
	require.NoError(t, err)
	assert.Contains(t, string(out), `"raw":{"type":"metadata","payload":{"k":"v"}}`)
}
