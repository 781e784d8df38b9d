package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func TestEncodeFrame_Format(t *testing.T) {
	b, err := EncodeFrame(domain.Event{Seq: 3, Payload: domain.Delta{Text: "Hi"}})
	require.NoError(t, err)
	require.Equal(t, "id: 3\ndata: {\"type\":\"delta\",\"data\":{\"text\":\"Hi\"}}\n\n", string(b))
}

func TestFrame_RoundTrip(t *testing.T) {
	events := []domain.Event{
		{Seq: 0, Payload: domain.Start{MessageID: "m1"}},
		{Seq: 1, Payload: domain.FieldStart{Field: domain.FieldKind, Value: "text"}},
		{Seq: 2, Payload: domain.Delta{Text: "line one\nline two"}},
		{Seq: 3, Payload: domain.ErrorPart{Message: "boom"}},
		{Seq: 4, Payload: domain.Finish{Reason: "error"}},
		{Seq: 5, Payload: domain.Unknown{Type: "custom", Data: json.RawMessage(`[1,2]`)}},
	}
	for _, ev := range events {
		b, err := EncodeFrame(ev)
		require.NoError(t, err)
		got, err := DecodeFrame(b)
		require.NoError(t, err)
		require.Equal(t, ev, got)
	}
}

func TestDecoder_DropsMalformedFrames(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(domain.Event{Seq: 0, Payload: domain.Delta{Text: "a"}}))
	buf.WriteString("id: x\ndata: {\"type\":\"delta\",\"data\":{\"text\":\"bad id\"}}\n\n")
	buf.WriteString("id: 1\ndata: {not json}\n\n")
	buf.WriteString("data: {\"type\":\"delta\"}\n\n")
	require.NoError(t, enc.Comment("keepalive"))
	require.NoError(t, enc.Encode(domain.Event{Seq: 1, Payload: domain.Finish{}}))

	dec := NewDecoder(&buf)
	first, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, domain.Delta{Text: "a"}, first.Payload)

	second, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, int64(1), second.Seq)
	require.True(t, second.IsTerminal())

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 3, dec.Dropped())
}

func TestFrameReader_TrailingFrameWithoutBlankLine(t *testing.T) {
	r := NewFrameReader(strings.NewReader("event: ping\ndata: one\ndata: two"))
	f, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "ping", f.Event)
	require.Equal(t, "one\ntwo", string(f.Data))
	require.False(t, f.HasID)

	_, err = r.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}
