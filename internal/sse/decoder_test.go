package sse

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader yields the underlying data in fixed-size reads so tests can
// exercise every possible chunk boundary.
type chunkReader struct {
	data []byte
	size int
	off  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if r.off+n > len(r.data) {
		n = len(r.data) - r.off
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

// drain decodes the whole stream, recording payloads in order and marking
// per-event decode failures without aborting.
func drain(t *testing.T, r io.Reader) []string {
	t.Helper()

	d := NewDecoder(r)
	var events []string
	for {
		payload, err := d.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			events = append(events, "<decode error>")
			continue
		}
		require.NoError(t, err)
		events = append(events, string(payload))
	}
}

func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	raw := "data: {\"token\":\"Hel\"}\n\n" +
		"data: {\"token\":\"lo, \\\"world\\\"\"}\n\n" +
		": keepalive\n\n" +
		"data: {\"done\":true,\"message_id\":\"m1\",\"conversation_id\":\"c1\",\"sources\":[]}\n\n"

	want := drain(t, strings.NewReader(raw))
	require.Len(t, want, 3)

	for size := 1; size <= len(raw); size++ {
		got := drain(t, &chunkReader{data: []byte(raw), size: size})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("chunk size %d changed decoded sequence (-want +got):\n%s", size, diff)
		}
	}
}

func TestDecoderSingleEvent(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: {\"token\":\"hi\"}\n\n"))

	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"hi"}`, string(payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)

	// EOF is sticky.
	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderCRLFFraming(t *testing.T) {
	raw := "data: {\"token\":\"a\"}\r\n\r\ndata: {\"token\":\"b\"}\r\n\r\n"

	got := drain(t, strings.NewReader(raw))
	want := []string{`{"token":"a"}`, `{"token":"b"}`}
	assert.Equal(t, want, got)
}

func TestDecoderMultiLineData(t *testing.T) {
	// Two data lines in one event join with a newline, which is plain
	// whitespace inside the JSON payload.
	raw := "data: {\"token\":\ndata: \"split\"}\n\n"

	d := NewDecoder(strings.NewReader(raw))
	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"split"}`, string(payload))
}

func TestDecoderMalformedEventIsSkippable(t *testing.T) {
	raw := "data: {\"token\":\"a\"}\n\n" +
		"data: not json at all }{\n\n" +
		"data: {\"token\":\"c\"}\n\n"

	d := NewDecoder(strings.NewReader(raw))

	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"a"}`, string(payload))

	_, err = d.Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Payload, "not json")

	payload, err = d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"c"}`, string(payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRepairsMinorDefects(t *testing.T) {
	// Trailing comma is repairable, so the event survives.
	raw := "data: {\"token\":\"hi\",}\n\n"

	d := NewDecoder(strings.NewReader(raw))
	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"hi"}`, string(payload))
}

func TestDecoderIgnoresUnknownFields(t *testing.T) {
	raw := "event: message\nid: 7\ndata: {\"token\":\"x\"}\n\n"

	d := NewDecoder(strings.NewReader(raw))
	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"x"}`, string(payload))
}

func TestDecoderDiscardsTruncatedFinalEvent(t *testing.T) {
	raw := "data: {\"token\":\"a\"}\n\ndata: {\"token\":\"trunc"

	got := drain(t, strings.NewReader(raw))
	assert.Equal(t, []string{`{"token":"a"}`}, got)
}

func TestDecoderEmptyStream(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	_, err := d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderBlankLinesBetweenEvents(t *testing.T) {
	raw := "\n\ndata: {\"token\":\"a\"}\n\n\n\ndata: {\"token\":\"b\"}\n\n"

	got := drain(t, strings.NewReader(raw))
	assert.Equal(t, []string{`{"token":"a"}`, `{"token":"b"}`}, got)
}

func TestDecoderPropagatesTransportError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	d := NewDecoder(io.MultiReader(
		strings.NewReader("data: {\"token\":\"a\"}\n\n"),
		&failingReader{err: boom},
	))

	payload, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"a"}`, string(payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, boom)
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func TestDecodeErrorMessageTruncatesPayload(t *testing.T) {
	payload := strings.Repeat("x", 500)
	err := &DecodeError{Payload: payload, Err: errors.New("bad")}
	msg := err.Error()
	assert.Less(t, len(msg), 200, "error string should not embed the whole payload")
	assert.True(t, strings.HasPrefix(msg, "malformed stream event"), fmt.Sprintf("got %q", msg))
}
