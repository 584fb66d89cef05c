package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// DecodeError reports a malformed event payload. It is local to that one
// event: calling Next again moves on to the following event, so the consumer
// decides whether a single bad payload aborts the whole stream.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream event %q: %v", truncate(e.Payload, 120), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns a chunked transport body into a sequence of discrete event
// payloads. Events are framed as "data: <json>" lines terminated by a blank
// line; chunks may split anywhere, including mid-line, without affecting the
// decoded sequence. The decoder does not own the underlying reader; releasing
// the transport handle is the caller's job.
type Decoder struct {
	scanner *bufio.Scanner
	data    []string
}

// NewDecoder returns a Decoder reading events from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the JSON payload of the next event. It returns io.EOF when the
// transport is exhausted, a *DecodeError for a malformed payload (non-fatal),
// or the transport's own read error (fatal).
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()

		// A blank line terminates the pending event.
		if line == "" {
			if len(d.data) == 0 {
				continue
			}
			payload := strings.Join(d.data, "\n")
			d.data = nil
			return d.decode(payload)
		}

		// Comment lines keep the connection alive, nothing more.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if value, ok := strings.CutPrefix(line, "data:"); ok {
			d.data = append(d.data, strings.TrimPrefix(value, " "))
		}
		// Other fields (event:, id:, retry:) are not part of the contract
		// and are ignored.
	}

	if err := d.scanner.Err(); err != nil {
		d.data = nil
		return nil, err
	}

	if len(d.data) > 0 {
		// Transport closed mid-event; the partial payload is untrustworthy.
		log.Debug().Str("payload", truncate(strings.Join(d.data, "\n"), 120)).
			Msg("Discarding truncated final stream event")
		d.data = nil
	}

	return nil, io.EOF
}

// decode validates the payload, attempting a repair pass before declaring it
// malformed. Backends occasionally emit events with minor JSON defects
// (trailing commas, truncated escapes); repairing beats dropping a token.
func (d *Decoder) decode(payload string) ([]byte, error) {
	raw := []byte(payload)
	if validEvent(raw) {
		return raw, nil
	}

	repaired, err := jsonrepair.JSONRepair(payload)
	if err == nil && validEvent([]byte(repaired)) {
		log.Debug().Str("payload", truncate(payload, 120)).Msg("Repaired malformed stream event")
		return []byte(repaired), nil
	}
	if err == nil {
		err = errors.New("repaired payload is not a JSON object")
	}

	log.Warn().Str("payload", truncate(payload, 120)).Err(err).Msg("Skipping undecodable stream event")
	return nil, &DecodeError{Payload: payload, Err: err}
}

// validEvent reports whether raw is a well-formed JSON object, the only
// payload shape the wire contract produces.
func validEvent(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
