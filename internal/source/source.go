// Package source provides the raw event feeds the engine consumes.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

// Source yields raw events. Next returns io.EOF once the feed is exhausted.
type Source interface {
	Next(ctx context.Context) (event.RawEvent, error)
}

// ErrMalformedLine is returned for an NDJSON line that is not a valid
// envelope. The reader stays usable.
var ErrMalformedLine = errors.New("malformed event line")

// ErrPayloadNotObject is returned when an envelope's payload is not a JSON object.
var ErrPayloadNotObject = errors.New("payload must be a JSON object")

// Envelope is the on-wire form of one raw event.
type Envelope struct {
	SourceID      string          `json:"source_id"`
	SchemaVersion string          `json:"schema_version"`
	DeclaredAt    time.Time       `json:"declared_timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Raw converts the envelope into a RawEvent. Payload validation beyond
// "is an object" is left to the normalizer.
func (e Envelope) Raw() (event.RawEvent, error) {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || p[0] != '{' {
		return event.RawEvent{}, ErrPayloadNotObject
	}
	return event.RawEvent{
		SourceID:      e.SourceID,
		SchemaVersion: e.SchemaVersion,
		Payload:       append([]byte(nil), p...),
		DeclaredAt:    e.DeclaredAt.UTC(),
	}, nil
}

// NDJSON reads one envelope per line.
type NDJSON struct {
	sc     *bufio.Scanner
	lineNo int
}

// maxLine bounds a single event line.
const maxLine = 4 << 20

// NewNDJSON reads envelopes from r.
func NewNDJSON(r io.Reader) *NDJSON {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	return &NDJSON{sc: sc}
}

// Next skips blank lines. A malformed line yields an error wrapping
// ErrMalformedLine; reading may continue afterwards.
func (n *NDJSON) Next(ctx context.Context) (event.RawEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return event.RawEvent{}, err
		}
		if !n.sc.Scan() {
			if err := n.sc.Err(); err != nil {
				return event.RawEvent{}, fmt.Errorf("read line %d: %w", n.lineNo+1, err)
			}
			return event.RawEvent{}, io.EOF
		}
		n.lineNo++
		b := bytes.TrimSpace(n.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return event.RawEvent{}, fmt.Errorf("%w: line %d: %v", ErrMalformedLine, n.lineNo, err)
		}
		raw, err := env.Raw()
		if err != nil {
			return event.RawEvent{}, fmt.Errorf("%w: line %d: %v", ErrMalformedLine, n.lineNo, err)
		}
		return raw, nil
	}
}

// Channel adapts a channel; closing the channel ends the feed.
type Channel struct {
	ch <-chan event.RawEvent
}

// NewChannel wraps ch.
func NewChannel(ch <-chan event.RawEvent) *Channel { return &Channel{ch: ch} }

func (c *Channel) Next(ctx context.Context) (event.RawEvent, error) {
	select {
	case <-ctx.Done():
		return event.RawEvent{}, ctx.Err()
	case ev, ok := <-c.ch:
		if !ok {
			return event.RawEvent{}, io.EOF
		}
		return ev, nil
	}
}
