package sink

import (
	"context"
	"sync"
)

// Memory keeps every record in memory, for tests and dry runs.
type Memory struct {
	name string

	mu      sync.Mutex
	records []Envelope
	failing int
}

// NewMemory returns an empty memory sink.
func NewMemory(name string) *Memory { return &Memory{name: name} }

func (m *Memory) Name() string { return m.name }

func (m *Memory) Write(ctx context.Context, stream string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing > 0 {
		m.failing--
		return ErrSinkUnavailable
	}
	m.records = append(m.records, Envelope{Stream: stream, Record: record})
	return nil
}

func (m *Memory) Close() error { return nil }

// FailNext makes the next n writes report ErrSinkUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.failing = n
	m.mu.Unlock()
}

// Records returns a copy of everything written.
func (m *Memory) Records() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.records...)
}

// Stream returns the records written to one stream, in order.
func (m *Memory) Stream(stream string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []any
	for _, e := range m.records {
		if e.Stream == stream {
			out = append(out, e.Record)
		}
	}
	return out
}
