// Package sink delivers produced records to configured destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
)

// ErrSinkUnavailable marks a transient write failure worth retrying.
var ErrSinkUnavailable = errors.New("sink unavailable")

// Sink writes records of one or more streams.
type Sink interface {
	// Name is the configured sink name.
	Name() string
	// Write delivers one record. It must honor ctx cancellation.
	Write(ctx context.Context, stream string, record any) error
	Close() error
}

// Envelope tags a record with its stream when a sink mixes streams.
type Envelope struct {
	Stream string `json:"stream" msgpack:"stream"`
	Record any    `json:"record" msgpack:"record"`
}

// Factory builds a sink from its definition.
type Factory func(def config.SinkDef) (Sink, error)

// Registry maps sink type names to factories. Register is called at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in sink type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("log", NewLog)
	r.Register("file", NewFile)
	r.Register("nats", NewNATS)
	r.Register("memory", func(def config.SinkDef) (Sink, error) { return NewMemory(def.Name), nil })
	return r
}

// Register adds a factory. Panics on a duplicate type to surface misconfiguration early.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		panic(fmt.Sprintf("sink registry: duplicate type %q", typ))
	}
	r.factories[typ] = f
}

// Get returns the factory for a sink type.
func (r *Registry) Get(typ string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("no factory registered for sink type %q", typ)
	}
	return f, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates every defined sink. On error, sinks built so far are closed.
func (r *Registry) Build(defs []config.SinkDef) (map[string]Sink, error) {
	out := make(map[string]Sink, len(defs))
	var errs *multierror.Error
	for _, def := range defs {
		f, err := r.Get(def.Type)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sink %s: %w", def.Name, err))
			continue
		}
		s, err := f(def)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sink %s: %w", def.Name, err))
			continue
		}
		out[def.Name] = s
	}
	if err := errs.ErrorOrNil(); err != nil {
		CloseAll(out)
		return nil, err
	}
	return out, nil
}

// Routes resolves a stream → sink-name table against built sinks. Unknown
// names are skipped; config validation rejects them earlier.
func Routes(table map[string][]string, sinks map[string]Sink) map[string][]Sink {
	out := make(map[string][]Sink, len(table))
	for stream, names := range table {
		for _, n := range names {
			if s, ok := sinks[n]; ok {
				out[stream] = append(out[stream], s)
			}
		}
	}
	return out
}

// CloseAll closes every sink and returns the combined error.
func CloseAll(sinks map[string]Sink) error {
	var errs *multierror.Error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}
