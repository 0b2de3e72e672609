package baseline

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

// Store holds one Model per series for a single shard. The least recently
// scored series is evicted once capacity is reached. Not safe for
// concurrent use.
type Store struct {
	alpha       float64
	historySize int
	models      *lru.Cache[window.Series, *Model]
}

// NewStore creates an empty store.
func NewStore(alpha float64, historySize, capacity int) (*Store, error) {
	models, err := lru.New[window.Series, *Model](max(capacity, 1))
	if err != nil {
		return nil, fmt.Errorf("baseline store: %w", err)
	}
	return &Store{alpha: alpha, historySize: historySize, models: models}, nil
}

// Get returns the series model, creating an empty one if needed.
func (s *Store) Get(series window.Series) *Model {
	if m, ok := s.models.Get(series); ok {
		return m
	}
	m := NewModel(s.alpha, s.historySize)
	s.models.Add(series, m)
	return m
}

// Peek returns the series model without creating it or touching recency.
func (s *Store) Peek(series window.Series) (*Model, bool) {
	return s.models.Peek(series)
}

// Len is the number of tracked series.
func (s *Store) Len() int { return s.models.Len() }

// SeriesSnapshot is a copied model tagged with its series.
type SeriesSnapshot struct {
	EntityKey  string        `json:"entity_key"`
	MetricKind string        `json:"metric_kind"`
	WindowSize time.Duration `json:"window_size"`
	Snapshot
}

// Snapshot copies every model, ordered by series.
func (s *Store) Snapshot() []SeriesSnapshot {
	keys := s.models.Keys()
	out := make([]SeriesSnapshot, 0, len(keys))
	for _, k := range keys {
		m, ok := s.models.Peek(k)
		if !ok {
			continue
		}
		out = append(out, SeriesSnapshot{
			EntityKey:  k.EntityKey,
			MetricKind: k.MetricKind,
			WindowSize: k.WindowSize,
			Snapshot:   m.Snapshot(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityKey != out[j].EntityKey {
			return out[i].EntityKey < out[j].EntityKey
		}
		if out[i].MetricKind != out[j].MetricKind {
			return out[i].MetricKind < out[j].MetricKind
		}
		return out[i].WindowSize < out[j].WindowSize
	})
	return out
}
