package vector

import (
	"sort"
)

// Candidate is a stored vector eligible for ranking. Scope filtering
// (table, room, agent, uniqueness) happens before candidates reach the
// engine.
type Candidate struct {
	ID        string
	CreatedAt int64
	Embedding []float32
}

// Match is a ranked candidate.
type Match struct {
	Candidate
	Similarity float64
}

// Query controls threshold and paging. A nil Threshold falls back to the
// engine default; Limit <= 0 falls back to the default match count.
type Query struct {
	Vector    []float32
	Threshold *float64
	Limit     int
	Offset    int
}

type Options struct {
	DefaultThreshold float64
	DefaultCount     int
}

// Engine ranks candidates against a query vector for one embedding width.
type Engine struct {
	dim  int
	opts Options
}

func NewEngine(dim int, optFns ...func(o *Options)) *Engine {
	opts := Options{
		DefaultThreshold: 0.1,
		DefaultCount:     10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{dim: dim, opts: opts}
}

// Dimension returns the configured embedding width.
func (e *Engine) Dimension() int { return e.dim }

// Validate fails with a dimension error when v does not have the
// configured width.
func (e *Engine) Validate(v []float32) error {
	if len(v) != e.dim {
		return DimensionError(e.dim, len(v))
	}
	return nil
}

// Threshold resolves an optional caller threshold.
func (e *Engine) Threshold(t *float64) float64 {
	if t == nil {
		return e.opts.DefaultThreshold
	}
	return *t
}

// Limit resolves an optional caller limit.
func (e *Engine) Limit(n int) int {
	if n <= 0 {
		return e.opts.DefaultCount
	}
	return n
}

// Rank scores every candidate against q.Vector, keeps those at or above the
// threshold, and returns the requested page. Order is similarity
// descending, then CreatedAt descending, then ID ascending, so repeated
// queries over the same data page identically. Candidates whose stored
// width differs from the configured one are skipped.
func (e *Engine) Rank(q Query, candidates []Candidate) ([]Match, error) {
	if err := e.Validate(q.Vector); err != nil {
		return nil, err
	}

	query := Sanitize(q.Vector)
	threshold := e.Threshold(q.Threshold)

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != e.dim {
			continue
		}
		sim := 1 - CosineDistance(query, Sanitize(c.Embedding))
		if sim < threshold {
			continue
		}
		matches = append(matches, Match{Candidate: c, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})

	return Page(matches, q.Offset, e.Limit(q.Limit)), nil
}

// Page returns items[offset:offset+limit], clamped to the slice bounds.
func Page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
