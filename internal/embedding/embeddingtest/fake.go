// Package embeddingtest provides a deterministic embedding provider for
// tests.
package embeddingtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Fake derives a unit vector from the FNV hash of the normalized text, so
// equal texts embed identically and different texts are nearly orthogonal
// at realistic widths. Vectors registered with Set take precedence.
type Fake struct {
	dim   int
	calls atomic.Int64

	mu    sync.RWMutex
	fixed map[string][]float32
	err   error
}

func New(dim int) *Fake {
	return &Fake{dim: dim, fixed: map[string][]float32{}}
}

// Set pins the vector returned for text.
func (f *Fake) Set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixed[key(text)] = vec
}

// Fail makes every subsequent Embed return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times Embed reached the provider.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)

	f.mu.RLock()
	err := f.err
	vec, ok := f.fixed[key(text)]
	f.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return vec, nil
	}
	return Vector(text, f.dim), nil
}

func (f *Fake) HealthCheck(context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// Vector is the deterministic unit vector Fake produces for text.
func Vector(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(key(text)))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func key(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
