package vector_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/vector"
)

func ptr(f float64) *float64 { return &f }

func TestScore(t *testing.T) {
	a := []float32{0.3, -0.2, 0.9, 0.1}
	b := []float32{0.1, 0.4, -0.5, 0.7}

	t.Run("self similarity is one", func(t *testing.T) {
		assert.InDelta(t, 1.0, vector.Score(a, a), 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		assert.Equal(t, vector.Score(a, b), vector.Score(b, a))
	})

	t.Run("opposite direction is minus one", func(t *testing.T) {
		neg := []float32{-0.3, 0.2, -0.9, -0.1}
		assert.InDelta(t, -1.0, vector.Score(a, neg), 1e-9)
	})

	t.Run("zero vector scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, vector.Score(a, make([]float32, 4)))
	})
}

func TestSanitize(t *testing.T) {
	in := []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), 0.1234567891, -2.5}
	out := vector.Sanitize(in)

	require.Len(t, out, 5)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, float32(0), out[1])
	assert.Equal(t, float32(0), out[2])
	assert.Equal(t, float32(0.123457), out[3])
	assert.Equal(t, float32(-2.5), out[4])
	assert.True(t, math.IsNaN(float64(in[0])), "input must not be modified")
}

func TestDimensionError(t *testing.T) {
	e := vector.NewEngine(384)
	err := e.Validate(make([]float32, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different vector dimensions 384 and 100")
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestRank(t *testing.T) {
	e := vector.NewEngine(2)
	q := []float32{1, 0}

	candidates := []vector.Candidate{
		{ID: "exact-old", CreatedAt: 100, Embedding: []float32{1, 0}},
		{ID: "exact-new", CreatedAt: 200, Embedding: []float32{2, 0}},
		{ID: "diag", CreatedAt: 300, Embedding: []float32{1, 1}},
		{ID: "ortho", CreatedAt: 400, Embedding: []float32{0, 1}},
		{ID: "wrong-width", CreatedAt: 500, Embedding: []float32{1, 0, 0}},
	}

	t.Run("orders by similarity then recency", func(t *testing.T) {
		got, err := e.Rank(vector.Query{Vector: q, Threshold: ptr(-1)}, candidates)
		require.NoError(t, err)
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		assert.Equal(t, []string{"exact-new", "exact-old", "diag", "ortho"}, ids)
	})

	t.Run("threshold is inclusive", func(t *testing.T) {
		got, err := e.Rank(vector.Query{Vector: q, Threshold: ptr(vector.Score(q, []float32{1, 1}))}, candidates)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		got, err := e.Rank(vector.Query{Vector: []float32{-1, -1}, Threshold: ptr(0.99)}, candidates)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("pages are disjoint and concatenate", func(t *testing.T) {
		all, err := e.Rank(vector.Query{Vector: q, Threshold: ptr(-1), Limit: 4}, candidates)
		require.NoError(t, err)
		p1, err := e.Rank(vector.Query{Vector: q, Threshold: ptr(-1), Limit: 2}, candidates)
		require.NoError(t, err)
		p2, err := e.Rank(vector.Query{Vector: q, Threshold: ptr(-1), Limit: 2, Offset: 2}, candidates)
		require.NoError(t, err)
		assert.Equal(t, all, append(append([]vector.Match{}, p1...), p2...))
	})

	t.Run("query width mismatch fails", func(t *testing.T) {
		_, err := e.Rank(vector.Query{Vector: []float32{1, 0, 0}}, candidates)
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	})
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, vector.Page(items, 2, 2))
	assert.Equal(t, []int{5}, vector.Page(items, 4, 10))
	assert.Empty(t, vector.Page(items, 9, 2))
}

func TestFloat32Codec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	assert.Equal(t, v, vector.BytesToFloat32(vector.Float32ToBytes(v)))
	assert.Nil(t, vector.BytesToFloat32([]byte{1, 2, 3}))
}
