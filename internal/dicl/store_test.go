package dicl

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestCosineDistance(t *testing.T) {
	d, err := CosineDistance([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)

	d, err = CosineDistance([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1, d, 1e-9)

	d, err = CosineDistance([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 2, d, 1e-9)

	_, err = CosineDistance([]float32{1}, []float32{1, 2})
	assert.Error(t, err)

	_, err = CosineDistance([]float32{0, 0}, []float32{1, 0})
	assert.Error(t, err)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.75, 0}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestNearestNeighbors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	examples := []*Example{
		{FunctionName: "qa", VariantName: "dicl", Input: "capital of France?", Output: "Paris", Embedding: []float32{1, 0, 0}},
		{FunctionName: "qa", VariantName: "dicl", Input: "capital of Norway?", Output: "Oslo", Embedding: []float32{0.9, 0.1, 0}},
		{FunctionName: "qa", VariantName: "dicl", Input: "best sorting algorithm?", Output: "depends", Embedding: []float32{0, 0, 1}},
		{FunctionName: "qa", VariantName: "other", Input: "off-variant", Output: "x", Embedding: []float32{1, 0, 0}},
	}
	for _, example := range examples {
		require.NoError(t, store.Insert(ctx, example))
	}

	neighbors, err := store.NearestNeighbors(ctx, "qa", "dicl", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	// Nearest first, scoped to (function, variant).
	assert.Equal(t, "Paris", neighbors[0].Output)
	assert.Equal(t, "Oslo", neighbors[1].Output)
	assert.Less(t, neighbors[0].Distance, neighbors[1].Distance)

	all, err := store.NearestNeighbors(ctx, "qa", "dicl", []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
