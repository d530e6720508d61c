// Package dicl implements dynamic in-context learning support: the example
// store and the nearest-neighbor retrieval used to synthesize few-shot
// prompts. Embeddings are stored as little-endian float32 blobs; distance is
// cosine, computed in-process.
package dicl

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

// SystemInstruction is the fixed meta-prompt for DICL inference.
const SystemInstruction = "You are tasked with learning by induction and then solving a problem below. You will be shown several examples of inputs followed by outputs. Then, in the same format you will be given one last set of inputs. Your job is to use the provided examples to inform your response to the last set of inputs."

// Example is one stored demonstration scoped to (function, variant).
type Example struct {
	ID           uuid.UUID
	FunctionName string
	VariantName  string
	Input        string
	Output       string
	Embedding    []float32
}

// Neighbor is a retrieved example with its cosine distance to the query.
type Neighbor struct {
	Example
	Distance float64
}

// Store persists and retrieves examples.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the example table if the observability store has not already.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS DynamicInContextLearningExample (
			id TEXT PRIMARY KEY,
			function_name TEXT NOT NULL,
			variant_name TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`)
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to create example table", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_dicl_function_variant
		ON DynamicInContextLearningExample(function_name, variant_name)`)
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to index example table", err)
	}
	return nil
}

// Insert stores one example, minting an id when absent.
func (s *Store) Insert(ctx context.Context, example *Example) error {
	if example.ID == uuid.Nil {
		example.ID = inference.NewInferenceID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO DynamicInContextLearningExample
		(id, function_name, variant_name, input, output, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`,
		example.ID.String(), example.FunctionName, example.VariantName,
		example.Input, example.Output, encodeVector(example.Embedding))
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to insert example", err)
	}
	return nil
}

// NearestNeighbors returns up to k examples for (function, variant) ordered
// nearest first by cosine distance. Filtering by max distance is the
// caller's concern.
func (s *Store) NearestNeighbors(ctx context.Context, functionName, variantName string, query []float32, k int) ([]Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, output, embedding
		FROM DynamicInContextLearningExample
		WHERE function_name = ? AND variant_name = ?`,
		functionName, variantName)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindObservability, "failed to query examples", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var idText string
		var input, output string
		var blob []byte
		if err := rows.Scan(&idText, &input, &output, &blob); err != nil {
			return nil, gwerr.Wrap(gwerr.KindObservability, "failed to scan example row", err)
		}
		embedding := decodeVector(blob)
		distance, err := CosineDistance(query, embedding)
		if err != nil {
			return nil, err
		}
		id, _ := uuid.Parse(idText)
		neighbors = append(neighbors, Neighbor{
			Example: Example{
				ID:           id,
				FunctionName: functionName,
				VariantName:  variantName,
				Input:        input,
				Output:       output,
				Embedding:    embedding,
			},
			Distance: distance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindObservability, "failed to read example rows", err)
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Distance < neighbors[j].Distance })
	if k > 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// CosineDistance is 1 minus cosine similarity, in [0, 2].
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, gwerr.Newf(gwerr.KindEmbedding, "embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, gwerr.New(gwerr.KindEmbedding, "cannot compute distance with a zero vector")
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
