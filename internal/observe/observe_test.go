package observe

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Davincible/tensorgate/internal/inference"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	store := NewSQLStore(db)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := inference.NewInferenceID()
	episode := inference.NewInferenceID()
	require.NoError(t, store.WriteInferences(ctx, []*InferenceRecord{{
		ID:               id,
		FunctionName:     "extract_entities",
		VariantName:      "baseline",
		EpisodeID:        episode,
		FunctionType:     inference.FunctionTypeJSON,
		Input:            `{"messages":[]}`,
		Output:           `{"raw":"{}","parsed":{}}`,
		ProcessingTimeMS: 42,
		Tags:             map[string]string{"env": "test"},
	}}))

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM JsonInference WHERE id = ?`, id.String()).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM ChatInference`).Scan(&count))
	assert.Zero(t, count)

	ttft := int64(120)
	require.NoError(t, store.WriteModelInferences(ctx, []*ModelInferenceRecord{{
		ID:             inference.NewInferenceID(),
		InferenceID:    id,
		ModelName:      "claude-3-5-sonnet",
		ProviderName:   "anthropic",
		RawRequest:     `{"model":"claude-3-5-sonnet"}`,
		RawResponse:    `{"content":[]}`,
		InputTokens:    10,
		OutputTokens:   5,
		ResponseTimeMS: 900,
		TTFTMS:         &ttft,
	}}))

	var tokens int
	require.NoError(t, store.DB().QueryRow(
		`SELECT input_tokens FROM ModelInference WHERE inference_id = ?`, id.String()).Scan(&tokens))
	assert.Equal(t, 10, tokens)
}

func TestModelInferenceFromResponse(t *testing.T) {
	ttft := 100 * time.Millisecond
	system := "sys"
	resp := &inference.Response{
		Output:        []inference.ContentBlock{inference.TextBlock("hi")},
		RawRequest:    "rawreq",
		RawResponse:   "rawresp",
		Usage:         inference.Usage{InputTokens: 7, OutputTokens: 3},
		Latency:       inference.StreamingLatency(ttft, 2*time.Second),
		System:        &system,
		InputMessages: []inference.Message{inference.UserMessage(inference.TextBlock("q"))},
		ModelName:     "m",
		ProviderName:  "p",
	}

	id := inference.NewInferenceID()
	record := ModelInferenceFromResponse(id, resp)

	assert.Equal(t, id, record.InferenceID)
	assert.NotEqual(t, id, record.ID)
	assert.Equal(t, int64(2000), record.ResponseTimeMS)
	require.NotNil(t, record.TTFTMS)
	assert.Equal(t, int64(100), *record.TTFTMS)
	assert.Contains(t, record.InputMessages, `"q"`)
	assert.Contains(t, record.Output, `"hi"`)
}

func TestSQLStoreModelInferenceSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db)

	mock.ExpectBegin()
	prepared := mock.ExpectPrepare(`INSERT OR REPLACE INTO ModelInference`)
	prepared.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record := &ModelInferenceRecord{
		ID:          inference.NewInferenceID(),
		InferenceID: inference.NewInferenceID(),
		ModelName:   "m",
	}
	require.NoError(t, store.WriteModelInferences(context.Background(), []*ModelInferenceRecord{record}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// blockingStore counts writes and can simulate slow persistence.
type blockingStore struct {
	mu              sync.Mutex
	inferences      int
	modelInferences int
}

func (s *blockingStore) WriteInferences(_ context.Context, records []*InferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferences += len(records)
	return nil
}

func (s *blockingStore) WriteModelInferences(_ context.Context, records []*ModelInferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelInferences += len(records)
	return nil
}

func (s *blockingStore) Close() error { return nil }

func (s *blockingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inferences, s.modelInferences
}

func TestWriterFlushesOnClose(t *testing.T) {
	store := &blockingStore{}
	w := NewWriter(store, slog.Default(), WriterOptions{QueueSize: 64, BatchSize: 10, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		w.RecordInference(&InferenceRecord{ID: inference.NewInferenceID()})
		w.RecordModelInference(&ModelInferenceRecord{ID: inference.NewInferenceID()})
	}
	w.Close()

	inferences, modelInferences := store.counts()
	assert.Equal(t, 5, inferences)
	assert.Equal(t, 5, modelInferences)
}

func TestWriterDropsWhenFull(t *testing.T) {
	store := &blockingStore{}
	w := NewWriter(store, slog.Default(), WriterOptions{QueueSize: 1, BatchSize: 1000, FlushInterval: time.Hour})

	// Flood well past the queue size; producers must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			w.RecordInference(&InferenceRecord{ID: inference.NewInferenceID()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on full trace queue")
	}
	w.Close()
	assert.Positive(t, w.Dropped())
}
