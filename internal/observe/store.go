package observe

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

// Store is the persistence contract for trace rows. At-least-once delivery
// with idempotent UUIDv7 ids is acceptable; exact-once is not required.
type Store interface {
	WriteInferences(ctx context.Context, records []*InferenceRecord) error
	WriteModelInferences(ctx context.Context, records []*ModelInferenceRecord) error
	Close() error
}

// SQLStore writes trace rows through database/sql. The embedded driver is
// sqlite; the DDL mirrors the columnar warehouse layout so rows can be
// shipped onward unchanged.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the handle so collaborating stores (the DICL example store)
// can share one database file.
func (s *SQLStore) DB() *sql.DB { return s.db }

var storeDDL = []string{
	`CREATE TABLE IF NOT EXISTS ChatInference (
		id TEXT PRIMARY KEY,
		function_name TEXT NOT NULL,
		variant_name TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		tool_params TEXT,
		inference_params TEXT,
		processing_time_ms INTEGER,
		tags TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS JsonInference (
		id TEXT PRIMARY KEY,
		function_name TEXT NOT NULL,
		variant_name TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		tool_params TEXT,
		inference_params TEXT,
		processing_time_ms INTEGER,
		tags TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ModelInference (
		id TEXT PRIMARY KEY,
		inference_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		raw_request TEXT,
		raw_response TEXT,
		system TEXT,
		input_messages TEXT,
		output TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		response_time_ms INTEGER,
		ttft_ms INTEGER,
		cached INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_model_inference_inference_id ON ModelInference(inference_id)`,
	`CREATE TABLE IF NOT EXISTS DynamicInContextLearningExample (
		id TEXT PRIMARY KEY,
		function_name TEXT NOT NULL,
		variant_name TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		embedding BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dicl_function_variant
		ON DynamicInContextLearningExample(function_name, variant_name)`,
	`CREATE TABLE IF NOT EXISTS BooleanMetricFeedbackByTargetId (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_boolean_feedback_target ON BooleanMetricFeedbackByTargetId(target_id)`,
	`CREATE TABLE IF NOT EXISTS FloatMetricFeedbackByTargetId (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_float_feedback_target ON FloatMetricFeedbackByTargetId(target_id)`,
	`CREATE TABLE IF NOT EXISTS CommentFeedbackByTargetId (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comment_feedback_target ON CommentFeedbackByTargetId(target_id)`,
	`CREATE TABLE IF NOT EXISTS DemonstrationFeedbackByInferenceId (
		id TEXT PRIMARY KEY,
		inference_id TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_demonstration_feedback_inference ON DemonstrationFeedbackByInferenceId(inference_id)`,
}

// Init creates the trace tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, ddl := range storeDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return gwerr.Wrap(gwerr.KindObservability, "failed to create trace tables", err)
		}
	}
	return nil
}

func (s *SQLStore) WriteInferences(ctx context.Context, records []*InferenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to begin trace transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, record := range records {
		table := "ChatInference"
		if record.FunctionType == inference.FunctionTypeJSON {
			table = "JsonInference"
		}
		tags := encodeTags(record.Tags)
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+table+
				` (id, function_name, variant_name, episode_id, input, output, tool_params, inference_params, processing_time_ms, tags)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID.String(), record.FunctionName, record.VariantName, record.EpisodeID.String(),
			record.Input, record.Output, record.ToolParams, record.InferenceParams,
			record.ProcessingTimeMS, tags)
		if err != nil {
			return gwerr.Wrap(gwerr.KindObservability, "failed to write inference row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to commit inference rows", err)
	}
	return nil
}

func (s *SQLStore) WriteModelInferences(ctx context.Context, records []*ModelInferenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to begin trace transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO ModelInference
		 (id, inference_id, model_name, provider_name, raw_request, raw_response, system, input_messages, output,
		  input_tokens, output_tokens, response_time_ms, ttft_ms, cached)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to prepare model inference insert", err)
	}
	defer stmt.Close()

	for _, record := range records {
		_, err := stmt.ExecContext(ctx,
			record.ID.String(), record.InferenceID.String(), record.ModelName, record.ProviderName,
			record.RawRequest, record.RawResponse, record.System, record.InputMessages, record.Output,
			record.InputTokens, record.OutputTokens, record.ResponseTimeMS, record.TTFTMS, record.Cached)
		if err != nil {
			return gwerr.Wrap(gwerr.KindObservability, "failed to write model inference row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gwerr.Wrap(gwerr.KindObservability, "failed to commit model inference rows", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "{}"
	}
	return string(data)
}
