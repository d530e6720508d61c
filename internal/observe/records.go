// Package observe persists inference traces: one record per caller-visible
// inference and one per underlying provider call. Writes are asynchronous and
// best-effort; a persistence failure never affects the caller's response.
package observe

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/inference"
)

// InferenceRecord is one row per caller-visible inference.
type InferenceRecord struct {
	ID           uuid.UUID
	FunctionName string
	VariantName  string
	EpisodeID    uuid.UUID

	// FunctionType selects the target table (ChatInference or JsonInference).
	FunctionType inference.FunctionType

	Input            string
	Output           string
	ToolParams       string
	InferenceParams  string
	ProcessingTimeMS int64
	Tags             map[string]string
}

// ModelInferenceRecord is one row per provider call. An inference may own
// several: embeddings plus completion, fallback attempts, retries.
type ModelInferenceRecord struct {
	ID          uuid.UUID
	InferenceID uuid.UUID

	ModelName    string
	ProviderName string

	RawRequest    string
	RawResponse   string
	System        *string
	InputMessages string
	Output        string

	InputTokens    int
	OutputTokens   int
	ResponseTimeMS int64
	TTFTMS         *int64
	Cached         bool
}

// ModelInferenceFromResponse builds the provider-call record for a canonical
// response.
func ModelInferenceFromResponse(inferenceID uuid.UUID, resp *inference.Response) *ModelInferenceRecord {
	record := &ModelInferenceRecord{
		ID:             inference.NewInferenceID(),
		InferenceID:    inferenceID,
		ModelName:      resp.ModelName,
		ProviderName:   resp.ProviderName,
		RawRequest:     resp.RawRequest,
		RawResponse:    resp.RawResponse,
		System:         resp.System,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		ResponseTimeMS: resp.Latency.Total.Milliseconds(),
		Cached:         resp.Cached,
	}
	if resp.Latency.TTFT != nil {
		ttft := resp.Latency.TTFT.Milliseconds()
		record.TTFTMS = &ttft
	}
	if data, err := json.Marshal(resp.InputMessages); err == nil {
		record.InputMessages = string(data)
	}
	if data, err := json.Marshal(resp.Output); err == nil {
		record.Output = string(data)
	}
	return record
}

// ModelInferenceFromEmbedding builds the record for an embedding call made on
// behalf of an inference.
func ModelInferenceFromEmbedding(inferenceID uuid.UUID, modelName, providerName, rawRequest, rawResponse string, usage inference.Usage, elapsed time.Duration) *ModelInferenceRecord {
	return &ModelInferenceRecord{
		ID:             inference.NewInferenceID(),
		InferenceID:    inferenceID,
		ModelName:      modelName,
		ProviderName:   providerName,
		RawRequest:     rawRequest,
		RawResponse:    rawResponse,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		ResponseTimeMS: elapsed.Milliseconds(),
	}
}
