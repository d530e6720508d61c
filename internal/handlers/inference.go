// Package handlers implements the gateway's HTTP endpoints: inference
// (non-streaming JSON and SSE streaming) and health. The metrics endpoint
// is served directly by promhttp.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Davincible/tensorgate/internal/cache"
	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/tool"
	"github.com/Davincible/tensorgate/internal/variant"
)

var inferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tensorgate_inferences_total",
	Help: "Inference requests by function, variant and outcome.",
}, []string{"function", "variant", "outcome"})

// InferenceHandler serves POST /v1/inference.
type InferenceHandler struct {
	executor *variant.Executor
	logger   *slog.Logger
}

func NewInferenceHandler(executor *variant.Executor, logger *slog.Logger) *InferenceHandler {
	return &InferenceHandler{executor: executor, logger: logger}
}

// wireRequest is the caller-facing request shape.
type wireRequest struct {
	FunctionName string        `json:"function_name"`
	VariantName  string        `json:"variant_name,omitempty"`
	EpisodeID    string        `json:"episode_id,omitempty"`
	Input        variant.Input `json:"input"`
	Stream       bool          `json:"stream,omitempty"`

	ToolChoice        *tool.Choice        `json:"tool_choice,omitempty"`
	AdditionalTools   []tool.WireTool     `json:"additional_tools,omitempty"`
	AllowedTools      []string            `json:"allowed_tools,omitempty"`
	ParallelToolCalls *bool               `json:"parallel_tool_calls,omitempty"`
	ProviderTools     []tool.ProviderTool `json:"provider_tools,omitempty"`

	OutputSchema            json.RawMessage `json:"output_schema,omitempty"`
	IncludeOriginalResponse bool            `json:"include_original_response,omitempty"`

	Params struct {
		ChatCompletion inference.SamplingParams `json:"chat_completion"`
	} `json:"params,omitempty"`

	CacheOptions cache.Options     `json:"cache_options,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	ExtraBody    []extrabody.Patch `json:"extra_body,omitempty"`
}

type wireResponse struct {
	InferenceID      string                  `json:"inference_id"`
	EpisodeID        string                  `json:"episode_id"`
	VariantName      string                  `json:"variant_name"`
	Content          []inference.OutputBlock `json:"content,omitempty"`
	Output           *inference.JSONOutput   `json:"output,omitempty"`
	Usage            inference.Usage         `json:"usage"`
	OriginalResponse string                  `json:"original_response,omitempty"`
}

type wireChunk struct {
	InferenceID  string                 `json:"inference_id"`
	EpisodeID    string                 `json:"episode_id"`
	VariantName  string                 `json:"variant_name"`
	Content      []inference.ChunkBlock `json:"content"`
	Usage        *inference.Usage       `json:"usage,omitempty"`
	FinishReason inference.FinishReason `json:"finish_reason,omitempty"`
}

func (h *InferenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, gwerr.New(gwerr.KindInvalidRequest, "method not allowed"))
		return
	}

	var wire wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInvalidRequest, "invalid request body", err))
		return
	}
	if wire.FunctionName == "" {
		writeError(w, gwerr.New(gwerr.KindInvalidRequest, "function_name is required"))
		return
	}

	req, err := h.toVariantRequest(&wire)
	if err != nil {
		writeError(w, err)
		return
	}

	if wire.Stream {
		h.serveStream(w, r, req)
		return
	}

	result, err := h.executor.Infer(r.Context(), req)
	if err != nil {
		inferencesTotal.WithLabelValues(wire.FunctionName, wire.VariantName, "error").Inc()
		writeError(w, err)
		return
	}
	inferencesTotal.WithLabelValues(wire.FunctionName, result.VariantName, "success").Inc()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(wireResponse{
		InferenceID:      result.InferenceID.String(),
		EpisodeID:        result.EpisodeID.String(),
		VariantName:      result.VariantName,
		Content:          result.Content,
		Output:           result.Output,
		Usage:            result.Usage,
		OriginalResponse: result.OriginalResponse,
	}); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *InferenceHandler) serveStream(w http.ResponseWriter, r *http.Request, req *variant.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerr.New(gwerr.KindInternal, "streaming is not supported by the transport"))
		return
	}

	result, err := h.executor.InferStream(r.Context(), req)
	if err != nil {
		inferencesTotal.WithLabelValues(req.FunctionName, req.VariantName, "error").Inc()
		writeError(w, err)
		return
	}
	defer result.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeChunk := func(chunk *inference.Chunk) bool {
		payload, err := json.Marshal(wireChunk{
			InferenceID:  result.InferenceID.String(),
			EpisodeID:    result.EpisodeID.String(),
			VariantName:  result.VariantName,
			Content:      chunk.Content,
			Usage:        chunk.Usage,
			FinishReason: chunk.FinishReason,
		})
		if err != nil {
			h.logger.Error("failed to serialize chunk", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if result.First != nil && !writeChunk(result.First) {
		return
	}
	for {
		chunk, err := result.Stream.Next()
		if err != nil {
			h.logger.Error("stream failed mid-flight", "error", err)
			inferencesTotal.WithLabelValues(req.FunctionName, result.VariantName, "stream_error").Inc()
			// The SSE status is already committed; surface the error in-band.
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk == nil {
			break
		}
		if !writeChunk(chunk) {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	inferencesTotal.WithLabelValues(req.FunctionName, result.VariantName, "success").Inc()
}

func (h *InferenceHandler) toVariantRequest(wire *wireRequest) (*variant.Request, error) {
	req := &variant.Request{
		FunctionName: wire.FunctionName,
		VariantName:  wire.VariantName,
		Input:        wire.Input,
		Stream:       wire.Stream,
		DynamicTools: tool.DynamicParams{
			AdditionalTools:   wire.AdditionalTools,
			AllowedTools:      wire.AllowedTools,
			ToolChoice:        wire.ToolChoice,
			ParallelToolCalls: wire.ParallelToolCalls,
			ProviderTools:     wire.ProviderTools,
		},
		OutputSchema:            wire.OutputSchema,
		Params:                  wire.Params.ChatCompletion,
		CacheOptions:            wire.CacheOptions,
		Tags:                    wire.Tags,
		Credentials:             wire.Credentials,
		ExtraBody:               wire.ExtraBody,
		IncludeOriginalResponse: wire.IncludeOriginalResponse,
	}
	if wire.EpisodeID != "" {
		episodeID, err := uuid.Parse(wire.EpisodeID)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInvalidRequest, "invalid episode_id", err)
		}
		req.EpisodeID = episodeID
	}
	return req, nil
}

// writeError renders the taxonomy error body; raw provider payloads are
// never included.
func writeError(w http.ResponseWriter, err error) {
	status := gwerr.StatusOf(err)
	message := err.Error()
	var ge *gwerr.Error
	if !errors.As(err, &ge) {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
