// Package providers translates between the canonical inference representation
// and each provider's JSON wire format, for both single responses and
// streaming event sequences. Adapters are stateless except for per-stream
// tool-call bookkeeping; provider-specific structures never leak upward.
package providers

import (
	"context"
	"net/http"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

// Provider type names accepted in model configuration.
const (
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeOpenAI    = "openai"
	TypeBedrock   = "bedrock"
)

// Config describes one provider entry of a model.
type Config struct {
	// Name is the entry name used in traces and fallback error maps.
	Name string
	// Type selects the adapter.
	Type string
	// Model is the provider-side model id.
	Model string

	// APIKey is the static credential resolved at config load.
	APIKey string
	// DynamicCredentialKey names a per-request credential that takes
	// precedence over APIKey when present.
	DynamicCredentialKey string

	// Endpoint overrides the default base URL.
	Endpoint string
	// Region selects the AWS region for Bedrock entries.
	Region string

	// ExtraBody patches applied to every request body sent by this entry.
	ExtraBody []extrabody.Patch
}

// Provider is the per-provider adapter contract.
type Provider interface {
	Name() string
	Type() string

	// Infer executes a non-streaming call.
	Infer(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Response, error)

	// InferStream starts a streaming call. It blocks until the first chunk
	// arrives (the caller applies the TTFT deadline around it) and returns
	// that chunk, the lazy remainder, and the serialized wire request.
	InferStream(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Chunk, inference.Stream, string, error)
}

// Embedder is implemented by providers that expose an embeddings endpoint.
type Embedder interface {
	// Embed returns the vector plus the raw wire strings and usage for
	// trace persistence.
	Embed(ctx context.Context, text string, client *http.Client) (*EmbeddingResult, error)
}

// EmbeddingResult carries one embedding call's output and trace data.
type EmbeddingResult struct {
	Vector      []float32
	RawRequest  string
	RawResponse string
	Usage       inference.Usage
}

// New constructs the adapter for a config entry. The provider set is closed;
// unknown types fail at config validation and again here.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeAnthropic:
		return NewAnthropic(cfg), nil
	case TypeGemini:
		return NewGemini(cfg), nil
	case TypeOpenAI:
		return NewOpenAI(cfg), nil
	case TypeBedrock:
		return NewBedrock(cfg)
	default:
		return nil, gwerr.Newf(gwerr.KindProviderNotFound, "unknown provider type %q", cfg.Type)
	}
}

// resolveKey picks the credential for one call: per-request dynamic key
// first, then the static config key.
func resolveKey(cfg Config, req *inference.Request) (string, error) {
	if cfg.DynamicCredentialKey != "" {
		if key, ok := req.Credentials[cfg.DynamicCredentialKey]; ok && key != "" {
			return key, nil
		}
	}
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	return "", gwerr.Newf(gwerr.KindAPIKeyMissing, "no API key available for provider %q", cfg.Name)
}
