package variant

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/cache"
	"github.com/Davincible/tensorgate/internal/dicl"
	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/observe"
	"github.com/Davincible/tensorgate/internal/providers"
	"github.com/Davincible/tensorgate/internal/router"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/template"
	"github.com/Davincible/tensorgate/internal/tool"
)

// Function is a named, typed inference endpoint with optional schemas and a
// static tool set, realized by one or more variants.
type Function struct {
	Name string
	Type inference.FunctionType

	SystemSchema    *schema.Schema
	UserSchema      *schema.Schema
	AssistantSchema *schema.Schema
	OutputSchema    *schema.Schema

	Tools             []*tool.Tool
	ToolChoice        tool.Choice
	ParallelToolCalls *bool

	// Variants in config order; the executor tries them by descending weight.
	Variants []Variant
}

// Variant is one strategy for realizing a function call.
type Variant interface {
	Name() string
	Weight() float64

	Infer(ctx context.Context, env *Env, fn *Function, req *Request) (*Result, error)
	InferStream(ctx context.Context, env *Env, fn *Function, req *Request) (*StreamResult, error)
}

// Env bundles the shared collaborators variants execute against. All fields
// are read-only after startup.
type Env struct {
	Templates *template.Engine
	Router    *router.Router
	Registry  *providers.Registry
	Examples  *dicl.Store
	Cache     cache.Cache
	Logger    *slog.Logger
}

// Request is one caller-level inference request after wire parsing.
type Request struct {
	FunctionName string
	VariantName  string
	InferenceID  uuid.UUID
	EpisodeID    uuid.UUID

	Input  Input
	Stream bool

	DynamicTools tool.DynamicParams
	OutputSchema json.RawMessage

	Params       inference.SamplingParams
	CacheOptions cache.Options
	Credentials  map[string]string
	ExtraBody    []extrabody.Patch
	Tags         map[string]string

	IncludeOriginalResponse bool
}

// Result is the caller-visible outcome of a non-streaming inference, plus
// the trace data the executor persists.
type Result struct {
	InferenceID uuid.UUID
	EpisodeID   uuid.UUID
	VariantName string

	// Content is set for chat functions, Output for JSON functions.
	Content []inference.OutputBlock
	Output  *inference.JSONOutput

	Usage            inference.Usage
	OriginalResponse string

	ModelResponses []*inference.Response
	ModelRecords   []*observe.ModelInferenceRecord
}

// StreamResult hands the live stream upward together with the trace data
// already collected (the serialized wire request and any embedding calls).
type StreamResult struct {
	InferenceID uuid.UUID
	EpisodeID   uuid.UUID
	VariantName string

	First  *inference.Chunk
	Stream inference.Stream

	RawRequest   string
	System       *string
	Messages     []inference.Message
	ModelName    string
	ProviderName string
	ModelRecords []*observe.ModelInferenceRecord
}

// providerAfter resolves which provider entry served a stream: the router
// attempts providers in order, so the one following the failed attempts won.
func providerAfter(env *Env, modelName string, failed int) string {
	model, err := env.Router.Model(modelName)
	if err != nil || failed >= len(model.Providers) {
		return modelName
	}
	return model.Providers[failed].Name()
}

// mergeSampling overlays caller params on variant defaults.
func mergeSampling(defaults, override inference.SamplingParams) inference.SamplingParams {
	out := defaults
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	return out
}

// withVariantTimeout wraps ctx with the variant-level deadline when set.
func withVariantTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
