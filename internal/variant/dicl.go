package variant

import (
	"context"
	"time"

	"github.com/Davincible/tensorgate/internal/dicl"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/observe"
)

// DICL is the dynamic in-context learning variant: it embeds the caller's
// input, retrieves the nearest stored examples within a distance threshold,
// and synthesizes a few-shot prompt for the chat model. The embedding call
// and the chat call persist as separate model inferences under one
// inference record.
type DICL struct {
	VariantName string
	VarWeight   float64

	// EmbeddingProvider names a registry entry that supports embeddings.
	EmbeddingProvider string
	Model             string

	K           int
	MaxDistance float64
	MaxTokens   *int
	Timeout     time.Duration
}

func (v *DICL) Name() string    { return v.VariantName }
func (v *DICL) Weight() float64 { return v.VarWeight }

func (v *DICL) Infer(ctx context.Context, env *Env, fn *Function, req *Request) (*Result, error) {
	ctx, cancel := withVariantTimeout(ctx, v.Timeout)
	defer cancel()

	modelReq, embeddingRecord, err := v.prepareRequest(ctx, env, fn, req, false)
	if err != nil {
		return nil, err
	}

	resp, _, err := env.Router.Infer(ctx, v.Model, modelReq)
	if err != nil {
		return nil, err
	}

	result := &Result{
		InferenceID:    req.InferenceID,
		EpisodeID:      req.EpisodeID,
		VariantName:    v.VariantName,
		Usage:          resp.Usage,
		ModelResponses: []*inference.Response{resp},
		ModelRecords: []*observe.ModelInferenceRecord{
			embeddingRecord,
			observe.ModelInferenceFromResponse(req.InferenceID, resp),
		},
	}
	if req.IncludeOriginalResponse {
		result.OriginalResponse = resp.RawResponse
	}
	if fn.Type == inference.FunctionTypeJSON {
		result.Output = parseJSONOutput(env, resp.Output, fn.OutputSchema)
	} else {
		result.Content = parseChatOutput(env, resp.Output, nil)
	}
	return result, nil
}

func (v *DICL) InferStream(ctx context.Context, env *Env, fn *Function, req *Request) (*StreamResult, error) {
	modelReq, embeddingRecord, err := v.prepareRequest(ctx, env, fn, req, true)
	if err != nil {
		return nil, err
	}

	first, stream, rawRequest, attempts, err := env.Router.InferStream(ctx, v.Model, modelReq)
	if err != nil {
		return nil, err
	}

	return &StreamResult{
		InferenceID:  req.InferenceID,
		EpisodeID:    req.EpisodeID,
		VariantName:  v.VariantName,
		First:        first,
		Stream:       stream,
		RawRequest:   rawRequest,
		System:       modelReq.System,
		Messages:     modelReq.Messages,
		ModelName:    v.Model,
		ProviderName: providerAfter(env, v.Model, len(attempts)),
		ModelRecords: []*observe.ModelInferenceRecord{embeddingRecord},
	}, nil
}

// prepareRequest embeds the serialized input, retrieves and filters
// neighbors, and assembles the few-shot prompt. An embedding failure fails
// the whole inference.
func (v *DICL) prepareRequest(ctx context.Context, env *Env, fn *Function, req *Request, stream bool) (*inference.Request, *observe.ModelInferenceRecord, error) {
	if env.Examples == nil {
		return nil, nil, gwerr.New(gwerr.KindConfig, "DICL variant requires an example store")
	}
	embedder, err := env.Registry.GetEmbedder(v.EmbeddingProvider)
	if err != nil {
		return nil, nil, err
	}

	serialized, err := req.Input.CanonicalJSON()
	if err != nil {
		return nil, nil, err
	}

	embedStart := time.Now()
	embedding, err := embedder.Embed(ctx, serialized, env.Router.Client())
	if err != nil {
		return nil, nil, err
	}
	embeddingRecord := observe.ModelInferenceFromEmbedding(
		req.InferenceID, v.EmbeddingProvider, v.EmbeddingProvider,
		embedding.RawRequest, embedding.RawResponse, embedding.Usage, time.Since(embedStart))

	neighbors, err := env.Examples.NearestNeighbors(ctx, fn.Name, v.VariantName, embedding.Vector, v.K)
	if err != nil {
		return nil, nil, err
	}

	// Examples at exactly the threshold are kept; rows with empty output are
	// skipped (known bad historical data).
	kept := neighbors[:0]
	for _, neighbor := range neighbors {
		if neighbor.Distance > v.MaxDistance {
			continue
		}
		if neighbor.Output == "" {
			env.Logger.Warn("skipping DICL example with empty output",
				"example_id", neighbor.ID, "function", fn.Name, "variant", v.VariantName)
			continue
		}
		kept = append(kept, neighbor)
	}

	system := dicl.SystemInstruction
	messages := make([]inference.Message, 0, 2*len(kept)+len(req.Input.Messages))
	for _, neighbor := range kept {
		messages = append(messages,
			inference.UserMessage(inference.TextBlock(neighbor.Input)),
			inference.AssistantMessage(inference.TextBlock(neighbor.Output)),
		)
	}
	callerMessages, err := plainMessages(req.Input.Messages)
	if err != nil {
		return nil, nil, err
	}
	messages = append(messages, callerMessages...)

	sampling := req.Params
	if sampling.MaxTokens == nil {
		sampling.MaxTokens = v.MaxTokens
	}

	modelReq := &inference.Request{
		InferenceID:  req.InferenceID,
		System:       &system,
		Messages:     messages,
		OutputSchema: fn.OutputSchema,
		JSONMode:     inference.JSONModeOff,
		Sampling:     sampling,
		Stream:       stream,
		FunctionType: fn.Type,
		ExtraBody:    req.ExtraBody,
		Credentials:  req.Credentials,
	}
	if err := modelReq.Validate(); err != nil {
		return nil, nil, err
	}
	return modelReq, embeddingRecord, nil
}

// plainMessages converts the caller's input without template resolution;
// DICL prompts are always plain text plus tool blocks.
func plainMessages(input []InputMessage) ([]inference.Message, error) {
	out := make([]inference.Message, 0, len(input))
	for _, msg := range input {
		blocks := make([]inference.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == nil {
					return nil, gwerr.New(gwerr.KindInvalidMessage,
						"DICL input messages must be plain text")
				}
				blocks = append(blocks, inference.TextBlock(*block.Text))
			case "tool_call":
				blocks = append(blocks, inference.ToolCallBlock(block.ID, block.Name, block.argumentsString()))
			case "tool_result":
				blocks = append(blocks, inference.ToolResultBlock(block.ID, block.Name, block.Result))
			default:
				return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
					"DICL does not support input content block type %q", block.Type)
			}
		}
		out = append(out, inference.Message{Role: msg.Role, Content: blocks})
	}
	return out, nil
}
