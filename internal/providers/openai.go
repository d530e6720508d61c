package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/tool"
)

const openaiDefaultEndpoint = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat-completions wire format, which also
// covers the many OpenAI-compatible vendors when an endpoint override is
// configured. It additionally exposes the embeddings endpoint used by DICL.
type OpenAIProvider struct {
	cfg Config
}

func NewOpenAI(cfg Config) *OpenAIProvider {
	return &OpenAIProvider{cfg: cfg}
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }
func (p *OpenAIProvider) Type() string { return TypeOpenAI }

func (p *OpenAIProvider) base() string {
	if p.cfg.Endpoint != "" {
		return strings.TrimSuffix(p.cfg.Endpoint, "/")
	}
	return openaiDefaultEndpoint
}

// OpenAI wire structures.

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Seed                *int            `json:"seed,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	Tools             []json.RawMessage `json:"tools,omitempty"`
	ToolChoice        any               `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	ResponseFormat    any               `json:"response_format,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content   *string          `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message,omitempty"`
		Delta *struct {
			Content   *string          `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta,omitempty"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) headers(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

// Infer executes a non-streaming chat completion.
func (p *OpenAIProvider) Infer(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Response, error) {
	body, err := p.serializeRequest(req, false)
	if err != nil {
		return nil, err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := postJSON(ctx, client, p.base()+"/chat/completions", body, p.headers(key), p.cfg.Name)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	var parsed openaiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse OpenAI response", err)
	}
	if parsed.Error != nil {
		return nil, gwerr.Newf(gwerr.KindInferenceServer, "OpenAI error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, gwerr.New(gwerr.KindInferenceServer, "no choices in OpenAI response")
	}

	choice := parsed.Choices[0]
	var output []inference.ContentBlock
	if choice.Message != nil {
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			output = append(output, inference.TextBlock(*choice.Message.Content))
		}
		for _, call := range choice.Message.ToolCalls {
			output = append(output, inference.ToolCallBlock(call.ID, call.Function.Name, call.Function.Arguments))
		}
	}

	resp := &inference.Response{
		Output:        output,
		RawRequest:    string(body),
		RawResponse:   string(data),
		Latency:       inference.NonStreamingLatency(latency),
		System:        req.System,
		InputMessages: req.Messages,
		ModelName:     p.cfg.Model,
		ProviderName:  p.cfg.Name,
	}
	if parsed.Usage != nil {
		resp.Usage = inference.Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens}
	}
	if choice.FinishReason != nil {
		resp.FinishReason = openaiFinishReason(*choice.FinishReason)
	}
	return resp, nil
}

// InferStream starts a streaming chat completion and blocks until the first
// chunk.
func (p *OpenAIProvider) InferStream(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Chunk, inference.Stream, string, error) {
	body, err := p.serializeRequest(req, true)
	if err != nil {
		return nil, nil, "", err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, nil, "", err
	}

	resp, err := postStream(ctx, client, p.base()+"/chat/completions", body, p.headers(key), p.cfg.Name)
	if err != nil {
		return nil, nil, "", err
	}

	stream := &openaiStream{
		body:        resp.Body,
		reader:      newSSEReader(resp.Body),
		inferenceID: req.InferenceID,
		start:       time.Now(),
		toolsByIdx:  make(map[int]toolIdentity),
	}
	first, err := stream.Next()
	if err != nil {
		stream.Close()
		return nil, nil, "", err
	}
	if first == nil {
		stream.Close()
		return nil, nil, "", gwerr.New(gwerr.KindFatalStreamError, "OpenAI stream ended before the first chunk")
	}
	return first, stream, string(body), nil
}

// Embed calls the embeddings endpoint with the provider's configured model.
func (p *OpenAIProvider) Embed(ctx context.Context, text string, client *http.Client) (*EmbeddingResult, error) {
	body, err := json.Marshal(map[string]any{"model": p.cfg.Model, "input": text})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize embedding request", err)
	}
	if p.cfg.APIKey == "" {
		return nil, gwerr.Newf(gwerr.KindAPIKeyMissing, "no API key available for provider %q", p.cfg.Name)
	}

	data, err := postJSON(ctx, client, p.base()+"/embeddings", body, p.headers(p.cfg.APIKey), p.cfg.Name)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindEmbedding, "embedding request failed", err)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage *openaiUsage `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindEmbedding, "failed to parse embedding response", err)
	}
	if len(parsed.Data) == 0 {
		return nil, gwerr.New(gwerr.KindEmbedding, "no embedding in response")
	}

	result := &EmbeddingResult{
		Vector:      parsed.Data[0].Embedding,
		RawRequest:  string(body),
		RawResponse: string(data),
	}
	if parsed.Usage != nil {
		result.Usage = inference.Usage{InputTokens: parsed.Usage.PromptTokens}
	}
	return result, nil
}

func (p *OpenAIProvider) serializeRequest(req *inference.Request, stream bool) ([]byte, error) {
	messages, err := openaiMessages(req)
	if err != nil {
		return nil, err
	}

	wire := openaiRequest{
		Model:               p.cfg.Model,
		Messages:            messages,
		Temperature:         req.Sampling.Temperature,
		TopP:                req.Sampling.TopP,
		PresencePenalty:     req.Sampling.PresencePenalty,
		FrequencyPenalty:    req.Sampling.FrequencyPenalty,
		MaxCompletionTokens: req.Sampling.MaxTokens,
		Seed:                req.Sampling.Seed,
		Stream:              stream,
	}
	if stream {
		wire.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	switch req.JSONMode {
	case inference.JSONModeOn:
		wire.ResponseFormat = map[string]string{"type": "json_object"}
	case inference.JSONModeStrict:
		if req.OutputSchema != nil {
			wire.ResponseFormat = map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "response",
					"strict": true,
					"schema": req.OutputSchema.Raw(),
				},
			}
		} else {
			wire.ResponseFormat = map[string]string{"type": "json_object"}
		}
	}

	if tc := req.ToolConfig; tc != nil && len(tc.Available()) > 0 {
		for _, t := range tc.Available() {
			serialized, err := json.Marshal(map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters.Raw(),
					"strict":      t.Strict,
				},
			})
			if err != nil {
				return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize tool "+t.Name, err)
			}
			wire.Tools = append(wire.Tools, serialized)
		}
		wire.Tools = append(wire.Tools, tc.ProviderToolsFor(p.cfg.Model, p.cfg.Name)...)
		wire.ToolChoice = openaiToolChoiceFor(tc)
		wire.ParallelToolCalls = tc.ParallelCalls
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize OpenAI request", err)
	}
	patches := append(append([]extrabody.Patch{}, p.cfg.ExtraBody...), req.ExtraBody...)
	return extrabody.ApplyToRaw(body, patches, nil)
}

func openaiToolChoiceFor(tc *tool.Config) any {
	switch tc.Choice.Kind {
	case tool.ChoiceAuto:
		return "auto"
	case tool.ChoiceRequired:
		return "required"
	case tool.ChoiceNone:
		return "none"
	case tool.ChoiceSpecific:
		return map[string]any{"type": "function", "function": map[string]string{"name": tc.Choice.Tool}}
	case tool.ChoiceImplicit:
		return map[string]any{"type": "function", "function": map[string]string{"name": tool.ImplicitToolName}}
	default:
		return nil
	}
}

func openaiMessages(req *inference.Request) ([]openaiMessage, error) {
	out := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != nil {
		out = append(out, openaiMessage{Role: "system", Content: *req.System})
	}

	for _, msg := range req.Messages {
		role := string(msg.Role)
		current := openaiMessage{Role: role}
		var parts []map[string]any
		flush := func() {
			if len(parts) > 0 {
				current.Content = parts
				parts = nil
			}
			if current.Content != nil || len(current.ToolCalls) > 0 {
				out = append(out, current)
				current = openaiMessage{Role: role}
			}
		}

		for _, block := range msg.Content {
			switch block.Type {
			case inference.BlockTypeText:
				parts = append(parts, map[string]any{"type": "text", "text": block.Text})

			case inference.BlockTypeToolCall:
				call := openaiToolCall{ID: block.ID, Type: "function"}
				call.Function.Name = block.Name
				call.Function.Arguments = block.Arguments
				current.ToolCalls = append(current.ToolCalls, call)

			case inference.BlockTypeToolResult:
				// Tool results are their own wire messages.
				flush()
				out = append(out, openaiMessage{Role: "tool", Content: block.Result, ToolCallID: block.ID})

			case inference.BlockTypeFile:
				url := block.Data
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					url = fmt.Sprintf("data:%s;base64,%s", block.MIMEType, block.Data)
				}
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": url}})

			case inference.BlockTypeUnknown:
				if block.ProviderName != "" && block.ProviderName != TypeOpenAI {
					continue
				}
				var part map[string]any
				if err := json.Unmarshal(block.Payload, &part); err != nil {
					return nil, gwerr.Wrap(gwerr.KindInvalidMessage, "unknown block payload is not an object", err)
				}
				parts = append(parts, part)

			default:
				return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
					"OpenAI does not support content block type %q", block.Type)
			}
		}
		flush()
	}
	return out, nil
}

func openaiFinishReason(reason string) inference.FinishReason {
	switch reason {
	case "stop":
		return inference.FinishReasonStop
	case "length":
		return inference.FinishReasonLength
	case "tool_calls", "function_call":
		return inference.FinishReasonToolCall
	case "content_filter":
		return inference.FinishReasonContentFilter
	default:
		return inference.FinishReasonUnknown
	}
}

type toolIdentity struct {
	id   string
	name string
}

// openaiStream translates chat-completion SSE frames. OpenAI repeats only the
// tool-call index on delta frames, so the stream keeps an index → (id, name)
// map and stamps every chunk with the identity from the tool's first frame.
type openaiStream struct {
	body        io.ReadCloser
	reader      *sseReader
	inferenceID uuid.UUID
	start       time.Time

	toolsByIdx map[int]toolIdentity
	done       bool
}

func (s *openaiStream) Next() (*inference.Chunk, error) {
	if s.done {
		return nil, nil
	}
	for {
		event, err := s.reader.Next()
		if err == io.EOF {
			s.done = true
			return nil, nil
		}
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindFatalStreamError, "OpenAI stream read failed", err)
		}
		if event.Data == "" {
			continue
		}
		if event.Data == "[DONE]" {
			s.done = true
			return nil, nil
		}

		var parsed openaiResponse
		if err := json.Unmarshal([]byte(event.Data), &parsed); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse OpenAI stream frame", err)
		}
		if parsed.Error != nil {
			return nil, gwerr.Newf(gwerr.KindInferenceServer, "OpenAI stream error: %s", parsed.Error.Message)
		}

		chunk := &inference.Chunk{
			InferenceID: s.inferenceID,
			RawResponse: event.Data,
			Latency:     time.Since(s.start),
		}
		if parsed.Usage != nil {
			chunk.Usage = &inference.Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens}
		}
		if len(parsed.Choices) > 0 {
			choice := parsed.Choices[0]
			if choice.Delta != nil {
				if choice.Delta.Content != nil && *choice.Delta.Content != "" {
					chunk.Content = append(chunk.Content, inference.TextChunk("0", *choice.Delta.Content))
				}
				for _, call := range choice.Delta.ToolCalls {
					idx := 0
					if call.Index != nil {
						idx = *call.Index
					}
					identity, known := s.toolsByIdx[idx]
					if call.ID != "" || call.Function.Name != "" {
						if call.ID != "" {
							identity.id = call.ID
						}
						if call.Function.Name != "" {
							identity.name = call.Function.Name
						}
						s.toolsByIdx[idx] = identity
						known = true
					}
					if !known {
						return nil, gwerr.Newf(gwerr.KindInferenceServer,
							"got tool call delta for index %d without a preceding tool call start", idx)
					}
					chunk.Content = append(chunk.Content,
						inference.ToolCallChunk(identity.id, identity.name, call.Function.Arguments))
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				chunk.FinishReason = openaiFinishReason(*choice.FinishReason)
			}
		}

		if len(chunk.Content) == 0 && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		return chunk, nil
	}
}

func (s *openaiStream) Close() error {
	s.done = true
	return s.body.Close()
}

var _ Embedder = (*OpenAIProvider)(nil)
