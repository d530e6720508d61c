package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/tool"
)

const geminiDefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider speaks the Google AI Studio Gemini API.
type GeminiProvider struct {
	cfg Config
}

func NewGemini(cfg Config) *GeminiProvider {
	return &GeminiProvider{cfg: cfg}
}

func (p *GeminiProvider) Name() string { return p.cfg.Name }
func (p *GeminiProvider) Type() string { return TypeGemini }

func (p *GeminiProvider) url(key string, stream bool) string {
	base := p.cfg.Endpoint
	if base == "" {
		base = geminiDefaultEndpoint
	}
	method := "generateContent"
	query := url.Values{"key": {key}}
	if stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/%s:%s?%s", base, p.cfg.Model, method, query.Encode())
}

// Gemini wire structures.

type geminiContent struct {
	Role  string            `json:"role,omitempty"`
	Parts []json.RawMessage `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowed_function_names,omitempty"`
	} `json:"function_calling_config"`
}

type geminiGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	PresencePenalty  *float64        `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequencyPenalty,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []json.RawMessage       `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Infer executes a non-streaming generateContent call.
func (p *GeminiProvider) Infer(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Response, error) {
	body, err := p.serializeRequest(req)
	if err != nil {
		return nil, err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := postJSON(ctx, client, p.url(key, false), body, nil, p.cfg.Name)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse Gemini response", err)
	}
	if parsed.Error != nil {
		return nil, gwerr.Newf(gwerr.KindInferenceServer, "Gemini error (%s): %s", parsed.Error.Status, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, gwerr.New(gwerr.KindInferenceServer, "no candidates in Gemini response")
	}

	candidate := parsed.Candidates[0]
	// A safety-filtered candidate has no content; surface it as success with
	// empty output and the finish reason preserved.
	var output []inference.ContentBlock
	if candidate.Content != nil {
		output = geminiOutputBlocks(candidate.Content.Parts)
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
	if parsed.UsageMetadata != nil {
		resp.Usage = inference.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	if candidate.FinishReason != "" {
		resp.FinishReason = geminiFinishReason(candidate.FinishReason)
	}
	return resp, nil
}

// InferStream starts a streaming call and blocks until the first chunk.
func (p *GeminiProvider) InferStream(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Chunk, inference.Stream, string, error) {
	body, err := p.serializeRequest(req)
	if err != nil {
		return nil, nil, "", err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, nil, "", err
	}

	resp, err := postStream(ctx, client, p.url(key, true), body, nil, p.cfg.Name)
	if err != nil {
		return nil, nil, "", err
	}

	stream := &geminiStream{
		body:        resp.Body,
		reader:      newSSEReader(resp.Body),
		inferenceID: req.InferenceID,
		start:       time.Now(),
	}
	first, err := stream.Next()
	if err != nil {
		stream.Close()
		return nil, nil, "", err
	}
	if first == nil {
		stream.Close()
		return nil, nil, "", gwerr.New(gwerr.KindFatalStreamError, "Gemini stream ended before the first chunk")
	}
	return first, stream, string(body), nil
}

func (p *GeminiProvider) serializeRequest(req *inference.Request) ([]byte, error) {
	contents, err := geminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	wire := geminiRequest{Contents: contents}

	if req.System != nil {
		part, _ := json.Marshal(map[string]string{"text": *req.System})
		wire.SystemInstruction = &geminiContent{Role: "model", Parts: []json.RawMessage{part}}
	}

	generation := &geminiGenerationConfig{
		Temperature:      req.Sampling.Temperature,
		TopP:             req.Sampling.TopP,
		MaxOutputTokens:  req.Sampling.MaxTokens,
		Seed:             req.Sampling.Seed,
		PresencePenalty:  req.Sampling.PresencePenalty,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
	}
	if req.JSONMode == inference.JSONModeOn || req.JSONMode == inference.JSONModeStrict {
		generation.ResponseMimeType = "application/json"
		if req.OutputSchema != nil {
			sanitized, err := processOutputSchema(req.OutputSchema.Raw())
			if err != nil {
				return nil, err
			}
			generation.ResponseSchema = sanitized
		}
	}
	wire.GenerationConfig = generation

	if tc := req.ToolConfig; tc != nil && len(tc.Available()) > 0 {
		declarations := make([]geminiFunctionDeclaration, 0, len(tc.Available()))
		for _, t := range tc.Available() {
			sanitized, err := processOutputSchema(t.Parameters.Raw())
			if err != nil {
				return nil, err
			}
			declarations = append(declarations, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitized,
			})
		}
		toolObj, err := json.Marshal(map[string]any{"functionDeclarations": declarations})
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize Gemini tools", err)
		}
		wire.Tools = append([]json.RawMessage{toolObj}, tc.ProviderToolsFor(p.cfg.Model, p.cfg.Name)...)
		wire.ToolConfig = geminiToolConfigFor(tc)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize Gemini request", err)
	}
	patches := append(append([]extrabody.Patch{}, p.cfg.ExtraBody...), req.ExtraBody...)
	return extrabody.ApplyToRaw(body, patches, nil)
}

func geminiToolConfigFor(tc *tool.Config) *geminiToolConfig {
	cfg := &geminiToolConfig{}
	switch tc.Choice.Kind {
	case tool.ChoiceNone:
		cfg.FunctionCallingConfig.Mode = "NONE"
	case tool.ChoiceAuto:
		cfg.FunctionCallingConfig.Mode = "AUTO"
	case tool.ChoiceRequired:
		cfg.FunctionCallingConfig.Mode = "ANY"
	case tool.ChoiceSpecific:
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{tc.Choice.Tool}
	case tool.ChoiceImplicit:
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{tool.ImplicitToolName}
	default:
		cfg.FunctionCallingConfig.Mode = "AUTO"
	}
	return cfg
}

func geminiContents(messages []inference.Message) ([]geminiContent, error) {
	out := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == inference.RoleAssistant {
			role = "model"
		}
		parts := make([]json.RawMessage, 0, len(msg.Content))
		for _, block := range msg.Content {
			part, err := geminiPartFor(block)
			if err != nil {
				return nil, err
			}
			if part != nil {
				parts = append(parts, part)
			}
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out, nil
}

func geminiPartFor(block inference.ContentBlock) (json.RawMessage, error) {
	switch block.Type {
	case inference.BlockTypeText:
		return json.Marshal(map[string]string{"text": block.Text})

	case inference.BlockTypeToolCall:
		var args map[string]any
		if block.Arguments != "" {
			if err := json.Unmarshal([]byte(block.Arguments), &args); err != nil {
				return nil, gwerr.Newf(gwerr.KindInvalidMessage,
					"tool call arguments for %q must be a JSON object", block.Name)
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		return json.Marshal(map[string]any{
			"functionCall": map[string]any{"name": block.Name, "args": args},
		})

	case inference.BlockTypeToolResult:
		var result any
		if err := json.Unmarshal([]byte(block.Result), &result); err != nil {
			return nil, gwerr.Newf(gwerr.KindInvalidMessage,
				"tool result for %q must be valid JSON for Gemini", block.Name)
		}
		return json.Marshal(map[string]any{
			"functionResponse": map[string]any{
				"name":     block.Name,
				"response": map[string]any{"name": block.Name, "content": result},
			},
		})

	case inference.BlockTypeFile:
		if strings.HasPrefix(block.Data, "http://") || strings.HasPrefix(block.Data, "https://") {
			return json.Marshal(map[string]any{
				"fileData": map[string]string{"mimeType": block.MIMEType, "fileUri": block.Data},
			})
		}
		return json.Marshal(map[string]any{
			"inlineData": map[string]string{"mimeType": block.MIMEType, "data": block.Data},
		})

	case inference.BlockTypeUnknown:
		if block.ProviderName != "" && block.ProviderName != TypeGemini {
			return nil, nil
		}
		return block.Payload, nil

	default:
		return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
			"Gemini does not support content block type %q", block.Type)
	}
}

// processOutputSchema strips every occurrence of "additionalProperties" and
// "$schema" at any depth; Gemini rejects schemas containing them.
func processOutputSchema(raw json.RawMessage) (json.RawMessage, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "output schema is not valid JSON", err)
	}
	removeUnsupportedKeys(value)
	out, err := json.Marshal(value)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize sanitized schema", err)
	}
	return out, nil
}

func removeUnsupportedKeys(value any) {
	switch v := value.(type) {
	case map[string]any:
		delete(v, "additionalProperties")
		delete(v, "$schema")
		for _, child := range v {
			removeUnsupportedKeys(child)
		}
	case []any:
		for _, child := range v {
			removeUnsupportedKeys(child)
		}
	}
}

func geminiOutputBlocks(parts []geminiPart) []inference.ContentBlock {
	var out []inference.ContentBlock
	for i, part := range parts {
		switch {
		case part.FunctionCall != nil:
			out = append(out, inference.ToolCallBlock(strconv.Itoa(i), part.FunctionCall.Name, string(part.FunctionCall.Args)))
		case part.Text != "":
			out = append(out, inference.TextBlock(part.Text))
		}
	}
	return out
}

func geminiFinishReason(reason string) inference.FinishReason {
	switch reason {
	case "STOP":
		return inference.FinishReasonStop
	case "MAX_TOKENS":
		return inference.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return inference.FinishReasonContentFilter
	default:
		return inference.FinishReasonUnknown
	}
}

// geminiStream translates the SSE body: every frame is a full GeminiResponse
// with a single candidate. Gemini does not number its parts, so text and tool
// chunks both use the stable id "0".
type geminiStream struct {
	body        io.ReadCloser
	reader      *sseReader
	inferenceID uuid.UUID
	start       time.Time
	done        bool
}

func (s *geminiStream) Next() (*inference.Chunk, error) {
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
			return nil, gwerr.Wrap(gwerr.KindFatalStreamError, "Gemini stream read failed", err)
		}
		if event.Data == "" {
			continue
		}

		var parsed geminiResponse
		if err := json.Unmarshal([]byte(event.Data), &parsed); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse Gemini stream frame", err)
		}
		if parsed.Error != nil {
			return nil, gwerr.Newf(gwerr.KindInferenceServer, "Gemini stream error (%s): %s", parsed.Error.Status, parsed.Error.Message)
		}

		chunk := &inference.Chunk{
			InferenceID: s.inferenceID,
			RawResponse: event.Data,
			Latency:     time.Since(s.start),
		}
		if len(parsed.Candidates) > 0 {
			candidate := parsed.Candidates[0]
			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						chunk.Content = append(chunk.Content,
							inference.ToolCallChunk("0", part.FunctionCall.Name, string(part.FunctionCall.Args)))
					case part.Text != "":
						// Empty text chunks are discarded.
						chunk.Content = append(chunk.Content, inference.TextChunk("0", part.Text))
					}
				}
			}
			if candidate.FinishReason != "" {
				chunk.FinishReason = geminiFinishReason(candidate.FinishReason)
			}
		}
		if parsed.UsageMetadata != nil {
			chunk.Usage = &inference.Usage{
				InputTokens:  parsed.UsageMetadata.PromptTokenCount,
				OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			}
		}

		if len(chunk.Content) == 0 && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		return chunk, nil
	}
}

func (s *geminiStream) Close() error {
	s.done = true
	return s.body.Close()
}
