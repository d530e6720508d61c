package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/tool"
)

const (
	anthropicDefaultEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
	anthropicDefaultMaxTok   = 4096
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	cfg Config
}

func NewAnthropic(cfg Config) *AnthropicProvider {
	return &AnthropicProvider{cfg: cfg}
}

func (p *AnthropicProvider) Name() string { return p.cfg.Name }
func (p *AnthropicProvider) Type() string { return TypeAnthropic }

func (p *AnthropicProvider) endpoint() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return anthropicDefaultEndpoint
}

// Anthropic wire structures.

type anthropicMessage struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []anthropicMessage   `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	System        *string              `json:"system,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []json.RawMessage    `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
}

type anthropicRespContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                 `json:"id"`
	Model      string                 `json:"model"`
	Content    []anthropicRespContent `json:"content"`
	StopReason *string                `json:"stop_reason"`
	Usage      *anthropicUsage        `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) headers(key string) map[string]string {
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": anthropicVersion,
	}
}

// Infer executes a non-streaming Messages call.
func (p *AnthropicProvider) Infer(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Response, error) {
	body, err := p.serializeRequest(req, false)
	if err != nil {
		return nil, err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := postJSON(ctx, client, p.endpoint(), body, p.headers(key), p.cfg.Name)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse Anthropic response", err)
	}
	if parsed.Error != nil {
		return nil, gwerr.Newf(gwerr.KindInferenceServer, "Anthropic error: %s", parsed.Error.Message)
	}

	output, err := anthropicOutputBlocks(parsed.Content)
	if err != nil {
		return nil, err
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
		resp.Usage = inference.Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
	}
	if parsed.StopReason != nil {
		resp.FinishReason = anthropicFinishReason(*parsed.StopReason)
	}
	return resp, nil
}

// InferStream starts a streaming Messages call and blocks until the first
// chunk arrives.
func (p *AnthropicProvider) InferStream(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Chunk, inference.Stream, string, error) {
	body, err := p.serializeRequest(req, true)
	if err != nil {
		return nil, nil, "", err
	}
	key, err := resolveKey(p.cfg, req)
	if err != nil {
		return nil, nil, "", err
	}

	resp, err := postStream(ctx, client, p.endpoint(), body, p.headers(key), p.cfg.Name)
	if err != nil {
		return nil, nil, "", err
	}

	stream := &anthropicStream{
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
		return nil, nil, "", gwerr.New(gwerr.KindFatalStreamError, "Anthropic stream ended before the first chunk")
	}
	return first, stream, string(body), nil
}

func (p *AnthropicProvider) serializeRequest(req *inference.Request, stream bool) ([]byte, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	messages = prepareMessages(messages)

	wire := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   anthropicDefaultMaxTok,
		System:      req.System,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		Stream:      stream,
	}
	if req.Sampling.MaxTokens != nil {
		wire.MaxTokens = *req.Sampling.MaxTokens
	}

	if tc := req.ToolConfig; tc != nil {
		for _, t := range tc.Available() {
			serialized, err := json.Marshal(anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters.Raw(),
			})
			if err != nil {
				return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize tool "+t.Name, err)
			}
			wire.Tools = append(wire.Tools, serialized)
		}
		wire.Tools = append(wire.Tools, tc.ProviderToolsFor(p.cfg.Model, p.cfg.Name)...)

		choice, err := anthropicToolChoiceFor(tc)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = choice
		if choice != nil && tc.ParallelCalls != nil {
			disable := !*tc.ParallelCalls
			wire.ToolChoice.DisableParallelToolUse = &disable
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize Anthropic request", err)
	}
	patches := append(append([]extrabody.Patch{}, p.cfg.ExtraBody...), req.ExtraBody...)
	return extrabody.ApplyToRaw(body, patches, nil)
}

func anthropicToolChoiceFor(tc *tool.Config) (*anthropicToolChoice, error) {
	switch tc.Choice.Kind {
	case tool.ChoiceAuto:
		return &anthropicToolChoice{Type: "auto"}, nil
	case tool.ChoiceRequired:
		return &anthropicToolChoice{Type: "any"}, nil
	case tool.ChoiceSpecific:
		return &anthropicToolChoice{Type: "tool", Name: tc.Choice.Tool}, nil
	case tool.ChoiceImplicit:
		return &anthropicToolChoice{Type: "tool", Name: tool.ImplicitToolName}, nil
	case tool.ChoiceNone:
		return nil, gwerr.New(gwerr.KindInvalidTool, "Anthropic does not support tool choice None")
	default:
		return nil, nil
	}
}

func anthropicMessages(messages []inference.Message) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		content := make([]json.RawMessage, 0, len(msg.Content))
		for _, block := range msg.Content {
			converted, err := anthropicContentBlock(block)
			if err != nil {
				return nil, err
			}
			if converted != nil {
				content = append(content, converted)
			}
		}
		out = append(out, anthropicMessage{Role: string(msg.Role), Content: content})
	}
	return out, nil
}

func anthropicContentBlock(block inference.ContentBlock) (json.RawMessage, error) {
	switch block.Type {
	case inference.BlockTypeText:
		return json.Marshal(map[string]any{"type": "text", "text": block.Text})

	case inference.BlockTypeToolCall:
		// The model-emitted argument string must parse to a JSON object.
		var input map[string]any
		if block.Arguments != "" {
			if err := json.Unmarshal([]byte(block.Arguments), &input); err != nil {
				return nil, gwerr.Newf(gwerr.KindInvalidMessage,
					"tool call arguments for %q must be a JSON object", block.Name)
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(map[string]any{
			"type":  "tool_use",
			"id":    block.ID,
			"name":  block.Name,
			"input": input,
		})

	case inference.BlockTypeToolResult:
		return json.Marshal(map[string]any{
			"type":        "tool_result",
			"tool_use_id": block.ID,
			"content":     []map[string]any{{"type": "text", "text": block.Result}},
		})

	case inference.BlockTypeFile:
		return anthropicFileBlock(block)

	case inference.BlockTypeUnknown:
		if block.ProviderName != "" && block.ProviderName != TypeAnthropic {
			return nil, nil
		}
		return block.Payload, nil

	default:
		return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
			"Anthropic does not support content block type %q", block.Type)
	}
}

func anthropicFileBlock(block inference.ContentBlock) (json.RawMessage, error) {
	kind := "image"
	if block.MIMEType == "application/pdf" {
		kind = "document"
	} else if !strings.HasPrefix(block.MIMEType, "image/") {
		return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
			"Anthropic does not accept files of type %q", block.MIMEType)
	}
	source := map[string]any{"type": "base64", "media_type": block.MIMEType, "data": block.Data}
	if strings.HasPrefix(block.Data, "http://") || strings.HasPrefix(block.Data, "https://") {
		source = map[string]any{"type": "url", "url": block.Data}
	}
	return json.Marshal(map[string]any{"type": kind, "source": source})
}

// prepareMessages normalizes a message list to Anthropic's rules: coalesce
// consecutive same-role messages, ensure the list starts with a user message,
// and ensure it does not end with an assistant message (Anthropic would
// continue that turn). Idempotent.
func prepareMessages(messages []anthropicMessage) []anthropicMessage {
	consolidated := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if n := len(consolidated); n > 0 && consolidated[n-1].Role == msg.Role {
			merged := anthropicMessage{Role: msg.Role}
			merged.Content = append(append([]json.RawMessage{}, consolidated[n-1].Content...), msg.Content...)
			consolidated[n-1] = merged
			continue
		}
		consolidated = append(consolidated, msg)
	}

	listening := func() anthropicMessage {
		text, _ := json.Marshal(map[string]any{"type": "text", "text": "[listening]"})
		return anthropicMessage{Role: string(inference.RoleUser), Content: []json.RawMessage{text}}
	}

	if len(consolidated) == 0 || consolidated[0].Role != string(inference.RoleUser) {
		consolidated = append([]anthropicMessage{listening()}, consolidated...)
	}
	if consolidated[len(consolidated)-1].Role == string(inference.RoleAssistant) {
		consolidated = append(consolidated, listening())
	}
	return consolidated
}

func anthropicOutputBlocks(content []anthropicRespContent) ([]inference.ContentBlock, error) {
	out := make([]inference.ContentBlock, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "text":
			if c.Text == "" {
				continue
			}
			out = append(out, inference.TextBlock(c.Text))
		case "tool_use":
			out = append(out, inference.ToolCallBlock(c.ID, c.Name, string(c.Input)))
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize Anthropic content block", err)
			}
			out = append(out, inference.UnknownBlock(TypeAnthropic, raw))
		}
	}
	return out, nil
}

func anthropicFinishReason(stopReason string) inference.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return inference.FinishReasonStop
	case "max_tokens":
		return inference.FinishReasonLength
	case "tool_use":
		return inference.FinishReasonToolCall
	default:
		return inference.FinishReasonUnknown
	}
}

// anthropicStream owns the per-stream bookkeeping: the current tool id and
// name are recorded when a tool_use block starts and stamped onto every
// following input_json_delta, because Anthropic does not repeat them on
// delta frames.
type anthropicStream struct {
	body        io.ReadCloser
	reader      *sseReader
	inferenceID uuid.UUID
	start       time.Time

	currentToolID   *string
	currentToolName *string
	done            bool
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message      json.RawMessage `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *anthropicStream) Next() (*inference.Chunk, error) {
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
			return nil, gwerr.Wrap(gwerr.KindFatalStreamError, "Anthropic stream read failed", err)
		}
		if event.Data == "" {
			continue
		}
		chunk, err := s.translate(event.Data)
		if err != nil {
			return nil, err
		}
		if s.done {
			return nil, nil
		}
		if chunk != nil {
			return chunk, nil
		}
	}
}

// translate maps one Anthropic SSE frame to at most one canonical chunk.
func (s *anthropicStream) translate(data string) (*inference.Chunk, error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse Anthropic stream event", err)
	}
	elapsed := time.Since(s.start)

	switch event.Type {
	case "message_start":
		var message struct {
			Usage *anthropicUsage `json:"usage"`
		}
		if event.Message != nil {
			_ = json.Unmarshal(event.Message, &message)
		}
		if message.Usage == nil {
			return nil, nil
		}
		return s.chunk(nil, &inference.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		}, data, elapsed, ""), nil

	case "content_block_start":
		if event.ContentBlock == nil {
			return nil, gwerr.New(gwerr.KindInferenceServer, "Anthropic content_block_start without content block")
		}
		switch event.ContentBlock.Type {
		case "text":
			block := inference.TextChunk(strconv.Itoa(event.Index), event.ContentBlock.Text)
			return s.chunk([]inference.ChunkBlock{block}, nil, data, elapsed, ""), nil
		case "tool_use":
			id, name := event.ContentBlock.ID, event.ContentBlock.Name
			s.currentToolID, s.currentToolName = &id, &name
			block := inference.ToolCallChunk(id, name, "")
			return s.chunk([]inference.ChunkBlock{block}, nil, data, elapsed, ""), nil
		default:
			return nil, gwerr.New(gwerr.KindInferenceServer, "Unsupported content block type for ContentBlockStart")
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil, gwerr.New(gwerr.KindInferenceServer, "Anthropic content_block_delta without delta")
		}
		switch event.Delta.Type {
		case "text_delta":
			block := inference.TextChunk(strconv.Itoa(event.Index), event.Delta.Text)
			return s.chunk([]inference.ChunkBlock{block}, nil, data, elapsed, ""), nil
		case "input_json_delta":
			if s.currentToolName == nil {
				return nil, gwerr.New(gwerr.KindInferenceServer,
					"Got InputJsonDelta chunk from Anthropic without current tool name being set by a ToolUse")
			}
			if s.currentToolID == nil {
				return nil, gwerr.New(gwerr.KindInferenceServer,
					"Got InputJsonDelta chunk from Anthropic without current tool id being set by a ToolUse")
			}
			block := inference.ToolCallChunk(*s.currentToolID, *s.currentToolName, event.Delta.PartialJSON)
			return s.chunk([]inference.ChunkBlock{block}, nil, data, elapsed, ""), nil
		default:
			return nil, gwerr.New(gwerr.KindInferenceServer, "Unsupported content block type for ContentBlockDelta")
		}

	case "content_block_stop", "ping":
		return nil, nil

	case "message_delta":
		var finish inference.FinishReason
		if event.Delta != nil && event.Delta.StopReason != "" {
			finish = anthropicFinishReason(event.Delta.StopReason)
		}
		var usage *inference.Usage
		if event.Usage != nil {
			usage = &inference.Usage{InputTokens: event.Usage.InputTokens, OutputTokens: event.Usage.OutputTokens}
		}
		if usage == nil && finish == "" {
			return nil, nil
		}
		return s.chunk(nil, usage, data, elapsed, finish), nil

	case "message_stop":
		s.done = true
		return nil, nil

	case "error":
		message := "Anthropic stream error"
		if event.Error != nil {
			message = fmt.Sprintf("Anthropic stream error: %s", event.Error.Message)
		}
		return nil, gwerr.New(gwerr.KindInferenceServer, message)

	default:
		return nil, nil
	}
}

func (s *anthropicStream) chunk(content []inference.ChunkBlock, usage *inference.Usage, raw string, elapsed time.Duration, finish inference.FinishReason) *inference.Chunk {
	return &inference.Chunk{
		InferenceID:  s.inferenceID,
		Content:      content,
		Usage:        usage,
		RawResponse:  raw,
		Latency:      elapsed,
		FinishReason: finish,
	}
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.body.Close()
}
