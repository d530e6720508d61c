package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/tool"
)

func textMessage(role inference.Role, texts ...string) anthropicMessage {
	msg := anthropicMessage{Role: string(role)}
	for _, t := range texts {
		raw, _ := json.Marshal(map[string]any{"type": "text", "text": t})
		msg.Content = append(msg.Content, raw)
	}
	return msg
}

func TestPrepareMessagesConsolidation(t *testing.T) {
	input := []anthropicMessage{
		textMessage(inference.RoleUser, "Hello"),
		textMessage(inference.RoleUser, "How are you?"),
		textMessage(inference.RoleAssistant, "Hi"),
	}

	out := prepareMessages(input)

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	require.Len(t, out[0].Content, 2)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "user", out[2].Role)
	assert.Contains(t, string(out[2].Content[0]), "[listening]")
}

func TestPrepareMessagesPrependsUser(t *testing.T) {
	out := prepareMessages([]anthropicMessage{textMessage(inference.RoleAssistant, "Hi")})

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	assert.Contains(t, string(out[0].Content[0]), "[listening]")
	assert.Equal(t, "user", out[2].Role)
}

func TestPrepareMessagesIdempotent(t *testing.T) {
	inputs := [][]anthropicMessage{
		{},
		{textMessage(inference.RoleAssistant, "a")},
		{textMessage(inference.RoleUser, "a"), textMessage(inference.RoleUser, "b"), textMessage(inference.RoleAssistant, "c")},
		{textMessage(inference.RoleUser, "a"), textMessage(inference.RoleAssistant, "b"), textMessage(inference.RoleAssistant, "c")},
	}
	for _, input := range inputs {
		once := prepareMessages(input)
		twice := prepareMessages(once)
		assert.Equal(t, once, twice)

		// No adjacent same-role messages; starts with user; never ends with assistant.
		for i := 1; i < len(once); i++ {
			assert.NotEqual(t, once[i-1].Role, once[i].Role)
		}
		require.NotEmpty(t, once)
		assert.Equal(t, "user", once[0].Role)
		assert.NotEqual(t, "assistant", once[len(once)-1].Role)
	}
}

func TestAnthropicToolChoiceNoneRejected(t *testing.T) {
	tc := &tool.Config{Choice: tool.Choice{Kind: tool.ChoiceNone}}
	_, err := anthropicToolChoiceFor(tc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidTool, gwerr.KindOf(err))
	assert.Contains(t, err.Error(), "Anthropic does not support tool choice None")
}

func TestAnthropicToolChoiceMapping(t *testing.T) {
	tests := []struct {
		choice tool.Choice
		typ    string
		name   string
	}{
		{tool.Choice{Kind: tool.ChoiceAuto}, "auto", ""},
		{tool.Choice{Kind: tool.ChoiceRequired}, "any", ""},
		{tool.Choice{Kind: tool.ChoiceSpecific, Tool: "get_temperature"}, "tool", "get_temperature"},
		{tool.Choice{Kind: tool.ChoiceImplicit}, "tool", "respond"},
	}
	for _, tt := range tests {
		got, err := anthropicToolChoiceFor(&tool.Config{Choice: tt.choice})
		require.NoError(t, err)
		assert.Equal(t, tt.typ, got.Type)
		assert.Equal(t, tt.name, got.Name)
	}
}

func TestAnthropicToolCallArgumentsMustBeObject(t *testing.T) {
	_, err := anthropicContentBlock(inference.ToolCallBlock("id1", "f", `"not an object"`))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidMessage, gwerr.KindOf(err))
}

func TestAnthropicFileBlocks(t *testing.T) {
	raw, err := anthropicFileBlock(inference.FileBlock("image/png", "aGVsbG8="))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"base64"`)

	raw, err = anthropicFileBlock(inference.FileBlock("application/pdf", "https://example.com/doc.pdf"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"document"`)
	assert.Contains(t, string(raw), `"url"`)

	_, err = anthropicFileBlock(inference.FileBlock("audio/mpeg", "xxxx"))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindUnsupportedContentBlock, gwerr.KindOf(err))
}

func newAnthropicStreamForTest() *anthropicStream {
	return &anthropicStream{
		body:        http.NoBody,
		inferenceID: inference.NewInferenceID(),
	}
}

func TestAnthropicStreamTranslate(t *testing.T) {
	s := newAnthropicStreamForTest()

	chunk, err := s.translate(`{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}`)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Empty(t, chunk.Content)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 10, chunk.Usage.InputTokens)

	chunk, err = s.translate(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "0", chunk.Content[0].ID)

	chunk, err = s.translate(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)
	require.NoError(t, err)
	assert.Equal(t, "Hello", chunk.Content[0].Text)

	// Tool use start records the active tool identity.
	chunk, err = s.translate(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_temperature"}}`)
	require.NoError(t, err)
	require.Len(t, chunk.Content, 1)
	assert.Equal(t, inference.ChunkBlockToolCall, chunk.Content[0].Type)
	assert.Equal(t, "toolu_1", chunk.Content[0].ID)
	assert.Equal(t, "", chunk.Content[0].Arguments)

	// Deltas inherit the recorded identity.
	chunk, err = s.translate(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"loc"}}`)
	require.NoError(t, err)
	assert.Equal(t, "toolu_1", chunk.Content[0].ID)
	assert.Equal(t, "get_temperature", chunk.Content[0].Name)
	assert.Equal(t, `{"loc`, chunk.Content[0].Arguments)

	chunk, err = s.translate(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`)
	require.NoError(t, err)
	assert.Equal(t, inference.FinishReasonToolCall, chunk.FinishReason)
	assert.Equal(t, 25, chunk.Usage.OutputTokens)

	chunk, err = s.translate(`{"type":"message_stop"}`)
	require.NoError(t, err)
	assert.Nil(t, chunk)
	assert.True(t, s.done)
}

func TestAnthropicStreamInputJsonDeltaWithoutToolUse(t *testing.T) {
	s := newAnthropicStreamForTest()

	_, err := s.translate(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(),
		"Got InputJsonDelta chunk from Anthropic without current tool name being set by a ToolUse")
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	s := newAnthropicStreamForTest()
	_, err := s.translate(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInferenceServer, gwerr.KindOf(err))
}

func TestAnthropicInfer(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "model": "claude-3-5-sonnet",
			"content": [{"type":"text","text":"Hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	p := NewAnthropic(Config{Name: "anthropic", Model: "claude-3-5-sonnet", APIKey: "test-key", Endpoint: server.URL})
	system := "Be terse."
	req := &inference.Request{
		InferenceID: inference.NewInferenceID(),
		System:      &system,
		Messages:    []inference.Message{inference.UserMessage(inference.TextBlock("Hello"))},
	}

	resp, err := p.Infer(context.Background(), req, server.Client())
	require.NoError(t, err)

	assert.Equal(t, "Be terse.", gotBody["system"])
	require.Len(t, resp.Output, 1)
	assert.Equal(t, "Hi there", resp.Output[0].Text)
	assert.Equal(t, inference.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, inference.Usage{InputTokens: 12, OutputTokens: 4}, resp.Usage)
	assert.NotEmpty(t, resp.RawRequest)
	assert.NotEmpty(t, resp.RawResponse)
}

func TestAnthropicInferClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	p := NewAnthropic(Config{Name: "anthropic", Model: "m", APIKey: "k", Endpoint: server.URL})
	req := &inference.Request{Messages: []inference.Message{inference.UserMessage(inference.TextBlock("x"))}}

	_, err := p.Infer(context.Background(), req, server.Client())
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInferenceClient, gwerr.KindOf(err))
	assert.Equal(t, http.StatusBadRequest, gwerr.StatusOf(err))
}

func TestAnthropicInferStream(t *testing.T) {
	frames := []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"usage":{"input_tokens":5,"output_tokens":0}}}`,
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":"He"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"llo"}}`,
		`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}`,
		`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join(frames, "\n\n") + "\n\n"))
	}))
	defer server.Close()

	p := NewAnthropic(Config{Name: "anthropic", Model: "m", APIKey: "k", Endpoint: server.URL})
	req := &inference.Request{
		InferenceID: inference.NewInferenceID(),
		Messages:    []inference.Message{inference.UserMessage(inference.TextBlock("Hi"))},
		Stream:      true,
	}

	first, stream, rawRequest, err := p.InferStream(context.Background(), req, server.Client())
	require.NoError(t, err)
	defer stream.Close()

	assert.NotEmpty(t, rawRequest)
	require.NotNil(t, first)

	var chunks []*inference.Chunk
	chunks = append(chunks, first)
	for {
		chunk, err := stream.Next()
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}

	// Every chunk carries the same inference id.
	for _, chunk := range chunks {
		assert.Equal(t, req.InferenceID, chunk.InferenceID)
	}

	var text string
	var usage inference.Usage
	for _, chunk := range chunks {
		for _, block := range chunk.Content {
			text += block.Text
		}
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, inference.Usage{InputTokens: 5, OutputTokens: 2}, usage)
}

func TestAnthropicSerializeRequestWithTools(t *testing.T) {
	params, err := schema.Compile(json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}}}`))
	require.NoError(t, err)

	tc, err := tool.Resolve([]*tool.Tool{{Key: "get_temperature", Name: "get_temperature", Parameters: params}},
		tool.Choice{Kind: tool.ChoiceAuto}, nil, tool.DynamicParams{})
	require.NoError(t, err)

	p := NewAnthropic(Config{Name: "anthropic", Model: "claude-3-5-sonnet", APIKey: "k"})
	req := &inference.Request{
		Messages:   []inference.Message{inference.UserMessage(inference.TextBlock("weather?"))},
		ToolConfig: tc,
	}

	body, err := p.serializeRequest(req, false)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	tools := wire["tools"].([]any)
	require.Len(t, tools, 1)
	first := tools[0].(map[string]any)
	assert.Equal(t, "get_temperature", first["name"])
	assert.Contains(t, first, "input_schema")
	choice := wire["tool_choice"].(map[string]any)
	assert.Equal(t, "auto", choice["type"])
}
