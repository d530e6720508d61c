package variant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/providers"
	"github.com/Davincible/tensorgate/internal/router"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/template"
	"github.com/Davincible/tensorgate/internal/tool"
)

// stubProvider records the canonical request it receives and answers with a
// scripted response.
type stubProvider struct {
	name     string
	response *inference.Response
	err      error
	lastReq  *inference.Request
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Type() string { return "stub" }

func (s *stubProvider) Infer(_ context.Context, req *inference.Request, _ *http.Client) (*inference.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.response
	resp.System = req.System
	resp.InputMessages = req.Messages
	resp.ProviderName = s.name
	return &resp, nil
}

func (s *stubProvider) InferStream(_ context.Context, req *inference.Request, _ *http.Client) (*inference.Chunk, inference.Stream, string, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, nil, "", s.err
	}
	chunks := make([]*inference.Chunk, 0, len(s.response.Output))
	for _, block := range s.response.Output {
		chunks = append(chunks, &inference.Chunk{
			InferenceID: req.InferenceID,
			Content:     []inference.ChunkBlock{inference.TextChunk("0", block.Text)},
		})
	}
	return chunks[0], &sliceStream{chunks: chunks[1:]}, `{"stub":true}`, nil
}

type sliceStream struct{ chunks []*inference.Chunk }

func (s *sliceStream) Next() (*inference.Chunk, error) {
	if len(s.chunks) == 0 {
		return nil, nil
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

func testEnv(t *testing.T, stub *stubProvider) *Env {
	t.Helper()
	r := router.New(nil, slog.Default())
	r.AddModel(&router.Model{Name: "test-model", Providers: []providers.Provider{stub}})

	templates := template.NewEngine()
	require.NoError(t, templates.Register("system", "You answer questions about {{.domain}}."))
	require.NoError(t, templates.Register("user", "Question: {{.question}}"))

	return &Env{
		Templates: templates,
		Router:    r,
		Registry:  providers.NewRegistry(),
		Logger:    slog.Default(),
	}
}

func textResponse(text string) *inference.Response {
	return &inference.Response{
		Output:      []inference.ContentBlock{inference.TextBlock(text)},
		RawRequest:  `{"r":1}`,
		RawResponse: `{"x":1}`,
		Usage:       inference.Usage{InputTokens: 5, OutputTokens: 2},
		ModelName:   "test-model",
	}
}

func chatFunction() *Function {
	return &Function{Name: "qa", Type: inference.FunctionTypeChat}
}

func baseRequest() *Request {
	return &Request{
		FunctionName: "qa",
		InferenceID:  inference.NewInferenceID(),
		EpisodeID:    inference.NewInferenceID(),
		Input: Input{Messages: []InputMessage{
			{Role: inference.RoleUser, Content: InputContent{{Type: "text", Text: ptr("hello")}}},
		}},
	}
}

func ptr[T any](v T) *T { return &v }

func TestChatCompletionPlainText(t *testing.T) {
	stub := &stubProvider{name: "p", response: textResponse("world")}
	env := testEnv(t, stub)
	v := &ChatCompletion{VariantName: "base", Model: "test-model"}

	result, err := v.Infer(context.Background(), env, chatFunction(), baseRequest())
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "world", result.Content[0].Text)
	require.Len(t, result.ModelRecords, 1)
	assert.Equal(t, result.InferenceID, result.ModelRecords[0].InferenceID)
}

func TestChatCompletionTemplates(t *testing.T) {
	stub := &stubProvider{name: "p", response: textResponse("42")}
	env := testEnv(t, stub)
	v := &ChatCompletion{
		VariantName:    "base",
		Model:          "test-model",
		SystemTemplate: "system",
		UserTemplate:   "user",
	}

	req := baseRequest()
	req.Input.System = json.RawMessage(`{"domain":"math"}`)
	req.Input.Messages = []InputMessage{{
		Role:    inference.RoleUser,
		Content: InputContent{{Type: "text", Arguments: map[string]any{"question": "6x7?"}}},
	}}

	_, err := v.Infer(context.Background(), env, chatFunction(), req)
	require.NoError(t, err)

	require.NotNil(t, stub.lastReq.System)
	assert.Equal(t, "You answer questions about math.", *stub.lastReq.System)
	text, _ := stub.lastReq.Messages[0].PlainText()
	assert.Equal(t, "Question: 6x7?", text)
}

func TestChatCompletionStructuredContentWithoutTemplateFails(t *testing.T) {
	stub := &stubProvider{name: "p", response: textResponse("x")}
	env := testEnv(t, stub)
	v := &ChatCompletion{VariantName: "base", Model: "test-model"}

	req := baseRequest()
	req.Input.Messages = []InputMessage{{
		Role:    inference.RoleUser,
		Content: InputContent{{Type: "text", Arguments: map[string]any{"q": "x"}}},
	}}

	_, err := v.Infer(context.Background(), env, chatFunction(), req)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidMessage, gwerr.KindOf(err))
}

func TestChatCompletionToolCallValidation(t *testing.T) {
	params, err := schema.Compile(json.RawMessage(
		`{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`))
	require.NoError(t, err)

	fn := chatFunction()
	fn.Tools = []*tool.Tool{{Key: "get_temperature", Name: "get_temperature", Parameters: params}}
	fn.ToolChoice = tool.Choice{Kind: tool.ChoiceAuto}

	stub := &stubProvider{name: "p", response: &inference.Response{
		Output: []inference.ContentBlock{
			inference.ToolCallBlock("call_1", "get_temperature", `{"location":"Oslo"}`),
			inference.ToolCallBlock("call_2", "get_temperature", `{"wrong":"shape"}`),
			inference.ToolCallBlock("call_3", "ghost_tool", `{}`),
		},
		ModelName: "test-model",
	}}
	env := testEnv(t, stub)
	v := &ChatCompletion{VariantName: "base", Model: "test-model"}

	result, err := v.Infer(context.Background(), env, fn, baseRequest())
	require.NoError(t, err)
	require.Len(t, result.Content, 3)

	valid := result.Content[0].ToolCall
	require.NotNil(t, valid.Name)
	assert.Equal(t, "get_temperature", *valid.Name)
	assert.Equal(t, map[string]any{"location": "Oslo"}, valid.Arguments)

	// Failed validation preserves raw values with nil parsed arguments.
	invalid := result.Content[1].ToolCall
	require.NotNil(t, invalid.Name)
	assert.Nil(t, invalid.Arguments)
	assert.Equal(t, `{"wrong":"shape"}`, invalid.RawArguments)

	// Unknown tool: raw name preserved, resolved name nil.
	unknown := result.Content[2].ToolCall
	assert.Nil(t, unknown.Name)
	assert.Equal(t, "ghost_tool", unknown.RawName)
}

func TestJSONFunctionImplicitTool(t *testing.T) {
	outputSchema, err := schema.Compile(json.RawMessage(
		`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`))
	require.NoError(t, err)

	fn := &Function{Name: "extract", Type: inference.FunctionTypeJSON, OutputSchema: outputSchema}
	stub := &stubProvider{name: "p", response: &inference.Response{
		Output: []inference.ContentBlock{
			inference.ToolCallBlock("call_1", tool.ImplicitToolName, `{"answer":"Paris"}`),
		},
		ModelName: "test-model",
	}}
	env := testEnv(t, stub)
	v := &ChatCompletion{VariantName: "base", Model: "test-model", JSONMode: inference.JSONModeImplicitTool}

	result, err := v.Infer(context.Background(), env, fn, baseRequest())
	require.NoError(t, err)

	// The provider saw the synthetic respond tool pinned by tool choice.
	require.NotNil(t, stub.lastReq.ToolConfig)
	assert.Equal(t, tool.ChoiceSpecific, stub.lastReq.ToolConfig.Choice.Kind)
	assert.Equal(t, tool.ImplicitToolName, stub.lastReq.ToolConfig.Choice.Tool)

	require.NotNil(t, result.Output)
	assert.Equal(t, `{"answer":"Paris"}`, result.Output.Raw)
	assert.Equal(t, map[string]any{"answer": "Paris"}, result.Output.Parsed)
}

func TestJSONFunctionParseFailureKeepsRaw(t *testing.T) {
	outputSchema, err := schema.Compile(json.RawMessage(`{"type":"object","required":["answer"]}`))
	require.NoError(t, err)

	fn := &Function{Name: "extract", Type: inference.FunctionTypeJSON, OutputSchema: outputSchema}
	stub := &stubProvider{name: "p", response: textResponse("not json at all")}
	env := testEnv(t, stub)
	v := &ChatCompletion{VariantName: "base", Model: "test-model", JSONMode: inference.JSONModeStrict}

	result, err := v.Infer(context.Background(), env, fn, baseRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Output)
	assert.Equal(t, "not json at all", result.Output.Raw)
	assert.Nil(t, result.Output.Parsed)
}

func TestExecutorVariantFallback(t *testing.T) {
	stubGood := &stubProvider{name: "good", response: textResponse("ok")}
	env := testEnv(t, stubGood)

	badVariant := &ChatCompletion{VariantName: "broken", Model: "missing-model", VarWeight: 2}
	goodVariant := &ChatCompletion{VariantName: "working", Model: "test-model", VarWeight: 1}
	fn := chatFunction()
	fn.Variants = []Variant{goodVariant, badVariant}

	e := NewExecutor(env, map[string]*Function{"qa": fn}, nil)

	// Weight order puts the broken variant first; the executor falls back.
	result, err := e.Infer(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "working", result.VariantName)
}

func TestExecutorAllVariantsFailed(t *testing.T) {
	env := testEnv(t, &stubProvider{name: "p", response: textResponse("x")})
	fn := chatFunction()
	fn.Variants = []Variant{
		&ChatCompletion{VariantName: "a", Model: "missing-a"},
		&ChatCompletion{VariantName: "b", Model: "missing-b"},
	}
	e := NewExecutor(env, map[string]*Function{"qa": fn}, nil)

	_, err := e.Infer(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAllVariantsFailed, gwerr.KindOf(err))
}

func TestExecutorPinnedVariant(t *testing.T) {
	stub := &stubProvider{name: "p", response: textResponse("ok")}
	env := testEnv(t, stub)
	fn := chatFunction()
	fn.Variants = []Variant{&ChatCompletion{VariantName: "base", Model: "test-model"}}
	e := NewExecutor(env, map[string]*Function{"qa": fn}, nil)

	req := baseRequest()
	req.VariantName = "ghost"
	_, err := e.Infer(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindVariantNotFound, gwerr.KindOf(err))

	req.VariantName = "base"
	result, err := e.Infer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "base", result.VariantName)
}

func TestExecutorUnknownFunction(t *testing.T) {
	env := testEnv(t, &stubProvider{name: "p", response: textResponse("x")})
	e := NewExecutor(env, map[string]*Function{}, nil)

	req := baseRequest()
	req.FunctionName = "ghost"
	_, err := e.Infer(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindFunctionNotFound, gwerr.KindOf(err))
}

func TestExecutorMintsIDs(t *testing.T) {
	stub := &stubProvider{name: "p", response: textResponse("ok")}
	env := testEnv(t, stub)
	fn := chatFunction()
	fn.Variants = []Variant{&ChatCompletion{VariantName: "base", Model: "test-model"}}
	e := NewExecutor(env, map[string]*Function{"qa": fn}, nil)

	req := baseRequest()
	req.InferenceID = [16]byte{}
	req.EpisodeID = [16]byte{}
	result, err := e.Infer(context.Background(), req)
	require.NoError(t, err)
	assert.NotZero(t, result.InferenceID)
	assert.NotZero(t, result.EpisodeID)
}

func TestInputContentAcceptsStringShorthand(t *testing.T) {
	var input Input
	require.NoError(t, json.Unmarshal([]byte(`{
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi"}]},
			{"role": "user", "content": [{"type": "tool_call", "id": "c1", "name": "f", "arguments": {"x": 1}}]}
		]
	}`), &input))

	text, ok := input.SystemText()
	require.True(t, ok)
	assert.Equal(t, "be brief", text)

	require.Len(t, input.Messages, 3)
	require.Len(t, input.Messages[0].Content, 1)
	assert.Equal(t, "hello", *input.Messages[0].Content[0].Text)

	toolBlock := input.Messages[2].Content[0]
	assert.Equal(t, "tool_call", toolBlock.Type)
	assert.JSONEq(t, `{"x":1}`, toolBlock.argumentsString())
}
