package variant

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Davincible/tensorgate/internal/cache"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/observe"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/tool"
)

// ChatCompletion is the workhorse variant: templates the input, resolves
// tools, dispatches one model call, and parses the response for both chat
// and JSON functions.
type ChatCompletion struct {
	VariantName string
	Model       string
	VarWeight   float64

	SystemTemplate    string
	UserTemplate      string
	AssistantTemplate string

	JSONMode inference.JSONMode
	Sampling inference.SamplingParams
	Timeout  time.Duration
}

func (v *ChatCompletion) Name() string    { return v.VariantName }
func (v *ChatCompletion) Weight() float64 { return v.VarWeight }

func (v *ChatCompletion) Infer(ctx context.Context, env *Env, fn *Function, req *Request) (*Result, error) {
	ctx, cancel := withVariantTimeout(ctx, v.Timeout)
	defer cancel()

	modelReq, toolConfig, outputSchema, err := v.prepareRequest(env, fn, req, false)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if env.Cache != nil && req.CacheOptions.Enabled {
		cacheKey, err = cache.Key(modelReq, v.Model)
		if err == nil {
			entry, lookupErr := env.Cache.Lookup(ctx, cacheKey, req.CacheOptions.MaxAge())
			if lookupErr != nil {
				env.Logger.Warn("cache lookup failed", "error", lookupErr)
			} else if entry != nil {
				resp := entry.ToResponse(modelReq, v.Model, "cache")
				return v.buildResult(env, fn, req, resp, toolConfig, outputSchema)
			}
		}
	}

	resp, _, err := env.Router.Infer(ctx, v.Model, modelReq)
	if err != nil {
		return nil, err
	}

	result, err := v.buildResult(env, fn, req, resp, toolConfig, outputSchema)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" && cacheable(fn, result) {
		if storeErr := env.Cache.Store(ctx, cacheKey, cache.FromResponse(resp, time.Now())); storeErr != nil {
			env.Logger.Warn("cache store failed", "error", storeErr)
		}
	}
	return result, nil
}

func (v *ChatCompletion) InferStream(ctx context.Context, env *Env, fn *Function, req *Request) (*StreamResult, error) {
	modelReq, _, _, err := v.prepareRequest(env, fn, req, true)
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
	}, nil
}

// prepareRequest assembles the canonical model request: rendered messages,
// system prompt, tool configuration and JSON-mode wiring.
func (v *ChatCompletion) prepareRequest(env *Env, fn *Function, req *Request, stream bool) (*inference.Request, *tool.Config, *schema.Schema, error) {
	messages, err := v.buildMessages(env, fn, req.Input.Messages)
	if err != nil {
		return nil, nil, nil, err
	}

	system, err := v.buildSystem(env, fn, &req.Input)
	if err != nil {
		return nil, nil, nil, err
	}

	outputSchema := fn.OutputSchema
	if len(req.OutputSchema) > 0 {
		outputSchema = schema.CompileLazy(req.OutputSchema)
	}

	jsonMode := inference.JSONModeOff
	var toolConfig *tool.Config
	switch fn.Type {
	case inference.FunctionTypeJSON:
		jsonMode = v.JSONMode
		if jsonMode == "" {
			jsonMode = inference.JSONModeStrict
		}
		if jsonMode == inference.JSONModeImplicitTool {
			if outputSchema == nil {
				return nil, nil, nil, gwerr.New(gwerr.KindInvalidRequest,
					"implicit tool JSON mode requires an output schema")
			}
			toolConfig = tool.ImplicitConfig(outputSchema)
		}
	default:
		toolConfig, err = tool.Resolve(fn.Tools, fn.ToolChoice, fn.ParallelToolCalls, req.DynamicTools)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	modelReq := &inference.Request{
		InferenceID:  req.InferenceID,
		System:       system,
		Messages:     messages,
		ToolConfig:   toolConfig,
		OutputSchema: outputSchema,
		JSONMode:     jsonMode,
		Sampling:     mergeSampling(v.Sampling, req.Params),
		Stream:       stream,
		FunctionType: fn.Type,
		ExtraBody:    req.ExtraBody,
		Credentials:  req.Credentials,
	}
	if err := modelReq.Validate(); err != nil {
		return nil, nil, nil, err
	}
	return modelReq, toolConfig, outputSchema, nil
}

// buildMessages resolves each input message through the role template when
// configured. Tool blocks pass through unchanged.
func (v *ChatCompletion) buildMessages(env *Env, fn *Function, input []InputMessage) ([]inference.Message, error) {
	out := make([]inference.Message, 0, len(input))
	for _, msg := range input {
		templateName, roleSchema := v.UserTemplate, fn.UserSchema
		if msg.Role == inference.RoleAssistant {
			templateName, roleSchema = v.AssistantTemplate, fn.AssistantSchema
		}

		blocks := make([]inference.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Arguments != nil {
					if templateName == "" {
						return nil, gwerr.Newf(gwerr.KindInvalidMessage,
							"%s message has structured content but no template is configured", msg.Role)
					}
					if roleSchema != nil {
						if err := roleSchema.Validate(block.Arguments); err != nil {
							return nil, err
						}
					}
					rendered, err := env.Templates.Render(templateName, block.Arguments)
					if err != nil {
						return nil, err
					}
					blocks = append(blocks, inference.TextBlock(rendered))
					continue
				}
				if block.Text == nil {
					return nil, gwerr.New(gwerr.KindInvalidMessage, "text block has neither text nor arguments")
				}
				blocks = append(blocks, inference.TextBlock(*block.Text))

			case "tool_call":
				blocks = append(blocks, inference.ToolCallBlock(block.ID, block.Name, block.argumentsString()))

			case "tool_result":
				blocks = append(blocks, inference.ToolResultBlock(block.ID, block.Name, block.Result))

			case "file":
				blocks = append(blocks, inference.FileBlock(block.MIMEType, block.Data))

			case "unknown":
				blocks = append(blocks, inference.UnknownBlock(block.ProviderName, block.Payload))

			default:
				return nil, gwerr.Newf(gwerr.KindUnsupportedContentBlock,
					"unsupported input content block type %q", block.Type)
			}
		}
		out = append(out, inference.Message{Role: msg.Role, Content: blocks})
	}
	return out, nil
}

func (v *ChatCompletion) buildSystem(env *Env, fn *Function, input *Input) (*string, error) {
	if text, ok := input.SystemText(); ok {
		return &text, nil
	}
	args, ok := input.SystemArguments()
	if !ok {
		if v.SystemTemplate == "" {
			return nil, nil
		}
		// A static system template renders against empty arguments.
		needs, err := env.Templates.NeedsVariables(v.SystemTemplate)
		if err != nil {
			return nil, err
		}
		if needs {
			return nil, gwerr.New(gwerr.KindInvalidRequest,
				"system template requires arguments but none were provided")
		}
		rendered, err := env.Templates.Render(v.SystemTemplate, map[string]any{})
		if err != nil {
			return nil, err
		}
		return &rendered, nil
	}

	if v.SystemTemplate == "" {
		return nil, gwerr.New(gwerr.KindInvalidRequest,
			"structured system input requires a system template")
	}
	if fn.SystemSchema != nil {
		if err := fn.SystemSchema.Validate(args); err != nil {
			return nil, err
		}
	}
	rendered, err := env.Templates.Render(v.SystemTemplate, args)
	if err != nil {
		return nil, err
	}
	return &rendered, nil
}

// buildResult turns the provider response into the caller-visible result,
// parsing tool calls for chat functions and JSON output for JSON functions.
func (v *ChatCompletion) buildResult(env *Env, fn *Function, req *Request, resp *inference.Response, toolConfig *tool.Config, outputSchema *schema.Schema) (*Result, error) {
	result := &Result{
		InferenceID:    req.InferenceID,
		EpisodeID:      req.EpisodeID,
		VariantName:    v.VariantName,
		Usage:          resp.Usage,
		ModelResponses: []*inference.Response{resp},
	}
	if req.IncludeOriginalResponse {
		result.OriginalResponse = resp.RawResponse
	}

	switch fn.Type {
	case inference.FunctionTypeJSON:
		result.Output = parseJSONOutput(env, resp.Output, outputSchema)
	default:
		result.Content = parseChatOutput(env, resp.Output, toolConfig)
	}

	result.ModelRecords = append(result.ModelRecords,
		observe.ModelInferenceFromResponse(req.InferenceID, resp))
	return result, nil
}

// parseChatOutput validates each tool call against the resolved tool's
// schema. Raw values are always preserved; Name is nil when the tool cannot
// be resolved, and Arguments is nil when resolution or validation fails.
func parseChatOutput(env *Env, blocks []inference.ContentBlock, toolConfig *tool.Config) []inference.OutputBlock {
	out := make([]inference.OutputBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case inference.BlockTypeText:
			out = append(out, inference.OutputBlock{Type: inference.BlockTypeText, Text: block.Text})

		case inference.BlockTypeToolCall:
			call := &inference.ToolCallOutput{
				ID:           block.ID,
				RawName:      block.Name,
				RawArguments: block.Arguments,
			}
			if toolConfig != nil {
				if t, ok := findStrictTool(toolConfig, block.Name); ok {
					name := block.Name
					call.Name = &name
					// Custom-format tools carry free-form arguments and skip
					// schema validation entirely.
					if !t.Custom {
						if parsed, err := t.Parameters.ValidateJSON([]byte(block.Arguments)); err == nil {
							if obj, ok := parsed.(map[string]any); ok {
								call.Arguments = obj
							}
						} else {
							env.Logger.Warn("tool call arguments failed validation",
								"tool", block.Name, "error", err)
						}
					}
				}
			}
			out = append(out, inference.OutputBlock{Type: inference.BlockTypeToolCall, ToolCall: call})

		case inference.BlockTypeUnknown:
			out = append(out, inference.OutputBlock{
				Type:         inference.BlockTypeUnknown,
				ProviderName: block.ProviderName,
				Payload:      block.Payload,
			})
		}
	}
	return out
}

func findStrictTool(toolConfig *tool.Config, name string) (*tool.Tool, bool) {
	for _, t := range toolConfig.StrictToolsAvailable() {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// parseJSONOutput extracts the JSON function output: implicit tool arguments
// when present, otherwise the concatenated assistant text. Raw is always the
// exact model text; Parsed is nil on parse or validation failure.
func parseJSONOutput(env *Env, blocks []inference.ContentBlock, outputSchema *schema.Schema) *inference.JSONOutput {
	var raw string
	var fromImplicitTool bool
	for _, block := range blocks {
		switch block.Type {
		case inference.BlockTypeToolCall:
			if block.Name == tool.ImplicitToolName {
				raw = block.Arguments
				fromImplicitTool = true
			}
		case inference.BlockTypeText:
			if !fromImplicitTool {
				raw += block.Text
			}
		}
	}

	output := &inference.JSONOutput{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return output
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		env.Logger.Warn("JSON output failed to parse", "error", err)
		return output
	}
	if outputSchema != nil {
		if err := outputSchema.Validate(parsed); err != nil {
			env.Logger.Warn("JSON output failed schema validation", "error", err)
			return output
		}
	}
	output.Parsed = parsed
	return output
}

// cacheable rejects invalid outputs from cache admission.
func cacheable(fn *Function, result *Result) bool {
	if fn.Type == inference.FunctionTypeJSON {
		return result.Output != nil && result.Output.Parsed != nil
	}
	return true
}
