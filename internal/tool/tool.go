// Package tool resolves the tool configuration for an inference: static
// function tools merged with request-supplied dynamic tools, an allowed-tool
// filter, and the tool choice directive sent to the provider.
package tool

import (
	"encoding/json"
	"fmt"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/schema"
)

// ImplicitToolName is the synthetic tool installed for JSON functions running
// in implicit-tool mode.
const (
	ImplicitToolName        = "respond"
	ImplicitToolDescription = "Respond to the user using the output schema provided."
)

// ChoiceKind enumerates tool choice directives.
type ChoiceKind string

const (
	ChoiceAuto     ChoiceKind = "auto"
	ChoiceRequired ChoiceKind = "required"
	ChoiceNone     ChoiceKind = "none"
	ChoiceSpecific ChoiceKind = "specific"
	ChoiceImplicit ChoiceKind = "implicit"
)

// Choice is the directive to the model about whether and which tool to call.
type Choice struct {
	Kind ChoiceKind
	Tool string // set for ChoiceSpecific
}

// UnmarshalJSON accepts either a bare string ("auto", "required", "none") or
// the object form {"specific": "tool_name"}.
func (c *Choice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch ChoiceKind(s) {
		case ChoiceAuto, ChoiceRequired, ChoiceNone:
			c.Kind = ChoiceKind(s)
			return nil
		case "any":
			c.Kind = ChoiceRequired
			return nil
		default:
			return fmt.Errorf("unknown tool_choice %q", s)
		}
	}
	var obj struct {
		Specific string `json:"specific"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid tool_choice: %w", err)
	}
	if obj.Specific == "" {
		return fmt.Errorf("tool_choice object requires a specific tool name")
	}
	c.Kind = ChoiceSpecific
	c.Tool = obj.Specific
	return nil
}

func (c Choice) MarshalJSON() ([]byte, error) {
	if c.Kind == ChoiceSpecific {
		return json.Marshal(map[string]string{"specific": c.Tool})
	}
	return json.Marshal(string(c.Kind))
}

// Tool is a single callable tool definition.
type Tool struct {
	Key         string
	Name        string
	Description string
	Parameters  *schema.Schema
	Strict      bool

	// Custom marks grammar/text-format tools whose arguments are never
	// validated against a schema.
	Custom bool
}

// WireTool is the request shape of a dynamically supplied tool.
type WireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// ProviderTool is opaque per-provider tool JSON with an optional scope.
type ProviderTool struct {
	ModelName    string          `json:"model_name,omitempty"`
	ProviderName string          `json:"provider_name,omitempty"`
	Tool         json.RawMessage `json:"tool"`
}

// DynamicParams is the request-time tool configuration.
type DynamicParams struct {
	AdditionalTools   []WireTool     `json:"additional_tools,omitempty"`
	AllowedTools      []string       `json:"allowed_tools,omitempty"`
	ToolChoice        *Choice        `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
	ProviderTools     []ProviderTool `json:"provider_tools,omitempty"`
}

// AllowedKind says whether the caller restricted the tool set.
type AllowedKind string

const (
	AllowedFunctionDefault AllowedKind = "function_default"
	AllowedExplicit        AllowedKind = "explicit"
)

// Allowed is the resolved allowed-tool filter.
type Allowed struct {
	Kind AllowedKind
	Keys []string // set for AllowedExplicit
}

// Config is the inference-time representation of what tool calls are
// possible. Construct with Resolve or ImplicitConfig; a failed resolution
// never yields a partial config.
type Config struct {
	StaticTools   []*Tool
	DynamicTools  []*Tool
	Allowed       Allowed
	Choice        Choice
	ParallelCalls *bool
	ProviderTools []ProviderTool
}

// Resolve merges the function's static tool set with the caller's dynamic
// parameters.
func Resolve(static []*Tool, defaultChoice Choice, defaultParallel *bool, params DynamicParams) (*Config, error) {
	dynamic := make([]*Tool, 0, len(params.AdditionalTools))
	for _, wt := range params.AdditionalTools {
		if wt.Name == "" {
			return nil, gwerr.New(gwerr.KindInvalidTool, "dynamic tool requires a name")
		}
		parameters := wt.Parameters
		if parameters == nil {
			parameters = json.RawMessage(`{}`)
		}
		dynamic = append(dynamic, &Tool{
			Key:         wt.Name,
			Name:        wt.Name,
			Description: wt.Description,
			// Dynamic schemas compile in the background so the provider
			// call is not delayed by compilation.
			Parameters: schema.CompileLazy(parameters),
			Strict:     wt.Strict,
		})
	}

	seen := make(map[string]struct{}, len(static)+len(dynamic))
	for _, t := range append(append([]*Tool{}, static...), dynamic...) {
		if _, dup := seen[t.Name]; dup {
			return nil, gwerr.Newf(gwerr.KindDuplicateTool, "duplicate tool name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	cfg := &Config{
		StaticTools:   static,
		DynamicTools:  dynamic,
		Allowed:       Allowed{Kind: AllowedFunctionDefault},
		Choice:        defaultChoice,
		ParallelCalls: defaultParallel,
		ProviderTools: params.ProviderTools,
	}

	if params.AllowedTools != nil {
		keys := make([]string, 0, len(params.AllowedTools))
		for _, name := range params.AllowedTools {
			if _, ok := cfg.toolByKey(name); !ok {
				return nil, gwerr.Newf(gwerr.KindToolNotFound, "allowed tool %q is not a known tool", name)
			}
			keys = append(keys, name)
		}
		cfg.Allowed = Allowed{Kind: AllowedExplicit, Keys: keys}
	}

	if params.ToolChoice != nil {
		cfg.Choice = *params.ToolChoice
	}
	if params.ParallelToolCalls != nil {
		cfg.ParallelCalls = params.ParallelToolCalls
	}

	if cfg.Choice.Kind == ChoiceSpecific {
		if _, ok := cfg.toolByName(cfg.Choice.Tool); !ok {
			return nil, gwerr.Newf(gwerr.KindToolNotFound, "tool_choice names unknown tool %q", cfg.Choice.Tool)
		}
	}

	return cfg, nil
}

// ImplicitConfig installs the synthetic "respond" tool whose parameters are
// the function's output schema, used to coerce JSON output via tool calling.
func ImplicitConfig(outputSchema *schema.Schema) *Config {
	return &Config{
		StaticTools: []*Tool{{
			Key:         ImplicitToolName,
			Name:        ImplicitToolName,
			Description: ImplicitToolDescription,
			Parameters:  outputSchema,
			Strict:      true,
		}},
		Allowed: Allowed{Kind: AllowedFunctionDefault},
		Choice:  Choice{Kind: ChoiceSpecific, Tool: ImplicitToolName},
	}
}

// Available returns every tool definition sent to the provider.
func (c *Config) Available() []*Tool {
	return append(append([]*Tool{}, c.StaticTools...), c.DynamicTools...)
}

// StrictToolsAvailable returns the set used for runtime validation of model
// tool-call outputs: everything for the function default, the filtered set
// for an explicit allow list.
func (c *Config) StrictToolsAvailable() []*Tool {
	if c.Allowed.Kind == AllowedFunctionDefault {
		return c.Available()
	}
	allowed := make(map[string]struct{}, len(c.Allowed.Keys))
	for _, key := range c.Allowed.Keys {
		allowed[key] = struct{}{}
	}
	var out []*Tool
	for _, t := range c.Available() {
		if _, ok := allowed[t.Key]; ok {
			out = append(out, t)
		}
	}
	return out
}

// GetTool looks a tool up by display name among the available set.
func (c *Config) GetTool(name string) (*Tool, bool) {
	return c.toolByName(name)
}

func (c *Config) toolByName(name string) (*Tool, bool) {
	for _, t := range c.Available() {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (c *Config) toolByKey(key string) (*Tool, bool) {
	for _, t := range c.Available() {
		if t.Key == key {
			return t, true
		}
	}
	return nil, false
}

// ProviderToolsFor filters the opaque provider tools to one (model, provider)
// pair. Unscoped entries match everything.
func (c *Config) ProviderToolsFor(modelName, providerName string) []json.RawMessage {
	var out []json.RawMessage
	for _, pt := range c.ProviderTools {
		if pt.ModelName != "" && pt.ModelName != modelName {
			continue
		}
		if pt.ProviderName != "" && pt.ProviderName != providerName {
			continue
		}
		out = append(out, pt.Tool)
	}
	return out
}
