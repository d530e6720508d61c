// Package variant dispatches inference to a function's configured variants:
// template rendering, request assembly, model routing, and post-response
// parsing and validation.
package variant

import (
	"encoding/json"
	"strings"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

// Input is the caller's inference input on the wire: an optional system
// value (string or template arguments) plus messages whose content is either
// a bare string or a list of blocks.
type Input struct {
	System   json.RawMessage `json:"system,omitempty"`
	Messages []InputMessage  `json:"messages"`
}

type InputMessage struct {
	Role    inference.Role `json:"role"`
	Content InputContent   `json:"content"`
}

// InputContent accepts both the shorthand string form and the block list.
type InputContent []InputBlock

func (c *InputContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = InputContent{{Type: "text", Text: &text}}
		return nil
	}
	var blocks []InputBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

func (c InputContent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]InputBlock(c))
}

// InputBlock is one wire content block. Text blocks carry either literal
// text or template arguments, never both.
type InputBlock struct {
	Type string `json:"type"`

	Text      *string        `json:"text,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Tool call / tool result fields. RawArguments tolerates both a string
	// and an object on the wire.
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	RawArguments json.RawMessage `json:"-"`
	Result       string          `json:"result,omitempty"`

	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	ModelName    string          `json:"model_name,omitempty"`
	ProviderName string          `json:"provider_name,omitempty"`
	Payload      json.RawMessage `json:"-"`
}

// MarshalJSON writes the wire shape back out: the overloaded "data" key
// carries the file string or the opaque unknown payload.
func (b InputBlock) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": b.Type}
	if b.Text != nil {
		out["text"] = *b.Text
	}
	if b.Arguments != nil {
		out["arguments"] = b.Arguments
	}
	if len(b.RawArguments) > 0 {
		out["arguments"] = b.RawArguments
	}
	if b.ID != "" {
		out["id"] = b.ID
	}
	if b.Name != "" {
		out["name"] = b.Name
	}
	if b.Result != "" {
		out["result"] = b.Result
	}
	if b.MIMEType != "" {
		out["mime_type"] = b.MIMEType
	}
	if b.Data != "" {
		out["data"] = b.Data
	}
	if len(b.Payload) > 0 {
		out["data"] = b.Payload
	}
	if b.ModelName != "" {
		out["model_name"] = b.ModelName
	}
	if b.ProviderName != "" {
		out["provider_name"] = b.ProviderName
	}
	return json.Marshal(out)
}

// UnmarshalJSON separates the overloaded "arguments" key: template arguments
// on text blocks, call arguments on tool_call blocks.
func (b *InputBlock) UnmarshalJSON(data []byte) error {
	type wire struct {
		Type         string          `json:"type"`
		Text         *string         `json:"text,omitempty"`
		Arguments    json.RawMessage `json:"arguments,omitempty"`
		ID           string          `json:"id,omitempty"`
		Name         string          `json:"name,omitempty"`
		Result       string          `json:"result,omitempty"`
		MIMEType     string          `json:"mime_type,omitempty"`
		Data         json.RawMessage `json:"data,omitempty"`
		ModelName    string          `json:"model_name,omitempty"`
		ProviderName string          `json:"provider_name,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = InputBlock{
		Type:         w.Type,
		Text:         w.Text,
		ID:           w.ID,
		Name:         w.Name,
		Result:       w.Result,
		MIMEType:     w.MIMEType,
		ModelName:    w.ModelName,
		ProviderName: w.ProviderName,
	}
	// The "data" key is a base64 string or URL on file blocks and an opaque
	// value on unknown blocks.
	if len(w.Data) > 0 {
		if w.Type == "unknown" {
			b.Payload = w.Data
		} else if err := json.Unmarshal(w.Data, &b.Data); err != nil {
			return err
		}
	}
	if len(w.Arguments) == 0 {
		return nil
	}
	if w.Type == "tool_call" {
		b.RawArguments = w.Arguments
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(w.Arguments, &args); err != nil {
		return err
	}
	b.Arguments = args
	return nil
}

// argumentsString normalizes tool call arguments to the raw string form.
func (b InputBlock) argumentsString() string {
	raw := strings.TrimSpace(string(b.RawArguments))
	if raw == "" {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.RawArguments, &s); err == nil {
		return s
	}
	return raw
}

// SystemText returns the system value when it is a plain string.
func (i *Input) SystemText() (string, bool) {
	if len(i.System) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(i.System, &s); err != nil {
		return "", false
	}
	return s, true
}

// SystemArguments returns the system value when it is structured.
func (i *Input) SystemArguments() (map[string]any, bool) {
	if len(i.System) == 0 {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal(i.System, &args); err != nil {
		return nil, false
	}
	return args, true
}

// CanonicalJSON serializes the input for persistence and embedding. The
// serialization is stable for identical inputs.
func (i *Input) CanonicalJSON() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindSerialization, "failed to serialize input", err)
	}
	return string(data), nil
}
