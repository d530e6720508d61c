package inference

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/schema"
	"github.com/Davincible/tensorgate/internal/tool"
)

// JSONMode controls how JSON output is enforced for JSON functions.
type JSONMode string

const (
	JSONModeOff          JSONMode = "off"
	JSONModeOn           JSONMode = "on"
	JSONModeStrict       JSONMode = "strict"
	JSONModeImplicitTool JSONMode = "implicit_tool"
)

// FunctionType distinguishes chat functions from JSON functions.
type FunctionType string

const (
	FunctionTypeChat FunctionType = "chat"
	FunctionTypeJSON FunctionType = "json"
)

// SamplingParams are the optional generation parameters forwarded to the
// provider. Nil means "provider default".
type SamplingParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
}

// Request is the canonical model inference request assembled by the variant
// executor and handed to the model router.
type Request struct {
	InferenceID uuid.UUID

	// System is the already-templated system prompt, carried out-of-band.
	System   *string
	Messages []Message

	ToolConfig   *tool.Config
	OutputSchema *schema.Schema
	JSONMode     JSONMode

	Sampling SamplingParams
	Stream   bool

	FunctionType FunctionType

	// ExtraBody patches are applied to the serialized provider body just
	// before send.
	ExtraBody []extrabody.Patch

	// Credentials resolved per request; consulted before static keys.
	Credentials map[string]string
}

// Validate enforces the canonical invariants before dispatch.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return gwerr.New(gwerr.KindInvalidRequest, "messages must be non-empty")
	}
	for i, msg := range r.Messages {
		if err := msg.Validate(); err != nil {
			return gwerr.Wrap(gwerr.KindInvalidMessage, "invalid message at index "+strconv.Itoa(i), err)
		}
	}
	return nil
}

// NewInferenceID mints a UUIDv7 so ids sort by creation time in the store.
func NewInferenceID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
