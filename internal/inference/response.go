package inference

import (
	"encoding/json"
	"time"
)

// Usage counts tokens for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across stream chunks.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// FinishReason reports why the model stopped.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCall      FinishReason = "tool_call"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

// Latency records timing for one provider call. TTFT is set only for
// streaming calls.
type Latency struct {
	Total     time.Duration
	TTFT      *time.Duration
	Streaming bool
}

func NonStreamingLatency(total time.Duration) Latency {
	return Latency{Total: total}
}

func StreamingLatency(ttft, total time.Duration) Latency {
	return Latency{Total: total, TTFT: &ttft, Streaming: true}
}

// Response is the canonical result of one provider call
// (ModelInferenceResponse). RawRequest and RawResponse carry the exact wire
// strings for durable storage.
type Response struct {
	Output        []ContentBlock
	RawRequest    string
	RawResponse   string
	Usage         Usage
	Latency       Latency
	FinishReason  FinishReason
	System        *string
	InputMessages []Message
	ModelName     string
	ProviderName  string
	Cached        bool
}

// ToolCallOutput is a validated tool call in a chat response. Name and
// Arguments are nil when the raw values failed resolution or validation; the
// raw fields are always preserved.
type ToolCallOutput struct {
	ID           string         `json:"id"`
	RawName      string         `json:"raw_name"`
	Name         *string        `json:"name"`
	RawArguments string         `json:"raw_arguments"`
	Arguments    map[string]any `json:"arguments"`
}

// OutputBlock is one element of a chat function's caller-visible output.
type OutputBlock struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCall *ToolCallOutput `json:"-"`

	ProviderName string          `json:"provider_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON flattens tool call fields into the block object, matching the
// wire shape of request content blocks.
func (b OutputBlock) MarshalJSON() ([]byte, error) {
	if b.Type == BlockTypeToolCall && b.ToolCall != nil {
		return json.Marshal(struct {
			Type         BlockType      `json:"type"`
			ID           string         `json:"id"`
			RawName      string         `json:"raw_name"`
			Name         *string        `json:"name"`
			RawArguments string         `json:"raw_arguments"`
			Arguments    map[string]any `json:"arguments"`
		}{b.Type, b.ToolCall.ID, b.ToolCall.RawName, b.ToolCall.Name, b.ToolCall.RawArguments, b.ToolCall.Arguments})
	}
	type plain OutputBlock
	return json.Marshal(plain(b))
}

// JSONOutput is the caller-visible output of a JSON function. Raw is always
// the exact model text; Parsed is nil when parsing or validation failed.
type JSONOutput struct {
	Raw    string         `json:"raw"`
	Parsed map[string]any `json:"parsed"`
}
