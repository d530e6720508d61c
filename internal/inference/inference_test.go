package inference

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

func TestMessageValidate(t *testing.T) {
	ok := UserMessage(TextBlock("hi"), ToolResultBlock("id1", "lookup", `{"ok":true}`))
	assert.NoError(t, ok.Validate())

	badRole := Message{Role: "system", Content: []ContentBlock{TextBlock("x")}}
	err := badRole.Validate()
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidMessage, gwerr.KindOf(err))

	emptyAssistant := AssistantMessage(TextBlock(""))
	assert.Error(t, emptyAssistant.Validate())

	// Empty user text is fine; only assistant-origin text must be non-empty.
	assert.NoError(t, UserMessage(TextBlock("")).Validate())

	missingID := Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockTypeToolCall, Name: "f"}}}
	assert.Error(t, missingID.Validate())

	unknownType := Message{Role: RoleUser, Content: []ContentBlock{{Type: "audio"}}}
	err = unknownType.Validate()
	require.Error(t, err)
	assert.Equal(t, gwerr.KindUnsupportedContentBlock, gwerr.KindOf(err))
}

func TestRequestValidate(t *testing.T) {
	empty := &Request{}
	err := empty.Validate()
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidRequest, gwerr.KindOf(err))

	req := &Request{Messages: []Message{UserMessage(TextBlock("hello"))}}
	assert.NoError(t, req.Validate())
}

func TestContentBlockRoundTrip(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("hello"),
		ToolCallBlock("call_1", "get_temperature", `{"location":"Oslo"}`),
		ToolResultBlock("call_1", "get_temperature", `{"temp":-4}`),
		FileBlock("image/png", "aGVsbG8="),
		UnknownBlock("anthropic", json.RawMessage(`{"type":"thinking"}`)),
	}

	data, err := json.Marshal(blocks)
	require.NoError(t, err)

	var decoded []ContentBlock
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, blocks, decoded)
}

func TestPlainText(t *testing.T) {
	msg := UserMessage(TextBlock("a"), TextBlock("b"))
	text, ok := msg.PlainText()
	require.True(t, ok)
	assert.Equal(t, "ab", text)

	_, ok = UserMessage(ToolResultBlock("1", "t", "r")).PlainText()
	assert.False(t, ok)
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 2}
	u.Add(Usage{InputTokens: 0, OutputTokens: 5})
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 7}, u)
}

func TestLatencyConstructors(t *testing.T) {
	ns := NonStreamingLatency(2 * time.Second)
	assert.False(t, ns.Streaming)
	assert.Nil(t, ns.TTFT)

	st := StreamingLatency(120*time.Millisecond, 3*time.Second)
	assert.True(t, st.Streaming)
	require.NotNil(t, st.TTFT)
	assert.Equal(t, 120*time.Millisecond, *st.TTFT)
}

func TestNewInferenceIDIsV7(t *testing.T) {
	id := NewInferenceID()
	assert.Equal(t, uint8(7), uint8(id.Version()))
}

func TestOutputBlockMarshalFlattensToolCall(t *testing.T) {
	name := "get_temperature"
	block := OutputBlock{
		Type: BlockTypeToolCall,
		ToolCall: &ToolCallOutput{
			ID:           "call_1",
			RawName:      "get_temperature",
			Name:         &name,
			RawArguments: `{"location":"Oslo"}`,
			Arguments:    map[string]any{"location": "Oslo"},
		},
	}

	data, err := json.Marshal(block)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tool_call", decoded["type"])
	assert.Equal(t, "call_1", decoded["id"])
	assert.Equal(t, "get_temperature", decoded["raw_name"])
	assert.Equal(t, map[string]any{"location": "Oslo"}, decoded["arguments"])
}
