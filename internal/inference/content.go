// Package inference holds the canonical types crossing component boundaries:
// requests, messages, content blocks, responses, stream chunks, usage and
// latency. Provider adapters translate between these types and each
// provider's wire format and must not leak provider structures upward.
package inference

import (
	"encoding/json"
	"fmt"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// Role of a request message. System prompts are carried out-of-band on the
// request, never as a role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolCall   BlockType = "tool_call"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeFile       BlockType = "file"
	BlockTypeUnknown    BlockType = "unknown"
)

// ContentBlock is one element of a message's content. The struct is flat with
// a type discriminator, the same shape the blocks take on the wire.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Tool call blocks. Arguments is the raw model-emitted string; the
	// parsed form is derived later by the variant executor.
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Tool result blocks reuse ID and Name above.
	Result string `json:"result,omitempty"`

	// File blocks. Data is base64 content or a URL.
	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// Unknown blocks: opaque passthrough visible only to the named provider.
	ProviderName string          `json:"provider_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ToolCallBlock(id, name, arguments string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolCall, ID: id, Name: name, Arguments: arguments}
}

func ToolResultBlock(id, name, result string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ID: id, Name: name, Result: result}
}

func FileBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: BlockTypeFile, MIMEType: mimeType, Data: data}
}

func UnknownBlock(providerName string, payload json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeUnknown, ProviderName: providerName, Payload: payload}
}

// Message is one canonical request message: a role plus ordered content.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

func UserMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, Content: blocks}
}

func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// Validate checks structural invariants on a message before it reaches an
// adapter: known role, known block types, assistant text never empty.
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return gwerr.Newf(gwerr.KindInvalidMessage, "unknown role %q", m.Role)
	}
	for _, block := range m.Content {
		switch block.Type {
		case BlockTypeText:
			if m.Role == RoleAssistant && block.Text == "" {
				return gwerr.New(gwerr.KindInvalidMessage, "assistant text block must not be empty")
			}
		case BlockTypeToolCall:
			if block.ID == "" || block.Name == "" {
				return gwerr.New(gwerr.KindInvalidMessage, "tool call block requires id and name")
			}
		case BlockTypeToolResult:
			if block.ID == "" {
				return gwerr.New(gwerr.KindInvalidMessage, "tool result block requires id")
			}
		case BlockTypeFile:
			if block.MIMEType == "" {
				return gwerr.New(gwerr.KindInvalidMessage, "file block requires mime_type")
			}
		case BlockTypeUnknown:
		default:
			return gwerr.Newf(gwerr.KindUnsupportedContentBlock, "unsupported content block type %q", block.Type)
		}
	}
	return nil
}

// PlainText returns the concatenated text of the message if it consists of
// text blocks only.
func (m Message) PlainText() (string, bool) {
	var out string
	for _, block := range m.Content {
		if block.Type != BlockTypeText {
			return "", false
		}
		out += block.Text
	}
	return out, true
}

func (b ContentBlock) String() string {
	switch b.Type {
	case BlockTypeText:
		return fmt.Sprintf("text(%q)", b.Text)
	case BlockTypeToolCall:
		return fmt.Sprintf("tool_call(%s %s)", b.ID, b.Name)
	case BlockTypeToolResult:
		return fmt.Sprintf("tool_result(%s)", b.ID)
	case BlockTypeFile:
		return fmt.Sprintf("file(%s)", b.MIMEType)
	default:
		return string(b.Type)
	}
}
