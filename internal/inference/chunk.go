package inference

import (
	"time"

	"github.com/google/uuid"
)

// ChunkBlockType discriminates streaming chunk content.
type ChunkBlockType string

const (
	ChunkBlockText     ChunkBlockType = "text"
	ChunkBlockToolCall ChunkBlockType = "tool_call"
)

// ChunkBlock is one content delta inside a stream chunk. For tool call
// chunks, ID and Name are always populated even when the provider only sent
// them on the tool-start frame; adapters carry them across deltas.
type ChunkBlock struct {
	Type ChunkBlockType `json:"type"`

	// ID is stable per content block; adapters stringify provider indices.
	ID string `json:"id"`

	Text string `json:"text,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func TextChunk(id, text string) ChunkBlock {
	return ChunkBlock{Type: ChunkBlockText, ID: id, Text: text}
}

func ToolCallChunk(id, name, arguments string) ChunkBlock {
	return ChunkBlock{Type: ChunkBlockToolCall, ID: id, Name: name, Arguments: arguments}
}

// Chunk is one canonical streaming frame (ModelInferenceResponseChunk).
// InferenceID is constant across every chunk of one inference.
type Chunk struct {
	InferenceID  uuid.UUID     `json:"inference_id"`
	Content      []ChunkBlock  `json:"content"`
	Usage        *Usage        `json:"usage,omitempty"`
	RawResponse  string        `json:"-"`
	Latency      time.Duration `json:"-"`
	FinishReason FinishReason  `json:"finish_reason,omitempty"`
}

// Stream is a lazy sequence of chunks. Next blocks until a chunk is
// available, the stream ends (nil, nil), or the stream fails. Close releases
// the underlying connection; it is safe to call more than once.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
}
