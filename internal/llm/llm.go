// Package llm defines the participant-structured completion request
// model and the provider contract, with Anthropic and OpenAI-compatible
// implementations.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a union of the block variants carried by participant
// messages and completions.
type ContentBlock struct {
	Type BlockType

	// Text for BlockText.
	Text string

	// MediaType and Data (base64) for BlockImage.
	MediaType string
	Data      string

	// ToolID, ToolName, Input for BlockToolUse; ToolID and Text for
	// BlockToolResult.
	ToolID   string
	ToolName string
	Input    json.RawMessage
}

// Text returns a text block.
func Text(s string) ContentBlock { return ContentBlock{Type: BlockText, Text: s} }

// Image returns a base64 image block.
func Image(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// ParticipantMessage is one message in the shaped context. Participant
// is the display name; messages whose participant equals the request's
// bot name become assistant turns.
type ParticipantMessage struct {
	Participant string
	Content     []ContentBlock
	Timestamp   time.Time
	MessageID   string

	// CacheEphemeral attaches cache_control {type: ephemeral} to the
	// last content block, marking the end of the cacheable prefix.
	CacheEphemeral bool
}

// FirstText returns the first text block's content, or "".
func (m *ParticipantMessage) FirstText() string {
	for i := range m.Content {
		if m.Content[i].Type == BlockText {
			return m.Content[i].Text
		}
	}
	return ""
}

// TextLen returns the total character count of all text blocks.
func (m *ParticipantMessage) TextLen() int {
	total := 0
	for i := range m.Content {
		if m.Content[i].Type == BlockText {
			total += len(m.Content[i].Text)
		}
	}
	return total
}

// RequestConfig holds per-request model parameters.
type RequestConfig struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	Mode             string // "prefill" or "chat"
	PrefillThinking  bool
	TurnEndToken     string
	MessageDelimiter string
	PromptCaching    bool
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// Server groups tools for display ("local" or an MCP server name).
	Server string
}

// Request is one completion request.
//
// BotName identifies which participant the model speaks as: messages
// from that participant are rendered as assistant turns, everything
// else as user turns prefixed with "Name: ".
type Request struct {
	BotName       string
	SystemPrompt  string
	Messages      []ParticipantMessage
	Config        RequestConfig
	Tools         []ToolSpec
	StopSequences []string
}

// Clone returns a deep-enough copy: the message slice and each
// message's content slice are copied, block contents are shared.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]ParticipantMessage, len(r.Messages))
	for i := range r.Messages {
		out.Messages[i] = r.Messages[i]
		out.Messages[i].Content = append([]ContentBlock(nil), r.Messages[i].Content...)
	}
	out.StopSequences = append([]string(nil), r.StopSequences...)
	return &out
}

// StopReason mirrors the provider's reported stop condition.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopRefusal      StopReason = "refusal"
)

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Completion is the provider's response.
type Completion struct {
	Content    []ContentBlock
	StopReason StopReason
	// StopSequence is the matched sequence when StopReason is
	// stop_sequence. Providers consume the sequence; callers re-append
	// it where the text must stay parseable.
	StopSequence string
	Usage        Usage
	Model        string
}

// Text concatenates all text blocks of the completion.
func (c *Completion) Text() string {
	var out string
	for i := range c.Content {
		if c.Content[i].Type == BlockText {
			out += c.Content[i].Text
		}
	}
	return out
}

// Provider is a completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
