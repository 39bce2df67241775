// Package amazonq transcodes Claude-compatible chat requests into Amazon Q
// Developer's conversation payload, and Amazon Q's streamed events back into
// Claude-compatible SSE frames.
package amazonq

import "encoding/json"

// Request is a Claude-compatible chat-completions request.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	System      json.RawMessage `json:"system,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a Claude conversation. Content is either a bare
// string (wrapped into a single text block by UnmarshalJSON) or a sequence
// of typed content blocks.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// UnmarshalJSON accepts Claude's string-or-block-array content shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		if asString != "" {
			m.Content = []ContentBlock{{Type: BlockText, Text: asString}}
		}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

// BlockType discriminates the variant held by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ImageSource is the base64-encoded payload of an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is a tagged sum type over Claude's five content-block
// variants. Exactly the fields relevant to Type are populated.
type ContentBlock struct {
	Type BlockType

	Text string // BlockText, BlockThinking (field name differs on the wire, not here)

	Source ImageSource // BlockImage

	ToolUseID string          // BlockToolUse ("id"), BlockToolResult ("tool_use_id")
	ToolName  string          // BlockToolUse
	ToolInput json.RawMessage // BlockToolUse, verbatim passthrough

	ToolResultContent json.RawMessage // BlockToolResult: string or block array, verbatim
	Status            string          // BlockToolResult: "success" | "error"
	IsError           bool            // BlockToolResult
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      BlockType       `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Source    ImageSource     `json:"source"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		Status    string          `json:"status"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.Type = raw.Type
	switch raw.Type {
	case BlockText:
		b.Text = raw.Text
	case BlockThinking:
		b.Text = raw.Thinking
	case BlockImage:
		b.Source = raw.Source
	case BlockToolUse:
		b.ToolUseID = raw.ID
		b.ToolName = raw.Name
		b.ToolInput = raw.Input
	case BlockToolResult:
		b.ToolUseID = raw.ToolUseID
		b.ToolResultContent = raw.Content
		b.Status = raw.Status
		b.IsError = raw.IsError
	}
	return nil
}

// Tool is a Claude tool definition, or a web-search tool variant identified
// by a Type beginning with "web_search".
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Type        string          `json:"type,omitempty"`
	MaxUses     *int            `json:"max_uses,omitempty"`
}

// IsWebSearch reports whether this tool definition is the web-search
// variant rather than a regular function tool.
func (t Tool) IsWebSearch() bool {
	return len(t.Type) >= len("web_search") && t.Type[:len("web_search")] == "web_search"
}
