package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message roles understood by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types accepted in multi-part message content.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFile     = "file"
)

// ChatRequest is the OpenAI-compatible chat completion request accepted by the gateway.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking       *ThinkingConfig `json:"thinking,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// NewMessage builds a plain-text message.
func NewMessage(role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

// Content is either a plain string or an ordered list of parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string.
func TextContent(text string) Content {
	return Content{Text: text}
}

// IsMultipart reports whether the content was sent as a list of parts.
func (c Content) IsMultipart() bool {
	return c.Parts != nil
}

// PlainText returns the text without resolving attachments: the string itself, or the
// text parts joined by newlines.
func (c Content) PlainText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, part := range c.Parts {
		if part.Type == PartText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MarshalJSON encodes plain content as a JSON string and multi-part content as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = Content{}
		return nil
	case trimmed[0] == '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("invalid message content: %w", err)
		}
		*c = Content{Text: text}
		return nil
	case trimmed[0] == '[':
		parts := []ContentPart{}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("invalid message content parts: %w", err)
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return errors.New("message content must be a string or an array of parts")
	}
}

// ContentPart is one element of multi-part content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *FilePart `json:"file,omitempty"`
}

// ImageURL references an image by URL or inline data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// FilePart references an uploaded file by id or carries inline data.
type FilePart struct {
	FileID   string `json:"file_id,omitempty"`
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ThinkingConfig requests extended reasoning.
type ThinkingConfig struct {
	Type         string `json:"type"` // enabled | disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether extended reasoning was requested.
func (t *ThinkingConfig) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Permission is the capability level granted to a CLI backend.
type Permission string

// Permission levels, from no tool access to bypassing every confirmation.
const (
	PermissionChat     Permission = "chat"
	PermissionReadOnly Permission = "readonly"
	PermissionEdit     Permission = "edit"
	PermissionFull     Permission = "full"
)

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionChat, PermissionReadOnly, PermissionEdit, PermissionFull:
		return p, nil
	case "":
		return PermissionChat, nil
	default:
		return "", fmt.Errorf("unknown permission level %q", s)
	}
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Streaming      bool `json:"streaming"`
	Thinking       bool `json:"thinking"`
	NativeSessions bool `json:"native_sessions"`
}

// ProviderRequest is what the orchestrator hands to a provider adapter. Messages always
// carry the full (possibly summarized) history; adapters with native sessions trim it.
type ProviderRequest struct {
	Model             string
	Messages          []Message
	Temperature       *float64
	MaxTokens         *int
	Thinking          *ThinkingConfig
	SessionID         string
	ContinuationToken string
}

// CompletionResponse is a normalized provider result.
type CompletionResponse struct {
	ID                string    `json:"id"`
	Model             string    `json:"model"`
	Provider          string    `json:"provider"`
	Content           string    `json:"content"`
	Thinking          string    `json:"thinking,omitempty"`
	Usage             Usage     `json:"usage"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	FinishTime        time.Time `json:"finish_time"`
}

// StreamChunk represents a single normalized streaming chunk from a provider.
// The last chunk of every stream has Done set; if the stream failed it also carries Error.
type StreamChunk struct {
	Delta             string
	Thinking          string
	Done              bool
	Error             error
	Usage             *Usage
	ContinuationToken string
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// ModelInfo is one entry of the published model catalog.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ProviderStatus is the result of the last health probe of a provider.
type ProviderStatus struct {
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}
