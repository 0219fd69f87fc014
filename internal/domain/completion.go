package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool is an OpenAI function tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-emitted function invocation.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool choice modes.
const (
	ToolChoiceNone     = "none"
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// ToolChoice is either a mode string or a specific function selection.
type ToolChoice struct {
	Mode     string
	Function string
}

type toolChoiceObject struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// UnmarshalJSON accepts "none" | "auto" | "required" or {"type":"function","function":{"name":...}}.
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var mode string
		if err := json.Unmarshal(trimmed, &mode); err != nil {
			return fmt.Errorf("invalid tool_choice: %w", err)
		}
		switch mode {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
			*t = ToolChoice{Mode: mode}
			return nil
		default:
			return fmt.Errorf("invalid tool_choice %q", mode)
		}
	}

	var obj toolChoiceObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("invalid tool_choice: %w", err)
	}
	if obj.Function.Name == "" {
		return errors.New("tool_choice function name is required")
	}
	*t = ToolChoice{Mode: ToolChoiceFunction, Function: obj.Function.Name}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Mode != ToolChoiceFunction {
		return json.Marshal(t.Mode)
	}
	var obj toolChoiceObject
	obj.Type = ToolChoiceFunction
	obj.Function.Name = t.Function
	return json.Marshal(obj)
}

// ChatCompletion is the OpenAI chat.completion response, extended with gateway fields.
type ChatCompletion struct {
	ID               string        `json:"id"`
	Object           string        `json:"object"`
	Created          int64         `json:"created"`
	Model            string        `json:"model"`
	Choices          []Choice      `json:"choices"`
	Usage            ResponseUsage `json:"usage"`
	Provider         string        `json:"provider"`
	ConversationID   string        `json:"conversation_id"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`

	// CacheHit is set when the response was served from the response cache.
	CacheHit bool `json:"-"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a choice.
type ResponseMessage struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ResponseUsage is the OpenAI usage block.
type ResponseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is the OpenAI chat.completion.chunk streaming event.
type ChatCompletionChunk struct {
	ID             string         `json:"id"`
	Object         string         `json:"object"`
	Created        int64          `json:"created"`
	Model          string         `json:"model"`
	Choices        []ChunkChoice  `json:"choices"`
	Usage          *ResponseUsage `json:"usage,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// ChunkChoice is a streaming choice.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental part of a streaming choice.
type ChunkDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// StreamEvent is one element of an orchestrated stream: a chunk or a terminal error.
type StreamEvent struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// StreamInfo describes a stream that has been admitted.
type StreamInfo struct {
	ID             string
	Model          string
	Provider       string
	ConversationID string
}
