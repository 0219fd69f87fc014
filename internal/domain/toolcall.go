package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/davidbz/clibridge/internal/observability"
)

const (
	toolFenceOpen  = "```tool_call"
	toolFenceClose = "```"
)

// CreateToolSystemPrompt renders the instructions that teach a CLI backend the fenced
// tool_call convention, followed by the tool_choice constraint.
func CreateToolSystemPrompt(tools []Tool, choice *ToolChoice) string {
	var b strings.Builder

	b.WriteString("You have access to the following tools:\n\n")
	for _, tool := range tools {
		fn := tool.Function
		b.WriteString("### ")
		b.WriteString(fn.Name)
		b.WriteString("\n")
		if fn.Description != "" {
			b.WriteString(fn.Description)
			b.WriteString("\n")
		}
		if params := compactJSON(fn.Parameters); params != "" {
			b.WriteString("Parameters (JSON Schema): ")
			b.WriteString(params)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("To call a tool, reply with a fenced block in exactly this format:\n\n")
	b.WriteString(toolFenceOpen + "\n")
	b.WriteString(`{"name": "<tool name>", "arguments": {<arguments as JSON>}}` + "\n")
	b.WriteString(toolFenceClose + "\n\n")
	b.WriteString("Use one block per call. You may emit several blocks. ")
	b.WriteString("Only call the tools listed above. ")
	b.WriteString("After calling tools, stop and wait for the results, which arrive as user messages.")

	if instruction := toolChoiceInstruction(choice); instruction != "" {
		b.WriteString("\n\n")
		b.WriteString(instruction)
	}

	return b.String()
}

func toolChoiceInstruction(choice *ToolChoice) string {
	if choice == nil {
		return ""
	}
	switch choice.Mode {
	case ToolChoiceNone:
		return "Do not call any tools for this reply. Answer in plain text."
	case ToolChoiceRequired:
		return "You must call at least one tool in this reply."
	case ToolChoiceFunction:
		return fmt.Sprintf("You must call the tool %q in this reply.", choice.Function)
	default:
		return "Call a tool only when it helps answer the request."
	}
}

type toolCallBlock struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseToolCalls extracts every terminated ```tool_call block from text. Blocks that
// name a tool outside validNames, or whose body is not valid JSON, are logged and
// dropped; every terminated block is removed from the returned text either way. An
// unterminated fence and everything after it is kept as text.
func ParseToolCalls(ctx context.Context, text string, validNames []string) ([]ToolCall, string) {
	valid := make(map[string]bool, len(validNames))
	for _, name := range validNames {
		valid[name] = true
	}

	logger := observability.FromContext(ctx)
	calls := []ToolCall{}

	var visible strings.Builder
	rest := text
	for {
		start := findToolFence(rest)
		if start < 0 {
			visible.WriteString(rest)
			break
		}

		after := rest[start+len(toolFenceOpen):]
		body, consumed, ok := toolBlockBody(after)
		if !ok {
			visible.WriteString(rest)
			break
		}

		visible.WriteString(rest[:start])
		rest = after[consumed:]

		call, err := decodeToolCall(body)
		switch {
		case err != nil:
			logger.Warn("discarding malformed tool call", observability.Error(err))
		case !valid[call.Function.Name]:
			logger.Warn("discarding call to undeclared tool", observability.String("tool", call.Function.Name))
		default:
			calls = append(calls, call)
		}
	}

	return calls, collapseBlankLines(visible.String())
}

// findToolFence returns the offset of the next opening fence whose info string is
// exactly tool_call, or -1. The JSON body may follow on the same line.
func findToolFence(s string) int {
	offset := 0
	for {
		i := strings.Index(s[offset:], toolFenceOpen)
		if i < 0 {
			return -1
		}
		i += offset

		after := s[i+len(toolFenceOpen):]
		lineEnd := strings.IndexByte(after, '\n')
		if lineEnd < 0 {
			lineEnd = len(after)
		}
		info := strings.TrimSpace(after[:lineEnd])
		if info == "" || strings.HasPrefix(info, "{") {
			return i
		}
		offset = i + len(toolFenceOpen)
	}
}

// toolBlockBody locates the body of a block whose opening fence ends right before s.
// It returns the body and the number of bytes of s up to and including the closing
// fence. A fence that appears inside a JSON string of the body does not close it.
func toolBlockBody(s string) (string, int, bool) {
	bodyStart := 0
	inline := true
	lineEnd := strings.IndexByte(s, '\n')
	if lineEnd < 0 {
		lineEnd = len(s)
	}
	if strings.TrimSpace(s[:lineEnd]) == "" {
		bodyStart = min(lineEnd+1, len(s))
		inline = false
	}
	body := s[bodyStart:]

	dec := json.NewDecoder(strings.NewReader(body))
	var value json.RawMessage
	if err := dec.Decode(&value); err == nil {
		tail := strings.TrimLeft(body[int(dec.InputOffset()):], " \t\r\n")
		if strings.HasPrefix(tail, toolFenceClose) {
			end := len(body) - len(tail)
			return body[:end], bodyStart + end + len(toolFenceClose), true
		}
	}

	// Not a single JSON value: close on the first line that is a bare fence.
	pos := 0
	for pos <= len(body) {
		next := strings.IndexByte(body[pos:], '\n')
		if next < 0 {
			next = len(body) - pos
		}
		line := body[pos : pos+next]

		if strings.TrimSpace(line) == toolFenceClose {
			closeAt := pos + strings.Index(line, toolFenceClose)
			return body[:pos], bodyStart + closeAt + len(toolFenceClose), true
		}
		if inline && pos == 0 {
			if trimmed := strings.TrimRight(line, " \t\r"); strings.HasSuffix(trimmed, toolFenceClose) {
				closeAt := len(trimmed) - len(toolFenceClose)
				return body[:closeAt], bodyStart + len(trimmed), true
			}
		}
		pos += next + 1
	}

	return "", 0, false
}

func decodeToolCall(body string) (ToolCall, error) {
	var block toolCallBlock
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &block); err != nil {
		return ToolCall{}, fmt.Errorf("invalid tool call JSON: %w", err)
	}
	if block.Name == "" {
		return ToolCall{}, errors.New("tool call has no name")
	}

	args := block.Arguments
	if len(args) == 0 {
		args = block.Parameters
	}

	return ToolCall{
		ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Type: "function",
		Function: FunctionCall{
			Name:      block.Name,
			Arguments: encodeArguments(args),
		},
	}, nil
}

// encodeArguments returns the OpenAI string form of arguments. A JSON string argument
// is taken as already-encoded.
func encodeArguments(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return compactJSON(trimmed)
}

func compactJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// FormatToolResultsForPrompt rewrites the OpenAI tool protocol into plain turns: tool
// results become user messages labelled with the function name, and assistant tool
// calls are rendered back into fenced blocks.
func FormatToolResultsForPrompt(messages []Message) []Message {
	names := make(map[string]string)
	out := make([]Message, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == RoleTool:
			name := msg.Name
			if name == "" {
				name = names[msg.ToolCallID]
			}
			if name == "" {
				name = "unknown"
			}
			text := fmt.Sprintf("[Tool result for %s]\n%s", name, msg.Content.PlainText())
			out = append(out, NewMessage(RoleUser, text))

		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			var b strings.Builder
			b.WriteString(msg.Content.PlainText())
			for _, call := range msg.ToolCalls {
				names[call.ID] = call.Function.Name
				args := call.Function.Arguments
				if args == "" {
					args = "{}"
				}
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				fmt.Fprintf(&b, "%s\n{\"name\": %q, \"arguments\": %s}\n%s",
					toolFenceOpen, call.Function.Name, args, toolFenceClose)
			}
			out = append(out, NewMessage(RoleAssistant, b.String()))

		default:
			out = append(out, msg)
		}
	}

	return out
}

// ToolNames returns the declared function names.
func ToolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Function.Name)
	}
	return names
}
