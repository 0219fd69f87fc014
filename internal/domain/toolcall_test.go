package domain_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/clibridge/internal/domain"
)

func weatherTool() domain.Tool {
	return domain.Tool{
		Type: "function",
		Function: domain.FunctionDef{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {"city": {"type": "string"}}}`),
		},
	}
}

func TestParseToolCalls(t *testing.T) {
	ctx := context.Background()
	valid := []string{"get_weather"}

	t.Run("keeps declared calls and drops hallucinated ones", func(t *testing.T) {
		text := "Let me check.\n\n" +
			"```tool_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Paris\"}}\n```\n\n" +
			"```tool_call\n{\"name\": \"delete_everything\", \"arguments\": {}}\n```\n" +
			"Done."

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Len(t, calls, 1)
		require.Equal(t, "function", calls[0].Type)
		require.Equal(t, "get_weather", calls[0].Function.Name)
		require.Equal(t, `{"city":"Paris"}`, calls[0].Function.Arguments)
		require.True(t, strings.HasPrefix(calls[0].ID, "call_"))
		require.Equal(t, "Let me check.\n\nDone.", visible)
		require.NotContains(t, visible, "```")
		require.NotContains(t, visible, "delete_everything")
	})

	t.Run("drops malformed blocks", func(t *testing.T) {
		calls, visible := domain.ParseToolCalls(ctx, "```tool_call\n{not json}\n```", valid)

		require.Empty(t, calls)
		require.Empty(t, visible)
	})

	t.Run("keeps an unterminated fence as text", func(t *testing.T) {
		text := "before\n```tool_call\n{\"name\": \"get_weather\""

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Empty(t, calls)
		require.Equal(t, text, visible)
	})

	t.Run("ignores other fenced blocks", func(t *testing.T) {
		text := "```json\n{\"name\": \"get_weather\"}\n```"

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Empty(t, calls)
		require.Equal(t, text, visible)
	})

	t.Run("accepts string arguments and the parameters alias", func(t *testing.T) {
		text := "```tool_call\n{\"name\": \"get_weather\", \"arguments\": \"{\\\"city\\\":\\\"Oslo\\\"}\"}\n```\n" +
			"```tool_call\n{\"name\": \"get_weather\", \"parameters\": {\"city\": \"Rome\"}}\n```"

		calls, _ := domain.ParseToolCalls(ctx, text, valid)

		require.Len(t, calls, 2)
		require.Equal(t, `{"city":"Oslo"}`, calls[0].Function.Arguments)
		require.Equal(t, `{"city":"Rome"}`, calls[1].Function.Arguments)
		require.NotEqual(t, calls[0].ID, calls[1].ID)
	})

	t.Run("fences inside arguments do not close the block", func(t *testing.T) {
		content := "```go\nfmt.Println(1)\n```"
		args, err := json.Marshal(map[string]string{"path": "main.md", "content": content})
		require.NoError(t, err)
		text := "Writing the file.\n" +
			"```tool_call\n{\"name\": \"write_file\", \"arguments\": " + string(args) + "}\n```\n" +
			"Done."

		calls, visible := domain.ParseToolCalls(ctx, text, []string{"write_file"})

		require.Len(t, calls, 1)
		require.Equal(t, "write_file", calls[0].Function.Name)
		var decoded map[string]string
		require.NoError(t, json.Unmarshal([]byte(calls[0].Function.Arguments), &decoded))
		require.Equal(t, content, decoded["content"])
		require.Equal(t, "Writing the file.\n\nDone.", visible)
		require.NotContains(t, visible, "```")
	})

	t.Run("malformed body closes on a bare fence line", func(t *testing.T) {
		text := "```tool_call\n{\"name\": \"get_weather\",\n```\nafter"

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Empty(t, calls)
		require.Equal(t, "after", visible)
	})

	t.Run("accepts a block on a single line", func(t *testing.T) {
		text := "```tool_call {\"name\":\"get_weather\",\"arguments\":{}}```"

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Len(t, calls, 1)
		require.Equal(t, "get_weather", calls[0].Function.Name)
		require.Equal(t, "{}", calls[0].Function.Arguments)
		require.Empty(t, visible)
	})

	t.Run("single line block followed by text", func(t *testing.T) {
		text := "Checking.\n```tool_call {\"name\": \"get_weather\", \"arguments\": {\"city\": \"Lima\"}} ```\nOne moment."

		calls, visible := domain.ParseToolCalls(ctx, text, valid)

		require.Len(t, calls, 1)
		require.Equal(t, `{"city":"Lima"}`, calls[0].Function.Arguments)
		require.Equal(t, "Checking.\n\nOne moment.", visible)
	})

	t.Run("missing arguments become an empty object", func(t *testing.T) {
		calls, _ := domain.ParseToolCalls(ctx, "```tool_call\n{\"name\": \"get_weather\"}\n```", valid)

		require.Len(t, calls, 1)
		require.Equal(t, "{}", calls[0].Function.Arguments)
	})
}

func TestFormatToolResultsForPrompt(t *testing.T) {
	messages := []domain.Message{
		domain.NewMessage(domain.RoleUser, "weather in Paris?"),
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: domain.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}},
		},
		{Role: domain.RoleTool, ToolCallID: "call_1", Content: domain.TextContent("sunny, 21C")},
		{Role: domain.RoleTool, ToolCallID: "call_unknown", Content: domain.TextContent("?")},
	}

	out := domain.FormatToolResultsForPrompt(messages)

	require.Len(t, out, 4)
	require.Equal(t, messages[0], out[0])

	require.Equal(t, domain.RoleAssistant, out[1].Role)
	require.Empty(t, out[1].ToolCalls)
	require.Equal(t, "```tool_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\":\"Paris\"}}\n```",
		out[1].Content.PlainText())

	require.Equal(t, domain.RoleUser, out[2].Role)
	require.Equal(t, "[Tool result for get_weather]\nsunny, 21C", out[2].Content.PlainText())
	require.Equal(t, "[Tool result for unknown]\n?", out[3].Content.PlainText())

	t.Run("rendered calls parse back", func(t *testing.T) {
		calls, visible := domain.ParseToolCalls(context.Background(), out[1].Content.PlainText(), []string{"get_weather"})

		require.Len(t, calls, 1)
		require.Equal(t, `{"city":"Paris"}`, calls[0].Function.Arguments)
		require.Empty(t, visible)
	})
}

func TestCreateToolSystemPrompt(t *testing.T) {
	tools := []domain.Tool{weatherTool()}

	t.Run("describes every tool and the fence", func(t *testing.T) {
		prompt := domain.CreateToolSystemPrompt(tools, nil)

		require.Contains(t, prompt, "### get_weather\nCurrent weather for a city\n")
		require.Contains(t, prompt, `Parameters (JSON Schema): {"type":"object","properties":{"city":{"type":"string"}}}`)
		require.Contains(t, prompt, "```tool_call\n")
		require.NotContains(t, prompt, "You must call")
	})

	tests := []struct {
		name   string
		choice *domain.ToolChoice
		want   string
	}{
		{"none", &domain.ToolChoice{Mode: domain.ToolChoiceNone}, "Do not call any tools"},
		{"auto", &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, "Call a tool only when it helps"},
		{"required", &domain.ToolChoice{Mode: domain.ToolChoiceRequired}, "You must call at least one tool"},
		{
			"function",
			&domain.ToolChoice{Mode: domain.ToolChoiceFunction, Function: "get_weather"},
			`You must call the tool "get_weather"`,
		},
	}
	for _, tt := range tests {
		t.Run("choice "+tt.name, func(t *testing.T) {
			require.Contains(t, domain.CreateToolSystemPrompt(tools, tt.choice), tt.want)
		})
	}
}

func TestToolNames(t *testing.T) {
	require.Equal(t, []string{"get_weather"}, domain.ToolNames([]domain.Tool{weatherTool()}))
	require.Empty(t, domain.ToolNames(nil))
}
