// Package claude is the dialect for the Claude Code CLI (claude -p).
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

const providerName = "claude"

// chatDisallowedTools strips every local capability for the chat permission level.
//
//nolint:gochecknoglobals // fixed flag value
var chatDisallowedTools = []string{
	"Bash", "Edit", "Write", "MultiEdit", "NotebookEdit", "Read", "Glob", "Grep",
	"WebFetch", "WebSearch", "Task", "TodoWrite",
}

// Dialect implements cli.Dialect for claude.
type Dialect struct{}

// NewDialect creates the claude dialect.
func NewDialect() *Dialect {
	return &Dialect{}
}

// Name returns the provider identifier.
func (d *Dialect) Name() string {
	return providerName
}

// Capabilities reports streaming, thinking and native session support.
func (d *Dialect) Capabilities() domain.Capabilities {
	return domain.Capabilities{Streaming: true, Thinking: true, NativeSessions: true}
}

// SystemPromptInArgs is true: claude takes --append-system-prompt.
func (d *Dialect) SystemPromptInArgs() bool {
	return true
}

// ApplyThinking appends the trigger phrase that claude maps to a thinking budget.
func (d *Dialect) ApplyThinking(inv cli.Invocation, prompt string) (cli.Invocation, string) {
	budget := 0
	if inv.Thinking != nil {
		budget = inv.Thinking.BudgetTokens
	}
	return inv, prompt + "\n\n" + TriggerPhrase(budget) + "."
}

// TriggerPhrase maps a token budget to claude's thinking keywords.
func TriggerPhrase(budget int) string {
	switch {
	case budget >= 31999:
		return "ultrathink"
	case budget >= 10000:
		return "think harder"
	case budget >= 4000:
		return "think hard"
	default:
		return "think"
	}
}

// BuildArgs builds the claude command line.
func (d *Dialect) BuildArgs(binary string, inv cli.Invocation) []string {
	args := []string{binary, "-p"}
	if inv.Stream {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	args = append(args, "--model", inv.Model)

	switch inv.Permission {
	case domain.PermissionReadOnly:
		args = append(args, "--permission-mode", "plan")
	case domain.PermissionEdit:
		args = append(args, "--permission-mode", "acceptEdits")
	case domain.PermissionFull:
		args = append(args, "--dangerously-skip-permissions")
	default:
		args = append(args, "--disallowedTools", strings.Join(chatDisallowedTools, ","))
	}

	if inv.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.SystemPrompt)
	}
	if inv.ContinuationToken != "" {
		args = append(args, "--resume", inv.ContinuationToken)
	}
	return args
}

type usagePayload struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *usagePayload) toDomain(cost float64) *domain.Usage {
	if u == nil {
		return nil
	}
	prompt := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	return &domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
		Cost:             cost,
	}
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

type record struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
	SessionID    string        `json:"session_id"`
	Result       string        `json:"result"`
	IsError      bool          `json:"is_error"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Usage        *usagePayload `json:"usage"`
	Message      *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// ParseBatch parses --output-format json.
func (d *Dialect) ParseBatch(out []byte) (*cli.Result, error) {
	raw, err := cli.ExtractJSON(out)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("invalid claude result: %w", err)
	}

	res := &cli.Result{Content: rec.Result, Token: rec.SessionID}
	if usage := rec.Usage.toDomain(rec.TotalCostUSD); usage != nil {
		res.Usage = *usage
	}
	if rec.IsError {
		res.ErrorMessage = errorMessage(rec)
	}
	return res, nil
}

// ParseStreamLine parses one stream-json record.
func (d *Dialect) ParseStreamLine(line []byte) (cli.Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return cli.Event{}, fmt.Errorf("invalid claude stream record: %w", err)
	}

	ev := cli.Event{Token: rec.SessionID}
	switch rec.Type {
	case "assistant":
		if rec.Message == nil {
			return ev, nil
		}
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				ev.Delta += block.Text
			case "thinking":
				ev.Thinking += block.Thinking
			}
		}
	case "result":
		ev.Usage = rec.Usage.toDomain(rec.TotalCostUSD)
		if rec.IsError {
			ev.ErrorMessage = errorMessage(rec)
		}
	}
	return ev, nil
}

func errorMessage(rec record) string {
	if rec.Result != "" {
		return rec.Result
	}
	if rec.Subtype != "" {
		return rec.Subtype
	}
	return "unknown error"
}
