// Package codex is the dialect for the OpenAI Codex CLI (codex exec --json).
package codex

import (
	"encoding/json"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

const providerName = "codex"

// Dialect implements cli.Dialect for codex.
type Dialect struct{}

// NewDialect creates the codex dialect.
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

// SystemPromptInArgs is false: codex has no system prompt flag.
func (d *Dialect) SystemPromptInArgs() bool {
	return false
}

// ApplyThinking is a no-op; BuildArgs sets model_reasoning_effort directly.
func (d *Dialect) ApplyThinking(inv cli.Invocation, prompt string) (cli.Invocation, string) {
	return inv, prompt
}

// BuildArgs builds the codex command line. The trailing "-" reads the prompt from stdin.
func (d *Dialect) BuildArgs(binary string, inv cli.Invocation) []string {
	args := []string{binary, "exec", "--json", "--skip-git-repo-check", "-m", inv.Model}

	switch inv.Permission {
	case domain.PermissionEdit:
		args = append(args, "--sandbox", "workspace-write")
	case domain.PermissionFull:
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	default:
		args = append(args, "--sandbox", "read-only")
	}

	if inv.Thinking.Enabled() {
		args = append(args, "-c", "model_reasoning_effort=high")
	}
	if inv.ContinuationToken != "" {
		args = append(args, "resume", inv.ContinuationToken)
	}
	return append(args, "-")
}

type event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage *struct {
		InputTokens       int `json:"input_tokens"`
		CachedInputTokens int `json:"cached_input_tokens"`
		OutputTokens      int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseBatch folds the JSONL event log; codex has no single-object output mode.
func (d *Dialect) ParseBatch(out []byte) (*cli.Result, error) {
	return cli.FoldStream(d, out)
}

// ParseStreamLine parses one event.
func (d *Dialect) ParseStreamLine(line []byte) (cli.Event, error) {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return cli.Event{}, fmt.Errorf("invalid codex event: %w", err)
	}

	switch ev.Type {
	case "thread.started":
		return cli.Event{Token: ev.ThreadID}, nil
	case "item.completed":
		if ev.Item == nil {
			return cli.Event{}, nil
		}
		switch ev.Item.Type {
		case "agent_message":
			return cli.Event{Delta: ev.Item.Text}, nil
		case "reasoning":
			return cli.Event{Thinking: ev.Item.Text}, nil
		}
	case "turn.completed":
		if ev.Usage != nil {
			prompt := ev.Usage.InputTokens
			return cli.Event{Usage: &domain.Usage{
				PromptTokens:     prompt,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      prompt + ev.Usage.OutputTokens,
			}}, nil
		}
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return cli.Event{ErrorMessage: msg}, nil
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "unknown error"
		}
		return cli.Event{ErrorMessage: msg}, nil
	}
	return cli.Event{}, nil
}
