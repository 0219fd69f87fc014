// Package gemini is the dialect for the Gemini CLI. Gemini keeps no session between
// runs, so every call carries the full (possibly summarized) history.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

const (
	providerName = "gemini"

	// DefaultThinkingModel is substituted when thinking is requested.
	DefaultThinkingModel = "gemini-2.5-pro"
)

// Dialect implements cli.Dialect for gemini.
type Dialect struct {
	thinkingModel string
}

// NewDialect creates the gemini dialect. An empty thinkingModel uses DefaultThinkingModel.
func NewDialect(thinkingModel string) *Dialect {
	if thinkingModel == "" {
		thinkingModel = DefaultThinkingModel
	}
	return &Dialect{thinkingModel: thinkingModel}
}

// Name returns the provider identifier.
func (d *Dialect) Name() string {
	return providerName
}

// Capabilities reports streaming, thinking and native session support.
func (d *Dialect) Capabilities() domain.Capabilities {
	return domain.Capabilities{Streaming: true, Thinking: true, NativeSessions: false}
}

// SystemPromptInArgs is false: gemini has no system prompt flag.
func (d *Dialect) SystemPromptInArgs() bool {
	return false
}

// ApplyThinking swaps in the reasoning model; gemini has no budget flag.
func (d *Dialect) ApplyThinking(inv cli.Invocation, prompt string) (cli.Invocation, string) {
	inv.Model = d.thinkingModel
	return inv, prompt
}

// BuildArgs builds the gemini command line.
func (d *Dialect) BuildArgs(binary string, inv cli.Invocation) []string {
	format := "json"
	if inv.Stream {
		format = "stream-json"
	}
	args := []string{binary, "-m", inv.Model, "--output-format", format}

	switch inv.Permission {
	case domain.PermissionReadOnly:
		args = append(args, "--approval-mode", "default")
	case domain.PermissionEdit:
		args = append(args, "--approval-mode", "auto_edit")
	case domain.PermissionFull:
		args = append(args, "--yolo")
	default:
		args = append(args, "--approval-mode", "default", "--sandbox")
	}
	return args
}

type errorPayload struct {
	Message string `json:"message"`
}

type batchOutput struct {
	Response string `json:"response"`
	Stats    struct {
		Models map[string]struct {
			Tokens struct {
				Prompt     int `json:"prompt"`
				Candidates int `json:"candidates"`
				Total      int `json:"total"`
			} `json:"tokens"`
		} `json:"models"`
	} `json:"stats"`
	Error *errorPayload `json:"error"`
}

// ParseBatch parses --output-format json.
func (d *Dialect) ParseBatch(out []byte) (*cli.Result, error) {
	raw, err := cli.ExtractJSON(out)
	if err != nil {
		return nil, err
	}
	var batch batchOutput
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("invalid gemini output: %w", err)
	}

	res := &cli.Result{Content: batch.Response}
	for _, m := range batch.Stats.Models {
		res.Usage.PromptTokens += m.Tokens.Prompt
		res.Usage.CompletionTokens += m.Tokens.Candidates
		res.Usage.TotalTokens += m.Tokens.Total
	}
	if batch.Error != nil {
		res.ErrorMessage = batch.Error.Message
		if res.ErrorMessage == "" {
			res.ErrorMessage = "unknown error"
		}
	}
	return res, nil
}

type streamRecord struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Stats   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"stats"`
	Error *errorPayload `json:"error"`
}

// ParseStreamLine parses one stream-json record.
func (d *Dialect) ParseStreamLine(line []byte) (cli.Event, error) {
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return cli.Event{}, fmt.Errorf("invalid gemini stream record: %w", err)
	}

	switch rec.Type {
	case "message":
		if rec.Role == "assistant" {
			return cli.Event{Delta: rec.Content}, nil
		}
	case "result":
		ev := cli.Event{}
		if rec.Stats != nil {
			ev.Usage = &domain.Usage{
				PromptTokens:     rec.Stats.InputTokens,
				CompletionTokens: rec.Stats.OutputTokens,
				TotalTokens:      rec.Stats.TotalTokens,
			}
		}
		if rec.Status != "" && rec.Status != "success" {
			ev.ErrorMessage = rec.Status
			if rec.Error != nil && rec.Error.Message != "" {
				ev.ErrorMessage = rec.Error.Message
			}
		}
		return ev, nil
	case "error":
		msg := rec.Message
		if rec.Error != nil && rec.Error.Message != "" {
			msg = rec.Error.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		return cli.Event{ErrorMessage: msg}, nil
	}
	return cli.Event{}, nil
}
