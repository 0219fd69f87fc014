package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidbz/clibridge/internal/observability"
)

const summaryPrompt = `Summarize the conversation below so that it can replace the original messages as context for continuing it.
Keep facts, decisions, names, code identifiers, open questions and user preferences. Drop greetings and repetition.
Reply with the summary only, at most a few short paragraphs.`

const summaryHeader = "Summary of the earlier conversation:\n"

// NeedsSummarization reports whether the non-system messages after summarizedUpTo have
// reached threshold.
func NeedsSummarization(messages []Message, threshold, summarizedUpTo int) bool {
	if threshold <= 0 {
		return false
	}
	return NonSystemCount(messages)-summarizedUpTo >= threshold
}

// MessagesToSummarize returns the non-system messages strictly between summarizedUpTo
// and the keepRecent tail.
func MessagesToSummarize(messages []Message, summarizedUpTo, keepRecent int) []Message {
	nonSystem := nonSystemMessages(messages)

	start := max(summarizedUpTo, 0)
	end := len(nonSystem) - max(keepRecent, 0)
	if start >= end {
		return nil
	}
	return nonSystem[start:end]
}

// ApplySummary rebuilds messages as the original system messages, one system message
// carrying summary, and the last keepRecent non-system messages.
func ApplySummary(messages []Message, summary string, keepRecent int) []Message {
	nonSystem := nonSystemMessages(messages)
	keep := min(max(keepRecent, 0), len(nonSystem))

	out := make([]Message, 0, len(messages)-len(nonSystem)+1+keep)
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			out = append(out, msg)
		}
	}
	out = append(out, NewMessage(RoleSystem, summaryHeader+summary))
	out = append(out, nonSystem[len(nonSystem)-keep:]...)
	return out
}

func nonSystemMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			out = append(out, msg)
		}
	}
	return out
}

// CompleteFunc performs one non-streaming call on behalf of the summarizer.
type CompleteFunc func(ctx context.Context, req *ProviderRequest) (*CompletionResponse, error)

// Summarizer condenses old turns with one extra completion call.
type Summarizer struct{}

// NewSummarizer creates a Summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{}
}

// Generate summarizes messages, folding priorSummary in first so summaries compound.
// It never fails: any error or empty answer yields a placeholder naming the message count.
func (s *Summarizer) Generate(
	ctx context.Context,
	complete CompleteFunc,
	model string,
	messages []Message,
	priorSummary string,
) string {
	logger := observability.FromContext(ctx)
	placeholder := fmt.Sprintf("[Summary of %d earlier messages unavailable]", len(messages))

	var transcript strings.Builder
	if priorSummary != "" {
		transcript.WriteString("[previous summary]\n")
		transcript.WriteString(priorSummary)
		transcript.WriteString("\n\n")
	}
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "[%s]\n%s\n\n", msg.Role, msg.Content.PlainText())
	}

	resp, err := complete(ctx, &ProviderRequest{
		Model: model,
		Messages: []Message{
			NewMessage(RoleSystem, summaryPrompt),
			NewMessage(RoleUser, strings.TrimSpace(transcript.String())),
		},
	})
	if err != nil {
		logger.Warn("summary generation failed, using placeholder",
			observability.Int("messages", len(messages)),
			observability.Error(err),
		)
		return placeholder
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		logger.Warn("summary generation returned no text, using placeholder")
		return placeholder
	}

	logger.Debug("conversation summarized",
		observability.Int("messages", len(messages)),
		observability.Int("summary_chars", len(summary)),
	)
	return summary
}
