package cli

import (
	"context"
	"strings"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
)

// RenderTranscript renders conversation turns as the stdin prompt. A lone user turn is
// sent as-is; longer histories are labelled by role.
func RenderTranscript(ctx context.Context, normalizer *content.Normalizer, turns []domain.Message, sandboxDir string) string {
	text := func(msg domain.Message) string {
		if normalizer == nil {
			return msg.Content.PlainText()
		}
		return normalizer.Normalize(ctx, msg.Content, sandboxDir)
	}

	if len(turns) == 1 && turns[0].Role == domain.RoleUser {
		return text(turns[0])
	}

	var b strings.Builder
	for i, msg := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(roleLabel(msg.Role))
		b.WriteString(": ")
		b.WriteString(text(msg))
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case domain.RoleAssistant:
		return "Assistant"
	case domain.RoleSystem:
		return "System"
	case domain.RoleTool:
		return "Tool"
	default:
		return "User"
	}
}
