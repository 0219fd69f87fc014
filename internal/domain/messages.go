package domain

import (
	"strings"
	"unicode/utf8"
)

// SplitSystem separates system messages from the conversation. System texts are joined
// with blank lines in their original order.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if text := strings.TrimSpace(msg.Content.PlainText()); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// DeltaSinceLastAssistant returns the messages after the last assistant turn. Without
// an assistant turn the whole slice is returned.
func DeltaSinceLastAssistant(messages []Message) []Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i+1:]
		}
	}
	return messages
}

// NonSystemCount counts the messages that are not system messages.
func NonSystemCount(messages []Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			n++
		}
	}
	return n
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessageTokens sums EstimateTokens over the plain text of messages.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content.PlainText())
	}
	return total
}
