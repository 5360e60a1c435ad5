package notify

import (
	"context"
	"strings"
)

// Notifier delivers short texts, such as finished workflow reports, to
// people watching the engine.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// chunkMessage splits a message into chunks that fit within maxLen bytes,
// preferring to cut at a newline in the second half of a chunk.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

// parseCommand splits "/cmd@bot arg..." into its command and argument.
// Plain text has an empty command.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(strings.TrimPrefix(head, "/")), strings.TrimSpace(rest)
}
