package generation

import (
	"strings"

	"streamchat/internal/domain"
)

const defaultHistoryLimit = 50

// buildPrompt turns persisted history into the upstream prompt: the system
// prompt first, then the most recent turns. File parts are described by name
// since providers here only accept text.
func buildPrompt(systemPrompt string, history []domain.Message) []domain.ChatMessage {
	if len(history) > defaultHistoryLimit {
		history = history[len(history)-defaultHistoryLimit:]
	}
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	if systemPrompt = strings.TrimSpace(systemPrompt); systemPrompt != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		content := messageContent(m)
		if content == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: m.Role, Content: content})
	}
	return msgs
}

func messageContent(m domain.Message) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			sb.WriteString(p.Text)
		case domain.PartFile:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("[attached file: " + p.Name + " (" + p.MediaType + ")]")
		}
	}
	return sb.String()
}
