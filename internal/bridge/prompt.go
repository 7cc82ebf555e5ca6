package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"meshbridge/internal/domain"
)

// SystemPrompt keeps replies short enough for the mesh.
const SystemPrompt = "Reply briefly in 10 words or less."

// StripTriggerPrefix removes prefix and any whitespace after it. Text without
// the prefix is returned unchanged.
func StripTriggerPrefix(text, prefix string) string {
	if prefix != "" && strings.HasPrefix(text, prefix) {
		return strings.TrimLeftFunc(text[len(prefix):], unicode.IsSpace)
	}
	return text
}

// BuildPrompt renders the sender header, the current message and the
// conversation history (oldest first) into the user prompt.
func BuildPrompt(ev domain.InboundEvent, history []domain.MessageRecord, maxReplyChars int) domain.PromptParts {
	name := ev.SenderShortName
	if name == "" {
		name = ev.SenderLongName
	}
	if name == "" {
		name = "Unknown"
	}

	lines := []string{"Sender: " + name}
	if ev.SenderLongName != "" && ev.SenderLongName != name {
		lines = append(lines, "Sender Long Name: "+ev.SenderLongName)
	}
	lines = append(lines,
		"Sender ID: "+ev.SenderID,
		"Channel: "+channelLabel(ev),
		"Message:",
		ev.Text,
		"",
		"Conversation history:",
	)

	if len(history) == 0 {
		lines = append(lines, "(none)")
	}
	for _, rec := range history {
		role := "Assistant"
		if rec.Direction == domain.DirectionIn {
			role = "User"
		}
		lines = append(lines, role+": "+rec.Text)
	}

	lines = append(lines, "", fmt.Sprintf("Reply in <= %d characters.", maxReplyChars))

	return domain.PromptParts{
		System: SystemPrompt,
		User:   strings.Join(lines, "\n"),
	}
}

func channelLabel(ev domain.InboundEvent) string {
	if ev.IsDM {
		return "DM"
	}
	if ev.Channel == nil {
		return "unknown"
	}
	return strconv.Itoa(*ev.Channel)
}
