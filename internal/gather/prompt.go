package gather

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zulandar/beamyard/internal/llm"
)

// Template tokens understood in instruction prompts.
const (
	TokenRayCount        = "{{N}}"
	TokenSelectedOptions = "{{SelectedOptions}}"
)

// mix substitutes template tokens.
func mix(prompt string, rayCount int, selected []string) string {
	out := strings.ReplaceAll(prompt, TokenRayCount, strconv.Itoa(rayCount))
	if strings.Contains(out, TokenSelectedOptions) {
		var b strings.Builder
		for _, s := range selected {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
		out = strings.ReplaceAll(out, TokenSelectedOptions, strings.TrimSuffix(b.String(), "\n"))
	}
	return out
}

// Sandwich builds the message list for one fusion call: the system prompt,
// the history (non-assistant turns as user), one assistant turn per ray
// output, then the closing user prompt.
func Sandwich(systemPrompt string, history, rays []llm.Message, userPrompt string) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history)+len(rays)+2)
	out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Text})
	}
	for _, r := range rays {
		out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: r.Text})
	}
	return append(out, llm.ChatMessage{Role: llm.RoleUser, Content: userPrompt})
}

var checklistItem = regexp.MustCompile(`^\s*(?:[-*+]\s+(?:\[[ xX]\]\s*)?|\d+[.)]\s+)(.*\S)\s*$`)

// ParseChecklist extracts the options of a markdown list or checklist.
// Lines that are not list items are ignored.
func ParseChecklist(text string) []string {
	var options []string
	for _, line := range strings.Split(text, "\n") {
		m := checklistItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch opt := strings.TrimSpace(m[1]); opt {
		case "[ ]", "[x]", "[X]":
		default:
			options = append(options, opt)
		}
	}
	return options
}

// issueFromText pulls the message out of a trailing "[Issue: ...]" marker.
func issueFromText(text string) string {
	i := strings.LastIndex(text, "[Issue: ")
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSpace(text[i+len("[Issue: "):]), "]")
}
