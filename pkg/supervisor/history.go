package supervisor

import (
	"strings"
)

const (
	DefaultHistoryTurns = 6

	historyMaxRunes = 2000
)

// exchange is one prompt/answer pair kept for stateless providers.
type exchange struct {
	Prompt   string
	Response string
}

func (l *lane) remember(prompt, response string, max int) {
	if max <= 0 {
		return
	}
	l.history = append(l.history, exchange{Prompt: prompt, Response: response})
	if len(l.history) > max {
		l.history = append([]exchange(nil), l.history[len(l.history)-max:]...)
	}
}

// withHistory prepends the recent exchanges so a provider without its own
// session still sees the conversation.
func withHistory(history []exchange, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, ex := range history {
		b.WriteString("User: ")
		b.WriteString(clip(ex.Prompt))
		b.WriteString("\nAssistant: ")
		b.WriteString(clip(ex.Response))
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent message:\n")
	b.WriteString(prompt)
	return b.String()
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= historyMaxRunes {
		return s
	}
	return string(r[:historyMaxRunes]) + "…"
}
