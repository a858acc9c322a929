package watchdog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
)

const (
	summaryMaxActions     = 20
	summaryMaxPromptRunes = 300
	summaryMaxFieldRunes  = 160
)

// FormatSummary renders the turn for the analyst: prompt, timing and the most
// recent actions.
func FormatSummary(turn *actionlog.TurnRecord, timeout time.Duration) string {
	if turn == nil {
		return "no active turn"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Turn %s (user %s)\n", turn.ID, turn.UserID)
	fmt.Fprintf(&b, "Prompt: %s\n", truncateRunes(turn.Prompt, summaryMaxPromptRunes))
	fmt.Fprintf(&b, "Elapsed: %s (timeout %s)\n", turn.Duration().Round(time.Second), timeout)

	actions := lastActions(turn.Actions, summaryMaxActions)
	if len(actions) < len(turn.Actions) {
		fmt.Fprintf(&b, "Actions: %d total, last %d shown\n", len(turn.Actions), len(actions))
	} else {
		fmt.Fprintf(&b, "Actions: %d\n", len(actions))
	}
	offset := len(turn.Actions) - len(actions)
	for i, a := range actions {
		fmt.Fprintf(&b, "%3d. %s\n", offset+i+1, describeAction(a))
	}
	return b.String()
}

func describeAction(a actionlog.TurnAction) string {
	switch a.Kind {
	case actionlog.ActionText:
		return "[text] " + truncateRunes(oneLine(a.Text), summaryMaxFieldRunes)
	case actionlog.ActionToolCall:
		args := ""
		if len(a.ToolArgs) > 0 {
			if raw, err := json.Marshal(a.ToolArgs); err == nil {
				args = " " + truncateRunes(string(raw), summaryMaxFieldRunes)
			}
		}
		return "[tool_call] " + a.ToolName + args
	case actionlog.ActionToolResult:
		return "[tool_result] " + a.ToolName + ": " + truncateRunes(oneLine(a.Result), summaryMaxFieldRunes)
	case actionlog.ActionError:
		return "[error] " + truncateRunes(oneLine(a.Error), summaryMaxFieldRunes)
	default:
		return "[" + string(a.Kind) + "]"
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
