package watchdog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
)

func turnWith(elapsed time.Duration, actions ...actionlog.TurnAction) *actionlog.TurnRecord {
	return &actionlog.TurnRecord{
		ID:         "t",
		UserID:     "u",
		Prompt:     "do the thing",
		Actions:    actions,
		DurationMS: elapsed.Milliseconds(),
	}
}

func TestAnalyze_WithinTimeoutNeverStuck(t *testing.T) {
	turn := turnWith(30*time.Second, toolCall("a"), toolCall("a"), toolCall("a"), toolCall("a"), toolCall("a"))
	a := Analyze(turn, time.Minute, HeuristicConfig{})
	require.False(t, a.IsStuck)
	require.Equal(t, ReasonWithinTimeout, a.Reason)
	require.Equal(t, RecommendContinue, a.Recommendation)

	a = Analyze(turnWith(time.Minute), time.Minute, HeuristicConfig{})
	require.False(t, a.IsStuck)
}

func TestAnalyze_SameToolRepeated(t *testing.T) {
	turn := turnWith(2*time.Minute,
		actionlog.TurnAction{Kind: actionlog.ActionText, Text: "let me look"},
		toolCall("grep"), toolCall("grep"), toolCall("grep"), toolCall("grep"),
	)
	a := Analyze(turn, time.Minute, HeuristicConfig{})
	require.True(t, a.IsStuck)
	require.Equal(t, ReasonRepetitive, a.Reason)
	require.Contains(t, a.Detail, "grep")
	require.Equal(t, RecommendAbort, a.Recommendation)
	require.Equal(t, SourceHeuristic, a.Source)
}

func TestAnalyze_AlternatingTools(t *testing.T) {
	turn := turnWith(2*time.Minute, toolCall("read"), toolCall("write"), toolCall("read"), toolCall("write"))
	a := Analyze(turn, time.Minute, HeuristicConfig{})
	require.True(t, a.IsStuck)
	require.Equal(t, ReasonRepetitive, a.Reason)
	require.Equal(t, "alternating read/write", a.Detail)
}

func TestAnalyze_TooFewCallsIsNotRepetitive(t *testing.T) {
	turn := turnWith(2*time.Minute, toolCall("grep"), toolCall("grep"), toolCall("grep"))
	a := Analyze(turn, time.Minute, HeuristicConfig{})
	require.True(t, a.IsStuck)
	require.Equal(t, ReasonTimeoutExceeded, a.Reason)
}

func TestAnalyze_RepetitionOutsideWindowIgnored(t *testing.T) {
	actions := []actionlog.TurnAction{toolCall("grep"), toolCall("grep"), toolCall("grep"), toolCall("grep")}
	for i := 0; i < 6; i++ {
		actions = append(actions, actionlog.TurnAction{Kind: actionlog.ActionText, Text: "progress"})
	}
	a := Analyze(turnWith(2*time.Minute, actions...), time.Minute, HeuristicConfig{})
	require.Equal(t, ReasonTimeoutExceeded, a.Reason)
}

func TestAnalyze_NoActions(t *testing.T) {
	a := Analyze(turnWith(90*time.Second), time.Minute, HeuristicConfig{})
	require.True(t, a.IsStuck)
	require.Equal(t, ReasonNoProgress, a.Reason)
}

func TestAnalyze_RepeatedErrors(t *testing.T) {
	errAction := actionlog.TurnAction{Kind: actionlog.ActionError, Error: "rate limited"}
	turn := turnWith(2*time.Minute,
		actionlog.TurnAction{Kind: actionlog.ActionText, Text: "trying"},
		errAction, errAction,
		actionlog.TurnAction{Kind: actionlog.ActionText, Text: "again"},
		errAction,
	)
	a := Analyze(turn, time.Minute, HeuristicConfig{})
	require.True(t, a.IsStuck)
	require.Equal(t, ReasonRepeatedErrors, a.Reason)
	require.Equal(t, "3 errors in the last 5 actions", a.Detail)
}

func TestAnalyze_CustomThresholds(t *testing.T) {
	turn := turnWith(2*time.Minute, toolCall("ls"), toolCall("ls"))
	a := Analyze(turn, time.Minute, HeuristicConfig{RepetitionMinCalls: 2})
	require.Equal(t, ReasonRepetitive, a.Reason)
}

func TestFormatSummary(t *testing.T) {
	var actions []actionlog.TurnAction
	for i := 0; i < 25; i++ {
		actions = append(actions, actionlog.TurnAction{
			Kind:     actionlog.ActionToolCall,
			ToolName: "search",
			ToolArgs: map[string]any{"q": strings.Repeat("x", 500)},
		})
	}
	turn := turnWith(3*time.Minute, actions...)
	turn.Prompt = strings.Repeat("p", 400)

	s := FormatSummary(turn, time.Minute)
	require.Contains(t, s, "Actions: 25 total, last 20 shown")
	require.Contains(t, s, "  6. [tool_call] search")
	require.NotContains(t, s, "  5. [tool_call]")
	require.Contains(t, s, "Elapsed: 3m0s (timeout 1m0s)")
	require.NotContains(t, s, strings.Repeat("p", 301))
	require.NotContains(t, s, strings.Repeat("x", 200))

	require.Equal(t, "no active turn", FormatSummary(nil, time.Minute))
}
