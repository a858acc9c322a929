package watchdog

import (
	"fmt"
	"time"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
)

type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceEscalated Source = "escalated"
)

const (
	ReasonWithinTimeout   = "within timeout"
	ReasonRepetitive      = "repetitive action pattern"
	ReasonNoProgress      = "no progress"
	ReasonRepeatedErrors  = "repeated errors"
	ReasonTimeoutExceeded = "timeout exceeded"

	RecommendContinue = "continue monitoring"
	RecommendAbort    = "abort the turn and reset the agent context"
)

// Analysis is the stuck/not-stuck verdict for one check.
type Analysis struct {
	IsStuck        bool   `json:"is_stuck"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
	Recommendation string `json:"recommendation"`
	Source         Source `json:"source"`
}

// HeuristicConfig holds the tunable thresholds of the local classifier.
type HeuristicConfig struct {
	RepetitionWindow   int `mapstructure:"repetition-window"`
	RepetitionMinCalls int `mapstructure:"repetition-min-calls"`
	ErrorWindow        int `mapstructure:"error-window"`
	ErrorMinCount      int `mapstructure:"error-min-count"`
}

func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		RepetitionWindow:   6,
		RepetitionMinCalls: 4,
		ErrorWindow:        5,
		ErrorMinCount:      3,
	}
}

func (c HeuristicConfig) withDefaults() HeuristicConfig {
	d := DefaultHeuristicConfig()
	if c.RepetitionWindow <= 0 {
		c.RepetitionWindow = d.RepetitionWindow
	}
	if c.RepetitionMinCalls <= 0 {
		c.RepetitionMinCalls = d.RepetitionMinCalls
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	if c.ErrorMinCount <= 0 {
		c.ErrorMinCount = d.ErrorMinCount
	}
	return c
}

// Analyze is the cheap local classifier. Nothing is judged stuck before the
// elapsed time exceeds timeout; after that the rules apply in priority order
// with a generic timeout verdict as the catch-all.
func Analyze(turn *actionlog.TurnRecord, timeout time.Duration, cfg HeuristicConfig) Analysis {
	cfg = cfg.withDefaults()
	if turn == nil {
		return Analysis{Reason: "no active turn", Recommendation: RecommendContinue, Source: SourceHeuristic}
	}
	elapsed := turn.Duration()
	if elapsed <= timeout {
		return Analysis{Reason: ReasonWithinTimeout, Recommendation: RecommendContinue, Source: SourceHeuristic}
	}

	actions := turn.Actions
	if name, ok := repetitiveTool(lastActions(actions, cfg.RepetitionWindow), cfg.RepetitionMinCalls); ok {
		return stuck(ReasonRepetitive, name)
	}

	if len(actions) == 0 {
		return stuck(ReasonNoProgress, fmt.Sprintf("no actions after %s", elapsed.Round(time.Second)))
	}
	errs := 0
	for _, a := range lastActions(actions, cfg.ErrorWindow) {
		if a.Kind == actionlog.ActionError {
			errs++
		}
	}
	if errs >= cfg.ErrorMinCount {
		return stuck(ReasonRepeatedErrors, fmt.Sprintf("%d errors in the last %d actions", errs, cfg.ErrorWindow))
	}

	return stuck(ReasonTimeoutExceeded, fmt.Sprintf("elapsed %s > timeout %s", elapsed.Round(time.Second), timeout))
}

func stuck(reason, detail string) Analysis {
	return Analysis{IsStuck: true, Reason: reason, Detail: detail, Recommendation: RecommendAbort, Source: SourceHeuristic}
}

// repetitiveTool looks at the tool calls inside window: with at least minCalls
// of them, either all name the same tool or the last four alternate A-B-A-B.
func repetitiveTool(window []actionlog.TurnAction, minCalls int) (string, bool) {
	var names []string
	for _, a := range window {
		if a.Kind == actionlog.ActionToolCall {
			names = append(names, a.ToolName)
		}
	}
	if len(names) < minCalls {
		return "", false
	}
	same := true
	for _, n := range names[1:] {
		if n != names[0] {
			same = false
			break
		}
	}
	if same {
		return fmt.Sprintf("%s called %d times in the last %d actions", names[0], len(names), len(window)), true
	}
	if len(names) >= 4 {
		last := names[len(names)-4:]
		if last[0] != last[1] && last[0] == last[2] && last[1] == last[3] {
			return fmt.Sprintf("alternating %s/%s", last[0], last[1]), true
		}
	}
	return "", false
}

func lastActions(actions []actionlog.TurnAction, n int) []actionlog.TurnAction {
	if len(actions) <= n {
		return actions
	}
	return actions[len(actions)-n:]
}
