package watchdog

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnguard/pkg/provider"
)

const analystPrompt = `You are supervising another AI agent that may be stuck.
Below is a summary of its current turn: the user's request, how long it has run
and its most recent actions.

Decide whether the agent is stuck (looping, repeating failing actions, or making
no progress) or still doing useful work.

Answer with a single JSON object and nothing else:
{"stuck": true|false, "reason": "<short reason>", "recommendation": "<what to do>"}

`

type analystVerdict struct {
	Stuck          *bool  `json:"stuck"`
	Reason         string `json:"reason"`
	Recommendation string `json:"recommendation"`
}

// ProviderAnalyst asks a dedicated provider instance for a verdict. The
// provider must not be the one serving the watched turn.
func ProviderAnalyst(p provider.Provider) Analyst {
	return func(ctx context.Context, summary string) (Analysis, error) {
		if !p.IsAvailable() {
			return Analysis{}, errors.New("analyst provider unavailable")
		}
		if sp, ok := p.(provider.SessionProvider); ok {
			sp.ClearContext()
		}
		stop := context.AfterFunc(ctx, p.Abort)
		defer stop()

		text, err := provider.Collect(ctx, p, analystPrompt+summary)
		if err != nil {
			return Analysis{}, errors.Wrap(err, "analyst query")
		}
		return ParseVerdict(text)
	}
}

// ParseVerdict extracts the first JSON object from an analyst answer,
// tolerating surrounding prose and code fences.
func ParseVerdict(text string) (Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Analysis{}, errors.Errorf("analyst answer has no JSON object: %q", truncateRunes(text, 200))
	}
	var v analystVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Analysis{}, errors.Wrap(err, "analyst answer")
	}
	if v.Stuck == nil {
		return Analysis{}, errors.New("analyst answer is missing \"stuck\"")
	}
	return Analysis{
		IsStuck:        *v.Stuck,
		Reason:         strings.TrimSpace(v.Reason),
		Recommendation: strings.TrimSpace(v.Recommendation),
		Source:         SourceEscalated,
	}, nil
}
