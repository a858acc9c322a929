package supervisor

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/watchdog"
)

var (
	ErrAlreadyProcessing   = errors.New("supervisor: a turn is already in progress for this user")
	ErrProviderUnavailable = errors.New("supervisor: agent provider unavailable")
	ErrShuttingDown        = errors.New("supervisor: shutting down")
)

// StuckTurnError is returned when the watchdog aborted the turn. The provider
// context has been reset by the time the caller sees it.
type StuckTurnError struct {
	UserID   string
	TurnID   string
	Analysis watchdog.Analysis
}

func (e *StuckTurnError) Error() string {
	if e.Analysis.Detail != "" {
		return fmt.Sprintf("supervisor: turn %s stuck: %s (%s)", e.TurnID, e.Analysis.Reason, e.Analysis.Detail)
	}
	return fmt.Sprintf("supervisor: turn %s stuck: %s", e.TurnID, e.Analysis.Reason)
}

// ProviderError wraps a failure reported by the agent provider. Turns are not
// retried.
type ProviderError struct {
	UserID string
	TurnID string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("supervisor: turn %s failed: %v", e.TurnID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UserMessage renders err for an end user. A stuck turn reads differently
// from an agent failure and both carry their reason.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var stuck *StuckTurnError
	var perr *ProviderError
	var open *journal.CircuitOpenError
	switch {
	case stderrors.Is(err, ErrAlreadyProcessing):
		return "Still working on your previous message. Please wait for it to finish."
	case stderrors.Is(err, ErrProviderUnavailable):
		return "The agent is not available right now. Please try again later."
	case stderrors.Is(err, ErrShuttingDown):
		return "The service is restarting. Please try again in a moment."
	case stderrors.As(err, &stuck):
		reason := stuck.Analysis.Reason
		if reason == "" {
			reason = "no progress"
		}
		return fmt.Sprintf("The agent got stuck (%s) and was restarted. Please send your message again.", reason)
	case stderrors.As(err, &perr):
		return fmt.Sprintf("The agent failed: %v", perr.Err)
	case stderrors.As(err, &open):
		return fmt.Sprintf("The service stopped after %d crashes in a row and needs an operator.", open.Crashes)
	}
	return fmt.Sprintf("Something went wrong: %v", err)
}
