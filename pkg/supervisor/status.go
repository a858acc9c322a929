package supervisor

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/params"
)

// Status is the operator view of the durable supervisor state.
type Status struct {
	CrashCount  int                         `json:"crash_count" yaml:"crash_count"`
	Threshold   int                         `json:"threshold" yaml:"threshold"`
	Halted      bool                        `json:"halted" yaml:"halted"`
	Crashes     []journal.CrashRecord       `json:"crashes" yaml:"crashes"`
	Pending     []journal.PendingTurnMarker `json:"pending" yaml:"pending"`
	ErrorLog    []string                    `json:"error_log" yaml:"error_log"`
	ActiveUsers []string                    `json:"active_users,omitempty" yaml:"active_users,omitempty"`
	Params      params.Params               `json:"params,omitempty" yaml:"params,omitempty"`
}

// ReadStatus reads crash history, pending markers and the error log without
// needing a running supervisor.
func ReadStatus(ctx context.Context, j *journal.Journal, b *journal.CircuitBreaker) (*Status, error) {
	crashes, err := j.Crashes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "status: crashes")
	}
	pending, err := j.Pending(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "status: pending markers")
	}
	lines, err := j.ErrorLog().Lines(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "status: error log")
	}
	return &Status{
		CrashCount: len(crashes),
		Threshold:  b.Threshold(),
		Halted:     len(crashes) >= b.Threshold(),
		Crashes:    crashes,
		Pending:    pending,
		ErrorLog:   lines,
	}, nil
}

func (s *Supervisor) Status(ctx context.Context) (*Status, error) {
	st, err := ReadStatus(ctx, s.cfg.Journal, s.cfg.Breaker)
	if err != nil {
		return nil, err
	}
	st.ActiveUsers = s.ActiveUsers()
	sort.Strings(st.ActiveUsers)
	st.Params = s.cfg.Params.Get()
	return st, nil
}
