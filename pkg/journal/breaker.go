package journal

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

const DefaultMaxCrashes = 3

// CircuitOpenError is returned by Boot when the crash history has reached the
// threshold. The process must not accept turns until the history is reset.
type CircuitOpenError struct {
	Crashes   int
	Threshold int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: %d crashes recorded (threshold %d)", e.Crashes, e.Threshold)
}

// CircuitBreaker halts startup once too many dirty boots have accumulated.
type CircuitBreaker struct {
	journal    *Journal
	maxCrashes int
}

func NewCircuitBreaker(j *Journal, maxCrashes int) *CircuitBreaker {
	if maxCrashes <= 0 {
		maxCrashes = DefaultMaxCrashes
	}
	return &CircuitBreaker{journal: j, maxCrashes: maxCrashes}
}

func (b *CircuitBreaker) Threshold() int { return b.maxCrashes }

func (b *CircuitBreaker) CrashCount(ctx context.Context) (int, error) {
	crashes, err := b.journal.Crashes(ctx)
	if err != nil {
		return 0, err
	}
	return len(crashes), nil
}

// ShouldHalt is true iff the persisted crash count is at or above the threshold.
func (b *CircuitBreaker) ShouldHalt(ctx context.Context) (bool, error) {
	n, err := b.CrashCount(ctx)
	if err != nil {
		return false, err
	}
	return n >= b.maxCrashes, nil
}

// OnCleanBoot resets the baseline: no crashes, no error lines, no markers.
func (b *CircuitBreaker) OnCleanBoot(ctx context.Context) error {
	j := b.journal
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, key := range []string{statestore.KeyCrashLog, statestore.KeyPendingTurns} {
		if err := j.store.Delete(ctx, key); err != nil {
			return errors.Wrapf(err, "circuit breaker: clear %s", key)
		}
	}
	return j.errors.Clear(ctx)
}

// BootReport summarises what the boot sequence found.
type BootReport struct {
	Dirty      bool         `json:"dirty" yaml:"dirty"`
	Crash      *CrashRecord `json:"crash,omitempty" yaml:"crash,omitempty"`
	CrashCount int          `json:"crash_count" yaml:"crash_count"`
	Threshold  int          `json:"threshold" yaml:"threshold"`
	Halted     bool         `json:"halted" yaml:"halted"`
}

// Boot runs crash detection and the breaker check, in that order, so a fresh
// dirty boot is counted before the halt decision. A clean boot only resets the
// history while the breaker is closed; once tripped it stays open until
// Journal.ResetCrashes. A *CircuitOpenError is returned alongside the report
// when startup must stop.
func Boot(ctx context.Context, j *Journal, b *CircuitBreaker) (*BootReport, error) {
	if j == nil || b == nil {
		return nil, errors.New("boot: journal and breaker are required")
	}
	logger := log.With().Str("component", "boot").Logger()
	report := &BootReport{Threshold: b.Threshold()}

	dirty, err := j.IsDirtyBoot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "boot: dirty check")
	}
	report.Dirty = dirty
	if dirty {
		rec, err := j.RecoverCrash(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "boot: recover crash")
		}
		report.Crash = rec
	} else {
		halt, err := b.ShouldHalt(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "boot: breaker check")
		}
		if !halt {
			if err := b.OnCleanBoot(ctx); err != nil {
				return nil, errors.Wrap(err, "boot: clean boot reset")
			}
		}
	}

	count, err := b.CrashCount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "boot: crash count")
	}
	report.CrashCount = count
	if count >= b.Threshold() {
		report.Halted = true
		logger.Error().Int("crashes", count).Int("threshold", b.Threshold()).Msg("circuit breaker tripped; refusing to start")
		return report, &CircuitOpenError{Crashes: count, Threshold: b.Threshold()}
	}
	logger.Info().Bool("dirty", dirty).Int("crashes", count).Msg("boot checks passed")
	return report, nil
}
