// Package watchdog decides whether an in-flight turn is stuck.
//
// A Watchdog arms a single-shot deadline equal to the turn's timeout. When it
// fires, the turn is classified by the local heuristic, optionally overridden
// by an injected Analyst. A not-stuck verdict re-arms the same deadline; a
// stuck verdict calls onStuck once and returns to Idle.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/params"
)

type State string

const (
	StateIdle       State = "idle"
	StateWatching   State = "watching"
	StateRechecking State = "rechecking"
	StateStuck      State = "stuck"
)

const DefaultAnalystTimeout = 2 * time.Minute

// deadlineGrace keeps the check strictly past the timeout; turn durations are
// recorded with millisecond precision.
const deadlineGrace = time.Second

// Analyst is the optional slow-path judgment. It receives the formatted turn
// summary and must return its own verdict.
type Analyst func(ctx context.Context, summary string) (Analysis, error)

// TurnSource returns a live snapshot of the watched turn, or nil once it ended.
type TurnSource func() *actionlog.TurnRecord

type Config struct {
	Heuristic       HeuristicConfig
	Analyst         Analyst
	AnalystTimeout  time.Duration
	FallbackTimeout time.Duration
	Clock           Clock
	Logger          *zerolog.Logger
}

type Watchdog struct {
	mu     sync.Mutex
	state  State
	gen    uint64
	timer  Timer
	checks int
	source TurnSource
	cfg    Config
	logger zerolog.Logger
}

func New(source TurnSource, cfg Config) *Watchdog {
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.AnalystTimeout <= 0 {
		cfg.AnalystTimeout = DefaultAnalystTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = params.DefaultTimeout
	}
	cfg.Heuristic = cfg.Heuristic.withDefaults()
	logger := log.With().Str("component", "watchdog").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Watchdog{state: StateIdle, source: source, cfg: cfg, logger: logger}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// checkCount reports how many deadlines have fired since the last Start.
func (w *Watchdog) checkCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checks
}

// Start arms the deadline for the current turn. A previous watch is replaced.
func (w *Watchdog) Start(onStuck func(Analysis)) {
	timeout := w.timeoutFor(w.source())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.checks = 0
	w.state = StateWatching
	w.scheduleLocked(w.gen, timeout, onStuck)
}

// Stop cancels any pending deadline. Safe to call at any time, including
// after the deadline already fired.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state = StateIdle
}

func (w *Watchdog) timeoutFor(turn *actionlog.TurnRecord) time.Duration {
	if turn == nil {
		return w.cfg.FallbackTimeout
	}
	return turn.Params.Timeout(w.cfg.FallbackTimeout)
}

func (w *Watchdog) scheduleLocked(gen uint64, d time.Duration, onStuck func(Analysis)) {
	w.timer = w.cfg.Clock.AfterFunc(d+deadlineGrace, func() { w.fire(gen, onStuck) })
}

func (w *Watchdog) fire(gen uint64, onStuck func(Analysis)) {
	w.mu.Lock()
	if gen != w.gen || w.state != StateWatching {
		w.mu.Unlock()
		return
	}
	w.state = StateRechecking
	w.timer = nil
	w.checks++
	w.mu.Unlock()

	turn := w.source()
	if turn == nil {
		// turn finished between the deadline and now
		w.settle(gen, StateIdle)
		return
	}

	timeout := w.timeoutFor(turn)
	analysis := w.evaluate(turn, timeout)
	stillOpen := w.source() != nil

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	if !analysis.IsStuck {
		if !stillOpen {
			w.state = StateIdle
			w.mu.Unlock()
			return
		}
		w.logger.Debug().Str("turn_id", turn.ID).Str("reason", analysis.Reason).Str("source", string(analysis.Source)).Msg("turn not stuck, rechecking later")
		w.state = StateWatching
		w.scheduleLocked(gen, timeout, onStuck)
		w.mu.Unlock()
		return
	}
	w.state = StateStuck
	w.mu.Unlock()

	w.logger.Warn().
		Str("turn_id", turn.ID).
		Str("user_id", turn.UserID).
		Str("reason", analysis.Reason).
		Str("detail", analysis.Detail).
		Str("source", string(analysis.Source)).
		Msg("turn judged stuck")
	if onStuck != nil {
		onStuck(analysis)
	}
	w.settle(gen, StateIdle)
}

func (w *Watchdog) settle(gen uint64, s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen == w.gen {
		w.state = s
	}
}

func (w *Watchdog) evaluate(turn *actionlog.TurnRecord, timeout time.Duration) Analysis {
	heuristic := Analyze(turn, timeout, w.cfg.Heuristic)
	if w.cfg.Analyst == nil {
		return heuristic
	}
	escalated, err := callAnalyst(w.cfg.Analyst, w.cfg.AnalystTimeout, FormatSummary(turn, timeout))
	if err != nil {
		w.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("analyst failed, using heuristic verdict")
		return heuristic
	}
	escalated.Source = SourceEscalated
	if escalated.Recommendation == "" {
		if escalated.IsStuck {
			escalated.Recommendation = RecommendAbort
		} else {
			escalated.Recommendation = RecommendContinue
		}
	}
	return escalated
}

// callAnalyst bounds the analyst with its own timeout and converts panics to
// errors, so a misbehaving analyst degrades to the heuristic.
func callAnalyst(analyst Analyst, timeout time.Duration, summary string) (Analysis, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		a   Analysis
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errors.Errorf("analyst panic: %v", r)}
			}
		}()
		a, err := analyst(ctx, summary)
		ch <- result{a: a, err: err}
	}()

	select {
	case r := <-ch:
		return r.a, r.err
	case <-ctx.Done():
		return Analysis{}, errors.Wrap(ctx.Err(), fmt.Sprintf("analyst did not answer within %s", timeout))
	}
}
