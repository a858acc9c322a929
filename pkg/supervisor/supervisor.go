// Package supervisor runs user turns against an agent provider with crash
// journaling, an audit log and stuck-turn detection.
//
// Each user has at most one turn in flight. A turn goes through the journal
// (marker written before dispatch, cleared on every exit path), the action log
// (one record per turn) and a watchdog that aborts the provider when the turn
// is judged stuck.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/notify"
	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/provider"
	"github.com/go-go-golems/turnguard/pkg/watchdog"
)

const DefaultAbortWait = 5 * time.Second

// shutdownWriteTimeout bounds the final journal writes of Shutdown, which run
// even when the caller's context has already expired.
const shutdownWriteTimeout = 5 * time.Second

type Config struct {
	Journal   *journal.Journal
	Breaker   *journal.CircuitBreaker
	Params    *params.Store
	Log       *actionlog.Log
	Providers provider.Factory
	Notifier  notify.Notifier

	// Watchdog is the template for the per-turn watchdog. FallbackTimeout is
	// taken from the parameter store.
	Watchdog watchdog.Config

	// HistoryTurns is how many exchanges are replayed to stateless providers;
	// negative disables replay.
	HistoryTurns int
	// ForceStateless ignores session support and always replays history.
	ForceStateless bool
	// AbortWait bounds how long an aborted query gets to return.
	AbortWait time.Duration

	Now func() time.Time
}

type Response struct {
	TurnID     string `json:"turn_id"`
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
	Actions    int    `json:"actions"`
	DurationMS int64  `json:"duration_ms"`
}

type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	lanes         map[string]*lane
	closing       bool
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Journal == nil || cfg.Breaker == nil || cfg.Params == nil || cfg.Log == nil {
		return nil, errors.New("supervisor: journal, breaker, params and action log are required")
	}
	if cfg.Providers == nil {
		return nil, errors.New("supervisor: provider factory is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.AbortWait <= 0 {
		cfg.AbortWait = DefaultAbortWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{
		cfg:           cfg,
		logger:        log.With().Str("component", "supervisor").Logger(),
		lanes:         map[string]*lane{},
		evictIdle:     DefaultEvictIdle,
		evictInterval: DefaultEvictInterval,
	}, nil
}

func (s *Supervisor) now() time.Time { return s.cfg.Now() }

func (s *Supervisor) Journal() *journal.Journal        { return s.cfg.Journal }
func (s *Supervisor) Breaker() *journal.CircuitBreaker { return s.cfg.Breaker }
func (s *Supervisor) Params() *params.Store            { return s.cfg.Params }
func (s *Supervisor) Log() *actionlog.Log              { return s.cfg.Log }

// Boot runs crash recovery and the circuit breaker check and reports both to
// the notifier. It returns a *journal.CircuitOpenError when startup must stop.
func (s *Supervisor) Boot(ctx context.Context) (*journal.BootReport, error) {
	report, err := journal.Boot(ctx, s.cfg.Journal, s.cfg.Breaker)
	if report != nil && report.Crash != nil {
		s.notify(ctx, notify.KindCrashRecovered, "recovered from a crash during a turn", map[string]string{
			"user_id": report.Crash.UserID,
			"prompt":  clipField(report.Crash.Prompt),
			"crashes": fmt.Sprint(report.CrashCount),
		})
	}
	var open *journal.CircuitOpenError
	if stderrors.As(err, &open) {
		s.notify(ctx, notify.KindCircuitOpen,
			fmt.Sprintf("circuit breaker open after %d crashes; refusing to start", open.Crashes),
			map[string]string{"crashes": fmt.Sprint(open.Crashes), "threshold": fmt.Sprint(open.Threshold)})
		return report, err
	}
	if err != nil {
		return report, err
	}
	s.notify(ctx, notify.KindBoot, "supervisor started", map[string]string{
		"dirty":   fmt.Sprint(report.Dirty),
		"crashes": fmt.Sprint(report.CrashCount),
	})
	return report, nil
}

// Process runs one turn for userID and returns the agent's answer.
//
// Errors: ErrAlreadyProcessing when the user has a turn in flight,
// ErrProviderUnavailable, *StuckTurnError when the watchdog aborted the turn
// and *ProviderError when the agent failed.
func (s *Supervisor) Process(ctx context.Context, userID, prompt string) (*Response, error) {
	l, err := s.acquire(userID)
	if err != nil {
		return nil, err
	}
	defer s.release(l)

	prov, err := s.providerFor(l)
	if err != nil {
		return nil, err
	}
	if !prov.IsAvailable() {
		return nil, ErrProviderUnavailable
	}

	// cleanup writes must happen even when the caller gave up
	bg := context.WithoutCancel(ctx)

	if err := s.cfg.Journal.BeginTurn(ctx, userID, prompt); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("could not persist pending turn marker")
	}
	turnID := s.cfg.Log.StartTurn(userID, prompt, s.cfg.Params.Get())
	logger := s.logger.With().Str("user_id", userID).Str("turn_id", turnID).Logger()
	logger.Info().Int("prompt_len", len(prompt)).Msg("turn started")

	qctx, cancelQuery := context.WithCancel(ctx)
	defer cancelQuery()
	s.setAbort(l, func() {
		prov.Abort()
		cancelQuery()
	})

	var text strings.Builder
	emit := func(b provider.ContentBlock) error {
		if !s.logBlock(turnID, b) {
			return errTurnClosed
		}
		if b.Kind == provider.BlockText {
			text.WriteString(b.Text)
		}
		return nil
	}

	stuckCh := make(chan watchdog.Analysis, 1)
	wcfg := s.cfg.Watchdog
	wcfg.FallbackTimeout = s.cfg.Params.Timeout()
	wcfg.Logger = &logger
	wd := watchdog.New(func() *actionlog.TurnRecord { return s.cfg.Log.Turn(turnID) }, wcfg)

	done := make(chan error, 1)
	queryPrompt := s.preparePrompt(l, prov, prompt)
	go func() {
		done <- prov.Query(qctx, queryPrompt, emit)
	}()
	wd.Start(func(a watchdog.Analysis) {
		select {
		case stuckCh <- a:
		default:
		}
	})

	select {
	case qerr := <-done:
		wd.Stop()
		if qerr == nil {
			return s.finishTurn(bg, l, logger, turnID, prompt, text.String())
		}
		if s.isClosing() {
			return nil, s.shutdownTurn(bg, logger, userID, turnID, qerr)
		}
		if ctx.Err() != nil {
			return nil, s.cancelTurn(bg, logger, userID, turnID, ctx.Err())
		}
		return nil, s.failTurn(bg, logger, userID, turnID, qerr)

	case a := <-stuckCh:
		wd.Stop()
		prov.Abort()
		cancelQuery()
		return nil, s.stuckTurn(bg, l, prov, logger, turnID, a, done)

	case <-ctx.Done():
		wd.Stop()
		prov.Abort()
		cancelQuery()
		err := s.cancelTurn(bg, logger, userID, turnID, ctx.Err())
		s.awaitAbort(logger, done)
		return nil, err
	}
}

var errTurnClosed = errors.New("supervisor: turn already finalized")

func (s *Supervisor) logBlock(turnID string, b provider.ContentBlock) bool {
	switch b.Kind {
	case provider.BlockText:
		return s.cfg.Log.LogText(turnID, b.Text)
	case provider.BlockToolUse:
		return s.cfg.Log.LogToolCall(turnID, b.ToolName, b.ToolInput)
	case provider.BlockToolResult:
		return s.cfg.Log.LogToolResult(turnID, b.ToolName, b.ToolResult)
	case provider.BlockError:
		return s.cfg.Log.LogError(turnID, b.Error)
	}
	return true
}

func (s *Supervisor) finishTurn(ctx context.Context, l *lane, logger zerolog.Logger, turnID, prompt, text string) (*Response, error) {
	rec, err := s.cfg.Log.EndTurn(ctx, turnID, true, "")
	if err != nil {
		logger.Warn().Err(err).Msg("could not persist turn log")
	}
	s.endJournal(ctx, logger, l.userID)
	if s.stateless(l.provider) {
		l.remember(prompt, text, s.cfg.HistoryTurns)
	}

	resp := &Response{TurnID: turnID, UserID: l.userID, Text: text}
	if rec != nil {
		resp.Actions = len(rec.Actions)
		resp.DurationMS = rec.DurationMS
	}
	logger.Info().Int("actions", resp.Actions).Int64("duration_ms", resp.DurationMS).Msg("turn completed")
	return resp, nil
}

func (s *Supervisor) failTurn(ctx context.Context, logger zerolog.Logger, userID, turnID string, qerr error) error {
	reason := qerr.Error()
	if stderrors.Is(qerr, provider.ErrAborted) {
		reason = "aborted"
	}
	s.cfg.Log.LogError(turnID, reason)
	if _, err := s.cfg.Log.EndTurn(ctx, turnID, false, reason); err != nil {
		logger.Warn().Err(err).Msg("could not persist turn log")
	}
	s.appendErrorLog(ctx, logger, fmt.Sprintf("user %s turn %s failed: %s", userID, turnID, reason))
	s.endJournal(ctx, logger, userID)
	s.notify(ctx, notify.KindTurnFailed, "agent turn failed", map[string]string{
		"user_id": userID,
		"turn_id": turnID,
		"error":   clipField(reason),
	})
	logger.Warn().Err(qerr).Msg("turn failed")
	return &ProviderError{UserID: userID, TurnID: turnID, Err: qerr}
}

// stuckTurn runs after the provider was told to abort. The log is finalized
// first so chunks still streaming in are dropped.
func (s *Supervisor) stuckTurn(ctx context.Context, l *lane, prov provider.Provider, logger zerolog.Logger, turnID string, a watchdog.Analysis, done <-chan error) error {
	userID := l.userID
	reason := "stuck: " + a.Reason
	entry := reason
	if a.Detail != "" {
		entry += " (" + a.Detail + ")"
	}
	s.cfg.Log.LogError(turnID, entry)
	if _, err := s.cfg.Log.EndTurn(ctx, turnID, false, reason); err != nil {
		logger.Warn().Err(err).Msg("could not persist turn log")
	}
	s.awaitAbort(logger, done)
	s.clearContext(l, prov)
	s.appendErrorLog(ctx, logger, fmt.Sprintf("user %s turn %s %s", userID, turnID, entry))
	s.endJournal(ctx, logger, userID)
	s.notify(ctx, notify.KindTurnStuck, "stuck turn aborted and agent context reset", map[string]string{
		"user_id": userID,
		"turn_id": turnID,
		"reason":  a.Reason,
		"detail":  clipField(a.Detail),
		"source":  string(a.Source),
	})
	logger.Warn().Str("reason", a.Reason).Str("source", string(a.Source)).Msg("turn aborted as stuck")
	return &StuckTurnError{UserID: userID, TurnID: turnID, Analysis: a}
}

func (s *Supervisor) cancelTurn(ctx context.Context, logger zerolog.Logger, userID, turnID string, cause error) error {
	if _, err := s.cfg.Log.EndTurn(ctx, turnID, false, "cancelled"); err != nil {
		logger.Warn().Err(err).Msg("could not persist turn log")
	}
	s.endJournal(ctx, logger, userID)
	logger.Info().Err(cause).Msg("turn cancelled by caller")
	return errors.Wrap(cause, "supervisor: turn cancelled")
}

// shutdownTurn ends a turn interrupted by Shutdown. It is not an agent
// failure, so nothing goes to the error log.
func (s *Supervisor) shutdownTurn(ctx context.Context, logger zerolog.Logger, userID, turnID string, qerr error) error {
	if _, err := s.cfg.Log.EndTurn(ctx, turnID, false, "shutdown"); err != nil {
		logger.Warn().Err(err).Msg("could not persist turn log")
	}
	s.endJournal(ctx, logger, userID)
	logger.Info().AnErr("query_err", qerr).Msg("turn interrupted by shutdown")
	return errors.Wrapf(ErrShuttingDown, "turn %s", turnID)
}

// awaitAbort gives an aborted query a bounded time to return, so the next
// turn of the same user does not overlap with it.
func (s *Supervisor) awaitAbort(logger zerolog.Logger, done <-chan error) {
	t := time.NewTimer(s.cfg.AbortWait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		logger.Warn().Dur("waited", s.cfg.AbortWait).Msg("provider did not return after abort")
	}
}

func (s *Supervisor) endJournal(ctx context.Context, logger zerolog.Logger, userID string) {
	if err := s.cfg.Journal.EndTurn(ctx, userID); err != nil {
		logger.Error().Err(err).Msg("could not clear pending turn marker")
	}
}

func (s *Supervisor) appendErrorLog(ctx context.Context, logger zerolog.Logger, line string) {
	line = s.now().UTC().Format(time.RFC3339) + " " + line
	if err := s.cfg.Journal.ErrorLog().Append(ctx, line); err != nil {
		logger.Warn().Err(err).Msg("could not append to error log")
	}
}

func (s *Supervisor) notify(ctx context.Context, kind notify.Kind, msg string, fields map[string]string) {
	n := notify.New(kind, msg, fields)
	n.At = s.now()
	if err := s.cfg.Notifier.Notify(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("notification failed")
	}
}

func (s *Supervisor) providerFor(l *lane) (provider.Provider, error) {
	if l.provider != nil {
		return l.provider, nil
	}
	p, err := s.cfg.Providers(l.userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", l.userID).Msg("could not build provider")
		return nil, errors.Wrapf(ErrProviderUnavailable, "build provider: %v", err)
	}
	l.provider = p
	return p, nil
}

func (s *Supervisor) stateless(p provider.Provider) bool {
	if s.cfg.ForceStateless {
		return true
	}
	_, ok := p.(provider.SessionProvider)
	return !ok
}

func (s *Supervisor) preparePrompt(l *lane, p provider.Provider, prompt string) string {
	if !s.stateless(p) {
		sp := p.(provider.SessionProvider)
		if sp.SessionID() != "" {
			sp.SetContextMode(provider.ContextContinue)
		} else {
			sp.SetContextMode(provider.ContextNone)
		}
		return prompt
	}
	if s.cfg.HistoryTurns < 0 {
		return prompt
	}
	return withHistory(l.history, prompt)
}

// clearContext drops whatever conversation state led the agent astray.
func (s *Supervisor) clearContext(l *lane, p provider.Provider) {
	l.history = nil
	if sp, ok := p.(provider.SessionProvider); ok {
		sp.ClearContext()
	}
}

// ResetContext clears the conversation context of userID, e.g. on a user's
// explicit request. It fails with ErrAlreadyProcessing while a turn runs.
func (s *Supervisor) ResetContext(userID string) error {
	l, err := s.acquire(userID)
	if err != nil {
		return err
	}
	defer s.release(l)
	if l.provider != nil {
		s.clearContext(l, l.provider)
	} else {
		l.history = nil
	}
	return nil
}

// Shutdown stops accepting turns, aborts the ones in flight and clears every
// pending marker so the next start is not taken for a crash.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var aborts []func()
	for _, l := range s.lanes {
		if l.busy && l.abort != nil {
			aborts = append(aborts, l.abort)
		}
	}
	s.mu.Unlock()

	for _, abort := range aborts {
		abort()
	}
	if len(aborts) > 0 {
		s.logger.Info().Int("aborted", len(aborts)).Msg("aborted in-flight turns")
	}
	s.waitIdle(ctx)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWriteTimeout)
	defer cancel()
	if err := s.cfg.Journal.ClearAll(wctx); err != nil {
		return errors.Wrap(err, "supervisor: clear pending markers")
	}
	s.notify(wctx, notify.KindShutdown, "supervisor stopped", map[string]string{"aborted": fmt.Sprint(len(aborts))})
	return nil
}

// waitIdle blocks until no turn is in flight or ctx is done.
func (s *Supervisor) waitIdle(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(s.ActiveUsers()) > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn().Strs("users", s.ActiveUsers()).Msg("shutdown did not wait for all turns")
			return
		case <-ticker.C:
		}
	}
}

func clipField(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= 200 {
		return s
	}
	return string(r[:200]) + "…"
}
