package journal

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

// PendingTurnMarker says "a turn for UserID was dispatched and has not finished".
type PendingTurnMarker struct {
	UserID    string    `json:"user_id" yaml:"user_id"`
	Prompt    string    `json:"prompt" yaml:"prompt"`
	WrittenAt time.Time `json:"written_at" yaml:"written_at"`
}

// CrashRecord is appended once per dirty boot and never modified afterwards.
type CrashRecord struct {
	At       time.Time           `json:"at" yaml:"at"`
	UserID   string              `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Prompt   string              `json:"prompt" yaml:"prompt"`
	ErrorLog []string            `json:"error_log" yaml:"error_log"`
	Pending  []PendingTurnMarker `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// Journal is the crash-safe record of in-flight turns plus the crash history.
//
// The pending markers of all users live in one durable blob; its presence at
// process start is what makes a boot dirty.
type Journal struct {
	mu     sync.Mutex
	store  statestore.Store
	errors *ErrorLog
	now    func() time.Time
}

type Option func(*Journal)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

func New(store statestore.Store, errLog *ErrorLog, opts ...Option) (*Journal, error) {
	if store == nil {
		return nil, errors.New("journal: store is nil")
	}
	if errLog == nil {
		errLog = NewErrorLog(store, 0)
	}
	j := &Journal{store: store, errors: errLog, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

func (j *Journal) ErrorLog() *ErrorLog { return j.errors }

// BeginTurn durably records the pending marker for userID.
// It must return before anything is sent to the agent provider.
func (j *Journal) BeginTurn(ctx context.Context, userID, prompt string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	markers, err := j.loadPendingLocked(ctx)
	if err != nil {
		return err
	}
	out := markers[:0]
	for _, m := range markers {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	out = append(out, PendingTurnMarker{UserID: userID, Prompt: prompt, WrittenAt: j.now()})
	return j.savePendingLocked(ctx, out)
}

// EndTurn clears userID's marker. Clearing a missing marker is a no-op.
func (j *Journal) EndTurn(ctx context.Context, userID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	markers, err := j.loadPendingLocked(ctx)
	if err != nil {
		return err
	}
	out := make([]PendingTurnMarker, 0, len(markers))
	for _, m := range markers {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	if len(out) == len(markers) && len(markers) > 0 {
		return nil
	}
	return j.savePendingLocked(ctx, out)
}

// ClearAll removes every pending marker. The graceful shutdown path calls it
// so a deliberate restart is never counted as a crash.
func (j *Journal) ClearAll(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Delete(ctx, statestore.KeyPendingTurns)
}

// Pending lists the markers currently on disk, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]PendingTurnMarker, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadPendingLocked(ctx)
}

// IsDirtyBoot reports whether any marker exists. Only meaningful at process start.
func (j *Journal) IsDirtyBoot(ctx context.Context) (bool, error) {
	markers, err := j.Pending(ctx)
	if err != nil {
		return false, err
	}
	return len(markers) > 0, nil
}

// RecoverCrash turns the leftover markers and the error log into one CrashRecord.
// It returns nil when no marker exists, so repeated calls are harmless.
func (j *Journal) RecoverCrash(ctx context.Context) (*CrashRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	markers, err := j.loadPendingLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(markers) == 0 {
		return nil, nil
	}
	lines, err := j.errors.Lines(ctx)
	if err != nil {
		return nil, err
	}

	latest := markers[len(markers)-1]
	rec := CrashRecord{
		At:       j.now(),
		UserID:   latest.UserID,
		Prompt:   latest.Prompt,
		ErrorLog: lines,
	}
	if rec.ErrorLog == nil {
		rec.ErrorLog = []string{}
	}
	if len(markers) > 1 {
		rec.Pending = append([]PendingTurnMarker(nil), markers...)
	}

	crashes, err := j.loadCrashesLocked(ctx)
	if err != nil {
		return nil, err
	}
	crashes = append(crashes, rec)
	if err := j.saveJSON(ctx, statestore.KeyCrashLog, crashes); err != nil {
		return nil, errors.Wrap(err, "journal: append crash record")
	}
	if err := j.errors.Clear(ctx); err != nil {
		return nil, err
	}
	if err := j.store.Delete(ctx, statestore.KeyPendingTurns); err != nil {
		return nil, errors.Wrap(err, "journal: clear pending markers")
	}

	log.Warn().
		Str("component", "journal").
		Str("user_id", rec.UserID).
		Int("error_lines", len(rec.ErrorLog)).
		Int("crash_count", len(crashes)).
		Msg("recovered crash from dirty boot")
	return &rec, nil
}

// Crashes returns the accumulated crash records, oldest first.
func (j *Journal) Crashes(ctx context.Context) ([]CrashRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadCrashesLocked(ctx)
}

// ResetCrashes wipes the crash history. This is the manual intervention that
// re-arms a tripped circuit breaker.
func (j *Journal) ResetCrashes(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Delete(ctx, statestore.KeyCrashLog)
}

func (j *Journal) loadPendingLocked(ctx context.Context) ([]PendingTurnMarker, error) {
	var markers []PendingTurnMarker
	if _, err := j.loadJSON(ctx, statestore.KeyPendingTurns, &markers); err != nil {
		return nil, errors.Wrap(err, "journal: load pending markers")
	}
	sort.SliceStable(markers, func(a, b int) bool { return markers[a].WrittenAt.Before(markers[b].WrittenAt) })
	return markers, nil
}

func (j *Journal) savePendingLocked(ctx context.Context, markers []PendingTurnMarker) error {
	if len(markers) == 0 {
		if err := j.store.Delete(ctx, statestore.KeyPendingTurns); err != nil {
			return errors.Wrap(err, "journal: clear pending markers")
		}
		return nil
	}
	if err := j.saveJSON(ctx, statestore.KeyPendingTurns, markers); err != nil {
		return errors.Wrap(err, "journal: save pending markers")
	}
	return nil
}

func (j *Journal) loadCrashesLocked(ctx context.Context) ([]CrashRecord, error) {
	var crashes []CrashRecord
	if _, err := j.loadJSON(ctx, statestore.KeyCrashLog, &crashes); err != nil {
		return nil, errors.Wrap(err, "journal: load crash log")
	}
	return crashes, nil
}

func (j *Journal) loadJSON(ctx context.Context, key string, out any) (bool, error) {
	b, ok, err := j.store.Load(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return true, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func (j *Journal) saveJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return j.store.Save(ctx, key, b)
}
