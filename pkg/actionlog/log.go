package actionlog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

const DefaultMaxTurns = 100

// Log records what happens inside turns and keeps the last N finalized turns.
//
// Each user has at most one open turn; finalized turns from all users share a
// single ring buffer persisted as a JSON array, oldest first.
type Log struct {
	mu       sync.Mutex
	store    statestore.Store
	maxTurns int
	now      func() time.Time

	open      map[string]*TurnRecord // turn id -> record
	userTurns map[string]string      // user id -> open turn id
	finalized []TurnRecord
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New loads the persisted ring buffer from store.
func New(ctx context.Context, store statestore.Store, maxTurns int, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, errors.New("action log: store is nil")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	l := &Log{
		store:     store,
		maxTurns:  maxTurns,
		now:       time.Now,
		open:      map[string]*TurnRecord{},
		userTurns: map[string]string{},
	}
	for _, o := range opts {
		o(l)
	}

	b, ok, err := store.Load(ctx, statestore.KeyTurnLog)
	if err != nil {
		return nil, errors.Wrap(err, "action log: load")
	}
	if ok && len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &l.finalized); err != nil {
			// an unreadable audit log must not block startup
			log.Warn().Err(err).Str("component", "actionlog").Msg("discarding unreadable turn log")
			l.finalized = nil
		}
	}
	if len(l.finalized) > l.maxTurns {
		l.finalized = l.finalized[len(l.finalized)-l.maxTurns:]
	}
	return l, nil
}

// StartTurn opens a new record for userID and returns its id. A still-open
// record of the same user is discarded without being finalized.
func (l *Log) StartTurn(userID, prompt string, p params.Params) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.userTurns[userID]; ok {
		delete(l.open, prev)
		log.Debug().Str("component", "actionlog").Str("user_id", userID).Str("turn_id", prev).Msg("discarding unfinalized turn")
	}
	id := uuid.NewString()
	l.open[id] = &TurnRecord{
		ID:        id,
		UserID:    userID,
		StartedAt: l.now(),
		Prompt:    prompt,
		Actions:   []TurnAction{},
		Params:    p.Clone(),
	}
	l.userTurns[userID] = id
	return id
}

// LogAction appends to an open turn. It reports false when the turn is no
// longer open, e.g. a late stream chunk after a watchdog abort.
func (l *Log) LogAction(turnID string, a TurnAction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.open[turnID]
	if !ok {
		return false
	}
	if a.At.IsZero() {
		a.At = l.now()
	}
	rec.Actions = append(rec.Actions, a)
	return true
}

func (l *Log) LogText(turnID, text string) bool {
	return l.LogAction(turnID, TurnAction{Kind: ActionText, Text: text})
}

func (l *Log) LogToolCall(turnID, name string, args map[string]any) bool {
	return l.LogAction(turnID, TurnAction{Kind: ActionToolCall, ToolName: name, ToolArgs: args})
}

func (l *Log) LogToolResult(turnID, name, result string) bool {
	return l.LogAction(turnID, TurnAction{Kind: ActionToolResult, ToolName: name, Result: result})
}

func (l *Log) LogError(turnID, message string) bool {
	return l.LogAction(turnID, TurnAction{Kind: ActionError, Error: message})
}

// EndTurn finalizes and persists the turn. It returns (nil, nil) when the turn
// was already finalized, which keeps racing abort/completion paths from
// finalizing twice.
func (l *Log) EndTurn(ctx context.Context, turnID string, completed bool, abortReason string) (*TurnRecord, error) {
	l.mu.Lock()
	rec, ok := l.open[turnID]
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	delete(l.open, turnID)
	if l.userTurns[rec.UserID] == turnID {
		delete(l.userTurns, rec.UserID)
	}
	rec.DurationMS = l.now().Sub(rec.StartedAt).Milliseconds()
	rec.Completed = completed
	rec.AbortReason = abortReason

	l.finalized = append(l.finalized, *rec)
	if len(l.finalized) > l.maxTurns {
		drop := len(l.finalized) - l.maxTurns
		l.finalized = append([]TurnRecord(nil), l.finalized[drop:]...)
	}
	payload, err := json.Marshal(l.finalized)
	out := rec.clone()
	l.mu.Unlock()

	if err != nil {
		return &out, errors.Wrap(err, "action log: encode")
	}
	if err := l.store.Save(ctx, statestore.KeyTurnLog, payload); err != nil {
		return &out, errors.Wrap(err, "action log: save")
	}
	return &out, nil
}

// CurrentTurn returns a snapshot of userID's open turn with the duration
// measured against now, or nil.
func (l *Log) CurrentTurn(userID string) *TurnRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.userTurns[userID]
	if !ok {
		return nil
	}
	return l.snapshotLocked(id)
}

// Turn returns a live snapshot of an open turn by id, or nil.
func (l *Log) Turn(turnID string) *TurnRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(turnID)
}

func (l *Log) snapshotLocked(turnID string) *TurnRecord {
	rec, ok := l.open[turnID]
	if !ok {
		return nil
	}
	out := rec.clone()
	out.DurationMS = l.now().Sub(rec.StartedAt).Milliseconds()
	return &out
}

// LoggedTurns returns the finalized turns, oldest first.
func (l *Log) LoggedTurns() []TurnRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TurnRecord, len(l.finalized))
	for i := range l.finalized {
		out[i] = l.finalized[i].clone()
	}
	return out
}

// Recent returns up to limit of the newest finalized turns, oldest first.
func (l *Log) Recent(limit int) []TurnRecord {
	all := l.LoggedTurns()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

