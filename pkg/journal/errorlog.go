package journal

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

const DefaultErrorLogLines = 200

// ErrorLog is the durable list of recent turn failures. A crash recovery
// snapshots it into the CrashRecord and then clears it.
type ErrorLog struct {
	mu       sync.Mutex
	store    statestore.Store
	maxLines int
}

func NewErrorLog(store statestore.Store, maxLines int) *ErrorLog {
	if maxLines <= 0 {
		maxLines = DefaultErrorLogLines
	}
	return &ErrorLog{store: store, maxLines: maxLines}
}

// Append adds one line, dropping the oldest lines beyond the bound.
func (l *ErrorLog) Append(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.loadLocked(ctx)
	if err != nil {
		return err
	}
	lines = append(lines, line)
	if len(lines) > l.maxLines {
		lines = lines[len(lines)-l.maxLines:]
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return errors.Wrap(err, "error log: encode")
	}
	if err := l.store.Save(ctx, statestore.KeyErrorLog, b); err != nil {
		return errors.Wrap(err, "error log: save")
	}
	return nil
}

func (l *ErrorLog) Lines(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx)
}

func (l *ErrorLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(ctx, statestore.KeyErrorLog); err != nil {
		return errors.Wrap(err, "error log: clear")
	}
	return nil
}

func (l *ErrorLog) loadLocked(ctx context.Context) ([]string, error) {
	b, ok, err := l.store.Load(ctx, statestore.KeyErrorLog)
	if err != nil {
		return nil, errors.Wrap(err, "error log: load")
	}
	if !ok || len(b) == 0 {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return nil, errors.Wrap(err, "error log: decode")
	}
	return lines, nil
}
