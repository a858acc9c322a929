// Package params holds the runtime parameters applied to a turn.
//
// There are two layers: the current values, effective immediately, and the
// defaults, which are persisted and seed the current layer at process start.
// Values are a flat key/value bag; the store does not validate semantics.
package params

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
)

const (
	KeyTimeout     = "timeout"
	KeyModel       = "model"
	KeyTemperature = "temperature"
	KeyMaxTokens   = "max_tokens"
)

// DefaultTimeout applies when no timeout is set or it cannot be interpreted.
const DefaultTimeout = 10 * time.Minute

// Params is a snapshot of runtime parameters.
type Params map[string]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Timeout interprets the timeout key. Durations and duration strings are taken
// as-is; bare numbers are seconds.
func (p Params) Timeout(fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultTimeout
	}
	v, ok := p[KeyTimeout]
	if !ok || v == nil {
		return fallback
	}
	var d time.Duration
	switch tv := v.(type) {
	case time.Duration:
		d = tv
	case string:
		s := strings.TrimSpace(tv)
		if parsed, err := time.ParseDuration(s); err == nil {
			d = parsed
		} else if secs, err := cast.ToFloat64E(s); err == nil {
			d = time.Duration(secs * float64(time.Second))
		}
	default:
		if secs, err := cast.ToFloat64E(tv); err == nil {
			d = time.Duration(secs * float64(time.Second))
		}
	}
	if d <= 0 {
		return fallback
	}
	return d
}

func (p Params) Model() string {
	return cast.ToString(p[KeyModel])
}

// Temperature returns ok=false when unset or not numeric.
func (p Params) Temperature() (float64, bool) {
	v, ok := p[KeyTemperature]
	if !ok {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (p Params) MaxTokens() int {
	n, err := cast.ToIntE(p[KeyMaxTokens])
	if err != nil {
		return 0
	}
	return n
}

// Store owns the current and default parameter layers.
type Store struct {
	mu              sync.RWMutex
	store           statestore.Store
	current         Params
	defaults        Params
	fallbackTimeout time.Duration
}

// NewStore loads persisted defaults and seeds the current layer from them.
// builtin provides values used when nothing was ever saved.
func NewStore(ctx context.Context, store statestore.Store, builtin Params, fallbackTimeout time.Duration) (*Store, error) {
	if store == nil {
		return nil, errors.New("params: store is nil")
	}
	if fallbackTimeout <= 0 {
		fallbackTimeout = DefaultTimeout
	}
	s := &Store{store: store, fallbackTimeout: fallbackTimeout}

	defaults, err := s.loadDefaults(ctx)
	if err != nil {
		return nil, err
	}
	if defaults == nil {
		defaults = builtin.Clone()
	}
	s.defaults = defaults
	s.current = defaults.Clone()
	return s, nil
}

func (s *Store) Get() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

func (s *Store) Defaults() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults.Clone()
}

// Set overwrites one current value. A nil value removes the key.
func (s *Store) Set(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.current, key)
		return
	}
	s.current[key] = value
}

func (s *Store) SetMany(partial map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range partial {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == nil {
			delete(s.current, k)
			continue
		}
		s.current[k] = v
	}
}

// SaveAsDefaults copies current into defaults and persists them.
func (s *Store) SaveAsDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.current.Clone()
	b, err := yaml.Marshal(map[string]any(snapshot))
	if err != nil {
		return errors.Wrap(err, "params: encode defaults")
	}
	if err := s.store.Save(ctx, statestore.KeyParamsDefaults, b); err != nil {
		return errors.Wrap(err, "params: save defaults")
	}
	s.defaults = snapshot
	return nil
}

// ResetToDefaults discards current values in favour of the defaults.
func (s *Store) ResetToDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.defaults.Clone()
}

// Timeout is the effective turn timeout, falling back when unset.
func (s *Store) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Timeout(s.fallbackTimeout)
}

func (s *Store) loadDefaults(ctx context.Context) (Params, error) {
	b, ok, err := s.store.Load(ctx, statestore.KeyParamsDefaults)
	if err != nil {
		return nil, errors.Wrap(err, "params: load defaults")
	}
	if !ok || len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "params: decode defaults")
	}
	if m == nil {
		m = map[string]any{}
	}
	return Params(m), nil
}
