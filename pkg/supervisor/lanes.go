package supervisor

import (
	"context"
	"time"

	"github.com/go-go-golems/turnguard/pkg/provider"
)

const (
	DefaultEvictIdle     = 30 * time.Minute
	DefaultEvictInterval = time.Minute
)

// lane is the per-user state: the busy flag that serializes turns, the
// user's provider instance and, for stateless providers, recent exchanges.
type lane struct {
	userID string

	// guarded by Supervisor.mu
	busy         bool
	lastActivity time.Time
	abort        func()

	// only touched by the goroutine holding the busy flag
	provider provider.Provider
	history  []exchange
}

// acquire marks the user's lane busy or fails with ErrAlreadyProcessing.
func (s *Supervisor) acquire(userID string) (*lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}
	l, ok := s.lanes[userID]
	if !ok {
		l = &lane{userID: userID}
		s.lanes[userID] = l
	}
	if l.busy {
		return nil, ErrAlreadyProcessing
	}
	l.busy = true
	l.lastActivity = s.now()
	return l, nil
}

func (s *Supervisor) release(l *lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.busy = false
	l.abort = nil
	l.lastActivity = s.now()
}

func (s *Supervisor) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Supervisor) setAbort(l *lane, abort func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.abort = abort
}

// IsProcessing reports whether userID has a turn in flight.
func (s *Supervisor) IsProcessing(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[userID]
	return ok && l.busy
}

// ActiveUsers lists users with a turn in flight.
func (s *Supervisor) ActiveUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, l := range s.lanes {
		if l.busy {
			out = append(out, id)
		}
	}
	return out
}

func (s *Supervisor) SetEvictionConfig(idle, interval time.Duration) {
	s.mu.Lock()
	s.evictIdle = idle
	s.evictInterval = interval
	s.mu.Unlock()
}

// StartEvictionLoop drops idle lanes until ctx is done. It is a no-op when
// eviction is disabled or the loop already runs.
func (s *Supervisor) StartEvictionLoop(ctx context.Context) {
	if ctx == nil {
		panic("supervisor: StartEvictionLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.evictRunning {
		s.mu.Unlock()
		return
	}
	idle := s.evictIdle
	interval := s.evictInterval
	if idle <= 0 || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	s.mu.Unlock()

	go s.runEvictionLoop(ctx, interval)
}

func (s *Supervisor) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.evictRunning = false
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := s.evictIdleOnce(now); n > 0 {
				s.logger.Debug().Int("evicted", n).Msg("evicted idle user lanes")
			}
		}
	}
}

func (s *Supervisor) evictIdleOnce(now time.Time) int {
	if now.IsZero() {
		now = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.evictIdle
	if idle <= 0 {
		return 0
	}
	evicted := 0
	for id, l := range s.lanes {
		if !shouldEvictLane(now, idle, l) {
			continue
		}
		delete(s.lanes, id)
		evicted++
	}
	return evicted
}

func shouldEvictLane(now time.Time, idle time.Duration, l *lane) bool {
	if l.busy {
		return false
	}
	if l.lastActivity.IsZero() {
		return false
	}
	return now.Sub(l.lastActivity) >= idle
}
