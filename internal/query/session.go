package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session feeds one input stream to an engine. Every new input supersedes
// the previous query: it is cancelled and released in the background, and
// only the current query is delivered.
type Session struct {
	engine  *Engine
	deliver func(*Query)

	mu      sync.Mutex
	current *Query
	closed  bool

	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewSession creates a session. deliver is called from worker goroutines
// each time the current query changes and once when it finished.
func NewSession(e *Engine, deliver func(*Query)) *Session {
	return &Session{engine: e, deliver: deliver}
}

// Query supersedes the current query with one for input. It returns nil
// once the session is closed.
func (s *Session) Query(input string) *Query {
	q := s.engine.prepare(input)
	q.setOnChange(s.changed)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		q.Cancel()
		return nil
	}
	prev := s.current
	s.current = q
	s.mu.Unlock()

	if prev != nil {
		s.release(prev)
	}
	s.engine.start(q)
	return q
}

// Current returns the current query, or nil.
func (s *Session) Current() *Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Pending returns the number of superseded queries still running.
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

func (s *Session) changed(q *Query) {
	s.mu.Lock()
	current := s.current == q
	s.mu.Unlock()
	if current && s.deliver != nil {
		s.deliver(q)
	}
}

// release cancels q and waits for its worker in the background.
func (s *Session) release(q *Query) {
	q.Cancel()
	s.pending.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Add(-1)

		timeout := s.engine.config.ReleaseTimeout
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := q.Wait(ctx); err == nil {
			return
		}
		start := time.Now()
		s.engine.log.Warn("query %s (%q) still running %s after cancellation", q.ID(), q.Input(), timeout)
		<-q.Done()
		s.engine.log.Debug("query %s released after %s", q.ID(), time.Since(start)+timeout)
	}()
}

// Close cancels the current query and waits until every query of the
// session finished or ctx is done.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		s.release(cur)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
