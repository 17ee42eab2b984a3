// Package memory holds in-process adapters for the pipeline ports. They back
// tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/insider-one/notification-pipeline/internal/ratelimit"
)

type token struct {
	at     time.Time
	member string
}

type window struct {
	tokens    []token
	expiresAt time.Time
}

// CounterStore is a ratelimit.Store over a mutex-guarded map.
type CounterStore struct {
	mu      sync.Mutex
	windows map[string]*window
	// Err, when set, is returned by every call.
	Err error
}

func NewCounterStore() *CounterStore {
	return &CounterStore{windows: make(map[string]*window)}
}

func (s *CounterStore) Admit(_ context.Context, key string, now, windowStart time.Time, limit int, member string, ttl time.Duration) (ratelimit.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return ratelimit.WindowState{}, s.Err
	}

	w, ok := s.windows[key]
	if !ok || (!w.expiresAt.IsZero() && !now.Before(w.expiresAt)) {
		w = &window{}
		s.windows[key] = w
	}
	w.prune(windowStart)

	state := ratelimit.WindowState{Count: len(w.tokens)}
	if state.Count < limit {
		w.tokens = append(w.tokens, token{at: now, member: member})
		sort.SliceStable(w.tokens, func(i, j int) bool { return w.tokens[i].at.Before(w.tokens[j].at) })
		state.Admitted = true
	}
	if len(w.tokens) > 0 {
		state.Oldest = w.tokens[0].at
	}
	w.expiresAt = now.Add(ttl)
	return state, nil
}

func (s *CounterStore) Peek(_ context.Context, key string, windowStart time.Time) (ratelimit.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return ratelimit.WindowState{}, s.Err
	}

	w, ok := s.windows[key]
	if !ok {
		return ratelimit.WindowState{}, nil
	}
	w.prune(windowStart)

	state := ratelimit.WindowState{Count: len(w.tokens)}
	if len(w.tokens) > 0 {
		state.Oldest = w.tokens[0].at
	}
	return state, nil
}

func (s *CounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.windows, key)
	return nil
}

// Len returns the number of live tokens stored under key.
func (s *CounterStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return len(w.tokens)
	}
	return 0
}

// prune drops tokens at or before windowStart.
func (w *window) prune(windowStart time.Time) {
	i := 0
	for i < len(w.tokens) && !w.tokens[i].at.After(windowStart) {
		i++
	}
	w.tokens = w.tokens[i:]
}
