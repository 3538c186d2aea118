package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Subscription receives every message published for one user's sessions,
// in publish order per session. Close it when done; a deferred Close covers
// every exit path.
type Subscription struct {
	ID     string
	UserID string

	limit    int
	registry *Registry

	mu      sync.Mutex
	queue   []queued
	dropped int
	lost    map[string]struct{}

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Next returns the next queued message, blocking until one is available,
// the subscription is closed or ctx is done.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			data := s.queue[0].data
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return data, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many messages were evicted because the subscriber
// fell behind.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// TakeLost returns the jobs that had messages evicted since the last call,
// sorted, and forgets them.
func (s *Subscription) TakeLost() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lost) == 0 {
		return nil
	}
	jobs := make([]string, 0, len(s.lost))
	for job := range s.lost {
		jobs = append(jobs, job)
	}
	s.lost = nil
	sort.Strings(jobs)
	return jobs
}

// Pending reports how many messages are queued and not yet taken by Next.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.registry != nil {
			s.registry.unsubscribe(s)
		}
		close(s.done)
	})
}

type queued struct {
	jobID string
	data  []byte
}

// enqueue adds data without blocking the publisher. When the queue is full
// the oldest message is evicted and its job remembered for TakeLost.
func (s *Subscription) enqueue(jobID string, data []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.queue = append(s.queue, queued{jobID: jobID, data: data})
	if s.limit > 0 && len(s.queue) > s.limit {
		excess := len(s.queue) - s.limit
		if s.lost == nil {
			s.lost = make(map[string]struct{})
		}
		for _, q := range s.queue[:excess] {
			s.lost[q.jobID] = struct{}{}
		}
		s.queue = s.queue[excess:]
		s.dropped += excess
		if s.dropped == excess {
			slog.Warn("Relay: subscriber queue full, dropping oldest messages", "subscriptionId", s.ID, "userId", s.UserID)
		}
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
