package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultBacklogSize is the default number of messages kept per session
	// for subscribers that attach late.
	DefaultBacklogSize = 5000
	// DefaultSubscriberQueueSize is the default number of undelivered
	// messages a subscriber may accumulate.
	DefaultSubscriberQueueSize = 1024
)

// Config holds relay sizing.
type Config struct {
	BacklogSize         int
	SubscriberQueueSize int
}

// Registry owns every live Session and every browser Subscription.
//
// Lock order is registry then session. Publishing holds the registry read
// lock while it appends to a session backlog and fans out, and Subscribe
// holds the write lock while it replays backlogs, so a new subscriber sees
// each message exactly once.
type Registry struct {
	config Config

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string]map[string]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = DefaultBacklogSize
	}
	if cfg.SubscriberQueueSize <= 0 {
		cfg.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
	return &Registry{
		config:   cfg,
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[string]*Subscription),
	}
}

// Register creates the session for jobID. Registering a job twice fails so
// that a generation never has two sessions.
func (r *Registry) Register(jobID string, generationID int64, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[jobID]; ok {
		return nil, fmt.Errorf("%s: %w", jobID, ErrSessionExists)
	}
	s := newSession(jobID, generationID, userID, r.config.BacklogSize)
	r.sessions[jobID] = s
	slog.Debug("Relay: session registered", "jobId", jobID, "userId", userID)
	return s, nil
}

// Get returns the session for jobID.
func (r *Registry) Get(jobID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jobID]
	return s, ok
}

// Remove destroys the session for jobID and closes its container socket.
// Removing an unknown job is a no-op.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	s, ok := r.sessions[jobID]
	delete(r.sessions, jobID)
	r.mu.Unlock()
	if ok {
		s.close()
		slog.Debug("Relay: session removed", "jobId", jobID)
	}
}

// Active returns the job ids of every registered session, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Publish buffers data on the job's session and delivers it to every
// subscriber of the owning user.
func (r *Registry) Publish(jobID string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return fmt.Errorf("%s: %w", jobID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessage(data)
	for _, sub := range r.subs[s.UserID] {
		sub.enqueue(jobID, data)
	}
	return nil
}

// Notify delivers data to every subscriber of userID without buffering it
// on any session. Used for messages that outlive a session, such as the
// final state of a torn-down generation.
func (r *Registry) Notify(userID, jobID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs[userID] {
		sub.enqueue(jobID, data)
	}
}

// Subscribe attaches a new subscriber for userID. The backlog of each of the
// user's live sessions is queued first, oldest session first.
func (r *Registry) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		UserID:   userID,
		limit:    r.config.SubscriberQueueSize,
		registry: r,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owned := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.UserID == userID {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].GenerationID < owned[j].GenerationID })

	// Replay bypasses the queue limit; a large backlog is delivered whole.
	for _, s := range owned {
		s.mu.Lock()
		for _, m := range s.backlog {
			sub.queue = append(sub.queue, queued{jobID: s.JobID, data: m.Data})
		}
		s.mu.Unlock()
	}
	if len(sub.queue) > 0 {
		sub.notify <- struct{}{}
	}

	if r.subs[userID] == nil {
		r.subs[userID] = make(map[string]*Subscription)
	}
	r.subs[userID][sub.ID] = sub
	slog.Debug("Relay: subscriber attached", "subscriptionId", sub.ID, "userId", userID, "replayed", len(sub.queue))
	return sub
}

// Subscribers returns the number of live subscriptions for userID.
func (r *Registry) Subscribers(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[userID])
}

func (r *Registry) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.subs[sub.UserID]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(r.subs, sub.UserID)
		}
	}
}

// Close removes every session and closes every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	subs := r.subs
	r.sessions = make(map[string]*Session)
	r.subs = make(map[string]map[string]*Subscription)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	for _, m := range subs {
		for _, sub := range m {
			// Already unregistered above; only signal the consumer.
			sub.once.Do(func() { close(sub.done) })
		}
	}
}
