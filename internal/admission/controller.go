// Package admission gates how many generations a user may run at once.
package admission

import (
	"log/slog"
	"sort"
	"sync"
)

// Decision is the outcome of TryAdmit. A rejection is a normal result and
// carries the counts the caller needs to decide whether to wait.
type Decision struct {
	Admitted      bool `json:"admitted"`
	ActiveCount   int  `json:"activeCount"`
	MaxConcurrent int  `json:"maxConcurrent"`
}

// Limits describes how the effective limit was derived.
type Limits struct {
	Configured int
	Effective  int
	// Clamped is set when the credential pool is smaller than the
	// configured maximum.
	Clamped bool
}

// Controller is the per-user concurrency ledger.
type Controller struct {
	limits Limits

	mu     sync.Mutex
	active map[string]int
}

// New creates a controller. When capacity is bounded (pooled credentials)
// the effective limit is min(configuredMax, capacity).
func New(configuredMax, capacity int, bounded bool) *Controller {
	if configuredMax < 1 {
		configuredMax = 1
	}
	limits := Limits{Configured: configuredMax, Effective: configuredMax}
	if bounded && capacity < configuredMax {
		limits.Effective = capacity
		limits.Clamped = true
		slog.Warn("Admission: concurrency limit clamped to credential pool size",
			"configured", configuredMax,
			"poolSize", capacity,
			"effective", capacity)
	}
	return &Controller{
		limits: limits,
		active: make(map[string]int),
	}
}

// Limits returns the configured and effective limits.
func (c *Controller) Limits() Limits {
	return c.limits
}

// TryAdmit atomically checks and increments the user's active count.
func (c *Controller) TryAdmit(userID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.active[userID]
	if n >= c.limits.Effective {
		return Decision{Admitted: false, ActiveCount: n, MaxConcurrent: c.limits.Effective}
	}
	c.active[userID] = n + 1
	return Decision{Admitted: true, ActiveCount: n + 1, MaxConcurrent: c.limits.Effective}
}

// Release decrements the user's active count. Counts never go negative.
func (c *Controller) Release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.active[userID]
	switch {
	case n <= 0:
		slog.Warn("Admission: release without matching admit", "userId", userID)
	case n == 1:
		delete(c.active, userID)
	default:
		c.active[userID] = n - 1
	}
}

// Active returns the user's current count.
func (c *Controller) Active(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[userID]
}

// Snapshot returns the user's counts without admitting.
func (c *Controller) Snapshot(userID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.active[userID]
	return Decision{Admitted: n < c.limits.Effective, ActiveCount: n, MaxConcurrent: c.limits.Effective}
}

// Total returns the number of admitted generations across all users.
func (c *Controller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.active {
		total += n
	}
	return total
}

// Reconcile replaces the ledger with counts recomputed from the live
// generations and returns the users whose count had drifted.
func (c *Controller) Reconcile(counts map[string]int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drifted []string
	for user, n := range c.active {
		if counts[user] != n {
			drifted = append(drifted, user)
		}
	}
	for user, n := range counts {
		if _, ok := c.active[user]; !ok && n != 0 {
			drifted = append(drifted, user)
		}
	}
	sort.Strings(drifted)

	for _, user := range drifted {
		slog.Warn("Admission: ledger drift corrected", "userId", user, "ledger", c.active[user], "actual", counts[user])
	}

	c.active = make(map[string]int, len(counts))
	for user, n := range counts {
		if n > 0 {
			c.active[user] = n
		}
	}
	return drifted
}
