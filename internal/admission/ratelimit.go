package admission

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// StartLimiter throttles how often each user may start generations,
// independently of how many are running.
type StartLimiter struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewStartLimiter creates a limiter allowing perMinute starts per user.
// A non-positive rate disables limiting.
func NewStartLimiter(perMinute int) *StartLimiter {
	return &StartLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may start a generation now.
func (l *StartLimiter) Allow(userID string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	return l.get(userID).Allow()
}

func (l *StartLimiter) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[userID]; ok {
		return limiter
	}
	rps := float64(l.perMinute) / 60.0
	burst := max(1, l.perMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[userID] = limiter

	slog.Debug("Admission: created start limiter",
		"userId", userID,
		"rpm", l.perMinute,
		"burst", burst)
	return limiter
}
