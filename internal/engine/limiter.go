package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// sweepEvery is how many Allow calls pass between sweeps of idle buckets.
const sweepEvery = 1024

// userLimiter is a token bucket per user. Buckets that have refilled
// completely carry no state worth keeping and are swept periodically.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[ticket.UserID]*rate.Limiter
	calls   int
}

func newUserLimiter(every time.Duration, burst int) *userLimiter {
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit:   rate.Every(every),
		burst:   burst,
		buckets: make(map[ticket.UserID]*rate.Limiter),
	}
}

// Allow reports whether user may send a message at now.
func (l *userLimiter) Allow(user ticket.UserID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[user]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[user] = b
	}
	return b.AllowN(now, 1)
}

func (l *userLimiter) sweepLocked(now time.Time) {
	for user, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, user)
		}
	}
}

func (l *userLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
