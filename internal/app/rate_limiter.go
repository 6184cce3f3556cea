package app

import (
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"golang.org/x/time/rate"
)

type bucketKey struct {
	room     domain.RoomID
	identity domain.Identity
}

// RoomRateLimiter is a token bucket per member. The same identity in two rooms has two budgets.
type RoomRateLimiter struct {
	mu       sync.Mutex
	limiters map[bucketKey]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRoomRateLimiter allows perSecond events with the given burst. perSecond <= 0 disables limiting.
func NewRoomRateLimiter(perSecond float64, burst int) *RoomRateLimiter {
	l := rate.Limit(perSecond)
	if perSecond <= 0 {
		l = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RoomRateLimiter{
		limiters: make(map[bucketKey]*rate.Limiter),
		limit:    l,
		burst:    burst,
	}
}

func (rl *RoomRateLimiter) Allow(room domain.RoomID, uid domain.Identity) bool {
	k := bucketKey{room, uid}
	rl.mu.Lock()
	lim, ok := rl.limiters[k]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[k] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket of a member that left the room.
func (rl *RoomRateLimiter) Forget(room domain.RoomID, uid domain.Identity) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, bucketKey{room, uid})
}
