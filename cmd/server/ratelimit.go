package main

import (
	"sync"
	"time"
)

// rateLimiter tracks request timestamps per key over a sliding window.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]int64
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{requests: make(map[string][]int64)}
}

// Check reports whether the key has exceeded maxRequests inside the window,
// recording this request when it has not.
func (rl *rateLimiter) Check(key string, windowSeconds int64, maxRequests int) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().Unix()
	cutoff := now - windowSeconds

	if timestamps, ok := rl.requests[key]; ok {
		fresh := make([]int64, 0, len(timestamps))
		for _, t := range timestamps {
			if t > cutoff {
				fresh = append(fresh, t)
			}
		}
		rl.requests[key] = fresh
	}

	count := len(rl.requests[key])
	if count >= maxRequests {
		return true, count
	}

	rl.requests[key] = append(rl.requests[key], now)
	return false, count + 1
}
