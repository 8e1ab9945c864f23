// Package ratecontrol paces outbound calls to model providers so a
// chatty voting panel cannot blow through a provider's request quota.
package ratecontrol

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one token-bucket limiter per participant id.
// Limiters survive configuration reloads for ids whose rate is
// unchanged, so in-flight pacing is not reset by a reload.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter *rate.Limiter
	rpm     int
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*entry)}
}

// Wait blocks until the participant may make a call, or the context is
// done. A requestsPerMinute of 0 or less means unlimited and returns
// immediately.
func (r *Registry) Wait(ctx context.Context, participantID string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return nil
	}
	return r.limiterFor(participantID, requestsPerMinute).Wait(ctx)
}

// Allow reports whether a call may proceed right now without waiting.
func (r *Registry) Allow(participantID string, requestsPerMinute int) bool {
	if requestsPerMinute <= 0 {
		return true
	}
	return r.limiterFor(participantID, requestsPerMinute).Allow()
}

func (r *Registry) limiterFor(id string, rpm int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.limiters[id]
	if !ok || e.rpm != rpm {
		// burst of 1: votes are dispatched once per round, smoothing
		// matters more than bursts
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
			rpm:     rpm,
		}
		r.limiters[id] = e
	}
	return e.limiter
}

// Forget drops the limiter for a participant removed from the panel.
func (r *Registry) Forget(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, participantID)
}
