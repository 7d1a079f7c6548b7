package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// allowance tracks the remaining request budget for one key. The budget
// refills continuously with elapsed time, so a client spreading requests out
// never hits a window edge.
type allowance struct {
	remaining float64
	touched   time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. gridflex
// keys credential checks by client IP and ingestion writes by account email,
// so the map grows with the set of recently active clients; a sweeper drops
// keys idle longer than idleEviction.
//
// State is process-local: each replica grants its own budget.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu    sync.Mutex
	byKey map[string]*allowance

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter granting rps sustained requests per
// second per key, with bursts up to burst. Call Close to stop the sweeper.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSecond: rps,
		capacity:  float64(burst),
		byKey:     make(map[string]*allowance),
		done:      make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow spends one unit of key's budget, refilling it first for the time
// elapsed since the last call. It reports false once the budget is exhausted.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byKey[key]
	if !ok {
		m.byKey[key] = &allowance{remaining: m.capacity - 1, touched: now}
		return true, nil
	}

	a.remaining = math.Min(m.capacity, a.remaining+now.Sub(a.touched).Seconds()*m.perSecond)
	a.touched = now
	if a.remaining < 1 {
		return false, nil
	}
	a.remaining--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const (
	sweepInterval = time.Minute
	idleEviction  = 10 * time.Minute
)

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.dropIdle(time.Now())
		}
	}
}

func (m *MemoryLimiter) dropIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-idleEviction)
	for key, a := range m.byKey {
		if a.touched.Before(cutoff) {
			delete(m.byKey, key)
		}
	}
}
