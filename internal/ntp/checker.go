// Package ntp watches wall-clock drift against an NTP pool. Staleness
// windows and quiet hours are wall-clock decisions, so a drifting host clock
// is worth surfacing on the health endpoint.
package ntp

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"powerwatch"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 60 * time.Second
	defaultThreshold = 500 * time.Millisecond
)

// Status is the latest drift measurement.
type Status struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// Checker periodically queries the pool and keeps the latest Status.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     powerwatch.Clock

	// CheckFunc overrides the NTP query in tests.
	CheckFunc func() Status
}

func NewChecker(clock powerwatch.Clock) *Checker {
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		clock:     clock,
	}
}

// Run checks once immediately, then on the interval until ctx is canceled.
func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	if n.CheckFunc != nil {
		n.mu.Lock()
		n.status = n.CheckFunc()
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), CheckedAt: now}
		return
	}
	n.status = Status{
		Offset:    resp.ClockOffset,
		Healthy:   resp.ClockOffset.Abs() < n.threshold,
		CheckedAt: now,
	}
}

// Status returns the latest measurement; zero value before the first check.
func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
