package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"powerwatch"
)

// Store is the slice of the persistence layer the reclaimer needs.
type Store interface {
	ReclaimJobs(ctx context.Context, leaseTTL time.Duration, maxAttempts int, now time.Time) (requeued, failed int, err error)
}

// Reclaimer periodically returns expired running jobs to the queue. Any
// replica may run one; the store's write transaction keeps them from
// stepping on each other.
type Reclaimer struct {
	store       Store
	clock       powerwatch.Clock
	leaseTTL    time.Duration
	maxAttempts int
	interval    time.Duration
	id          string
}

func NewReclaimer(store Store, clock powerwatch.Clock, leaseTTL time.Duration, maxAttempts int) *Reclaimer {
	return &Reclaimer{
		store:       store,
		clock:       clock,
		leaseTTL:    leaseTTL,
		maxAttempts: maxAttempts,
		interval:    30 * time.Second,
		id:          uuid.NewString(),
	}
}

// Run loops until ctx is canceled. Errors are logged and the loop continues;
// a missed pass only delays reclamation by one interval.
func (r *Reclaimer) Run(ctx context.Context) error {
	log := slog.With("component", "reclaimer", "worker_id", r.id)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		requeued, failed, err := r.store.ReclaimJobs(ctx, r.leaseTTL, r.maxAttempts, r.clock.Now())
		if err != nil {
			log.Error("reclaim pass failed", "error", err)
			continue
		}
		if requeued > 0 || failed > 0 {
			log.Warn("reclaimed expired jobs", "requeued", requeued, "failed", failed)
		}
	}
}
