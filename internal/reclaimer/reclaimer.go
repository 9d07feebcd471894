package reclaimer

import (
	"context"
	"log"
	"time"
)

// Sweeper releases held orders whose reservations went stale.
type Sweeper interface {
	ReclaimStaleHeldOrders(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

const (
	DefaultInterval  = time.Hour
	DefaultRetention = 24 * time.Hour
	defaultBatchSize = 100
)

// Reclaimer periodically sweeps stale held orders so abandoned carts do
// not pin reserved stock forever.
type Reclaimer struct {
	svc       Sweeper
	interval  time.Duration
	retention time.Duration
	batchSize int
}

func New(svc Sweeper, interval time.Duration, retention time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Reclaimer{
		svc:       svc,
		interval:  interval,
		retention: retention,
		batchSize: defaultBatchSize,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	log.Printf("[reclaimer] sweeping every %s, retention %s", r.interval, r.retention)

	r.sweepOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[reclaimer] stopped")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reclaimer) sweepOnce(ctx context.Context) {
	reclaimed, err := r.svc.ReclaimStaleHeldOrders(ctx, r.retention, r.batchSize)
	if err != nil {
		log.Printf("[reclaimer] WARN: sweep failed: %v", err)
		return
	}
	if reclaimed > 0 {
		log.Printf("[reclaimer] released %d stale held orders", reclaimed)
	}
}
