package cache

import (
	"context"
	"time"

	"apotekpos/internal/domain"
)

// AvailabilityCache holds short-lived copies of per-medicine availability
// responses. Entries are invalidated whenever a mutation touches the
// underlying stock row, so a stale read survives at most until the next
// mutation or TTL expiry, whichever comes first.
type AvailabilityCache interface {
	Get(ctx context.Context, medicineID string) (*domain.AvailabilityResponse, bool, error)
	Set(ctx context.Context, medicineID string, value *domain.AvailabilityResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, medicineIDs ...string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string) (*domain.AvailabilityResponse, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ *domain.AvailabilityResponse, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
