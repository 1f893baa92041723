package wizard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/store"
)

// Lease is an advisory per-list writer lease. Stage runs hold one so
// two workers grabbing the same list notice each other; it guards
// against doubled work, not against corruption, since step writes are
// idempotent overwrites.
type Lease struct {
	store store.Store
	ttl   time.Duration
}

// NewLease creates a lease keeper with the given TTL.
func NewLease(st store.Store, ttl time.Duration) *Lease {
	return &Lease{store: st, ttl: ttl}
}

// Acquire claims the lease for a list. Returns store.ErrLeaseHeld when
// another holder's lease is still live.
func (l *Lease) Acquire(ctx context.Context, listID string) (string, error) {
	return l.store.ClaimLease(ctx, listID, l.ttl)
}

// Check confirms the token still holds the lease. Returns
// store.ErrLeaseLost when it expired or another writer took over.
func (l *Lease) Check(ctx context.Context, listID, token string) error {
	return l.store.CheckLease(ctx, listID, token)
}

// Release gives the lease up. Failing to release is harmless; the
// lease expires on its own.
func (l *Lease) Release(listID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.ReleaseLease(ctx, listID, token); err != nil {
		zap.L().Warn("lease release failed", zap.String("list_id", listID), zap.Error(err))
	}
}
