package subscriptions

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Resolver answers "what is this owner's live subscription" on the hot
// path: cache first, then the store. Concurrent misses for one owner share a
// single store read.
type Resolver struct {
	store  Store
	cache  Cache
	logger *observability.Logger
	group  singleflight.Group
}

// NewResolver creates a Resolver. A nil cache disables caching.
func NewResolver(store Store, cache Cache, logger *observability.Logger) *Resolver {
	if cache == nil {
		cache = NopCache{}
	}
	return &Resolver{
		store:  store,
		cache:  cache,
		logger: observability.OrNop(logger),
	}
}

// LiveSubscription returns the owner's live subscription or
// ErrNoActiveSubscription. Cache failures fall back to the store.
func (r *Resolver) LiveSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	sub, ok, err := r.cache.Get(ctx, ownerID)
	if err != nil {
		r.logger.WithError(err).WithField("owner_id", ownerID).Warn("Subscription cache read failed")
	} else if ok && sub.IsLive() {
		return sub, nil
	}

	v, err, _ := r.group.Do(ownerID, func() (interface{}, error) {
		sub, err := r.store.GetLiveSubscription(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, sub); err != nil {
			r.logger.WithError(err).WithField("owner_id", ownerID).Warn("Subscription cache write failed")
		}
		return sub, nil
	})
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}
	// Callers sharing the flight must not share the value
	return v.(*Subscription).Clone(), nil
}

// Invalidate drops the owner's cached entry
func (r *Resolver) Invalidate(ctx context.Context, ownerID string) error {
	return r.cache.Invalidate(ctx, ownerID)
}
