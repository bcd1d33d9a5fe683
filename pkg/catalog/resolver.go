// Package catalog resolves generation reference ids to display assets via the
// external catalog lookup service, with a shared TTL cache in front.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stylehive/stylist/pkg/metrics"
)

// ErrNotFound is returned when the catalog has no asset for a reference id.
// Not-found results are never cached so the next mention retries the lookup.
var ErrNotFound = errors.New("catalog: reference not found")

// ResolvedReference maps a catalog reference id to its display asset.
// Immutable once created.
type ResolvedReference struct {
	ReferenceID string `json:"reference_id"`
	DisplayURL  string `json:"display_url"`
}

// Resolver resolves one reference id.
type Resolver interface {
	Resolve(ctx context.Context, referenceID string) (ResolvedReference, error)
}

// LookupClient is the narrow external catalog interface.
type LookupClient interface {
	Lookup(ctx context.Context, referenceID string) (ResolvedReference, error)
}

const (
	DefaultCacheTTL   = 10 * time.Hour
	DefaultCacheLimit = 4096
)

type cacheEntry struct {
	ref       ResolvedReference
	expiresAt time.Time
}

// CachingResolver fronts a LookupClient with a bounded TTL cache. The cache is
// shared across sessions; last-writer-wins is fine because a reference id
// always resolves to the same asset.
type CachingResolver struct {
	client  LookupClient
	ttl     time.Duration
	limit   int
	metrics metrics.Sink
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

var _ Resolver = &CachingResolver{}

type ResolverOption func(*CachingResolver)

func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *CachingResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithCacheLimit(limit int) ResolverOption {
	return func(r *CachingResolver) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

func WithMetrics(sink metrics.Sink) ResolverOption {
	return func(r *CachingResolver) { r.metrics = metrics.OrNop(sink) }
}

func WithClock(now func() time.Time) ResolverOption {
	return func(r *CachingResolver) {
		if now != nil {
			r.now = now
		}
	}
}

func NewCachingResolver(client LookupClient, opts ...ResolverOption) (*CachingResolver, error) {
	if client == nil {
		return nil, errors.New("catalog: lookup client is nil")
	}
	r := &CachingResolver{
		client:  client,
		ttl:     DefaultCacheTTL,
		limit:   DefaultCacheLimit,
		metrics: metrics.Nop{},
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *CachingResolver) Resolve(ctx context.Context, referenceID string) (ResolvedReference, error) {
	if r == nil {
		return ResolvedReference{}, errors.New("catalog: resolver is not initialized")
	}
	if referenceID == "" {
		return ResolvedReference{}, ErrNotFound
	}
	if ref, ok := r.cached(referenceID); ok {
		r.metrics.CacheHit(referenceID)
		return ref, nil
	}
	r.metrics.CacheMiss(referenceID)

	ref, err := r.client.Lookup(ctx, referenceID)
	if err != nil {
		return ResolvedReference{}, err
	}
	if ref.DisplayURL == "" {
		return ResolvedReference{}, ErrNotFound
	}
	ref.ReferenceID = referenceID
	r.store(referenceID, ref)
	return ref, nil
}

// ResolveAll resolves each id independently; a failed sibling is skipped and
// logged, it never blocks the rest.
func ResolveAll(ctx context.Context, r Resolver, ids []string) []ResolvedReference {
	if r == nil || len(ids) == 0 {
		return nil
	}
	out := make([]ResolvedReference, 0, len(ids))
	for _, id := range ids {
		ref, err := r.Resolve(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("component", "catalog").Str("reference_id", id).Msg("reference resolution failed")
			continue
		}
		out = append(out, ref)
	}
	return out
}

func (r *CachingResolver) cached(referenceID string) (ResolvedReference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[referenceID]
	if !ok {
		return ResolvedReference{}, false
	}
	if r.now().After(e.expiresAt) {
		delete(r.entries, referenceID)
		return ResolvedReference{}, false
	}
	return e.ref, true
}

func (r *CachingResolver) store(referenceID string, ref ResolvedReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.limit {
		r.evictLocked()
	}
	r.entries[referenceID] = cacheEntry{ref: ref, expiresAt: r.now().Add(r.ttl)}
}

// evictLocked drops expired entries first, then the entry closest to expiry
// if the cache is still full.
func (r *CachingResolver) evictLocked() {
	now := r.now()
	for id, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, id)
		}
	}
	if len(r.entries) < r.limit {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, e := range r.entries {
		if oldestID == "" || e.expiresAt.Before(oldest) {
			oldestID = id
			oldest = e.expiresAt
		}
	}
	if oldestID != "" {
		delete(r.entries, oldestID)
	}
}

// Len reports the current cache population.
func (r *CachingResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
