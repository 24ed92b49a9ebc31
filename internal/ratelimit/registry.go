package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultKey is the registry key of the bucket shared by all paths that match
// no configured prefix.
const DefaultKey = "default"

// EndpointLimit binds a [Limit] to every request path starting with Prefix.
type EndpointLimit struct {
	Prefix string
	Limit  Limit
}

// Registry hands out one [Bucket] per configured endpoint prefix. Buckets are
// created on first use and reused afterwards.
type Registry struct {
	endpoints []EndpointLimit
	fallback  Limit

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry validates every limit up front so that misconfiguration fails
// at startup rather than on the first request. Prefixes are matched in the
// order given.
func NewRegistry(fallback Limit, endpoints ...EndpointLimit) (*Registry, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default limit: %w", err)
	}
	seen := make(map[string]struct{}, len(endpoints))
	for i, e := range endpoints {
		if e.Prefix == "" {
			return nil, fmt.Errorf("%w: endpoints[%d] has an empty prefix", ErrInvalidConfig, i)
		}
		if _, dup := seen[e.Prefix]; dup {
			return nil, fmt.Errorf("%w: endpoints[%d] duplicates prefix %q", ErrInvalidConfig, i, e.Prefix)
		}
		seen[e.Prefix] = struct{}{}
		if err := e.Limit.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", e.Prefix, err)
		}
	}

	eps := make([]EndpointLimit, len(endpoints))
	copy(eps, endpoints)
	return &Registry{
		endpoints: eps,
		fallback:  fallback,
		buckets:   make(map[string]*Bucket),
	}, nil
}

// Match returns the key and limit that apply to path. The first configured
// prefix that path starts with wins; otherwise the default limit applies
// under [DefaultKey].
func (r *Registry) Match(path string) (string, Limit) {
	for _, e := range r.endpoints {
		if strings.HasPrefix(path, e.Prefix) {
			return e.Prefix, e.Limit
		}
	}
	return DefaultKey, r.fallback
}

// BucketFor returns the bucket governing path, creating it on first use.
func (r *Registry) BucketFor(path string) *Bucket {
	key, limit := r.Match(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[key]; ok {
		return b
	}
	// Limits were validated in NewRegistry.
	b, _ := NewBucket(limit)
	r.buckets[key] = b
	return b
}

// Wait blocks until the bucket for path admits one request.
func (r *Registry) Wait(ctx context.Context, path string) error {
	return r.BucketFor(path).Wait(ctx)
}

// Stats returns a snapshot of every configured bucket, keyed by prefix and
// [DefaultKey]. Buckets that have not served a request yet report full.
func (r *Registry) Stats() map[string]BucketStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BucketStats, len(r.endpoints)+1)
	out[DefaultKey] = r.statsLocked(DefaultKey, r.fallback)
	for _, e := range r.endpoints {
		out[e.Prefix] = r.statsLocked(e.Prefix, e.Limit)
	}
	return out
}

func (r *Registry) statsLocked(key string, l Limit) BucketStats {
	if b, ok := r.buckets[key]; ok {
		return b.Stats()
	}
	return BucketStats{Capacity: l.Requests, Interval: l.Interval, Available: float64(l.Requests)}
}
