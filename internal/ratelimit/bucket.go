// Package ratelimit throttles outbound exchange requests with token buckets.
//
// A [Bucket] holds up to Capacity tokens and refills continuously at
// Capacity/Interval; each admitted request consumes one token. A [Registry]
// maps request paths onto buckets by configured path prefix so that each
// endpoint group is limited independently while every unmatched path shares
// one default bucket.
//
// All types are safe for concurrent use.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidConfig is returned when a bucket is configured with a
// non-positive capacity or interval.
var ErrInvalidConfig = errors.New("ratelimit: invalid bucket configuration")

// Limit describes the throughput allowed for one bucket: Requests tokens per
// Interval.
type Limit struct {
	Requests int
	Interval time.Duration
}

// Validate reports whether l describes a usable bucket.
func (l Limit) Validate() error {
	if l.Requests <= 0 {
		return fmt.Errorf("%w: capacity %d must be positive", ErrInvalidConfig, l.Requests)
	}
	if l.Interval <= 0 {
		return fmt.Errorf("%w: interval %v must be positive", ErrInvalidConfig, l.Interval)
	}
	return nil
}

// Bucket is a lazily refilled token bucket. It starts full.
type Bucket struct {
	limit   Limit
	limiter *rate.Limiter
}

// BucketStats is a point-in-time snapshot of a [Bucket].
type BucketStats struct {
	Capacity  int           `json:"capacity"`
	Interval  time.Duration `json:"interval"`
	Available float64       `json:"available_tokens"`
}

// NewBucket creates a full bucket for l. It returns [ErrInvalidConfig] when
// the capacity or interval is zero or negative.
func NewBucket(l Limit) (*Bucket, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	perSecond := float64(l.Requests) / l.Interval.Seconds()
	return &Bucket{
		limit:   l,
		limiter: rate.NewLimiter(rate.Limit(perSecond), l.Requests),
	}, nil
}

// Wait blocks until a token is available and consumes it. It only returns an
// error when ctx is cancelled or its deadline cannot be met.
func (b *Bucket) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: wait: %w", err)
	}
	return nil
}

// Allow consumes a token if one is available right now and reports whether
// it did.
func (b *Bucket) Allow() bool {
	return b.limiter.Allow()
}

// Limit returns the configuration the bucket was created with.
func (b *Bucket) Limit() Limit {
	return b.limit
}

// Stats returns the bucket's capacity and the tokens currently available.
func (b *Bucket) Stats() BucketStats {
	return BucketStats{
		Capacity:  b.limit.Requests,
		Interval:  b.limit.Interval,
		Available: b.limiter.Tokens(),
	}
}
