// Package ratelimit implements the per-client-key token bucket. The
// atomic consume-or-reject step lives in ledger.Store
// (ConsumeRateLimitToken, one atomic store call); this package supplies
// the bucket parameters and shapes the result the ingress layer returns.
package ratelimit

import (
	"context"
	"time"

	"github.com/collateralvault/vaultd/internal/ledger"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Remaining float64
	ResetAt   time.Time
}

// Limiter applies one capacity/refill policy across all client keys. A
// distinct Limiter per route lets different endpoints carry different
// policies while sharing the same store-backed bucket mechanism.
type Limiter struct {
	store        ledger.Store
	capacity     float64
	refillPerSec float64
}

// New builds a Limiter with a fixed token-bucket policy.
func New(store ledger.Store, capacity, refillPerSec float64) *Limiter {
	return &Limiter{store: store, capacity: capacity, refillPerSec: refillPerSec}
}

// Allow attempts to consume cost tokens from key's bucket, created lazily
// on first use and never deleted. The bucket is refilled and consumed in
// one atomic store call, so two concurrent callers for the
// same key cannot both consume the last token.
func (l *Limiter) Allow(ctx context.Context, key string, cost float64) (Result, error) {
	allowed, remaining, err := l.store.ConsumeRateLimitToken(ctx, key, cost, l.capacity, l.refillPerSec)
	if err != nil {
		return Result{}, err
	}

	res := Result{Allowed: allowed, Remaining: remaining}
	if !allowed {
		deficit := cost - remaining
		if deficit < 0 {
			deficit = 0
		}
		res.ResetAt = time.Now().UTC().Add(time.Duration(deficit/l.refillPerSec*float64(time.Second)) + time.Nanosecond)
	}
	return res, nil
}

// AnonymousKey is the fixed bucket used when no client identifier can be
// resolved from the request.
const AnonymousKey = "anonymous"

// ResolveKey implements the client identifier preference order: bearer
// token, then API key header, then opaque peer identifier, then the
// fixed anonymous bucket. It takes plain strings so it has no dependency
// on net/http and can be unit tested directly; the HTTP ingress layer
// extracts these values from the request.
func ResolveKey(bearerToken, apiKey, peerIdentifier string) string {
	if bearerToken != "" {
		return "bearer:" + bearerToken
	}
	if apiKey != "" {
		return "apikey:" + apiKey
	}
	if peerIdentifier != "" {
		return "peer:" + peerIdentifier
	}
	return AnonymousKey
}
