// Package idempotency deduplicates caller requests by key. A record is
// keyed by SHA-256 of the caller's key and carries a bounded TTL, so a
// retried request maps onto the original run instead of starting a new one.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Record status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TTL bounds, seconds. Caller-supplied TTLs are clamped into [MinTTL, MaxTTL].
const (
	DefaultTTL = 86400
	MinTTL     = 60
	MaxTTL     = 604800
)

// Record is one deduplicated request.
type Record struct {
	KeyHash     string         `json:"keyHash"`
	Key         string         `json:"key"`
	TenantID    string         `json:"tenantId"`
	Status      string         `json:"status"`
	RunID       string         `json:"runId,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	PayloadHash string         `json:"payloadHash,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r Record) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// CheckResult is the outcome of CheckAndSet.
type CheckResult struct {
	IsNew  bool
	Record Record
}

// Store is the idempotency backend. CheckAndSet is linearizable per key.
type Store interface {
	// CheckAndSet atomically claims key for tenantID. If a live record
	// exists and the caller supplies a payload hash that differs from
	// the stored one (including a record stored without any hash), it
	// fails with a collision fault; otherwise the existing record is
	// returned with IsNew=false. A caller with no hash skips the check.
	CheckAndSet(ctx context.Context, key, tenantID string, ttlSeconds int, payloadHash string) (CheckResult, error)
	Complete(ctx context.Context, keyHash, runID string, result map[string]any) error
	Fail(ctx context.Context, keyHash, errMsg string) error
	Get(ctx context.Context, key string) (Record, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Cleanup removes up to batch expired records and returns the count
	// removed. batch <= 0 means no limit.
	Cleanup(ctx context.Context, batch int) (int, error)
}

// HashKey returns the hex SHA-256 of a caller key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// TTLBounds is the clamp range a store applies to caller-supplied TTLs,
// in seconds. The zero value means the built-in range.
type TTLBounds struct {
	Default int
	Min     int
	Max     int
}

// DefaultTTLBounds returns the built-in TTL range.
func DefaultTTLBounds() TTLBounds {
	return TTLBounds{Default: DefaultTTL, Min: MinTTL, Max: MaxTTL}
}

// Clamp normalizes a caller-supplied TTL into the bounds. Zero or
// negative means the default.
func (b TTLBounds) Clamp(ttlSeconds int) int {
	if b.Default <= 0 || b.Min <= 0 || b.Max < b.Min {
		b = DefaultTTLBounds()
	}
	switch {
	case ttlSeconds <= 0:
		return b.Default
	case ttlSeconds < b.Min:
		return b.Min
	case ttlSeconds > b.Max:
		return b.Max
	}
	return ttlSeconds
}

// ClampTTL normalizes a caller-supplied TTL into the built-in bounds.
func ClampTTL(ttlSeconds int) int { return DefaultTTLBounds().Clamp(ttlSeconds) }

func collisionErr(key string) error {
	return fault.Newf(fault.CodeIdempotencyCollision,
		"key %s already claimed with a different payload", key)
}
