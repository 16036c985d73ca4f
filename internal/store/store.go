// Package store defines the dispatch log: one record per (event, destination)
// pair, used to suppress duplicate sends and to track retries.
package store

import (
	"context"
	"time"

	"chatrelay/internal/domain"
)

// DispatchLog is implemented by the Postgres and SQLite stores.
type DispatchLog interface {
	// Claim takes the lease on key. It creates a pending record with
	// attempt_count 1, or re-claims a pending record whose lease has lapsed
	// and increments attempt_count. A terminal record, or a pending one
	// leased by someone else, is returned with claimed=false.
	Claim(ctx context.Context, key domain.DispatchKey, now time.Time, lease time.Duration) (rec domain.DispatchRecord, claimed bool, err error)

	MarkSuccess(ctx context.Context, key domain.DispatchKey, latency time.Duration, now time.Time) error
	// MarkPending records a retryable failure and releases the lease.
	MarkPending(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error
	MarkFailed(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error
	// Release drops the lease without a verdict and takes back the attempt
	// counted by Claim, for attempts that never reached the destination.
	Release(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error

	Get(ctx context.Context, key domain.DispatchKey) (domain.DispatchRecord, bool, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.DispatchRecord, error)
	Ping(ctx context.Context) error
}

// NullIfEmpty maps "" to SQL NULL.
func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
