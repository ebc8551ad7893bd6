// ABOUTME: Store interface and record types for session result history.
// ABOUTME: The controller records every inbound result for later inspection.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no result exists for a plan id.
var ErrNotFound = errors.New("not found")

// Result is one recorded session outcome.
type Result struct {
	ID         string
	PlanID     string
	Passed     bool
	Summary    string
	Error      string
	DurationMS int64
	ReceivedAt time.Time
}

// Store persists session results.
type Store interface {
	// SaveResult records one result.
	SaveResult(ctx context.Context, r *Result) error

	// ListResults returns the most recent results, newest first.
	ListResults(ctx context.Context, limit int) ([]*Result, error)

	// LatestResult returns the newest result for a plan id, or ErrNotFound.
	LatestResult(ctx context.Context, planID string) (*Result, error)

	// Close releases the underlying database.
	Close() error
}
