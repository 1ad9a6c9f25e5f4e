// Package jobs defines the job strategies the batch processor can run. A
// strategy owns the semantics of one job table: which rows are claimable, how
// a row becomes an API request, and what success and failure write back.
package jobs

import (
	"context"
	"time"

	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/storage"
)

// Strategy is the capability set the processor dispatches through.
type Strategy interface {
	// Name identifies the job in logs and on the CLI.
	Name() string

	// Claim describes the job table, its ready predicate and the columns set
	// on claim.
	Claim() storage.ClaimSpec

	// BuildRequest translates a claimed row into an API request. A
	// serrors.ErrBadRequest return marks the row failed without an HTTP call.
	BuildRequest(item *storage.Item) (freshservice.Request, error)

	// InterpretSuccess records the success-side columns for the row.
	InterpretSuccess(ctx context.Context, store storage.JobStore, item *storage.Item, resp *freshservice.Response) error

	// InterpretFailure records the failure for the row. status is 0 when the
	// failure produced no HTTP response.
	InterpretFailure(ctx context.Context, store storage.JobStore, item *storage.Item, status int, message string) error

	// ResetFailed re-arms previously failed rows for another run and returns
	// how many rows were reset.
	ResetFailed(ctx context.Context, store storage.JobStore) (int64, error)

	// ResetStuck re-arms rows claimed longer than olderThan ago that never
	// recorded an outcome (e.g. after a crash) and returns how many rows were
	// reset.
	ResetStuck(ctx context.Context, store storage.JobStore, olderThan time.Duration) (int64, error)
}

// PrepareStats tallies the offline classification pass.
type PrepareStats struct {
	Total    int
	Ready    int
	Skipped  int
	Unmapped int
}

// Preparer is implemented by strategies with an offline classification pass
// that must run before the batch.
type Preparer interface {
	Prepare(ctx context.Context, store storage.JobStore) (PrepareStats, error)
}

// stuckCutoff formats the timestamp bound for ResetStuck predicates.
func stuckCutoff(olderThan time.Duration) string {
	return time.Now().UTC().Add(-olderThan).Format(storage.TimeLayout)
}
