// Package storage defines the durable job store the batch processor relies
// on. The store is column-agnostic: job strategies describe which rows are
// claimable and what to write back, the store guarantees atomicity of the
// claim and the durability of recorded outcomes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// ErrBusy is returned by ClaimNext when another worker holds the store's
// write lock past the busy timeout. The caller retries its outer loop.
var ErrBusy = errors.New("store busy")

// Item is one row of a job table. Column values are normalized: TEXT to
// string, INTEGER to int64; NULL columns are absent from Fields.
type Item struct {
	ID     int64
	Fields map[string]any
}

// Text returns the named column as a string, reporting whether it is present
// and non-empty.
func (it *Item) Text(column string) (string, bool) {
	v, ok := it.Fields[column].(string)

	return v, ok && v != ""
}

// Int returns the named column as an int64, reporting whether it is present.
func (it *Item) Int(column string) (int64, bool) {
	v, ok := it.Fields[column].(int64)

	return v, ok
}

// ClaimSpec describes how a strategy's rows are claimed.
type ClaimSpec struct {
	// Table is the job table name.
	Table string
	// Ready is the SQL condition identifying claimable rows.
	Ready exp.Expression
	// Claim holds extra columns set on the claimed row (e.g. a state column);
	// the store always stamps request_timestamp itself.
	Claim goqu.Record
	// Random claims a uniformly random ready row instead of the highest id.
	Random bool
}

// JobStore is the persistence contract of the batch processor.
type JobStore interface {
	// ClaimNext atomically claims one ready row: it selects a row matching
	// spec.Ready, applies spec.Claim plus a request_timestamp stamp, and
	// returns it. It returns (nil, nil) when no row is ready and ErrBusy when
	// the write lock could not be taken.
	ClaimNext(ctx context.Context, spec ClaimSpec) (*Item, error)

	// UpdateItem writes the record to the row with the given id.
	UpdateItem(ctx context.Context, table string, id int64, rec goqu.Record) error

	// ResetWhere applies rec to every row matching where and returns how many
	// rows changed.
	ResetWhere(ctx context.Context, table string, where exp.Expression, rec goqu.Record) (int64, error)

	// SelectWhere returns all rows matching where, ordered by id descending.
	SelectWhere(ctx context.Context, table string, where exp.Expression) ([]*Item, error)

	// ExistsWhere reports whether any row matches where.
	ExistsWhere(ctx context.Context, table string, where exp.Expression) (bool, error)

	// CountWhere returns the number of rows matching where.
	CountWhere(ctx context.Context, table string, where exp.Expression) (int64, error)

	// Close releases the underlying database handle.
	Close() error
}

// TimeLayout is the timestamp format stored in request_timestamp columns.
// The width is fixed so SQL string comparison stays chronological.
const TimeLayout = "2006-01-02 15:04:05.000000000"

// Now returns the current UTC time in TimeLayout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}
