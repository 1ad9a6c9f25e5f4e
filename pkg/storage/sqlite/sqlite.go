// Package sqlite implements the storage.JobStore interface on a single-file
// SQLite database using database/sql and goqu. database/sql leases one
// connection per transaction, so concurrent workers never share a connection
// mid-write; SQLite's file lock serializes the claims themselves.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"fsbatch/pkg/storage"
)

const (
	// busyTimeoutMillis is how long a connection waits on the file lock
	// before a claim reports storage.ErrBusy.
	busyTimeoutMillis = 30_000

	dialect = "sqlite3"
)

// Options define how the database file is opened.
type Options struct {
	// Path is the database file path.
	Path string
	// MaxOpenConnections caps the connection pool; use the worker count.
	MaxOpenConnections int
}

// Store implements storage.JobStore for a local SQLite file.
type Store struct {
	// DB is the underlying connection pool.
	DB *sql.DB
	// Builder is the goqu handle used to construct queries bound to DB.
	Builder *goqu.Database
}

// New opens (creating if needed) the database file. Transactions begin in
// immediate mode so the claim's read and write happen under one write lock.
func New(options Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		options.Path, busyTimeoutMillis)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite database: %w", err)
	}
	if options.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(options.MaxOpenConnections)
	}

	return &Store{
		DB:      db,
		Builder: goqu.Dialect(dialect).DB(db),
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("could not close sqlite database: %w", err)
	}

	return nil
}

// ClaimNext atomically transitions one ready row to in-progress. The
// immediate-mode transaction takes the write lock up front, so two workers
// cannot select the same row.
func (s *Store) ClaimNext(ctx context.Context, spec storage.ClaimSpec) (*storage.Item, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return nil, storage.ErrBusy
		}

		return nil, fmt.Errorf("could not begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sel := goqu.Dialect(dialect).From(spec.Table).Where(spec.Ready).Limit(1)
	if spec.Random {
		sel = sel.Order(goqu.L("RANDOM()").Asc())
	} else {
		sel = sel.Order(goqu.C("id").Desc())
	}
	query, args, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("could not build claim select: %w", err)
	}

	item, err := scanOne(ctx, tx, query, args)
	if err != nil {
		if isBusy(err) {
			return nil, storage.ErrBusy
		}

		return nil, fmt.Errorf("could not select next item: %w", err)
	}
	if item == nil {
		return nil, nil
	}

	rec := goqu.Record{"request_timestamp": storage.Now()}
	for k, v := range spec.Claim {
		rec[k] = v
	}
	query, args, err = goqu.Dialect(dialect).
		Update(spec.Table).
		Set(rec).
		Where(goqu.C("id").Eq(item.ID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("could not build claim update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isBusy(err) {
			return nil, storage.ErrBusy
		}

		return nil, fmt.Errorf("could not mark item in progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, storage.ErrBusy
		}

		return nil, fmt.Errorf("could not commit claim: %w", err)
	}

	return item, nil
}

// UpdateItem writes the record to the row with the given id.
func (s *Store) UpdateItem(ctx context.Context, table string, id int64, rec goqu.Record) error {
	if _, err := s.Builder.Update(table).
		Set(rec).
		Where(goqu.C("id").Eq(id)).
		Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("could not update item %d in %s: %w", id, table, err)
	}

	return nil
}

// ResetWhere applies rec to every row matching where, returning the number of
// rows changed.
func (s *Store) ResetWhere(ctx context.Context, table string, where exp.Expression, rec goqu.Record) (int64, error) {
	res, err := s.Builder.Update(table).
		Set(rec).
		Where(where).
		Executor().ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not reset rows in %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not count reset rows: %w", err)
	}

	return n, nil
}

// SelectWhere returns all rows matching where, ordered by id descending.
func (s *Store) SelectWhere(ctx context.Context, table string, where exp.Expression) ([]*storage.Item, error) {
	query, args, err := goqu.Dialect(dialect).
		From(table).
		Where(where).
		Order(goqu.C("id").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("could not build select: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not select rows from %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []*storage.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate rows: %w", err)
	}

	return items, nil
}

// ExistsWhere reports whether any row matches where.
func (s *Store) ExistsWhere(ctx context.Context, table string, where exp.Expression) (bool, error) {
	n, err := s.CountWhere(ctx, table, where)

	return n > 0, err
}

// CountWhere returns the number of rows matching where.
func (s *Store) CountWhere(ctx context.Context, table string, where exp.Expression) (int64, error) {
	n, err := s.Builder.From(table).Where(where).CountContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not count rows in %s: %w", table, err)
	}

	return n, nil
}

// scanOne reads at most one generic row from the query.
func scanOne(ctx context.Context, tx *sql.Tx, query string, args []any) (*storage.Item, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return nil, rows.Err()
	}

	return scanItem(rows)
}

// scanItem reads the current row into a column-agnostic Item. []byte values
// are copied to strings, NULLs are dropped.
func scanItem(rows *sql.Rows) (*storage.Item, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("could not read columns: %w", err)
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("could not scan row: %w", err)
	}

	item := &storage.Item{Fields: make(map[string]any, len(columns))}
	for i, column := range columns {
		switch v := values[i].(type) {
		case nil:
			continue
		case []byte:
			item.Fields[column] = string(v)
		default:
			item.Fields[column] = v
		}
		if column == "id" {
			if id, ok := values[i].(int64); ok {
				item.ID = id
			}
		}
	}

	return item, nil
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()

		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}

	return false
}

// compile-time interface check, mirroring the client pattern elsewhere.
var _ storage.JobStore = (*Store)(nil)
