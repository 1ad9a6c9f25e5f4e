package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	root "fsbatch"
	"fsbatch/pkg/logger"
	"fsbatch/pkg/storage"
	"fsbatch/pkg/storage/sqlite"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.DevelopmentEnvironment)
	m.Run()
}

// newImportStore opens a fresh database with the import schema applied.
func newImportStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.New(sqlite.Options{
		Path:               filepath.Join(t.TempDir(), "test.sqlite"),
		MaxOpenConnections: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	goose.SetBaseFS(root.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(store.DB, "migrations/import"))

	return store
}

// seedTickets inserts ready rows with the given ids.
func seedTickets(t *testing.T, store *sqlite.Store, ids ...int64) {
	t.Helper()

	for _, id := range ids {
		_, err := store.Builder.Insert("tickets").Rows(goqu.Record{
			"id":      id,
			"email":   "user@example.com",
			"subject": "subject",
		}).Executor().Exec()
		require.NoError(t, err)
	}
}

func importClaimSpec() storage.ClaimSpec {
	return storage.ClaimSpec{
		Table: "tickets",
		Ready: goqu.C("request_timestamp").IsNull(),
	}
}

func TestStore_ClaimNext_HighestIDFirstAndStampsTimestamp(t *testing.T) {
	store := newImportStore(t)
	seedTickets(t, store, 10, 11, 12)

	ctx := context.Background()

	item, err := store.ClaimNext(ctx, importClaimSpec())
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, int64(12), item.ID)

	email, ok := item.Text("email")
	require.True(t, ok)
	require.Equal(t, "user@example.com", email)

	// The claim stamped request_timestamp, so the row is no longer ready.
	n, err := store.CountWhere(ctx, "tickets", goqu.And(
		goqu.C("id").Eq(12),
		goqu.C("request_timestamp").IsNotNull(),
	))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	next, err := store.ClaimNext(ctx, importClaimSpec())
	require.NoError(t, err)
	require.Equal(t, int64(11), next.ID)
}

func TestStore_ClaimNext_NoReadyRows(t *testing.T) {
	store := newImportStore(t)

	item, err := store.ClaimNext(context.Background(), importClaimSpec())
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestStore_ClaimNext_AppliesExtraClaimRecord(t *testing.T) {
	store, ctx := newCategoryStore(t), context.Background()
	seedCategoryRow(t, store, 1, "Hardware", "", "")
	_, err := store.ResetWhere(ctx, "tickets", goqu.C("id").Eq(1),
		goqu.Record{"update_state": "ready"})
	require.NoError(t, err)

	item, err := store.ClaimNext(ctx, storage.ClaimSpec{
		Table: "tickets",
		Ready: goqu.C("update_state").Eq("ready"),
		Claim: goqu.Record{"update_state": "in-progress"},
	})
	require.NoError(t, err)
	require.NotNil(t, item)

	n, err := store.CountWhere(ctx, "tickets", goqu.C("update_state").Eq("in-progress"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStore_ClaimNext_ConcurrentWorkersNeverShareARow(t *testing.T) {
	store := newImportStore(t)

	const rows = 60
	ids := make([]int64, 0, rows)
	for i := int64(1); i <= rows; i++ {
		ids = append(ids, i)
	}
	seedTickets(t, store, ids...)

	const workers = 8
	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := store.ClaimNext(context.Background(), importClaimSpec())
				if errors.Is(err, storage.ErrBusy) {
					continue
				}
				if err != nil {
					// Surfaces through the claim tally below.
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, rows, "every row claimed exactly once")
	for id, count := range claimed {
		require.Equal(t, 1, count, "row %d claimed %d times", id, count)
	}
}

func TestStore_ResetWhere_TouchesOnlyMatchingRows(t *testing.T) {
	store := newImportStore(t)
	seedTickets(t, store, 1, 2, 3, 4)

	ctx := context.Background()

	// Two failures, one success, one untouched.
	require.NoError(t, store.UpdateItem(ctx, "tickets", 1, goqu.Record{
		"request_timestamp":    storage.Now(),
		"response_status_code": 500,
		"error_message":        "boom",
	}))
	require.NoError(t, store.UpdateItem(ctx, "tickets", 2, goqu.Record{
		"request_timestamp":    storage.Now(),
		"response_status_code": 502,
		"error_message":        "bad gateway",
	}))
	require.NoError(t, store.UpdateItem(ctx, "tickets", 3, goqu.Record{
		"request_timestamp":    storage.Now(),
		"response_status_code": 201,
	}))

	n, err := store.ResetWhere(ctx, "tickets",
		goqu.And(
			goqu.C("response_status_code").IsNotNull(),
			goqu.C("response_status_code").Neq(201),
		),
		goqu.Record{
			"request_timestamp":    nil,
			"response_status_code": nil,
			"error_message":        nil,
		})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// The success and the untouched row are unchanged; the failures are
	// ready again.
	ready, err := store.CountWhere(ctx, "tickets", goqu.C("request_timestamp").IsNull())
	require.NoError(t, err)
	require.Equal(t, int64(3), ready)

	done, err := store.CountWhere(ctx, "tickets", goqu.C("response_status_code").Eq(201))
	require.NoError(t, err)
	require.Equal(t, int64(1), done)
}

func TestStore_SelectWhereAndExists(t *testing.T) {
	store := newImportStore(t)
	seedTickets(t, store, 5, 6, 7)

	ctx := context.Background()

	items, err := store.SelectWhere(ctx, "tickets", goqu.C("request_timestamp").IsNull())
	require.NoError(t, err)
	require.Len(t, items, 3)
	// Ordered by id descending.
	require.Equal(t, int64(7), items[0].ID)
	require.Equal(t, int64(5), items[2].ID)

	ok, err := store.ExistsWhere(ctx, "tickets", goqu.C("id").Eq(6))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ExistsWhere(ctx, "tickets", goqu.C("id").Eq(999))
	require.NoError(t, err)
	require.False(t, ok)
}

// newCategoryStore opens a fresh database with the category schema applied.
func newCategoryStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.New(sqlite.Options{
		Path:               filepath.Join(t.TempDir(), "categories.sqlite"),
		MaxOpenConnections: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	goose.SetBaseFS(root.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(store.DB, "migrations/categories"))

	return store
}

// seedCategoryRow inserts one pending category row; empty strings are NULL.
func seedCategoryRow(t *testing.T, store *sqlite.Store, id int64, category, sub, item string) {
	t.Helper()

	rec := goqu.Record{"id": id}
	if category != "" {
		rec["category"] = category
	}
	if sub != "" {
		rec["sub_category"] = sub
	}
	if item != "" {
		rec["item_category"] = item
	}
	_, err := store.Builder.Insert("tickets").Rows(rec).Executor().Exec()
	require.NoError(t, err)
}
