package jobs

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/serrors"
	"fsbatch/pkg/storage"
)

const (
	categoryTable = "tickets"
	validTable    = "valid_categories"
	mappingTable  = "category_mappings"
)

// Row states of the category update job. Unset (NULL) means pending.
const (
	StateReady      = "ready"
	StateInProgress = "in-progress"
	StateUpdated    = "updated"
	StateFailed     = "failed"
	StateSkipped    = "skipped"
	StateUnmapped   = "unmapped"
)

// CategoryJob rewrites ticket categories upstream in two phases: an offline
// prepare pass classifies pending rows against the valid_categories and
// category_mappings lookup tables, then the batch issues one update per ready
// row.
type CategoryJob struct{}

// NewCategoryJob returns the category update strategy.
func NewCategoryJob() *CategoryJob { return &CategoryJob{} }

func (j *CategoryJob) Name() string { return "categories" }

func (j *CategoryJob) Claim() storage.ClaimSpec {
	return storage.ClaimSpec{
		Table: categoryTable,
		Ready: goqu.C("update_state").Eq(StateReady),
		Claim: goqu.Record{"update_state": StateInProgress},
	}
}

// BuildRequest projects the mapped categories into a ticket update call,
// sending exactly the non-empty new components.
func (j *CategoryJob) BuildRequest(item *storage.Item) (freshservice.Request, error) {
	category, ok := item.Text("new_category")
	if !ok {
		return freshservice.Request{}, serrors.With(serrors.ErrBadRequest,
			"row %d is ready but has no new category", item.ID)
	}

	fields := map[string]any{"category": category}
	if subCategory, ok := item.Text("new_sub_category"); ok {
		fields["sub_category"] = subCategory
	}
	if itemCategory, ok := item.Text("new_item_category"); ok {
		fields["item_category"] = itemCategory
	}

	return freshservice.TicketUpdate(item.ID, fields), nil
}

func (j *CategoryJob) InterpretSuccess(
	ctx context.Context,
	store storage.JobStore,
	item *storage.Item,
	resp *freshservice.Response,
) error {
	return store.UpdateItem(ctx, categoryTable, item.ID, goqu.Record{
		"update_state":         StateUpdated,
		"response_status_code": resp.Status,
	})
}

func (j *CategoryJob) InterpretFailure(
	ctx context.Context,
	store storage.JobStore,
	item *storage.Item,
	status int,
	message string,
) error {
	rec := goqu.Record{
		"update_state":         StateFailed,
		"response_status_code": nil,
		"error_message":        message,
	}
	if status != 0 {
		rec["response_status_code"] = status
	}

	return store.UpdateItem(ctx, categoryTable, item.ID, rec)
}

// ResetFailed re-arms failed rows as ready, keeping their prepared mappings
// so the next run does not need another prepare pass.
func (j *CategoryJob) ResetFailed(ctx context.Context, store storage.JobStore) (int64, error) {
	return store.ResetWhere(ctx, categoryTable,
		goqu.C("update_state").Eq(StateFailed),
		goqu.Record{
			"update_state":         StateReady,
			"request_timestamp":    nil,
			"response_status_code": nil,
			"error_message":        nil,
		})
}

// ResetStuck re-arms rows stuck in-progress since before the cutoff.
func (j *CategoryJob) ResetStuck(ctx context.Context, store storage.JobStore, olderThan time.Duration) (int64, error) {
	return store.ResetWhere(ctx, categoryTable,
		goqu.And(
			goqu.C("update_state").Eq(StateInProgress),
			goqu.C("request_timestamp").IsNotNull(),
			goqu.C("request_timestamp").Lt(stuckCutoff(olderThan)),
		),
		goqu.Record{
			"update_state":      StateReady,
			"request_timestamp": nil,
			"error_message":     nil,
		})
}

// Prepare classifies every pending row: rows already valid (or wholly empty)
// are skipped, rows with a mapping become ready with their target categories
// populated, the rest are unmapped.
func (j *CategoryJob) Prepare(ctx context.Context, store storage.JobStore) (PrepareStats, error) {
	rows, err := store.SelectWhere(ctx, categoryTable, goqu.C("update_state").IsNull())
	if err != nil {
		return PrepareStats{}, err
	}

	var stats PrepareStats
	for _, row := range rows {
		stats.Total++

		category, hasCategory := row.Text("category")
		subCategory, hasSub := row.Text("sub_category")
		itemCategory, hasItem := row.Text("item_category")

		empty := !hasCategory && !hasSub && !hasItem
		valid := false
		if hasCategory {
			valid, err = store.ExistsWhere(ctx, validTable,
				matchTiers("category", "sub_category", "item_category",
					category, subCategory, hasSub, itemCategory, hasItem))
			if err != nil {
				return stats, err
			}
		}

		if valid || empty {
			if err := store.UpdateItem(ctx, categoryTable, row.ID,
				goqu.Record{"update_state": StateSkipped}); err != nil {
				return stats, err
			}
			stats.Skipped++

			continue
		}

		mappings, err := store.SelectWhere(ctx, mappingTable,
			matchTiers("old_category", "old_sub_category", "old_item_category",
				category, subCategory, hasSub, itemCategory, hasItem))
		if err != nil {
			return stats, err
		}
		if len(mappings) == 0 {
			if err := store.UpdateItem(ctx, categoryTable, row.ID,
				goqu.Record{"update_state": StateUnmapped}); err != nil {
				return stats, err
			}
			stats.Unmapped++

			continue
		}

		mapping := mappings[len(mappings)-1]
		rec := goqu.Record{
			"update_state":      StateReady,
			"new_category":      nil,
			"new_sub_category":  nil,
			"new_item_category": nil,
		}
		if v, ok := mapping.Text("new_category"); ok {
			rec["new_category"] = v
		}
		if v, ok := mapping.Text("new_sub_category"); ok {
			rec["new_sub_category"] = v
		}
		if v, ok := mapping.Text("new_item_category"); ok {
			rec["new_item_category"] = v
		}
		if err := store.UpdateItem(ctx, categoryTable, row.ID, rec); err != nil {
			return stats, err
		}
		stats.Ready++
	}

	return stats, nil
}

// matchTiers builds the lookup condition for a category triple: present
// components must match exactly, absent ones must be NULL in the lookup row.
func matchTiers(
	categoryCol, subCol, itemCol string,
	category string,
	subCategory string, hasSub bool,
	itemCategory string, hasItem bool,
) exp.Expression {
	conds := []exp.Expression{goqu.C(categoryCol).Eq(category)}

	if hasSub {
		conds = append(conds, goqu.C(subCol).Eq(subCategory))
	} else {
		conds = append(conds, goqu.C(subCol).IsNull())
	}
	if hasItem {
		conds = append(conds, goqu.C(itemCol).Eq(itemCategory))
	} else {
		conds = append(conds, goqu.C(itemCol).IsNull())
	}

	return goqu.And(conds...)
}

var (
	_ Strategy = (*CategoryJob)(nil)
	_ Preparer = (*CategoryJob)(nil)
)
