package jobs

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"

	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/serrors"
	"fsbatch/pkg/storage"
)

const (
	importTable = "tickets"

	// sourceAPI is the Freshservice source id for tickets created via the API.
	sourceAPI = 1002

	// statusCreated is the status a successful create must have returned for
	// a row to count as imported.
	statusCreated = 201
)

// ImportJob creates one upstream ticket per row. Rows are ready while their
// request_timestamp is unset; state is tracked through the timestamp and
// response columns rather than a dedicated state column.
type ImportJob struct{}

// NewImportJob returns the ticket import strategy.
func NewImportJob() *ImportJob { return &ImportJob{} }

func (j *ImportJob) Name() string { return "import" }

func (j *ImportJob) Claim() storage.ClaimSpec {
	return storage.ClaimSpec{
		Table: importTable,
		Ready: goqu.C("request_timestamp").IsNull(),
	}
}

// BuildRequest projects the row into a ticket create call. Empty optional
// categories are omitted from the payload.
func (j *ImportJob) BuildRequest(item *storage.Item) (freshservice.Request, error) {
	email, ok := item.Text("email")
	if !ok {
		return freshservice.Request{}, serrors.With(serrors.ErrBadRequest, "row %d has no email", item.ID)
	}
	subject, ok := item.Text("subject")
	if !ok {
		return freshservice.Request{}, serrors.With(serrors.ErrBadRequest, "row %d has no subject", item.ID)
	}

	fields := map[string]any{
		"email":   email,
		"subject": subject,
		"source":  sourceAPI,
	}
	if description, ok := item.Text("description"); ok {
		fields["description"] = description
	}
	if category, ok := item.Text("category"); ok {
		fields["category"] = category
	}
	if subCategory, ok := item.Text("sub_category"); ok {
		fields["sub_category"] = subCategory
	}
	if itemCategory, ok := item.Text("item_category"); ok {
		fields["item_category"] = itemCategory
	}

	return freshservice.TicketCreate(fields), nil
}

// InterpretSuccess stores the server-assigned ticket id and status code.
func (j *ImportJob) InterpretSuccess(
	ctx context.Context,
	store storage.JobStore,
	item *storage.Item,
	resp *freshservice.Response,
) error {
	ticketID, err := freshservice.TicketID(resp)
	if err != nil {
		return err
	}

	return store.UpdateItem(ctx, importTable, item.ID, goqu.Record{
		"response_ticket_id":   ticketID,
		"response_status_code": resp.Status,
	})
}

// InterpretFailure stores the status (NULL when no response arrived) and the
// error body.
func (j *ImportJob) InterpretFailure(
	ctx context.Context,
	store storage.JobStore,
	item *storage.Item,
	status int,
	message string,
) error {
	rec := goqu.Record{
		"response_status_code": nil,
		"error_message":        message,
	}
	if status != 0 {
		rec["response_status_code"] = status
	}

	return store.UpdateItem(ctx, importTable, item.ID, rec)
}

// ResetFailed re-arms rows whose create did not come back 201. Rows claimed
// but never answered keep their timestamp; ResetStuck covers those.
func (j *ImportJob) ResetFailed(ctx context.Context, store storage.JobStore) (int64, error) {
	return store.ResetWhere(ctx, importTable,
		goqu.And(
			goqu.C("response_status_code").IsNotNull(),
			goqu.C("response_status_code").Neq(statusCreated),
		),
		goqu.Record{
			"request_timestamp":    nil,
			"response_status_code": nil,
			"error_message":        nil,
		})
}

// ResetStuck re-arms rows that were claimed at least olderThan ago and never
// recorded a response.
func (j *ImportJob) ResetStuck(ctx context.Context, store storage.JobStore, olderThan time.Duration) (int64, error) {
	return store.ResetWhere(ctx, importTable,
		goqu.And(
			goqu.C("request_timestamp").IsNotNull(),
			goqu.C("request_timestamp").Lt(stuckCutoff(olderThan)),
			goqu.C("response_status_code").IsNull(),
		),
		goqu.Record{
			"request_timestamp": nil,
			"error_message":     nil,
		})
}

var _ Strategy = (*ImportJob)(nil)
