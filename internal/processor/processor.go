// Package processor runs a job strategy over the durable store with a pool
// of workers, pacing every upstream call through the shared rate-limit
// coordinator and recording per-item outcomes.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fsbatch/internal/jobs"
	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/logger"
	"fsbatch/pkg/metrics"
	"fsbatch/pkg/serrors"
	"fsbatch/pkg/storage"
)

// NoLimit disables the iteration cap.
const NoLimit = -1

// Options configure a run.
type Options struct {
	// Workers is the pool size; values below one run a single worker.
	Workers int
	// Limit caps how many items are attempted; NoLimit means run until the
	// table is drained. Zero processes nothing.
	Limit int64
	// RandomOrder claims rows uniformly at random instead of by id.
	RandomOrder bool
}

// Progress is emitted after every completed item.
type Progress struct {
	ItemID            int64
	Status            int
	Succeeded         int64
	Failed            int64
	Elapsed           time.Duration
	QuotaTotal        int
	QuotaRemaining    int
	RequestsPerMinute float64
}

// Summary is returned when the run finishes.
type Summary struct {
	Total             int64
	Succeeded         int64
	Failed            int64
	Elapsed           time.Duration
	RequestsPerMinute float64
}

// Processor drives one strategy over one store with a fixed worker pool.
type Processor struct {
	store    storage.JobStore
	api      *freshservice.Client
	strategy jobs.Strategy
	metrics  *metrics.Metrics

	// onProgress, when set, observes every Progress record (tests hook this).
	onProgress func(Progress)

	options Options
}

// New constructs a Processor. metrics may be nil.
func New(
	store storage.JobStore,
	api *freshservice.Client,
	strategy jobs.Strategy,
	m *metrics.Metrics,
	options Options,
) *Processor {
	if options.Workers < 1 {
		options.Workers = 1
	}

	return &Processor{
		store:    store,
		api:      api,
		strategy: strategy,
		metrics:  m,
		options:  options,
	}
}

// OnProgress registers an observer for per-item progress records.
func (p *Processor) OnProgress(fn func(Progress)) { p.onProgress = fn }

// counters aggregate run totals across workers. reserve implements the
// iteration cap: workers take a ticket before claiming a row.
type counters struct {
	mu        sync.Mutex
	limit     int64
	attempted int64
	succeeded int64
	failed    int64
}

func (c *counters) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit != NoLimit && c.attempted >= c.limit {
		return false
	}
	c.attempted++

	return true
}

func (c *counters) success() (succeeded, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded++

	return c.succeeded, c.failed
}

func (c *counters) failure() (succeeded, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++

	return c.succeeded, c.failed
}

func (c *counters) totals() (succeeded, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.succeeded, c.failed
}

// Run executes the batch and blocks until every worker returns. A worker
// that fails on an unexpected error is logged and reduces the pool by one;
// its peers keep running.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	cnt := &counters{limit: p.options.Limit}

	logger.Info(ctx, "starting batch run",
		zap.String("job", p.strategy.Name()),
		zap.Int("workers", p.options.Workers),
		zap.Int64("limit", p.options.Limit))

	var wg sync.WaitGroup
	for i := range p.options.Workers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			workerCtx := logger.WithFields(ctx, zap.Int("worker", workerID))
			if err := p.worker(workerCtx, cnt, start); err != nil {
				logger.Error(workerCtx, "worker failed", zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	succeeded, failed := cnt.totals()
	elapsed := time.Since(start)
	summary := Summary{
		Total:             succeeded + failed,
		Succeeded:         succeeded,
		Failed:            failed,
		Elapsed:           elapsed,
		RequestsPerMinute: perMinute(succeeded+failed, elapsed),
	}

	logger.Info(ctx, "batch run finished",
		zap.Int64("total", summary.Total),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Float64("rpm", summary.RequestsPerMinute))

	return summary, ctx.Err()
}

// worker claims, calls and records items until the table drains, the cap is
// reached, or the context ends.
func (p *Processor) worker(ctx context.Context, cnt *counters, start time.Time) error {
	spec := p.strategy.Claim()
	spec.Random = p.options.RandomOrder

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !cnt.reserve() {
			return nil
		}

		item, err := p.store.ClaimNext(ctx, spec)
		if err != nil {
			if errors.Is(err, storage.ErrBusy) {
				// Another worker held the write lock; re-enter the loop.
				continue
			}

			return err
		}
		if item == nil {
			return nil
		}

		p.processItem(ctx, cnt, item, start)
	}
}

// processItem performs one claim-to-record cycle and emits the progress
// event. All per-item errors are absorbed into the store.
func (p *Processor) processItem(ctx context.Context, cnt *counters, item *storage.Item, start time.Time) {
	ctx = logger.WithFields(ctx, zap.Int64("item", item.ID))

	status, err := p.callUpstream(ctx, item)

	var succeeded, failed int64
	if err == nil {
		succeeded, failed = cnt.success()
		p.observeOutcome(metrics.OutcomeSuccess)
	} else {
		succeeded, failed = cnt.failure()
		p.observeOutcome(metrics.OutcomeFailure)
	}

	quota := p.api.Coordinator().Snapshot()
	if p.metrics != nil {
		p.metrics.QuotaRemaining.Set(float64(quota.Remaining))
		p.metrics.InFlight.Set(float64(quota.InFlight))
	}

	elapsed := time.Since(start)
	progress := Progress{
		ItemID:            item.ID,
		Status:            status,
		Succeeded:         succeeded,
		Failed:            failed,
		Elapsed:           elapsed,
		QuotaTotal:        quota.Total,
		QuotaRemaining:    quota.Remaining,
		RequestsPerMinute: perMinute(succeeded+failed, elapsed),
	}

	if err == nil {
		logger.Info(ctx, "item processed", progressFields(progress)...)
	} else {
		logger.Warn(ctx, "item failed", append(progressFields(progress), zap.Error(err))...)
	}
	if p.onProgress != nil {
		p.onProgress(progress)
	}
}

// callUpstream builds the request, performs it and records the outcome,
// returning the HTTP status observed (0 when none) and the per-item error.
func (p *Processor) callUpstream(ctx context.Context, item *storage.Item) (int, error) {
	req, err := p.strategy.BuildRequest(item)
	if err != nil {
		// Malformed row: record the failure without an HTTP call.
		if recErr := p.strategy.InterpretFailure(ctx, p.store, item, 0, err.Error()); recErr != nil {
			logger.Error(ctx, "could not record failure", zap.Error(recErr))
		}

		return 0, err
	}

	reqStart := time.Now()
	resp, err := p.api.Do(ctx, req)
	if p.metrics != nil {
		p.metrics.RequestDuration.Observe(time.Since(reqStart).Seconds())
	}

	if err != nil {
		status, message := freshservice.ErrorDetails(err)
		if recErr := p.strategy.InterpretFailure(ctx, p.store, item, status, message); recErr != nil {
			logger.Error(ctx, "could not record failure", zap.Error(recErr))
		}

		return status, err
	}

	if err := p.strategy.InterpretSuccess(ctx, p.store, item, resp); err != nil {
		if recErr := p.strategy.InterpretFailure(ctx, p.store, item, resp.Status, err.Error()); recErr != nil {
			logger.Error(ctx, "could not record failure", zap.Error(recErr))
		}

		return resp.Status, serrors.Wrap(serrors.ErrInternal, err, "could not record success")
	}

	return resp.Status, nil
}

func (p *Processor) observeOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.Requests.WithLabelValues(outcome).Inc()
	}
}

func progressFields(pr Progress) []zap.Field {
	return []zap.Field{
		zap.Int("status", pr.Status),
		zap.Int64("succeeded", pr.Succeeded),
		zap.Int64("failed", pr.Failed),
		zap.Duration("elapsed", pr.Elapsed),
		zap.Int("quotaTotal", pr.QuotaTotal),
		zap.Int("quotaRemaining", pr.QuotaRemaining),
		zap.Float64("rpm", pr.RequestsPerMinute),
	}
}

func perMinute(count int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(count) / elapsed.Minutes()
}
