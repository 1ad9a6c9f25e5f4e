package freshservice_test

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Setup(logger.DevelopmentEnvironment)
	m.Run()
}

// quotaHeaders builds a response header set advertising the given budget.
func quotaHeaders(total, remaining int) http.Header {
	h := http.Header{}
	h.Set("X-Ratelimit-Total", strconv.Itoa(total))
	h.Set("X-Ratelimit-Remaining", strconv.Itoa(remaining))

	return h
}

func TestCoordinator_AdmitTracksInFlight(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	require.NoError(t, c.Admit(context.Background()))
	require.Equal(t, 1, c.Snapshot().InFlight)

	c.RecordResponse(quotaHeaders(6000, 5999))
	q := c.Snapshot()
	require.Equal(t, 0, q.InFlight)
	require.Equal(t, 6000, q.Total)
	require.Equal(t, 5999, q.Remaining)
}

func TestCoordinator_EmptyHeadersStillReleaseSlot(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	require.NoError(t, c.Admit(context.Background()))
	require.Equal(t, 1, c.Snapshot().InFlight)

	// Transport failure: no headers at all.
	c.RecordResponse(http.Header{})
	require.Equal(t, 0, c.Snapshot().InFlight)
}

func TestCoordinator_AdmitCanceledContext(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, c.Admit(ctx))
	require.Equal(t, 0, c.Snapshot().InFlight)
}

func TestCoordinator_RetryAfterPausesAllAdmissions(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	require.NoError(t, c.Admit(context.Background()))

	h := quotaHeaders(6000, 5999)
	h.Set("Retry-After", "1")
	start := time.Now()
	c.RecordResponse(h)
	require.Equal(t, 0, c.Snapshot().Remaining, "Retry-After should zero the budget")

	admitted := make(chan struct{})
	go func() {
		_ = c.Admit(context.Background())
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("admission happened during the Retry-After pause")
	case <-time.After(500 * time.Millisecond):
		// expected: still paused
	}

	select {
	case <-admitted:
		// After the pause the budget is zero, so the waiter becomes the
		// probe; total elapsed covers pause plus probe backoff.
		require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("admission never resumed after the pause")
	}
}

func TestCoordinator_CaseInsensitiveHeaders(t *testing.T) {
	c := freshservice.NewCoordinator(5)
	require.NoError(t, c.Admit(context.Background()))

	h := http.Header{}
	// Lowercase wire form, as the server sends it.
	h.Add("x-ratelimit-total", "300")
	h.Add("x-ratelimit-remaining", "250")
	c.RecordResponse(h)

	q := c.Snapshot()
	require.Equal(t, 300, q.Total)
	require.Equal(t, 250, q.Remaining)
}

func TestCoordinator_ProbeSingleFlightNearExhaustion(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	// Burn a request and learn that the quota is inside the headroom.
	require.NoError(t, c.Admit(context.Background()))
	c.RecordResponse(quotaHeaders(160, 3))

	admissions := make(chan time.Time, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	for range 4 {
		go func() {
			if err := c.Admit(ctx); err == nil {
				admissions <- time.Now()
			}
		}()
	}

	// The probe waits its backoff (1s floor) before the single admission.
	select {
	case at := <-admissions:
		t.Fatalf("admission after %s, before the probe backoff elapsed", at.Sub(start))
	case <-time.After(700 * time.Millisecond):
	}

	// Exactly one probe goes through.
	select {
	case <-admissions:
	case <-time.After(2 * time.Second):
		t.Fatal("the probe was never admitted")
	}
	select {
	case <-admissions:
		t.Fatal("a second admission happened while still inside the headroom")
	case <-time.After(300 * time.Millisecond):
	}
	require.Equal(t, 1, c.Snapshot().InFlight)

	// The probe's response reveals a refreshed window: the rest resume.
	c.RecordResponse(quotaHeaders(6000, 5999))
	for range 3 {
		select {
		case <-admissions:
		case <-time.After(3 * time.Second):
			t.Fatal("waiters did not resume after the quota refreshed")
		}
	}
}

func TestCoordinator_NeverExceedsEffectiveRemaining(t *testing.T) {
	c := freshservice.NewCoordinator(2)

	// Learn a tiny budget: remaining 3, headroom 2, so one paced admission
	// fits before the coordinator drops into probe mode.
	require.NoError(t, c.Admit(context.Background()))
	c.RecordResponse(quotaHeaders(6000, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	admitted := 0
	for {
		if err := c.Admit(ctx); err != nil {
			break
		}
		admitted++
	}

	// remaining(3) - headroom(2) = 1 normal admission; after it, effective
	// remaining is inside the headroom with a request in flight, so no probe
	// is scheduled and the rest park until the deadline.
	require.Equal(t, 1, admitted)
	require.Equal(t, 1, c.Snapshot().InFlight)
}

func TestCoordinator_QuotaRefreshWakesAllWaiters(t *testing.T) {
	c := freshservice.NewCoordinator(5)

	require.NoError(t, c.Admit(context.Background()))
	c.RecordResponse(quotaHeaders(160, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admitted := make(chan struct{}, 3)
	for range 3 {
		go func() {
			if err := c.Admit(ctx); err == nil {
				admitted <- struct{}{}
			}
		}()
	}

	// Give the goroutines time to park (probe or waiter).
	time.Sleep(100 * time.Millisecond)

	// A fresh window with a large total makes pacing negligible.
	c.RecordResponse(quotaHeaders(60000, 59999))

	for range 3 {
		select {
		case <-admitted:
		case <-time.After(3 * time.Second):
			t.Fatal("waiter did not wake after quota refresh")
		}
	}
}
