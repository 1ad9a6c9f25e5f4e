package freshservice_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/serrors"
)

// generousQuota keeps pacing negligible so client tests measure the client,
// not the coordinator.
func generousQuota(w http.ResponseWriter) {
	w.Header().Set("X-Ratelimit-Total", "60000")
	w.Header().Set("X-Ratelimit-Remaining", "59999")
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts freshservice.Options) *freshservice.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts.BaseURL = server.URL
	if opts.APIKey == "" {
		opts.APIKey = "test-key"
	}
	if opts.Headroom == 0 {
		opts.Headroom = 5
	}

	return freshservice.NewClient(opts)
}

func TestClient_Do_Success(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		generousQuota(w)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ticket":{"id":77}}`))
	}, freshservice.Options{APIKey: "secret"})

	resp, err := client.Do(context.Background(), freshservice.TicketCreate(map[string]any{
		"email":   "a@example.com",
		"subject": "hello",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)

	id, err := freshservice.TicketID(resp)
	require.NoError(t, err)
	require.Equal(t, int64(77), id)

	// Basic auth: key as username, literal X as password.
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("secret", "X")
	require.Equal(t, req.Header.Get("Authorization"), gotAuth)
	require.Equal(t, "application/json", gotContentType)

	var envelope map[string]map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Contains(t, envelope, "ticket")
	require.Equal(t, "hello", envelope["ticket"]["subject"])
}

func TestClient_Do_NoContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		generousQuota(w)
		w.WriteHeader(http.StatusNoContent)
	}, freshservice.Options{})

	resp, err := client.Do(context.Background(), freshservice.TicketGet(1))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)

	var body map[string]any
	require.NoError(t, resp.JSON(&body))
	require.Empty(t, body)
}

func TestClient_Do_HTTPErrorCarriesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		generousQuota(w)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"description": "validation failed",  "errors": [{"field": "email"}]}`))
	}, freshservice.Options{})

	_, err := client.Do(context.Background(), freshservice.TicketCreate(map[string]any{}))
	require.Error(t, err)

	var httpErr *freshservice.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.Status)
	// JSON bodies are compacted before storing.
	require.JSONEq(t, `{"description":"validation failed","errors":[{"field":"email"}]}`, httpErr.Body)

	status, message := freshservice.ErrorDetails(err)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, message, "validation failed")
}

func TestClient_Do_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}
		generousQuota(w)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ticket":{"id":1}}`))
	}, freshservice.Options{})

	start := time.Now()
	resp, err := client.Do(context.Background(), freshservice.TicketGet(1))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, int32(3), calls.Load())
	// Two Retry-After: 1 waits must have elapsed.
	require.GreaterOrEqual(t, time.Since(start), 1900*time.Millisecond)
}

func TestClient_Do_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}, freshservice.Options{MaxRetries: 2})

	_, err := client.Do(context.Background(), freshservice.TicketGet(1))
	require.Error(t, err)
	require.ErrorIs(t, err, serrors.ErrRateLimited)

	// Initial attempt plus MaxRetries retries.
	require.Equal(t, int32(3), calls.Load())

	status, _ := freshservice.ErrorDetails(err)
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestClient_Do_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // nothing listens anymore

	client := freshservice.NewClient(freshservice.Options{
		APIKey:   "k",
		Headroom: 5,
		BaseURL:  server.URL,
	})

	_, err := client.Do(context.Background(), freshservice.TicketGet(1))
	require.Error(t, err)
	require.ErrorIs(t, err, serrors.ErrTransport)

	// The in-flight slot must be released even without a response.
	require.Equal(t, 0, client.Coordinator().Snapshot().InFlight)
}
