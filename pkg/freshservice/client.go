// Package freshservice talks to a Freshservice-style REST API
// (https://{domain}/api/v2) on behalf of the batch processor. It bundles the
// HTTP client, the rate-limit coordinator that paces all workers against the
// shared server quota, and request helpers for the ticket entity.
package freshservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fsbatch/pkg/logger"
	"fsbatch/pkg/serrors"
)

const (
	// defaultMaxRetries bounds how often a single request is retried on 429.
	defaultMaxRetries = 5

	// defaultRetryAfter is slept on a 429 without a usable Retry-After header.
	defaultRetryAfter = 5 * time.Second

	// basicAuthPassword is the fixed Basic-auth password; the API key is the
	// username.
	basicAuthPassword = "X"
)

// Request describes one upstream call. Body, when non-nil, is marshaled as
// the JSON request body (strategies wrap it in the entity envelope).
type Request struct {
	Method string
	Path   string
	Body   any
}

// Response carries the pieces of an upstream response the processor needs.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body into v. An empty body (e.g. a 204) decodes
// as an empty object.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("could not decode response body: %w", err)
	}

	return nil
}

// Text returns the response body as a string.
func (r *Response) Text() string { return string(r.Body) }

// HTTPError is returned for a terminal non-2xx response. Body holds the
// response body, compacted JSON when parseable, raw text otherwise.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Options configure a Client.
type Options struct {
	// APIKey authenticates every request (Basic auth username).
	APIKey string
	// Domain is the service host, e.g. "example.freshservice.com".
	Domain string
	// Headroom is the buffer below the server quota where the coordinator
	// switches to probe mode.
	Headroom int
	// MaxRetries bounds 429 retries per request; 0 means the default.
	MaxRetries int
	// Timeout is the per-request HTTP timeout; 0 means no client timeout.
	Timeout time.Duration
	// BaseURL overrides the derived https://{domain}/api/v2 endpoint; tests
	// point it at a local server.
	BaseURL string
}

// Client issues requests against the service API. All calls are paced by the
// shared Coordinator, so a single Client must be shared by every worker of a
// process. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	coordinator *Coordinator
	maxRetries  int
	retryAfter  time.Duration
}

// NewClient constructs a Client and its rate-limit coordinator.
func NewClient(options Options) *Client {
	maxRetries := options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s/api/v2", options.Domain)
	}

	return &Client{
		httpClient:  &http.Client{Timeout: options.Timeout},
		baseURL:     baseURL,
		apiKey:      options.APIKey,
		coordinator: NewCoordinator(options.Headroom),
		maxRetries:  maxRetries,
		retryAfter:  defaultRetryAfter,
	}
}

// Coordinator exposes the shared admission coordinator, mainly so progress
// reporting can snapshot the quota.
func (c *Client) Coordinator() *Coordinator { return c.coordinator }

// Do performs one API request. Each attempt waits for coordinator admission
// and reports the response headers back, so pacing stays correct across
// retries and concurrent workers.
//
// Error contract:
//   - transport failure: serrors.ErrTransport
//   - 429 past the retry budget: serrors.ErrRateLimited wrapping *HTTPError
//   - other non-2xx: *HTTPError
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request body: %w", err)
		}
		body = b
	}

	url := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")

	for attempts := 0; ; {
		resp, err := c.attempt(ctx, req.Method, url, body)
		if err != nil {
			return nil, err
		}

		if resp.Status == http.StatusTooManyRequests {
			attempts++
			if attempts > c.maxRetries {
				return nil, serrors.Wrap(serrors.ErrRateLimited,
					terminalHTTPError(resp),
					"max retries (%d) reached for 429 responses", c.maxRetries)
			}

			// The coordinator has already armed the global pause from the
			// Retry-After header; this sleep covers the retrying request
			// itself.
			wait := c.retryAfter
			if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			logger.Debug(ctx, "rate limited, retrying",
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait))

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("canceled while waiting to retry: %w", ctx.Err())
			}

			continue
		}

		if resp.Status < 200 || resp.Status >= 300 {
			return nil, terminalHTTPError(resp)
		}

		if resp.Status == http.StatusNoContent {
			resp.Body = nil
		}

		return resp, nil
	}
}

// attempt performs a single admission-paced HTTP exchange.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (*Response, error) {
	if err := c.coordinator.Admit(ctx); err != nil {
		return nil, fmt.Errorf("could not get admission: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.coordinator.RecordResponse(http.Header{})

		return nil, fmt.Errorf("could not create request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, basicAuthPassword)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Release the in-flight slot even though there are no headers.
		c.coordinator.RecordResponse(http.Header{})

		return nil, serrors.Wrap(serrors.ErrTransport, err, "request failed")
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	c.coordinator.RecordResponse(httpResp.Header)

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrTransport, err, "could not read response body")
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   b,
	}, nil
}

// terminalHTTPError builds the *HTTPError for a non-retryable response,
// preferring a compacted JSON body over raw text.
func terminalHTTPError(resp *Response) *HTTPError {
	body := strings.TrimSpace(string(resp.Body))
	var buf bytes.Buffer
	if json.Valid(resp.Body) && json.Compact(&buf, resp.Body) == nil {
		body = buf.String()
	}

	return &HTTPError{Status: resp.Status, Body: body}
}

// ErrorDetails extracts the HTTP status and message to persist for a failed
// item. Status is 0 when the failure never produced a response.
func ErrorDetails(err error) (status int, message string) {
	if err == nil {
		return 0, ""
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status, httpErr.Body
	}

	return 0, err.Error()
}
