package freshservice

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// defaultQuota is assumed before the first response reveals the real
	// budget via the x-ratelimit headers.
	defaultQuota = 160

	// probeBackoffMin and probeBackoffMax bound the near-exhaustion probe
	// wait. The backoff doubles after every probe that still finds the quota
	// inside the headroom.
	probeBackoffMin = time.Second
	probeBackoffMax = 60 * time.Second
)

// Quota is a point-in-time view of the coordinator's budget accounting.
type Quota struct {
	// Total is the server-advertised request budget per window.
	Total int
	// Remaining is the server-advertised unused budget.
	Remaining int
	// InFlight counts admitted-but-unanswered requests.
	InFlight int
}

// Coordinator serializes worker admission against a shared, server-advertised
// request budget. Workers call Admit before issuing a request and
// RecordResponse with the response headers afterwards (with empty headers on
// transport failure, so the in-flight slot is always released).
//
// Pacing has three regimes, evaluated under one mutex with one condition
// variable:
//
//   - Plenty of budget: requests are spaced by the base interval
//     (60s / total), so a full window never bursts past the server's quota.
//   - Approaching the headroom (effective remaining at or below 3x headroom):
//     the interval is stretched proportionally, tapering the fleet instead of
//     slamming into the limit.
//   - Inside the headroom: all workers park except a single probe, which
//     waits with doubling backoff and then issues one request to discover
//     whether the server has refreshed the window.
//
// A Retry-After response arms a global pause; no admission happens until it
// expires. All waits recompute their predicates on every wake, so spurious
// wakeups (including the timer broadcasts used for timed waits) are harmless.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	headroom int

	limitTotal     int
	limitRemaining int
	inFlight       int

	lastAdmission time.Time
	pauseUntil    time.Time

	probeBackoff   time.Duration
	probeScheduled bool
}

// NewCoordinator creates a coordinator with the given headroom. The budget
// starts at the default quota until the first response reports real numbers.
func NewCoordinator(headroom int) *Coordinator {
	c := &Coordinator{
		headroom:       headroom,
		limitTotal:     defaultQuota,
		limitRemaining: defaultQuota,
		probeBackoff:   probeBackoffMin,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Admit blocks until it is safe to issue one request. On success the caller
// holds an in-flight slot which must be released through RecordResponse.
// Admit returns early only when ctx is canceled.
func (c *Coordinator) Admit(ctx context.Context) error {
	// Wake this waiter (and everyone else; predicates recompute) when the
	// caller gives up.
	stop := context.AfterFunc(ctx, c.broadcast)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()

		// Global pause from a Retry-After response.
		if now.Before(c.pauseUntil) {
			c.waitFor(c.pauseUntil.Sub(now))

			continue
		}

		baseInterval := time.Minute / time.Duration(max(1, c.limitTotal))
		effectiveRemaining := c.limitRemaining - c.inFlight

		if effectiveRemaining > c.headroom {
			// Budget available: pace by the (possibly stretched) interval.
			c.probeBackoff = max(probeBackoffMin, baseInterval)

			brakingThreshold := c.headroom * 3
			multiplier := 1.0
			if effectiveRemaining <= brakingThreshold {
				multiplier = float64(brakingThreshold) / float64(max(1, effectiveRemaining))
			}
			requiredInterval := time.Duration(float64(baseInterval) * multiplier)

			if since := now.Sub(c.lastAdmission); since < requiredInterval {
				c.waitFor(requiredInterval - since)

				continue
			}

			c.inFlight++
			c.lastAdmission = now

			return nil
		}

		// Near exhaustion. Only one probe may be outstanding; everyone else
		// parks until a response changes the picture.
		if c.inFlight > 0 || c.probeScheduled {
			c.cond.Wait()

			continue
		}

		c.probeScheduled = true
		func() {
			// The flag must not survive a wake, whatever path it takes.
			defer func() { c.probeScheduled = false }()
			c.waitFor(c.probeBackoff)
		}()

		if c.limitRemaining-c.inFlight <= c.headroom {
			// Still boxed in: send this single probe and back off harder for
			// the next one.
			c.probeBackoff = min(c.probeBackoff*2, probeBackoffMax)
			c.inFlight++
			c.lastAdmission = time.Now()

			return nil
		}

		// Quota refreshed while the probe slept; recompute from the top.
	}
}

// RecordResponse releases the caller's in-flight slot and ingests the
// rate-limit headers of the response. Pass empty headers when the request
// failed without a response. Header lookups go through http.Header.Get, which
// canonicalizes case.
func (c *Coordinator) RecordResponse(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}

	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			c.pauseUntil = time.Now().Add(time.Duration(secs) * time.Second)
			c.limitRemaining = 0
			c.cond.Broadcast()

			return
		}
		// Malformed header: fall through to the standard accounting.
	}

	prev := c.limitRemaining
	if v := h.Get("X-Ratelimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			c.limitRemaining = n
		}
	}
	if v := h.Get("X-Ratelimit-Total"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.limitTotal = n
		}
	}

	switch {
	case c.limitRemaining > prev:
		// Window refreshed: everyone re-enters paced admission.
		c.cond.Broadcast()
	case c.limitRemaining-c.inFlight > c.headroom:
		c.cond.Broadcast()
	default:
		// Still inside the headroom: wake exactly one waiter so it can
		// become the probe.
		c.cond.Signal()
	}
}

// Snapshot returns the current budget accounting.
func (c *Coordinator) Snapshot() Quota {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Quota{
		Total:     c.limitTotal,
		Remaining: c.limitRemaining,
		InFlight:  c.inFlight,
	}
}

// Headroom returns the configured buffer below the server quota.
func (c *Coordinator) Headroom() int { return c.headroom }

func (c *Coordinator) broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond.Broadcast()
}

// waitFor waits on the condition variable for at most d. The timer wakes all
// waiters; callers run in a loop that recomputes predicates, so overshoot is
// harmless. Must be called with mu held.
func (c *Coordinator) waitFor(d time.Duration) {
	t := time.AfterFunc(d, c.broadcast)
	defer t.Stop()
	c.cond.Wait()
}
