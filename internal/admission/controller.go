// Package admission meters usage against per-tier quotas and smooths bursts
// with a bounded per-customer queue.
package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/skillgate/skillgate/internal/licensing"
	"github.com/skillgate/skillgate/internal/metrics"
)

// LocalCustomer scopes usage when no customer id is known.
const LocalCustomer = "local"

// Defaults for Config fields left at zero.
const (
	DefaultQueueDepth   = 32
	DefaultQueueTimeout = 5 * time.Second
	DefaultBurst        = 10
	DefaultRate         = 5.0
)

// Config configures a Controller.
type Config struct {
	Quotas licensing.QuotaTable
	Window Window
	Store  CounterStore
	// QueueDepth bounds waiters per customer.
	QueueDepth int
	// QueueTimeout is the default time a queued request may wait.
	QueueTimeout time.Duration
	// Burst and RatePerSecond shape the per-customer token bucket. A negative
	// rate disables the burst gate and the queue.
	Burst         int
	RatePerSecond float64
	Now           func() time.Time
}

// Request describes one metered operation.
type Request struct {
	CustomerID string
	Tier       licensing.Tier
	// Cost defaults to 1.
	Cost int64
	// Timeout overrides the queue timeout for this call.
	Timeout time.Duration
}

// Controller decides whether metered operations may run.
type Controller struct {
	quotas  licensing.QuotaTable
	window  Window
	store   CounterStore
	depth   int
	timeout time.Duration
	burst   int
	rate    rate.Limit
	gated   bool
	now     func() time.Time

	// refill is how long an empty bucket takes to fill; idle lanes are
	// swept at that interval.
	refill time.Duration

	mu        sync.Mutex
	lanes     map[string]*lane
	lastSweep time.Time
}

// New creates a controller, filling unset fields with defaults.
func New(cfg Config) *Controller {
	if cfg.Quotas == nil {
		cfg.Quotas = licensing.DefaultQuotas
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = DefaultRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var refill time.Duration
	if cfg.RatePerSecond > 0 {
		refill = time.Duration(float64(cfg.Burst) / cfg.RatePerSecond * float64(time.Second))
	}
	return &Controller{
		refill:  refill,
		quotas:  cfg.Quotas,
		window:  cfg.Window,
		store:   cfg.Store,
		depth:   cfg.QueueDepth,
		timeout: cfg.QueueTimeout,
		burst:   cfg.Burst,
		rate:    rate.Limit(cfg.RatePerSecond),
		gated:   cfg.RatePerSecond > 0,
		now:     cfg.Now,
		lanes:   make(map[string]*lane),
	}
}

func normalize(req Request) Request {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		req.CustomerID = LocalCustomer
	}
	if req.Cost <= 0 {
		req.Cost = 1
	}
	return req
}

// TryAdmit decides without blocking. A Queued result carries a Ticket the
// caller must Wait on or Cancel.
func (c *Controller) TryAdmit(ctx context.Context, req Request) Result {
	req = normalize(req)
	quota := c.quotas.For(req.Tier)

	if !quota.IsUnlimited() {
		// Cheap early exit; the authoritative check is the atomic Add.
		now := c.now()
		used, err := c.store.Usage(ctx, req.CustomerID, c.window.Start(now))
		if err == nil && used+req.Cost > quota.MonthlyUnits {
			return c.record(c.quotaDenied(req, used, quota.MonthlyUnits, now))
		}
	}

	if c.gated {
		if res, queued := c.enqueueIfBusy(req); queued {
			return c.record(res)
		}
	}
	return c.record(c.charge(ctx, req))
}

// Admit blocks until the request is admitted or denied, waiting in the queue
// when necessary.
func (c *Controller) Admit(ctx context.Context, req Request) Result {
	res := c.TryAdmit(ctx, req)
	if res.Outcome == Queued {
		return res.Ticket.Wait(ctx)
	}
	return res
}

// Usage reports the customer's consumption in the current window.
func (c *Controller) Usage(ctx context.Context, customerID string, tier licensing.Tier) (Usage, error) {
	req := normalize(Request{CustomerID: customerID, Tier: tier})
	now := c.now()
	start := c.window.Start(now)

	used, err := c.store.Usage(ctx, req.CustomerID, start)
	if err != nil {
		return Usage{}, err
	}
	limit := c.quotas.For(tier).MonthlyUnits
	u := Usage{
		CustomerID:  req.CustomerID,
		Used:        used,
		Limit:       limit,
		Remaining:   remaining(used, limit),
		Threshold:   licensing.ThresholdFor(used, limit),
		WindowStart: start,
		WindowEnd:   c.window.End(now),
	}
	c.mu.Lock()
	if l, ok := c.lanes[req.CustomerID]; ok {
		u.Queued = len(l.waiters)
	}
	c.mu.Unlock()
	return u, nil
}

// charge applies the request to the customer's counter.
func (c *Controller) charge(ctx context.Context, req Request) Result {
	quota := c.quotas.For(req.Tier)
	limit := quota.MonthlyUnits
	now := c.now()

	used, applied, err := c.store.Add(ctx, req.CustomerID, c.window.Start(now), req.Cost, limit)
	if err != nil {
		log.Error().Err(err).Str("customer_id", req.CustomerID).Msg("Usage counter unavailable")
		return Result{
			Outcome:    Denied,
			CustomerID: req.CustomerID,
			Cost:       req.Cost,
			Limit:      limit,
			Reason:     ReasonUnavailable,
			Err:        err,
		}
	}
	if !applied {
		return c.quotaDenied(req, used, limit, now)
	}

	res := Result{
		Outcome:    Admitted,
		CustomerID: req.CustomerID,
		Cost:       req.Cost,
		Used:       used,
		Limit:      limit,
		Remaining:  remaining(used, limit),
		Threshold:  licensing.ThresholdFor(used, limit),
	}
	if res.Threshold > 0 {
		log.Debug().
			Str("customer_id", req.CustomerID).
			Int("threshold", res.Threshold).
			Int64("used", used).
			Int64("limit", limit).
			Msg("Customer approaching quota")
	}
	return res
}

func (c *Controller) quotaDenied(req Request, used, limit int64, now time.Time) Result {
	return Result{
		Outcome:    Denied,
		CustomerID: req.CustomerID,
		Cost:       req.Cost,
		Used:       used,
		Limit:      limit,
		Remaining:  remaining(used, limit),
		Threshold:  licensing.ThresholdFor(used, limit),
		Reason:     ReasonQuotaExceeded,
		RetryAfter: c.window.End(now).Sub(now),
	}
}

func (c *Controller) record(res Result) Result {
	metrics.Get().RecordAdmission(res.Outcome.String(), string(res.Reason))
	if res.Outcome == Denied {
		log.Debug().
			Str("customer_id", res.CustomerID).
			Str("reason", string(res.Reason)).
			Int64("used", res.Used).
			Int64("limit", res.Limit).
			Msg("Admission denied")
	}
	return res
}

func remaining(used, limit int64) int64 {
	if limit < 0 {
		return licensing.Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
