package admission

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skillgate/skillgate/internal/metrics"
)

// lane is one customer's token bucket and FIFO of waiting tickets. Only the
// head ticket may take tokens from the bucket. Fields are guarded by
// Controller.mu.
type lane struct {
	limiter *rate.Limiter
	waiters []*Ticket
}

// Ticket is a queued admission request.
type Ticket struct {
	c        *Controller
	req      Request
	lane     *lane
	deadline time.Time
	turn     chan struct{}

	// Guarded by Controller.mu.
	promoted  bool
	waiting   bool
	left      bool
	cancelled bool
	stop      context.CancelFunc
	expiry    *time.Timer

	once   sync.Once
	result Result
}

// sweepLanesLocked drops lanes with no waiters whose bucket has refilled, at
// most once per full refill period. A dropped lane is recreated full, so
// nothing is lost.
func (c *Controller) sweepLanesLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.refill {
		return
	}
	c.lastSweep = now
	for id, l := range c.lanes {
		if len(l.waiters) == 0 && l.limiter.TokensAt(now) >= float64(c.burst) {
			delete(c.lanes, id)
		}
	}
}

func (c *Controller) laneLocked(customer string) *lane {
	l, ok := c.lanes[customer]
	if !ok {
		l = &lane{limiter: rate.NewLimiter(c.rate, c.burst)}
		c.lanes[customer] = l
	}
	return l
}

// enqueueIfBusy lets the request through when the customer's bucket has a
// token and nobody is waiting; otherwise it queues or rejects it.
func (c *Controller) enqueueIfBusy(req Request) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweepLanesLocked(now)
	l := c.laneLocked(req.CustomerID)

	if len(l.waiters) == 0 && l.limiter.AllowN(now, 1) {
		return Result{}, false
	}

	limit := c.quotas.For(req.Tier).MonthlyUnits
	if len(l.waiters) >= c.depth {
		return Result{
			Outcome:    Denied,
			CustomerID: req.CustomerID,
			Cost:       req.Cost,
			Limit:      limit,
			Reason:     ReasonQueueFull,
			RetryAfter: c.drainTime(len(l.waiters)),
			Err:        ErrQueueFull,
		}, true
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	t := &Ticket{
		c:        c,
		req:      req,
		lane:     l,
		deadline: now.Add(timeout),
		turn:     make(chan struct{}),
	}
	t.expiry = time.AfterFunc(timeout, t.expireIfAbandoned)
	l.waiters = append(l.waiters, t)
	metrics.Get().QueueEntered()
	if len(l.waiters) == 1 {
		t.promoteLocked()
	}

	return Result{
		Outcome:    Queued,
		CustomerID: req.CustomerID,
		Cost:       req.Cost,
		Limit:      limit,
		Position:   len(l.waiters),
		RetryAfter: c.drainTime(len(l.waiters)),
		Ticket:     t,
	}, true
}

func (c *Controller) drainTime(ahead int) time.Duration {
	if c.rate <= 0 {
		return 0
	}
	return time.Duration(float64(ahead) / float64(c.rate) * float64(time.Second))
}

// expireIfAbandoned runs at the ticket's deadline. A holder that never called
// Wait is dropped so the waiters behind it move up.
func (t *Ticket) expireIfAbandoned() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if !t.waiting {
		t.c.leaveLocked(t)
	}
}

func (c *Controller) leave(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked(t)
}

// leaveLocked removes t from its lane and hands the turn to the next waiter
// if t was at the head. The relative order of the others is unchanged.
func (c *Controller) leaveLocked(t *Ticket) {
	if t.left {
		return
	}
	t.left = true
	if t.expiry != nil {
		t.expiry.Stop()
	}
	l := t.lane
	i := slices.Index(l.waiters, t)
	if i < 0 {
		return
	}
	l.waiters = slices.Delete(l.waiters, i, i+1)
	metrics.Get().QueueLeft()
	if i == 0 && len(l.waiters) > 0 {
		l.waiters[0].promoteLocked()
	}
}

func (t *Ticket) promoteLocked() {
	if !t.promoted {
		t.promoted = true
		close(t.turn)
	}
}

// Position returns the ticket's 1-based place in its queue, or 0 once it has
// left.
func (t *Ticket) Position() int {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.left {
		return 0
	}
	return slices.Index(t.lane.waiters, t) + 1
}

// Deadline is when the ticket's queue wait times out.
func (t *Ticket) Deadline() time.Time {
	return t.deadline
}

// Cancel withdraws the ticket. A pending Wait returns a cancelled denial.
func (t *Ticket) Cancel() {
	c := t.c
	c.mu.Lock()
	t.cancelled = true
	stop := t.stop
	c.leaveLocked(t)
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Wait blocks until the ticket is admitted, denied, times out, or ctx is
// done. Repeated calls return the first result.
func (t *Ticket) Wait(ctx context.Context) Result {
	t.once.Do(func() {
		t.result = t.c.record(t.wait(ctx))
	})
	return t.result
}

func (t *Ticket) wait(parent context.Context) Result {
	c := t.c
	ctx, cancel := context.WithDeadline(parent, t.deadline)
	defer cancel()

	c.mu.Lock()
	if t.left {
		cancelled := t.cancelled
		c.mu.Unlock()
		if cancelled {
			return t.denied(ReasonCancelled, context.Canceled)
		}
		return t.denied(ReasonQueueTimeout, ErrQueueTimeout)
	}
	t.waiting = true
	t.stop = cancel
	c.mu.Unlock()

	select {
	case <-t.turn:
	case <-ctx.Done():
		c.leave(t)
		return t.aborted(parent)
	}

	err := t.lane.limiter.Wait(ctx)
	c.leave(t)
	if err != nil {
		return t.aborted(parent)
	}
	return c.charge(parent, t.req)
}

func (t *Ticket) aborted(parent context.Context) Result {
	t.c.mu.Lock()
	cancelled := t.cancelled
	t.c.mu.Unlock()

	switch {
	case cancelled:
		return t.denied(ReasonCancelled, context.Canceled)
	case parent.Err() != nil:
		return t.denied(ReasonCancelled, parent.Err())
	default:
		return t.denied(ReasonQueueTimeout, ErrQueueTimeout)
	}
}

func (t *Ticket) denied(reason DenyReason, err error) Result {
	return Result{
		Outcome:    Denied,
		CustomerID: t.req.CustomerID,
		Cost:       t.req.Cost,
		Limit:      t.c.quotas.For(t.req.Tier).MonthlyUnits,
		Reason:     reason,
		Err:        err,
	}
}
