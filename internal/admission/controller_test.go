package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/internal/licensing"
)

var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ungated returns a controller without a burst gate and a ceiling of limit
// units for the community tier.
func ungated(limit int64, store CounterStore) (*Controller, *testClock) {
	clock := &testClock{now: testStart}
	quotas := licensing.QuotaTable{
		licensing.TierCommunity:  {MonthlyUnits: limit},
		licensing.TierEnterprise: {MonthlyUnits: licensing.Unlimited},
	}
	return New(Config{
		Quotas:        quotas,
		Store:         store,
		RatePerSecond: -1,
		Now:           clock.Now,
	}), clock
}

func TestQuotaExhaustionAndRollover(t *testing.T) {
	c, clock := ungated(10, nil)
	ctx := context.Background()
	req := Request{CustomerID: "cus_1", Tier: licensing.TierCommunity}

	for i := 1; i <= 10; i++ {
		res := c.TryAdmit(ctx, req)
		require.Equal(t, Admitted, res.Outcome, "admission %d", i)
		assert.Equal(t, int64(i), res.Used)
	}

	res := c.TryAdmit(ctx, req)
	assert.Equal(t, Denied, res.Outcome)
	assert.Equal(t, ReasonQuotaExceeded, res.Reason)
	assert.Equal(t, int64(10), res.Used)
	assert.Equal(t, int64(10), res.Limit)
	assert.Zero(t, res.Remaining)
	end := c.window.End(clock.Now())
	assert.Equal(t, end.Sub(clock.Now()), res.RetryAfter)

	clock.Advance(end.Sub(clock.Now()))
	usage, err := c.Usage(ctx, "cus_1", licensing.TierCommunity)
	require.NoError(t, err)
	assert.Zero(t, usage.Used, "counter resets after rollover")

	res = c.TryAdmit(ctx, req)
	require.Equal(t, Admitted, res.Outcome)
	assert.Equal(t, int64(1), res.Used)
}

func TestQuotaAtomicity(t *testing.T) {
	stores := map[string]func(t *testing.T) CounterStore{
		"memory": func(*testing.T) CounterStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) CounterStore { return newSQLiteStore(t) },
		"redis":  func(t *testing.T) CounterStore { return newRedisStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			c, _ := ungated(10, mk(t))
			ctx := context.Background()
			req := Request{CustomerID: "cus_race", Tier: licensing.TierCommunity}

			for i := 0; i < 3; i++ {
				require.True(t, c.TryAdmit(ctx, req).IsAdmitted())
			}

			const n = 40
			var admitted, denied atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := c.TryAdmit(ctx, req)
					switch res.Outcome {
					case Admitted:
						admitted.Add(1)
					case Denied:
						if res.Reason == ReasonQuotaExceeded {
							denied.Add(1)
						}
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(7), admitted.Load())
			assert.Equal(t, int64(n-7), denied.Load())
		})
	}
}

func TestUnlimitedAlwaysAdmitsAndRecordsUsage(t *testing.T) {
	c, _ := ungated(10, nil)
	ctx := context.Background()
	req := Request{CustomerID: "cus_big", Tier: licensing.TierEnterprise, Cost: 1000}

	for i := 0; i < 5; i++ {
		res := c.TryAdmit(ctx, req)
		require.Equal(t, Admitted, res.Outcome)
		assert.True(t, res.Unlimited())
		assert.Equal(t, licensing.Unlimited, res.Remaining)
		assert.Zero(t, res.Threshold)
	}

	usage, err := c.Usage(ctx, "cus_big", licensing.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), usage.Used)
}

func TestWarningThresholds(t *testing.T) {
	c, _ := ungated(10, nil)
	ctx := context.Background()
	req := Request{CustomerID: "cus_1", Tier: licensing.TierCommunity}

	thresholds := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		res := c.TryAdmit(ctx, req)
		require.True(t, res.IsAdmitted())
		thresholds = append(thresholds, res.Threshold)
	}
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 80, 90, 100}, thresholds)

	res := Result{Outcome: Admitted, Used: 8, Limit: 10, Threshold: 80}
	assert.Equal(t, "Monthly quota 80% used (8/10 units)", res.Warning())
	res = Result{Outcome: Admitted, Used: 10, Limit: 10, Threshold: 100}
	assert.Equal(t, "Monthly quota reached (10/10 units used)", res.Warning())
	assert.Empty(t, Result{Outcome: Admitted}.Warning())
}

func TestCostLargerThanRemaining(t *testing.T) {
	c, _ := ungated(10, nil)
	ctx := context.Background()

	require.True(t, c.TryAdmit(ctx, Request{CustomerID: "c", Cost: 8}).IsAdmitted())
	res := c.TryAdmit(ctx, Request{CustomerID: "c", Cost: 3})
	assert.Equal(t, ReasonQuotaExceeded, res.Reason)
	assert.Equal(t, int64(8), res.Used)

	res = c.TryAdmit(ctx, Request{CustomerID: "c", Cost: 2})
	assert.True(t, res.IsAdmitted())
	assert.Equal(t, int64(10), res.Used)
}

func TestEmptyCustomerUsesLocalScope(t *testing.T) {
	c, _ := ungated(10, nil)
	res := c.TryAdmit(context.Background(), Request{})
	require.True(t, res.IsAdmitted())
	assert.Equal(t, LocalCustomer, res.CustomerID)
	assert.Equal(t, int64(1), res.Cost)
}

type failingStore struct{}

func (failingStore) Add(context.Context, string, time.Time, int64, int64) (int64, bool, error) {
	return 0, false, errors.New("store down")
}

func (failingStore) Usage(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("store down")
}

func TestStoreFailureDenies(t *testing.T) {
	c, _ := ungated(10, failingStore{})
	res := c.TryAdmit(context.Background(), Request{CustomerID: "c"})
	assert.Equal(t, Denied, res.Outcome)
	assert.Equal(t, ReasonUnavailable, res.Reason)
	assert.Error(t, res.Err)

	_, err := c.Usage(context.Background(), "c", licensing.TierCommunity)
	assert.Error(t, err)
}

func TestWindowStart(t *testing.T) {
	w := Window{Length: 30 * 24 * time.Hour}
	start := w.Start(testStart)
	assert.False(t, start.After(testStart))
	assert.True(t, w.End(testStart).After(testStart))
	assert.Equal(t, start, w.Start(start), "window start belongs to its own window")
	assert.Equal(t, w.End(testStart), w.Start(w.End(testStart)))
	assert.Zero(t, start.Sub(time.Unix(0, 0)) % (30 * 24 * time.Hour))

	anchored := Window{Length: time.Hour, Anchor: testStart}
	assert.Equal(t, testStart, anchored.Start(testStart.Add(59*time.Minute)))
	assert.Equal(t, testStart.Add(-time.Hour), anchored.Start(testStart.Add(-time.Minute)))

	assert.Equal(t, DefaultWindowLength, Window{}.End(testStart).Sub(Window{}.Start(testStart)))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "queued", Queued.String())
}
