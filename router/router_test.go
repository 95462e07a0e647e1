package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRouter(clock *fakeClock, cfg Config) *Router {
	return New(cfg, func(o *Options) {
		o.Now = clock.Now
		o.Metrics = metrics.MustNewMetrics(prometheus.NewRegistry())
	})
}

func completerCall(sc *model.ScriptedCompleter) CallFunc {
	return func(ctx context.Context, id string) (*model.Response, error) {
		return sc.Complete(ctx, id, model.Request{})
	}
}

func TestChain_TaskOverrideWins(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{
		Routes:     map[core.ProcessKind][]string{core.KindWorker: {"a", "b"}},
		TaskRoutes: map[core.ProcessKind]map[string][]string{core.KindWorker: {"coding": {"c"}}},
	})

	assert.Equal(t, []string{"c"}, r.Chain(core.KindWorker, "coding"))
	assert.Equal(t, []string{"a", "b"}, r.Chain(core.KindWorker, "unknown"))
	assert.Equal(t, []string{"a", "b"}, r.Chain(core.KindWorker, ""))
	assert.Empty(t, r.Chain(core.KindBranch, ""))
}

func TestSetRoutes_ReplacesChainsAndKeepsCooldowns(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{
		Routes:     map[core.ProcessKind][]string{core.KindWorker: {"a", "b"}},
		TaskRoutes: map[core.ProcessKind]map[string][]string{core.KindWorker: {"coding": {"c"}}},
	})
	r.ReportFailure("x", model.ClassRateLimited)

	routes := map[core.ProcessKind][]string{core.KindWorker: {"x", "y"}}
	r.SetRoutes(Config{Routes: routes})
	routes[core.KindWorker][0] = "mutated"

	assert.Equal(t, []string{"x", "y"}, r.Chain(core.KindWorker, ""))
	assert.Equal(t, []string{"x", "y"}, r.Chain(core.KindWorker, "coding"), "old task override is gone")

	id, err := r.Select(core.KindWorker, "")
	require.NoError(t, err)
	assert.Equal(t, "y", id, "cooldown survives the swap")
}

func TestInvoke_TransientFallsBackWithoutCooldown(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock, Config{Routes: map[core.ProcessKind][]string{core.KindBranch: {"A", "B", "C"}}})

	sc := model.NewScriptedCompleter().
		Fail("A", &model.StatusError{StatusCode: 503, Err: errors.New("unavailable")}).
		Reply("B", model.NewTextResponse("from B"))

	resp, used, err := r.Invoke(context.Background(), core.KindBranch, "", completerCall(sc))
	require.NoError(t, err)
	assert.Equal(t, "B", used)
	assert.Equal(t, "from B", resp.Text())

	assert.False(t, r.InCooldown("A"), "503 is transient, not rate limiting")
	_, ok := r.CooldownUntil("A")
	assert.False(t, ok)
	assert.Equal(t, 0, sc.CallsFor("C"))
	assert.Equal(t, 1, r.Health("A").Failures)
	assert.Equal(t, 1, r.Health("B").Successes)
}

func TestInvoke_RateLimitExhaustsSingleChain(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock, Config{
		Routes:   map[core.ProcessKind][]string{core.KindBranch: {"A"}},
		Cooldown: time.Minute,
	})

	sc := model.NewScriptedCompleter().Fail("A", &model.StatusError{StatusCode: 429, Err: errors.New("slow down")})

	_, _, err := r.Invoke(context.Background(), core.KindBranch, "", completerCall(sc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrChainExhausted))

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"A"}, exhausted.Chain)
	assert.Contains(t, err.Error(), "model chain [A] exhausted")
	assert.Contains(t, err.Error(), "rate_limited (429)")

	until, ok := r.CooldownUntil("A")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), until)
}

func TestSelect_CooldownIsGlobalAndExpires(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(clock, Config{
		Routes: map[core.ProcessKind][]string{
			core.KindChannel: {"A", "B"},
			core.KindWorker:  {"A", "B"},
		},
		Cooldown: 30 * time.Second,
	})

	r.ReportFailure("A", model.ClassRateLimited)

	for _, kind := range []core.ProcessKind{core.KindChannel, core.KindWorker} {
		id, err := r.Select(kind, "")
		require.NoError(t, err)
		assert.Equal(t, "B", id, "cooldown applies to every caller")
	}

	clock.Advance(29 * time.Second)
	assert.True(t, r.InCooldown("A"))

	clock.Advance(time.Second)
	assert.False(t, r.InCooldown("A"))
	id, err := r.Select(core.KindChannel, "")
	require.NoError(t, err)
	assert.Equal(t, "A", id)
}

func TestSelect_AllCoolingDown(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{Routes: map[core.ProcessKind][]string{core.KindBranch: {"A", "B"}}})
	r.ReportFailure("A", model.ClassRateLimited)
	r.ReportFailure("B", model.ClassRateLimited)

	_, err := r.Select(core.KindBranch, "")
	assert.ErrorIs(t, err, core.ErrChainExhausted)
	assert.Contains(t, err.Error(), "A: cooling down")
}

func TestInvoke_SkipsCoolingModelWithoutCalling(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{Routes: map[core.ProcessKind][]string{core.KindChannel: {"A", "B"}}})
	r.ReportFailure("A", model.ClassRateLimited)

	sc := model.NewScriptedCompleter().Reply("B", model.NewTextResponse("ok"))

	_, used, err := r.Invoke(context.Background(), core.KindChannel, "", completerCall(sc))
	require.NoError(t, err)
	assert.Equal(t, "B", used)
	assert.Equal(t, 0, sc.CallsFor("A"))
}

func TestInvoke_FatalStopsChain(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{Routes: map[core.ProcessKind][]string{core.KindChannel: {"A", "B"}}})
	sc := model.NewScriptedCompleter().
		Fail("A", &model.StatusError{StatusCode: 401, Err: errors.New("bad key")}).
		Reply("B", model.NewTextResponse("unused"))

	_, used, err := r.Invoke(context.Background(), core.KindChannel, "", completerCall(sc))
	require.Error(t, err)
	assert.Equal(t, "A", used)

	var fe *model.FatalError
	assert.True(t, errors.As(err, &fe))
	assert.False(t, errors.Is(err, core.ErrChainExhausted))
	assert.Equal(t, 0, sc.CallsFor("B"))
	assert.False(t, r.InCooldown("A"))
}

func TestInvoke_ContextCancelledIsNotAFailure(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{Routes: map[core.ProcessKind][]string{core.KindChannel: {"A", "B"}}})

	ctx, cancel := context.WithCancel(context.Background())
	call := func(ctx context.Context, id string) (*model.Response, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, _, err := r.Invoke(ctx, core.KindChannel, "", call)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Health("A").Failures)
}

func TestInvoke_NoRoute(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{})
	_, _, err := r.Invoke(context.Background(), core.KindWorker, "", nil)
	assert.ErrorIs(t, err, core.ErrChainExhausted)
	assert.Contains(t, err.Error(), "no model route configured for worker")
}

func TestReportSuccess_DoesNotClearCooldown(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{})
	r.ReportFailure("A", model.ClassRateLimited)
	r.ReportSuccess("A")

	assert.True(t, r.InCooldown("A"))
	assert.Equal(t, 0, r.Health("A").ConsecutiveFailures)
}

func TestRouter_ConcurrentReports(t *testing.T) {
	r := newTestRouter(newFakeClock(), Config{Routes: map[core.ProcessKind][]string{core.KindBranch: {"A", "B"}}})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.ReportFailure("A", model.ClassServerTransient)
			} else {
				r.ReportSuccess("B")
			}
			_, _ = r.Select(core.KindBranch, "")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Health("A").Failures)
	assert.Equal(t, 16, r.Health("B").Successes)
}
