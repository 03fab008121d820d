package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/logger"
	"hume-agent/internal/usecase/execution"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type boundPlanner struct {
	mu     sync.Mutex
	bounds [][]string
	groups []string
}

func (p *boundPlanner) ClassifyWithin(_ context.Context, _ domain.Task, _ []domain.Exchange, bound []string) domain.ExecutionPlan {
	p.mu.Lock()
	p.bounds = append(p.bounds, bound)
	p.mu.Unlock()
	groups := p.groups
	if groups == nil {
		groups = bound
	}
	return domain.ExecutionPlan{Mode: domain.ModeToolUsing, SelectedGroups: groups}
}

// echoRunner replies with the message and the size of the history it saw.
type echoRunner struct {
	mu       sync.Mutex
	requests []execution.Request
	block    chan struct{}
	started  chan struct{}
	fail     error
	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *echoRunner) Run(ctx context.Context, req execution.Request) (execution.Result, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return execution.Result{}, ctx.Err()
		}
	}
	if r.fail != nil {
		return execution.Result{}, r.fail
	}
	return execution.Result{Text: fmt.Sprintf("%s (history=%d)", req.Task.RawText, len(req.History))}, nil
}

func testProfiles() []Profile {
	return []Profile{
		{Name: "competitor_analyst", Description: "Analyses competitors.", Groups: []string{"web_research"}},
		{Name: "account_researcher", Groups: []string{"crm", "enrichment"}},
	}
}

func newEngine(t *testing.T, planner Planner, runner Runner, cfg config.DelegationConfig) *Engine {
	t.Helper()
	e, err := NewEngine(testProfiles(), planner, runner, cfg, logger.Discard())
	require.NoError(t, err)
	return e
}

func TestInstanceKey(t *testing.T) {
	assert.Equal(t, "competitor_analyst/CompanyA", InstanceKey("competitor_analyst", "CompanyA"))
	assert.Equal(t, "competitor_analyst", InstanceKey("competitor_analyst", ""))
	p, s := SplitKey("competitor_analyst/CompanyA")
	assert.Equal(t, "competitor_analyst", p)
	assert.Equal(t, "CompanyA", s)
}

func TestNewEngine_RejectsBadProfiles(t *testing.T) {
	_, err := NewEngine([]Profile{{Name: "a/b"}}, &boundPlanner{}, &echoRunner{}, config.DelegationConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NewEngine([]Profile{{Name: "a"}, {Name: "a"}}, &boundPlanner{}, &echoRunner{}, config.DelegationConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

// Two scopes of one profile never share scratchpads.
func TestDelegate_ScopesAreIndependent(t *testing.T) {
	runner := &echoRunner{}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{})
	ctx := context.Background()

	a, err := e.Delegate(ctx, "competitor_analyst", "CompanyA", "analyze pricing", false)
	require.NoError(t, err)
	b, err := e.Delegate(ctx, "competitor_analyst", "CompanyB", "analyze pricing", false)
	require.NoError(t, err)
	assert.Equal(t, "analyze pricing (history=0)", a)
	assert.Equal(t, "analyze pricing (history=0)", b)

	again, err := e.Delegate(ctx, "competitor_analyst", "CompanyA", "and discounts", false)
	require.NoError(t, err)
	assert.Equal(t, "and discounts (history=2)", again)

	subA, ok := e.Snapshot("competitor_analyst", "CompanyA")
	require.True(t, ok)
	subB, ok := e.Snapshot("competitor_analyst", "CompanyB")
	require.True(t, ok)
	assert.Len(t, subA.Scratchpad, 4)
	assert.Len(t, subB.Scratchpad, 2)
	for _, ex := range subB.Scratchpad {
		assert.NotContains(t, ex.Content, "discounts")
	}
	assert.Equal(t, 2, e.Live())
}

func TestDelegate_ResetStartsFresh(t *testing.T) {
	e := newEngine(t, &boundPlanner{}, &echoRunner{}, config.DelegationConfig{})
	ctx := context.Background()

	_, err := e.Delegate(ctx, "account_researcher", "acme", "first", false)
	require.NoError(t, err)
	reply, err := e.Delegate(ctx, "account_researcher", "acme", "second", true)
	require.NoError(t, err)
	assert.Equal(t, "second (history=0)", reply)

	assert.True(t, e.Reset("account_researcher", "acme"))
	_, ok := e.Snapshot("account_researcher", "acme")
	assert.False(t, ok)
	assert.False(t, e.Reset("account_researcher", "missing"))
}

func TestDelegate_PlanClampedToProfile(t *testing.T) {
	planner := &boundPlanner{groups: []string{"internal", "crm", "web_research"}}
	runner := &echoRunner{}
	e := newEngine(t, planner, runner, config.DelegationConfig{})

	_, err := e.Delegate(context.Background(), "competitor_analyst", "", "who else sells this", false)
	require.NoError(t, err)
	require.Len(t, runner.requests, 1)
	assert.Equal(t, []string{"internal", "web_research"}, runner.requests[0].Plan.SelectedGroups)
	assert.Equal(t, []string{"internal", "web_research"}, planner.bounds[0])
	assert.Contains(t, runner.requests[0].Instructions, "competitor analyst")
}

func TestDelegate_Errors(t *testing.T) {
	boom := errors.New("model down")
	e := newEngine(t, &boundPlanner{}, &echoRunner{fail: boom}, config.DelegationConfig{})
	ctx := context.Background()

	_, err := e.Delegate(ctx, "competitor_analyst", "x", "hi there", false)
	var de *DelegationError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "competitor_analyst/x", de.Key)
	assert.ErrorIs(t, err, domain.ErrDelegation)
	assert.ErrorIs(t, err, boom)

	sub, ok := e.Snapshot("competitor_analyst", "x")
	require.True(t, ok)
	assert.Empty(t, sub.Scratchpad)

	_, err = e.Delegate(ctx, "nobody", "", "hi", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeProfileNotFound, domain.ErrorCodeOf(err))
}

func TestDelegate_BusySubordinateNeverEvicted(t *testing.T) {
	runner := &echoRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{MaxLive: 1})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.Delegate(ctx, "competitor_analyst", "A", "long task", false)
		done <- err
	}()
	<-runner.started

	_, err := e.Delegate(ctx, "competitor_analyst", "B", "other", false)
	assert.ErrorIs(t, err, domain.ErrLimitReached)
	assert.Equal(t, domain.CodeSubordinateLimit, domain.ErrorCodeOf(err))

	close(runner.block)
	require.NoError(t, <-done)

	// A is idle now and can be evicted.
	runner.started = nil
	_, err = e.Delegate(ctx, "competitor_analyst", "B", "other", false)
	require.NoError(t, err)
	_, ok := e.Snapshot("competitor_analyst", "A")
	assert.False(t, ok)
	assert.Equal(t, 1, e.Live())
}

func TestDelegate_SameKeySerialised(t *testing.T) {
	runner := &echoRunner{}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{MaxParallel: 5})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Delegate(context.Background(), "account_researcher", "acme", fmt.Sprintf("msg %d", i), false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sub, ok := e.Snapshot("account_researcher", "acme")
	require.True(t, ok)
	assert.Len(t, sub.Scratchpad, 20)
	assert.Equal(t, int32(1), runner.peak.Load())
}

func TestDelegateMany_BoundedAndOrdered(t *testing.T) {
	runner := &echoRunner{}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{MaxParallel: 2})

	var reqs []Request
	for i := 0; i < 8; i++ {
		reqs = append(reqs, Request{Profile: "competitor_analyst", Scope: fmt.Sprintf("c%d", i), Message: fmt.Sprintf("task %d", i)})
	}
	reqs = append(reqs, Request{Profile: "unknown", Message: "x"})

	replies, err := e.DelegateMany(context.Background(), reqs)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, replies, 9)
	for i := 0; i < 8; i++ {
		assert.True(t, strings.HasPrefix(replies[i], fmt.Sprintf("task %d", i)))
	}
	assert.Empty(t, replies[8])
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestDelegate_CancelledContext(t *testing.T) {
	runner := &echoRunner{block: make(chan struct{})}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Delegate(ctx, "competitor_analyst", "", "slow", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type runnerFunc func(ctx context.Context, req execution.Request) (execution.Result, error)

func (f runnerFunc) Run(ctx context.Context, req execution.Request) (execution.Result, error) {
	return f(ctx, req)
}

// A caller queued behind a busy key holds no parallelism token, so other
// keys keep running.
func TestDelegate_QueuedKeyDoesNotStarveOthers(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req execution.Request) (execution.Result, error) {
		if req.Task.RawText == "hold" {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return execution.Result{}, ctx.Err()
			}
		}
		return execution.Result{Text: "ok"}, nil
	})
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{MaxParallel: 2, Timeout: 5 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.Delegate(ctx, "competitor_analyst", "A", "hold", false)
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = e.Delegate(ctx, "competitor_analyst", "A", "queued", false)
	}()
	time.Sleep(20 * time.Millisecond)

	bctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	reply, err := e.Delegate(bctx, "competitor_analyst", "B", "independent", false)
	require.NoError(t, err, "B waited behind A's queue")
	assert.Equal(t, "ok", reply)

	close(release)
	wg.Wait()
	sub, ok := e.Snapshot("competitor_analyst", "A")
	require.True(t, ok)
	assert.Len(t, sub.Scratchpad, 4)
}

// A caller waiting on a busy key gives up when its context ends.
func TestDelegate_KeyWaitHonoursContext(t *testing.T) {
	runner := &echoRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{Timeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Delegate(context.Background(), "competitor_analyst", "A", "first", false)
	}()
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Delegate(ctx, "competitor_analyst", "A", "second", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(runner.block)
	<-done
}

// A delegation started from inside another reuses its parallelism token.
func TestDelegate_NestedDelegationSharesToken(t *testing.T) {
	var e *Engine
	runner := runnerFunc(func(ctx context.Context, req execution.Request) (execution.Result, error) {
		if req.Task.RawText == "outer" {
			inner, err := e.Delegate(ctx, "account_researcher", "acme", "inner", false)
			if err != nil {
				return execution.Result{}, err
			}
			return execution.Result{Text: "outer+" + inner}, nil
		}
		return execution.Result{Text: req.Task.RawText}, nil
	})
	e = newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{MaxParallel: 1, Timeout: time.Second})

	reply, err := e.Delegate(context.Background(), "competitor_analyst", "A", "outer", false)
	require.NoError(t, err)
	assert.Equal(t, "outer+inner", reply)
}

// A reset that fails leaves the previous subordinate and its history intact.
func TestDelegate_FailedResetKeepsScratchpad(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, req execution.Request) (execution.Result, error) {
		if req.Task.RawText == "broken" {
			return execution.Result{}, domain.ErrUpstream
		}
		return execution.Result{Text: "ok"}, nil
	})
	e := newEngine(t, &boundPlanner{}, runner, config.DelegationConfig{})
	ctx := context.Background()

	_, err := e.Delegate(ctx, "account_researcher", "acme", "remember this", false)
	require.NoError(t, err)
	before, ok := e.Snapshot("account_researcher", "acme")
	require.True(t, ok)

	_, err = e.Delegate(ctx, "account_researcher", "acme", "broken", true)
	require.ErrorIs(t, err, domain.ErrUpstream)

	after, ok := e.Snapshot("account_researcher", "acme")
	require.True(t, ok)
	assert.Equal(t, before.Scratchpad, after.Scratchpad)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)

	_, err = e.Delegate(ctx, "account_researcher", "acme", "start over", true)
	require.NoError(t, err)
	fresh, _ := e.Snapshot("account_researcher", "acme")
	require.Len(t, fresh.Scratchpad, 2)
	assert.Equal(t, "start over", fresh.Scratchpad[0].Content)
}
