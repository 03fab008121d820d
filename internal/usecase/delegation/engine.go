// Package delegation runs tasks on reusable, profile-scoped subordinates.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/eventbus"
	"hume-agent/internal/usecase/execution"
)

// Planner classifies a task within a capability bound.
type Planner interface {
	ClassifyWithin(ctx context.Context, task domain.Task, history []domain.Exchange, bound []string) domain.ExecutionPlan
}

// Runner executes a plan.
type Runner interface {
	Run(ctx context.Context, req execution.Request) (execution.Result, error)
}

// Profile is a named specialisation with a fixed capability subset.
type Profile struct {
	Name         string
	Description  string
	Groups       []string
	Instructions string
}

// Subordinate is a reusable worker bound to one profile and scope.
type Subordinate struct {
	Profile      string
	InstanceKey  string
	Scratchpad   []domain.Exchange
	Capabilities []string
	CreatedAt    time.Time
	LastUsed     time.Time
}

// Request is one delegation in a DelegateMany batch.
type Request struct {
	Profile string
	Scope   string
	Message string
	Reset   bool
}

// DelegationError reports a failed delegation. It matches domain.ErrDelegation
// and the underlying cause.
type DelegationError struct {
	Profile string
	Key     string
	Err     error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation to %s failed: %v", e.Key, e.Err)
}

func (e *DelegationError) Unwrap() []error { return []error{domain.ErrDelegation, e.Err} }

// InstanceKey joins profile and scope as "profile/scope" ("profile" when scope is empty).
func InstanceKey(profile, scope string) string {
	if scope == "" {
		return profile
	}
	return profile + "/" + scope
}

// SplitKey is the inverse of InstanceKey.
func SplitKey(key string) (profile, scope string) {
	profile, scope, _ = strings.Cut(key, "/")
	return profile, scope
}

// slot guards one subordinate. held is a one-token lock so waiters can give
// up when their context ends. refs counts callers holding or waiting on the
// lock and is protected by Engine.mu.
type slot struct {
	held chan struct{}
	refs int
	sub  *Subordinate
}

func newSlot() *slot { return &slot{held: make(chan struct{}, 1)} }

func (s *slot) lock(ctx context.Context) error {
	select {
	case s.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) unlock() { <-s.held }

// parallelKey marks a context that already holds a parallelism token. A
// delegation started from inside another one (through the bus) reuses the
// parent's token, so nested delegations cannot exhaust the pool.
type parallelKey struct{}

// Engine owns the subordinate pool.
type Engine struct {
	profiles map[string]Profile
	planner  Planner
	runner   Runner
	timeout  time.Duration
	maxLive  int
	sem      chan struct{}
	parallel int
	now      func() time.Time

	mu   sync.Mutex
	live *lru.Cache[string, *slot]

	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithEventBus publishes agent.delegated events.
func WithEventBus(bus domain.EventBus) Option { return func(e *Engine) { e.bus = bus } }

// WithMetrics records delegation counters.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// ProfilesFromConfig converts configured profiles.
func ProfilesFromConfig(cfg []config.ProfileConfig) []Profile {
	out := make([]Profile, 0, len(cfg))
	for _, p := range cfg {
		out = append(out, Profile{
			Name:         p.Name,
			Description:  p.Description,
			Groups:       append([]string(nil), p.Groups...),
			Instructions: p.Instructions,
		})
	}
	return out
}

// NewEngine creates an Engine. Every profile's capability set always contains
// the internal group.
func NewEngine(profiles []Profile, planner Planner, runner Runner, cfg config.DelegationConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if planner == nil || runner == nil {
		return nil, fmt.Errorf("delegation: planner and runner are required: %w", domain.ErrInvalidInput)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if p.Name == "" || strings.ContainsAny(p.Name, "/@ ") {
			return nil, fmt.Errorf("delegation: invalid profile name %q: %w", p.Name, domain.ErrInvalidInput)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("delegation: profile %q: %w", p.Name, domain.ErrDuplicate)
		}
		p.Groups = withInternal(p.Groups)
		byName[p.Name] = p
	}
	// Capacity is enforced by acquire; the cache never evicts on its own.
	live, err := lru.New[string, *slot](cfg.MaxLive + 1)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	e := &Engine{
		profiles: byName,
		planner:  planner,
		runner:   runner,
		timeout:  cfg.Timeout,
		maxLive:  cfg.MaxLive,
		sem:      make(chan struct{}, cfg.MaxParallel),
		parallel: cfg.MaxParallel,
		now:      time.Now,
		live:     live,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func withInternal(groups []string) []string {
	out := []string{domain.InternalGroup}
	seen := map[string]bool{domain.InternalGroup: true}
	for _, g := range groups {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// Profiles returns the configured profiles sorted by name.
func (e *Engine) Profiles() []Profile {
	out := make([]Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasProfile reports whether name is a configured profile.
func (e *Engine) HasProfile(name string) bool {
	_, ok := e.profiles[name]
	return ok
}

// Delegate sends message to the subordinate for (profile, scope), creating it
// on first use, and returns its reply. Calls for one key run one at a time.
// With reset, a fresh subordinate answers and replaces the old one only if it
// succeeds.
func (e *Engine) Delegate(ctx context.Context, profile, scope, message string, reset bool) (string, error) {
	key := InstanceKey(profile, scope)
	ctx, span := tracer.StartSpan(ctx, "delegation.delegate",
		tracer.StringAttr("delegation.profile", profile),
		tracer.StringAttr("delegation.key", key),
	)
	reply, err := e.delegate(ctx, profile, key, message, reset)
	tracer.End(span, err)

	result := "ok"
	if err != nil {
		result = "error"
		err = &DelegationError{Profile: profile, Key: key, Err: err}
		e.logger.Warn("delegation failed", "key", key, "error", err)
	}
	e.metrics.IncDelegation(profile, result)
	eventbus.Emit(ctx, e.bus, e.logger, domain.EventAgentDelegated, key, map[string]string{
		"profile": profile,
		"key":     key,
		"result":  result,
	})
	return reply, err
}

func (e *Engine) delegate(ctx context.Context, profile, key, message string, reset bool) (string, error) {
	p, ok := e.profiles[profile]
	if !ok {
		return "", domain.NewSubSystemError("delegation", "Delegate", domain.ErrNotFound, "profile "+profile)
	}
	if strings.TrimSpace(message) == "" {
		return "", domain.NewSubSystemError("delegation", "Delegate", domain.ErrInvalidInput, "empty message")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	s, err := e.acquire(key)
	if err != nil {
		return "", err
	}
	defer e.release(s)

	// Key first, then a parallelism token: callers queued on a busy key must
	// not hold tokens other keys could use.
	if err := s.lock(ctx); err != nil {
		return "", fmt.Errorf("waiting for %s: %w", key, err)
	}
	defer s.unlock()

	if ctx.Value(parallelKey{}) == nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for a delegation slot: %w", ctx.Err())
		}
		ctx = context.WithValue(ctx, parallelKey{}, true)
	}
	// Asks made by this subordinate are attributed to it, so asking itself
	// or anyone already on the chain is refused as a cycle.
	ctx = domain.WithWorker(ctx, key)

	now := e.now()
	fresh := func() *Subordinate {
		return &Subordinate{
			Profile:      p.Name,
			InstanceKey:  key,
			Capabilities: p.Groups,
			CreatedAt:    now,
		}
	}
	if s.sub == nil {
		s.sub = fresh()
	}
	// A reset replaces the old subordinate only once the new one has answered.
	sub := s.sub
	if reset {
		sub = fresh()
	}
	history := append([]domain.Exchange(nil), sub.Scratchpad...)
	task := domain.Task{
		ID:            domain.DeriveTaskID("delegation", fmt.Sprintf("%s#%d", key, len(sub.Scratchpad))),
		OriginChannel: "delegation",
		RawText:       message,
		ReceivedAt:    now,
	}

	plan := clamp(e.planner.ClassifyWithin(ctx, task, history, sub.Capabilities), sub.Capabilities)
	res, err := e.runner.Run(ctx, execution.Request{
		Task:         task,
		Plan:         plan,
		History:      history,
		Instructions: instructions(p),
	})
	if err != nil {
		return "", err
	}

	finished := e.now()
	sub.Scratchpad = append(sub.Scratchpad,
		domain.Exchange{Role: domain.RoleUser, Content: message, Timestamp: now},
		domain.Exchange{Role: domain.RoleAssistant, Content: res.Text, Timestamp: finished},
	)
	sub.LastUsed = finished
	s.sub = sub
	return res.Text, nil
}

// clamp drops any group outside bound so a subordinate never exceeds its profile.
func clamp(plan domain.ExecutionPlan, bound []string) domain.ExecutionPlan {
	allowed := make(map[string]bool, len(bound))
	for _, g := range bound {
		allowed[g] = true
	}
	kept := make([]string, 0, len(plan.SelectedGroups))
	for _, g := range plan.SelectedGroups {
		if allowed[g] {
			kept = append(kept, g)
		}
	}
	if plan.Mode == domain.ModeToolUsing && len(kept) == 0 {
		kept = []string{domain.InternalGroup}
	}
	plan.SelectedGroups = kept
	return plan
}

func instructions(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s.", strings.ReplaceAll(p.Name, "_", " "))
	if p.Description != "" {
		b.WriteString(" ")
		b.WriteString(p.Description)
	}
	if p.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(p.Instructions)
	}
	return b.String()
}

// acquire returns the slot for key, creating it if needed. When the pool is
// full the oldest idle slot is evicted; busy slots are never evicted.
func (e *Engine) acquire(key string) (*slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.live.Get(key); ok {
		s.refs++
		return s, nil
	}
	if e.live.Len() >= e.maxLive {
		evicted := false
		for _, k := range e.live.Keys() {
			if s, ok := e.live.Peek(k); ok && s.refs == 0 {
				e.live.Remove(k)
				e.logger.Debug("evicted idle subordinate", "key", k)
				evicted = true
				break
			}
		}
		if !evicted {
			return nil, domain.NewSubSystemError("delegation", "Delegate", domain.ErrLimitReached,
				fmt.Sprintf("all %d subordinates are busy", e.maxLive))
		}
	}
	s := newSlot()
	s.refs = 1
	e.live.Add(key, s)
	e.metrics.SetSubordinates(e.live.Len())
	return s, nil
}

func (e *Engine) release(s *slot) {
	e.mu.Lock()
	s.refs--
	e.mu.Unlock()
}

// DelegateMany runs requests concurrently, at most MaxParallel at a time.
// Replies are returned in request order; failures leave an empty reply and
// are joined into the returned error.
func (e *Engine) DelegateMany(ctx context.Context, reqs []Request) ([]string, error) {
	replies := make([]string, len(reqs))
	errs := make([]error, len(reqs))
	var g errgroup.Group
	g.SetLimit(e.parallel)
	for i, r := range reqs {
		g.Go(func() error {
			replies[i], errs[i] = e.Delegate(ctx, r.Profile, r.Scope, r.Message, r.Reset)
			return nil
		})
	}
	_ = g.Wait()
	return replies, errors.Join(errs...)
}

// Reset discards the scratchpad of (profile, scope). It waits for an
// in-flight delegation on that key to finish.
func (e *Engine) Reset(profile, scope string) bool {
	key := InstanceKey(profile, scope)
	e.mu.Lock()
	s, ok := e.live.Get(key)
	if ok {
		s.refs++
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	defer e.release(s)
	s.held <- struct{}{}
	s.sub = nil
	s.unlock()
	return true
}

// Snapshot returns a copy of the subordinate for (profile, scope).
func (e *Engine) Snapshot(profile, scope string) (Subordinate, bool) {
	e.mu.Lock()
	s, ok := e.live.Peek(InstanceKey(profile, scope))
	if ok {
		s.refs++
	}
	e.mu.Unlock()
	if !ok {
		return Subordinate{}, false
	}
	defer e.release(s)
	s.held <- struct{}{}
	defer s.unlock()
	if s.sub == nil {
		return Subordinate{}, false
	}
	c := *s.sub
	c.Scratchpad = append([]domain.Exchange(nil), s.sub.Scratchpad...)
	c.Capabilities = append([]string(nil), s.sub.Capabilities...)
	return c, true
}

// Live returns the number of subordinates held in the pool.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live.Len()
}
