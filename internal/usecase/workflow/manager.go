// Package workflow drives leads through the nurture state machine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/eventbus"
)

// commitTimeout bounds a checkpoint write detached from the caller's context.
const commitTimeout = 5 * time.Second

// Toucher sends one outbound touch for a lead. key is stable across replays
// of the same touch so downstream effects can be deduplicated.
type Toucher interface {
	Touch(ctx context.Context, lead *domain.Lead, touch int, key string) error
}

// ToucherFunc adapts a function to Toucher.
type ToucherFunc func(ctx context.Context, lead *domain.Lead, touch int, key string) error

// Touch implements Toucher.
func (f ToucherFunc) Touch(ctx context.Context, lead *domain.Lead, touch int, key string) error {
	return f(ctx, lead, touch, key)
}

// TouchKey is the idempotency key of touch n for a lead.
func TouchKey(leadID string, n int) string {
	return fmt.Sprintf("%s:touch:%d", leadID, n)
}

// EnrollRequest describes a new lead.
type EnrollRequest struct {
	ID        string      `json:"id,omitempty"`
	Tier      domain.Tier `json:"tier,omitempty"`
	Channel   string      `json:"channel"`
	Recipient string      `json:"recipient"`
	Name      string      `json:"name,omitempty"`
	Notes     string      `json:"notes,omitempty"`
}

// Result of advancing one lead.
type Result string

const (
	ResultTouched  Result = "touched"
	ResultFailed   Result = "failed"
	ResultClosed   Result = "closed"
	ResultSkipped  Result = "skipped"
	ResultConflict Result = "conflict"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Due       int           `json:"due"`
	Touched   int           `json:"touched"`
	Failed    int           `json:"failed"`
	Closed    int           `json:"closed"`
	Skipped   int           `json:"skipped"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Manager owns lead state transitions.
type Manager struct {
	store   domain.LeadStore
	cfg     config.WorkflowConfig
	tiers   map[domain.Tier]config.TierConfig
	now     func() time.Time
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	toucher Toucher
	sweepMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithEventBus publishes lead events.
func WithEventBus(bus domain.EventBus) Option { return func(m *Manager) { m.bus = bus } }

// WithMetrics records transitions and sweep durations.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// NewManager creates a Manager.
func NewManager(store domain.LeadStore, toucher Toucher, cfg config.WorkflowConfig, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("workflow: store is required: %w", domain.ErrInvalidInput)
	}
	tiers := make(map[domain.Tier]config.TierConfig, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tiers[domain.Tier(name)] = tc
	}
	if _, ok := tiers[domain.Tier(cfg.DefaultTier)]; !ok {
		return nil, fmt.Errorf("workflow: default tier %q has no cadence: %w", cfg.DefaultTier, domain.ErrInvalidInput)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 15 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.TouchLease <= 0 {
		cfg.TouchLease = 10 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   store,
		cfg:     cfg,
		tiers:   tiers,
		now:     time.Now,
		toucher: toucher,
		logger:  logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetToucher installs the touch sender after construction.
func (m *Manager) SetToucher(t Toucher) {
	m.mu.Lock()
	m.toucher = t
	m.mu.Unlock()
}

func (m *Manager) getToucher() Toucher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toucher
}

// Enroll creates a lead in stage new, due immediately. When touch_on_enroll
// is set the first touch is attempted before returning.
func (m *Manager) Enroll(ctx context.Context, req EnrollRequest) (*domain.Lead, error) {
	if strings.TrimSpace(req.Channel) == "" || strings.TrimSpace(req.Recipient) == "" {
		return nil, domain.NewSubSystemError("workflow", "Workflow.Enroll", domain.ErrInvalidInput, "channel and recipient are required")
	}
	tier := req.Tier
	if tier == "" {
		tier = domain.Tier(m.cfg.DefaultTier)
	}
	tc, ok := m.tiers[tier]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "Workflow.Enroll", domain.ErrInvalidInput, "unknown tier "+string(tier))
	}
	id := req.ID
	if id == "" {
		id = strings.ToLower(ulid.Make().String())
	}

	now := m.now()
	lead := &domain.Lead{
		ID:           id,
		Stage:        domain.StageNew,
		Tier:         tier,
		Channel:      req.Channel,
		Recipient:    req.Recipient,
		Name:         req.Name,
		Notes:        req.Notes,
		NextActionAt: now,
		MaxTouches:   tc.MaxTouches,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, lead); err != nil {
		return nil, err
	}
	m.logger.Info("lead enrolled", "lead_id", id, "tier", tier)
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventLeadEnrolled, id, map[string]string{
		"lead_id": id,
		"tier":    string(tier),
	})

	if !m.cfg.TouchOnEnroll {
		return lead, nil
	}
	if _, err := m.Advance(ctx, id); err != nil {
		m.logger.Warn("first touch failed", "lead_id", id, "error", err)
	}
	return m.store.Load(ctx, id)
}

// Sweep advances every due lead, ordered by (next_action_at, id).
// Sweeps never overlap.
func (m *Manager) Sweep(ctx context.Context, now time.Time) SweepReport {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "workflow.sweep")
	start := time.Now()
	var report SweepReport

	due, err := m.store.ListDue(ctx, now)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		tracer.End(span, err)
		return report
	}
	report.Due = len(due)

	for _, lead := range due {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		res, err := m.advance(ctx, lead.ID, now)
		switch res {
		case ResultTouched:
			report.Touched++
		case ResultFailed:
			report.Failed++
		case ResultClosed:
			report.Closed++
		case ResultConflict:
			report.Conflicts++
		default:
			report.Skipped++
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", lead.ID, err))
		}
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		tracer.IntAttr("sweep.due", report.Due),
		tracer.IntAttr("sweep.touched", report.Touched),
	)
	tracer.End(span, nil)
	m.metrics.ObserveSweep(report.Duration)
	m.logger.Info("sweep completed",
		"due", report.Due, "touched", report.Touched, "failed", report.Failed,
		"closed", report.Closed, "skipped", report.Skipped, "conflicts", report.Conflicts)
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventSweepCompleted, "", report)
	return report
}

// Advance processes one lead at the current time, as a sweep would.
func (m *Manager) Advance(ctx context.Context, id string) (Result, error) {
	return m.advance(ctx, id, m.now())
}

// advance retries once on a version conflict, then leaves the lead for the
// next sweep.
func (m *Manager) advance(ctx context.Context, id string, now time.Time) (Result, error) {
	for attempt := 0; ; attempt++ {
		lead, err := m.store.Load(ctx, id)
		if err != nil {
			return ResultSkipped, err
		}
		res, err := m.step(ctx, lead, now)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return res, err
		}
		if attempt > 0 {
			m.logger.Info("lead changed concurrently, deferring to next sweep", "lead_id", id)
			return ResultConflict, nil
		}
	}
}

func (m *Manager) step(ctx context.Context, lead *domain.Lead, now time.Time) (Result, error) {
	if lead.Stage.Terminal() || lead.ResponseReceived || lead.NextActionAt.After(now) {
		return ResultSkipped, nil
	}

	if lead.Checkpoint.Pending == nil {
		if lead.TouchCount >= lead.MaxTouches {
			t := m.close(lead, domain.StageClosedStale, domain.OutcomeStale, "", now, "max touches reached")
			if err := m.commit(ctx, lead, t...); err != nil {
				return ResultSkipped, err
			}
			return ResultClosed, nil
		}
		claim, err := m.claim(ctx, lead, now)
		if err != nil {
			return ResultSkipped, err
		}
		lead = claim
	} else {
		m.logger.Info("replaying interrupted touch", "lead_id", lead.ID, "key", lead.Checkpoint.Pending.Key)
	}

	pending := *lead.Checkpoint.Pending
	toucher := m.getToucher()
	var touchErr error
	if toucher == nil {
		touchErr = fmt.Errorf("no toucher configured: %w", domain.ErrDeliveryFailed)
	} else {
		touchErr = toucher.Touch(ctx, lead.Clone(), pending.Touch, pending.Key)
	}

	if touchErr == nil {
		err := m.settle(ctx, lead, pending.Key, func(l *domain.Lead) []domain.Transition {
			l.LastTouchAt = now
			l.NextActionAt = now.Add(m.tiers[l.Tier].Cadence)
			l.Checkpoint.Pending = nil
			l.Checkpoint.ConsecutiveFailures = 0
			l.Checkpoint.LastError = ""
			return []domain.Transition{m.transition(l, domain.StageAwaitingResponse, l.FollowUp, now, fmt.Sprintf("touch %d sent", pending.Touch))}
		})
		if err != nil {
			return ResultSkipped, err
		}
		return ResultTouched, nil
	}

	if ctx.Err() != nil {
		// Shutting down: the pending checkpoint replays the same touch later.
		return ResultSkipped, ctx.Err()
	}

	closed := false
	err := m.settle(ctx, lead, pending.Key, func(l *domain.Lead) []domain.Transition {
		// Roll back the claim.
		l.Checkpoint.Pending = nil
		l.TouchCount = pending.Touch - 1
		l.LastTouchAt = pending.PriorLastTouch
		l.Checkpoint.ConsecutiveFailures++
		l.Checkpoint.LastError = touchErr.Error()
		l.NextActionAt = now.Add(m.cfg.RetryInterval)
		ts := []domain.Transition{m.transition(l, pending.PriorStage, pending.PriorFollowUp, now, "touch failed: "+touchErr.Error())}
		closed = l.Checkpoint.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures
		if closed {
			ts = append(ts, m.close(l, domain.StageClosedStale, domain.OutcomeStale, "touch_failed: "+touchErr.Error(), now, "failure cap reached")...)
		}
		return ts
	})
	if err != nil {
		return ResultSkipped, err
	}
	if closed {
		m.logger.Warn("lead closed after repeated touch failures", "lead_id", lead.ID, "error", touchErr)
		return ResultClosed, nil
	}
	m.logger.Warn("touch failed, retry scheduled", "lead_id", lead.ID,
		"failures", lead.Checkpoint.ConsecutiveFailures, "next_action_at", lead.NextActionAt, "error", touchErr)
	return ResultFailed, touchErr
}

// settle resolves the pending touch identified by key. On a version conflict
// it reloads and reapplies once if the touch is still pending; if another
// writer already resolved it there is nothing left to do.
func (m *Manager) settle(ctx context.Context, lead *domain.Lead, key string, apply func(*domain.Lead) []domain.Transition) error {
	id := lead.ID
	err := m.commit(ctx, lead, apply(lead)...)
	if !errors.Is(err, domain.ErrVersionConflict) {
		return err
	}
	fresh, err := m.store.Load(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	if fresh.Stage.Terminal() || fresh.Checkpoint.Pending == nil || fresh.Checkpoint.Pending.Key != key {
		*lead = *fresh
		return nil
	}
	if err := m.commit(ctx, fresh, apply(fresh)...); err != nil {
		return err
	}
	*lead = *fresh
	return nil
}

// claim records the touch as pending before it is sent, so a crash between
// send and confirm replays the same key.
func (m *Manager) claim(ctx context.Context, lead *domain.Lead, now time.Time) (*domain.Lead, error) {
	n := lead.TouchCount + 1
	lead.Checkpoint.Pending = &domain.PendingTouch{
		Touch:          n,
		Key:            TouchKey(lead.ID, n),
		PriorStage:     lead.Stage,
		PriorFollowUp:  lead.FollowUp,
		PriorLastTouch: lead.LastTouchAt,
		ClaimedAt:      now,
	}
	lead.TouchCount = n
	lead.NextActionAt = now.Add(m.cfg.TouchLease)

	to, followUp := domain.StageContacted, 0
	if n > 1 {
		to, followUp = domain.StageFollowUp, n-1
	}
	t := m.transition(lead, to, followUp, now, fmt.Sprintf("touch %d claimed", n))
	if err := m.commit(ctx, lead, t); err != nil {
		return nil, err
	}
	return lead, nil
}

// transition moves lead to stage and appends the change to its history.
func (m *Manager) transition(lead *domain.Lead, to domain.Stage, followUp int, now time.Time, reason string) domain.Transition {
	t := domain.Transition{From: lead.Stage, To: to, FollowUp: followUp, At: now, Reason: reason}
	lead.Stage = to
	lead.FollowUp = followUp
	lead.UpdatedAt = now
	h := append(lead.Checkpoint.History, t)
	if len(h) > m.cfg.HistoryLimit {
		h = h[len(h)-m.cfg.HistoryLimit:]
	}
	lead.Checkpoint.History = h
	return t
}

func (m *Manager) close(lead *domain.Lead, stage domain.Stage, outcome domain.Outcome, annotation string, now time.Time, reason string) []domain.Transition {
	lead.Outcome = outcome
	if annotation != "" {
		lead.Annotation = annotation
	}
	lead.Checkpoint.Pending = nil
	return []domain.Transition{m.transition(lead, stage, 0, now, reason)}
}

// commit saves lead with a context detached from the caller so a cancelled
// request cannot abort a checkpoint half-way, then publishes the transitions.
func (m *Manager) commit(ctx context.Context, lead *domain.Lead, transitions ...domain.Transition) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := m.store.Save(wctx, lead, lead.Version); err != nil {
		return err
	}
	for _, t := range transitions {
		m.metrics.IncTransition(string(t.From), string(t.To))
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventLeadTransition, lead.ID, domain.LeadTransitionPayload{
			LeadID:  lead.ID,
			From:    t.From,
			To:      t.To,
			Touch:   lead.TouchCount,
			Version: lead.Version,
			Reason:  t.Reason,
		})
		if t.To.Terminal() {
			eventbus.Emit(ctx, m.bus, m.logger, domain.EventLeadClosed, lead.ID, map[string]string{
				"lead_id": lead.ID,
				"outcome": string(lead.Outcome),
			})
		}
	}
	return nil
}

// RecordResponse marks that the lead answered. Outcome won or lost closes the
// lead; an empty outcome hands it over to a human and stops scheduled touches.
// Repeating the outcome a closed lead already has is a no-op.
func (m *Manager) RecordResponse(ctx context.Context, id string, outcome domain.Outcome) (*domain.Lead, error) {
	var stage domain.Stage
	switch outcome {
	case domain.OutcomeWon:
		stage = domain.StageClosedWon
	case domain.OutcomeLost:
		stage = domain.StageClosedLost
	case domain.OutcomeNone:
	default:
		return nil, domain.NewSubSystemError("workflow", "Workflow.RecordResponse", domain.ErrInvalidInput, "outcome must be won, lost or empty")
	}

	for attempt := 0; ; attempt++ {
		lead, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if lead.Stage.Terminal() {
			if lead.ResponseReceived && (outcome == lead.Outcome || outcome == domain.OutcomeNone) {
				return lead, nil
			}
			return nil, fmt.Errorf("lead %s is already %s: %w: %w", id, lead.Stage, domain.ErrTerminalStage, domain.ErrInvalidInput)
		}
		if outcome == domain.OutcomeNone && lead.ResponseReceived {
			return lead, nil
		}

		now := m.now()
		lead.ResponseReceived = true
		var ts []domain.Transition
		if stage != "" {
			ts = m.close(lead, stage, outcome, "", now, "response recorded")
		} else {
			// A claimed touch is abandoned; the touch count reflects sent touches only.
			if p := lead.Checkpoint.Pending; p != nil {
				lead.TouchCount = p.Touch - 1
				lead.Checkpoint.Pending = nil
			}
			ts = []domain.Transition{m.transition(lead, domain.StageAwaitingResponse, lead.FollowUp, now, "response received")}
		}
		err = m.commit(ctx, lead, ts...)
		if err == nil {
			m.logger.Info("response recorded", "lead_id", id, "outcome", outcome)
			return lead, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt > 0 {
			return nil, err
		}
	}
}

// ChangeTier moves a lead to another tier, updating its touch budget and
// rescheduling the next action from the last touch. The budget never drops
// below the touches already made, so a downgraded lead that has used up the
// new tier's budget gets no further touches and goes stale after its
// response window.
func (m *Manager) ChangeTier(ctx context.Context, id string, tier domain.Tier) (*domain.Lead, error) {
	tc, ok := m.tiers[tier]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "Workflow.ChangeTier", domain.ErrInvalidInput, "unknown tier "+string(tier))
	}
	for attempt := 0; ; attempt++ {
		lead, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if lead.Stage.Terminal() {
			return nil, fmt.Errorf("lead %s is already %s: %w: %w", id, lead.Stage, domain.ErrTerminalStage, domain.ErrInvalidInput)
		}
		now := m.now()
		lead.Tier = tier
		lead.MaxTouches = max(tc.MaxTouches, lead.TouchCount)
		lead.UpdatedAt = now
		if lead.Checkpoint.Pending == nil && !lead.LastTouchAt.IsZero() {
			lead.NextActionAt = lead.LastTouchAt.Add(tc.Cadence)
		}
		err = m.commit(ctx, lead)
		if err == nil {
			m.logger.Info("lead tier changed", "lead_id", id, "tier", tier)
			return lead, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt > 0 {
			return nil, err
		}
	}
}

// Get returns one lead.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Lead, error) {
	return m.store.Load(ctx, id)
}

// List returns leads matching filter, ordered by id.
func (m *Manager) List(ctx context.Context, filter domain.LeadFilter) ([]*domain.Lead, error) {
	return m.store.List(ctx, filter)
}

// Recover reports leads whose touch was interrupted. The next sweep replays
// them once their lease expires.
func (m *Manager) Recover(ctx context.Context) ([]*domain.Lead, error) {
	all, err := m.store.List(ctx, domain.LeadFilter{})
	if err != nil {
		return nil, err
	}
	var pending []*domain.Lead
	for _, l := range all {
		if !l.Stage.Terminal() && l.Checkpoint.Pending != nil {
			pending = append(pending, l)
			m.logger.Warn("lead has an interrupted touch",
				"lead_id", l.ID, "key", l.Checkpoint.Pending.Key, "replay_at", l.NextActionAt)
		}
	}
	return pending, nil
}

// Describe renders a one-line status for a lead.
func Describe(l *domain.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s, tier %s, %d/%d touches", l.ID, l.StageLabel(), l.Tier, l.TouchCount, l.MaxTouches)
	if l.Stage.Terminal() {
		if l.Annotation != "" {
			fmt.Fprintf(&b, " (%s)", l.Annotation)
		}
		return b.String()
	}
	if l.ResponseReceived {
		b.WriteString(", response received")
		return b.String()
	}
	fmt.Fprintf(&b, ", next action %s", l.NextActionAt.UTC().Format(time.RFC3339))
	return b.String()
}
