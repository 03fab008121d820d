package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/delivery"
	"hume-agent/internal/usecase/execution"
	"hume-agent/internal/usecase/multiagent"
)

// DegradedNotice prefixes replies produced after a specialised action failed.
const DegradedNotice = "I could not complete the specialised action for this request."

// resetMarker at the start of a routed message starts the subordinate afresh.
const resetMarker = "!reset"

// Admitter deduplicates inbound events.
type Admitter interface {
	Admit(ctx context.Context, ev domain.InboundEvent) (domain.Task, error)
	Release(ctx context.Context, task domain.Task)
}

// Planner classifies a task.
type Planner interface {
	Classify(ctx context.Context, task domain.Task, history []domain.Exchange) domain.ExecutionPlan
}

// Runner executes a plan.
type Runner interface {
	Run(ctx context.Context, req execution.Request) (execution.Result, error)
}

// Delegator hands work to profile subordinates.
type Delegator interface {
	Delegate(ctx context.Context, profile, scope, message string, reset bool) (string, error)
	HasProfile(name string) bool
}

// Deliverer sends reply text to a recipient.
type Deliverer interface {
	Deliver(ctx context.Context, channel, recipient, text string) (delivery.Result, error)
}

// Deps bundles the Orchestrator's collaborators. Delegator is optional.
type Deps struct {
	Admitter    Admitter
	Planner     Planner
	Runner      Runner
	Delegator   Delegator
	Deliverer   Deliverer
	HistorySize int
	Logger      *slog.Logger
}

// Orchestrator runs admitted tasks through classification, execution and delivery.
type Orchestrator struct {
	admitter  Admitter
	planner   Planner
	runner    Runner
	delegator Delegator
	deliverer Deliverer
	router    *multiagent.PrefixRouter
	history   *History
	logger    *slog.Logger
}

// NewOrchestrator validates deps and creates an Orchestrator.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Admitter == nil || deps.Planner == nil || deps.Runner == nil || deps.Deliverer == nil {
		return nil, domain.NewDomainError("NewOrchestrator", domain.ErrInvalidInput, "admitter, planner, runner and deliverer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		admitter:  deps.Admitter,
		planner:   deps.Planner,
		runner:    deps.Runner,
		delegator: deps.Delegator,
		deliverer: deps.Deliverer,
		history:   NewHistory(deps.HistorySize),
		logger:    logger,
	}
	known := func(string) bool { return false }
	if deps.Delegator != nil {
		known = deps.Delegator.HasProfile
	}
	o.router = multiagent.NewPrefixRouter(known, logger)
	return o, nil
}

// History exposes the per-conversation history.
func (o *Orchestrator) History() *History { return o.history }

// HandleInbound processes one inbound event end to end. A redelivered event
// returns a Duplicate reply and a nil error without producing output.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev domain.InboundEvent) (domain.Reply, error) {
	// 1. Admission.
	task, err := o.admitter.Admit(ctx, ev)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		o.logger.Info("duplicate event acknowledged", "channel", ev.Channel, "event_id", ev.EventID)
		return domain.Reply{TaskID: task.ID, Duplicate: true}, nil
	}
	if err != nil {
		return domain.Reply{}, err
	}

	ctx = domain.WithTaskID(ctx, task.ID)
	ctx, span := tracer.StartSpan(ctx, "orchestrator.handle",
		tracer.StringAttr("task.id", task.ID),
		tracer.StringAttr("channel", task.OriginChannel),
	)

	// 2. Route, classify and execute.
	key := ConversationKey(task)
	out, err := o.process(ctx, task, o.history.Recent(key))
	if err != nil {
		o.admitter.Release(ctx, task)
		tracer.End(span, err)
		return domain.Reply{TaskID: task.ID}, domain.WrapOp("Orchestrator.HandleInbound", err)
	}

	// 3. Deliver.
	recipient := task.Recipient
	if recipient == "" {
		recipient = task.ConversationID
	}
	res, err := o.deliverer.Deliver(ctx, task.OriginChannel, recipient, out.text)
	reply := domain.Reply{
		TaskID:   task.ID,
		Text:     out.text,
		Plan:     out.plan,
		Degraded: out.degraded,
		Chunks:   res.Sent,
	}
	if err != nil {
		// Nothing reached the recipient; let the channel redeliver.
		o.admitter.Release(ctx, task)
		tracer.End(span, err)
		return reply, domain.WrapOp("Orchestrator.HandleInbound", err)
	}

	o.history.Record(key, task.RawText, out.text)
	tracer.End(span, nil)
	return reply, nil
}

type outcome struct {
	text     string
	plan     domain.ExecutionPlan
	degraded bool
}

// process produces the reply text for task. Only cancellation of ctx is
// returned as an error; other failures degrade.
func (o *Orchestrator) process(ctx context.Context, task domain.Task, history []domain.Exchange) (outcome, error) {
	if route, ok := o.router.Route(task.RawText); ok {
		message, reset := splitReset(route.Message)
		plan := domain.ExecutionPlan{Mode: domain.ModeToolUsing, Rationale: "delegated to " + route.Address()}
		text, err := o.delegator.Delegate(ctx, route.Target, route.Scope, message, reset)
		if err == nil {
			return outcome{text: text, plan: plan}, nil
		}
		if ctx.Err() != nil {
			return outcome{}, err
		}
		return o.degrade(ctx, task, history, err), nil
	}

	plan := o.planner.Classify(ctx, task, history)
	res, err := o.runner.Run(ctx, execution.Request{Task: task, Plan: plan, History: history})
	if err == nil {
		return outcome{text: res.Text, plan: plan}, nil
	}
	if ctx.Err() != nil {
		return outcome{}, err
	}
	return o.degrade(ctx, task, history, err), nil
}

// degrade retries task once as plain reasoning over internal data and
// prefixes the result with DegradedNotice.
func (o *Orchestrator) degrade(ctx context.Context, task domain.Task, history []domain.Exchange, cause error) outcome {
	o.logger.Warn("specialised action failed, degrading",
		"task_id", task.ID, "code", domain.ErrorCodeOf(cause), "error", cause)
	plan := domain.ExecutionPlan{
		Mode:           domain.ModeReasoning,
		SelectedGroups: []string{domain.InternalGroup},
		Rationale:      "degraded: " + cause.Error(),
		Fallback:       true,
	}
	res, err := o.runner.Run(ctx, execution.Request{
		Task:         task,
		Plan:         plan,
		History:      history,
		Instructions: "A specialised action for this request failed. Answer only from what you know; do not claim the action succeeded.",
	})
	text := DegradedNotice
	if err != nil {
		o.logger.Warn("degraded answer failed", "task_id", task.ID, "error", err)
	} else if answer := strings.TrimSpace(res.Text); answer != "" {
		text = DegradedNotice + "\n\n" + answer
	}
	return outcome{text: text, plan: plan, degraded: true}
}

// Answer runs text through classification and execution without delivery.
// It serves inter-worker asks addressed to the orchestrator.
func (o *Orchestrator) Answer(ctx context.Context, from, text string) (string, error) {
	task := domain.Task{
		ID:            domain.DeriveTaskID("bus", from+"\x00"+text),
		OriginChannel: "bus",
		RawText:       text,
	}
	out, err := o.process(ctx, task, nil)
	if err != nil {
		return "", fmt.Errorf("answer ask from %s: %w", from, err)
	}
	return out.text, nil
}

func splitReset(message string) (string, bool) {
	rest, ok := strings.CutPrefix(message, resetMarker)
	if !ok || (rest != "" && rest[0] != ' ') {
		return message, false
	}
	return strings.TrimSpace(rest), true
}
