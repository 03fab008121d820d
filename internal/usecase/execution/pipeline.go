// Package execution runs an ExecutionPlan against the language model and
// the capability groups the plan admits.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/capability"
	"hume-agent/internal/usecase/delivery"
	"hume-agent/internal/usecase/eventbus"
)

const defaultMaxIterations = 4

var answerSchema = json.RawMessage(`{
  "type": "object",
  "required": ["answer"],
  "properties": {"answer": {"type": "string"}}
}`)

var stepSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "answer": {"type": "string"},
    "calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["group", "operation"],
        "properties": {
          "group": {"type": "string"},
          "operation": {"type": "string"},
          "args": {"type": "object"}
        }
      }
    }
  }
}`)

// Request is one unit of work for the pipeline.
type Request struct {
	Task    domain.Task
	Plan    domain.ExecutionPlan
	History []domain.Exchange
	// Instructions is prepended to every prompt, e.g. a delegation profile brief.
	Instructions string
}

// CallRecord describes one capability call requested by the model.
type CallRecord struct {
	Call    domain.CapabilityCall
	Output  json.RawMessage
	Err     error
	Refused bool
}

// Result is the outcome of Run.
type Result struct {
	Text       string
	Mode       domain.Mode
	Iterations int
	Calls      []CallRecord
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Model         domain.LanguageModel
	Invoker       domain.CapabilityInvoker
	Registry      *capability.Registry
	Retrier       *delivery.Retrier
	Responder     Responder
	MaxIterations int
	Bus           domain.EventBus
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Pipeline dispatches on the plan mode. It is stateless and safe for
// concurrent use.
type Pipeline struct {
	deps Deps
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Responder == nil {
		deps.Responder = GreetingResponder{}
	}
	if deps.Retrier == nil {
		deps.Retrier = delivery.NewRetrier(delivery.DefaultRetryPolicy(), deps.Logger, deps.Metrics)
	}
	return &Pipeline{deps: deps}
}

// Run executes req according to req.Plan.Mode.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.StartSpan(ctx, "execution.run",
		tracer.StringAttr("task.id", req.Task.ID),
		tracer.StringAttr("plan.mode", string(req.Plan.Mode)),
	)
	var (
		res Result
		err error
	)
	switch req.Plan.Mode {
	case domain.ModeDirect:
		res = Result{Text: p.deps.Responder.Respond(req.Task.RawText)}
	case domain.ModeReasoning:
		res, err = p.reason(ctx, req)
	case domain.ModeToolUsing:
		res, err = p.useTools(ctx, req, span)
	default:
		err = fmt.Errorf("execution: unknown mode %q: %w", req.Plan.Mode, domain.ErrInvalidInput)
	}
	res.Mode = req.Plan.Mode
	tracer.End(span, err)
	return res, err
}

func (p *Pipeline) reason(ctx context.Context, req Request) (Result, error) {
	if p.deps.Model == nil {
		return Result{}, fmt.Errorf("execution: no language model: %w", domain.ErrInvalidInput)
	}
	raw, err := p.deps.Model.Complete(ctx, p.basePrompt(req), answerSchema)
	if err != nil {
		return Result{}, fmt.Errorf("execution: reasoning call: %w", err)
	}
	text, err := decodeAnswer(raw)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Iterations: 1}, nil
}

type step struct {
	Answer string                  `json:"answer"`
	Calls  []domain.CapabilityCall `json:"calls"`
}

func (p *Pipeline) useTools(ctx context.Context, req Request, span trace.Span) (Result, error) {
	if p.deps.Model == nil || p.deps.Invoker == nil {
		return Result{}, fmt.Errorf("execution: tool loop needs a model and an invoker: %w", domain.ErrInvalidInput)
	}
	var (
		res        Result
		transcript strings.Builder
	)
	for i := 0; i < p.deps.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		span.AddEvent("execution.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))
		res.Iterations = i + 1

		raw, err := p.deps.Model.Complete(ctx, p.toolPrompt(req, transcript.String()), stepSchema)
		if err != nil {
			return res, fmt.Errorf("execution: tool step %d: %w", i, err)
		}
		var s step
		if err := json.Unmarshal([]byte(stripFences(string(raw))), &s); err != nil {
			return res, fmt.Errorf("execution: decode tool step: %w: %w", domain.ErrInvalidInput, err)
		}
		if len(s.Calls) == 0 {
			res.Text = strings.TrimSpace(s.Answer)
			if res.Text == "" {
				return res, fmt.Errorf("execution: model returned neither answer nor calls: %w", domain.ErrInvalidInput)
			}
			return res, nil
		}

		// Results are collected by index to keep the call order.
		records := make([]CallRecord, len(s.Calls))
		var wg sync.WaitGroup
		for idx, call := range s.Calls {
			wg.Add(1)
			go func(idx int, call domain.CapabilityCall) {
				defer wg.Done()
				records[idx] = p.invoke(ctx, req, call)
			}(idx, call)
		}
		wg.Wait()

		for _, r := range records {
			res.Calls = append(res.Calls, r)
			writeRecord(&transcript, r)
		}
		p.deps.Logger.Debug("tool step", "task_id", req.Task.ID, "iteration", i, "calls", len(records))
	}
	return res, domain.NewDomainError("Pipeline.Run", domain.ErrMaxIterations, req.Task.ID)
}

// invoke runs one call if the plan admits its group.
func (p *Pipeline) invoke(ctx context.Context, req Request, call domain.CapabilityCall) CallRecord {
	rec := CallRecord{Call: call}
	if !req.Plan.Allows(call.Group) {
		rec.Refused = true
		rec.Err = fmt.Errorf("group %q is not part of this plan: %w", call.Group, domain.ErrCapabilityForbidden)
		p.deps.Metrics.IncCapabilityCall(call.Group, "refused")
		p.deps.Logger.Warn("refused capability call outside plan",
			"task_id", req.Task.ID, "group", call.Group, "operation", call.Operation)
		return rec
	}
	if p.deps.Registry != nil {
		g, err := p.deps.Registry.Get(call.Group)
		if err == nil && !g.HasOperation(call.Operation) {
			err = fmt.Errorf("operation %q not in group %q: %w", call.Operation, call.Group, domain.ErrCapabilityPermanent)
		}
		if err != nil {
			rec.Refused = true
			rec.Err = err
			p.deps.Metrics.IncCapabilityCall(call.Group, "refused")
			return rec
		}
	}

	rec.Output, rec.Err = p.deps.Retrier.CallWithRetry(ctx, p.deps.Invoker, call)
	result := "ok"
	if rec.Err != nil {
		result = "error"
	}
	p.deps.Metrics.IncCapabilityCall(call.Group, result)
	eventbus.Emit(ctx, p.deps.Bus, p.deps.Logger, domain.EventCapabilityCall, req.Task.ID, map[string]string{
		"group":     call.Group,
		"operation": call.Operation,
		"result":    result,
	})
	return rec
}

func (p *Pipeline) basePrompt(req Request) string {
	var b strings.Builder
	if req.Instructions != "" {
		b.WriteString(req.Instructions)
		b.WriteString("\n\n")
	}
	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, ex := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", ex.Role, ex.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Request:\n")
	b.WriteString(req.Task.RawText)
	b.WriteString("\n\nAnswer with JSON {\"answer\": \"...\"}.")
	return b.String()
}

func (p *Pipeline) toolPrompt(req Request, transcript string) string {
	var b strings.Builder
	b.WriteString(p.basePrompt(req))
	b.WriteString("\n\nYou may call these capability groups and no others:\n")
	if p.deps.Registry != nil {
		b.WriteString(p.deps.Registry.Catalog(req.Plan.SelectedGroups...))
	} else {
		b.WriteString(strings.Join(req.Plan.SelectedGroups, ", "))
		b.WriteString("\n")
	}
	if transcript != "" {
		b.WriteString("\nResults of earlier calls:\n")
		b.WriteString(transcript)
	}
	b.WriteString("\nReturn {\"calls\": [{\"group\", \"operation\", \"args\"}]} to call capabilities, ")
	b.WriteString("or {\"answer\": \"...\"} when done.")
	return b.String()
}

func writeRecord(b *strings.Builder, r CallRecord) {
	fmt.Fprintf(b, "- %s.%s: ", r.Call.Group, r.Call.Operation)
	switch {
	case r.Refused:
		fmt.Fprintf(b, "refused (%v)\n", r.Err)
	case r.Err != nil:
		fmt.Fprintf(b, "error (%v)\n", r.Err)
	default:
		b.Write(r.Output)
		b.WriteString("\n")
	}
}

func decodeAnswer(raw json.RawMessage) (string, error) {
	cleaned := stripFences(string(raw))
	var out struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		// Plain text answers are accepted as-is.
		var syn *json.SyntaxError
		if errors.As(err, &syn) && cleaned != "" {
			return cleaned, nil
		}
		return "", fmt.Errorf("execution: decode answer: %w: %w", domain.ErrInvalidInput, err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return "", fmt.Errorf("execution: empty answer: %w", domain.ErrInvalidInput)
	}
	return strings.TrimSpace(out.Answer), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
