package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/usecase/workflow"
)

// LeadReader is the read side of the workflow engine.
type LeadReader interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
	List(ctx context.Context, filter domain.LeadFilter) ([]*domain.Lead, error)
}

// AskFunc sends a question to another worker on the bus.
type AskFunc func(ctx context.Context, target, question string) (string, error)

const defaultListLimit = 20

type leadStatusParams struct {
	LeadID string `json:"lead_id"`
}

type listLeadsParams struct {
	Stage string `json:"stage"`
	Tier  string `json:"tier"`
	Limit int    `json:"limit"`
}

type askWorkerParams struct {
	Target   string `json:"target"`
	Question string `json:"question"`
}

// LeadStatus is the result of lead_status and the element of list_leads.
type LeadStatus struct {
	ID           string    `json:"id"`
	Stage        string    `json:"stage"`
	Tier         string    `json:"tier"`
	TouchCount   int       `json:"touch_count"`
	MaxTouches   int       `json:"max_touches"`
	NextActionAt time.Time `json:"next_action_at,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Summary      string    `json:"summary"`
}

func statusOf(l *domain.Lead) LeadStatus {
	return LeadStatus{
		ID:           l.ID,
		Stage:        l.StageLabel(),
		Tier:         string(l.Tier),
		TouchCount:   l.TouchCount,
		MaxTouches:   l.MaxTouches,
		NextActionAt: l.NextActionAt,
		Outcome:      string(l.Outcome),
		Summary:      workflow.Describe(l),
	}
}

// RegisterInternalOperations installs lead_status and list_leads over leads
// and, when ask is non-nil, ask_worker.
func RegisterInternalOperations(g *InternalGroup, leads LeadReader, ask AskFunc) {
	if leads != nil {
		g.Handle("lead_status", Handle(func(ctx context.Context, p leadStatusParams) (any, error) {
			if strings.TrimSpace(p.LeadID) == "" {
				return nil, fmt.Errorf("lead_status: lead_id is required: %w", domain.ErrCapabilityPermanent)
			}
			l, err := leads.Get(ctx, p.LeadID)
			if err != nil {
				return nil, permanent("lead_status", err)
			}
			return statusOf(l), nil
		}))
		g.Handle("list_leads", Handle(func(ctx context.Context, p listLeadsParams) (any, error) {
			if p.Limit <= 0 {
				p.Limit = defaultListLimit
			}
			list, err := leads.List(ctx, domain.LeadFilter{
				Stage: domain.Stage(p.Stage),
				Tier:  domain.Tier(p.Tier),
				Limit: p.Limit,
			})
			if err != nil {
				return nil, permanent("list_leads", err)
			}
			out := make([]LeadStatus, 0, len(list))
			for _, l := range list {
				out = append(out, statusOf(l))
			}
			return out, nil
		}))
	}
	if ask != nil {
		g.Handle("ask_worker", Handle(func(ctx context.Context, p askWorkerParams) (any, error) {
			if p.Target == "" || p.Question == "" {
				return nil, fmt.Errorf("ask_worker: target and question are required: %w", domain.ErrCapabilityPermanent)
			}
			answer, err := ask(ctx, p.Target, p.Question)
			if err != nil {
				return nil, permanent("ask_worker", err)
			}
			return map[string]string{"answer": answer}, nil
		}))
	}
}

// permanent marks err as not worth retrying unless it is already transient.
func permanent(op string, err error) error {
	if domain.IsRetryableError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrCapabilityPermanent, err)
}
