package usecase

import (
	"context"
	"strings"

	"hume-agent/internal/domain"
	"hume-agent/internal/usecase/delegation"
	"hume-agent/internal/usecase/multiagent"
	"hume-agent/internal/usecase/workflow"
)

// Bus addresses of the built-in workers.
const (
	OrchestratorWorker = "orchestrator"
	WorkflowWorker     = "workflow"
)

// RegisterPeers registers the orchestrator and workflow workers on reg and
// resolves "profile" and "profile/scope" addresses to delegations. leads and
// delegator may be nil.
func RegisterPeers(reg *multiagent.Registry, o *Orchestrator, leads *workflow.Manager, delegator Delegator) error {
	if o != nil {
		err := reg.Register(OrchestratorWorker, multiagent.WorkerFunc(
			func(ctx context.Context, from, message string, _ map[string]string) (string, error) {
				return o.Answer(domain.WithWorker(ctx, OrchestratorWorker), from, message)
			}))
		if err != nil {
			return err
		}
	}
	if leads != nil {
		if err := reg.Register(WorkflowWorker, LeadWorker(leads)); err != nil {
			return err
		}
	}
	if delegator != nil {
		reg.SetResolver(DelegationResolver(delegator))
	}
	return nil
}

// LeadWorker answers with the status line of the lead named in the message.
func LeadWorker(m *workflow.Manager) multiagent.Worker {
	return multiagent.WorkerFunc(func(ctx context.Context, _ string, message string, meta map[string]string) (string, error) {
		id := meta["lead_id"]
		if id == "" {
			id = leadID(message)
		}
		lead, err := m.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return workflow.Describe(lead), nil
	})
}

// leadID takes the last word of message, e.g. "status of acme-1".
func leadID(message string) string {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], "?.!,")
}

// DelegationResolver maps profile addresses to workers that delegate to them.
func DelegationResolver(d Delegator) multiagent.Resolver {
	return func(name string) (multiagent.Worker, bool) {
		profile, scope := delegation.SplitKey(name)
		if !d.HasProfile(profile) {
			return nil, false
		}
		return multiagent.WorkerFunc(func(ctx context.Context, _ string, message string, _ map[string]string) (string, error) {
			return d.Delegate(ctx, profile, scope, message, false)
		}), true
	}
}
