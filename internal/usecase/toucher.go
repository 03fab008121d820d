package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hume-agent/internal/domain"
	"hume-agent/internal/usecase/execution"
	"hume-agent/internal/usecase/workflow"
)

// WorkflowChannel is the origin channel of touch tasks.
const WorkflowChannel = "workflow"

const touchInstructions = "You write short, friendly follow-up messages to sales prospects. " +
	"Never invent prices, dates or commitments. Reply with the message text only."

var _ workflow.Toucher = (*Orchestrator)(nil)

// Touch generates and delivers touch n for lead. The idempotency key doubles as
// the admission event id, so a replayed touch that was already admitted is
// acknowledged without sending again. Failures release the key so the engine's
// retry sends under the same key.
func (o *Orchestrator) Touch(ctx context.Context, lead *domain.Lead, touch int, key string) error {
	task, err := o.admitter.Admit(ctx, domain.InboundEvent{
		Channel:        WorkflowChannel,
		EventID:        key,
		ConversationID: lead.ID,
		Recipient:      lead.Recipient,
		Text:           touchPrompt(lead, touch),
		EntityRef:      lead.ID,
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		o.logger.Info("touch already admitted, skipping send", "lead_id", lead.ID, "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}

	ctx = domain.WithTaskID(ctx, task.ID)
	res, err := o.runner.Run(ctx, execution.Request{
		Task:         task,
		Plan:         domain.ExecutionPlan{Mode: domain.ModeReasoning, SelectedGroups: []string{domain.InternalGroup}},
		Instructions: touchInstructions,
	})
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = fmt.Errorf("empty touch message: %w", domain.ErrProviderError)
	}
	if err != nil {
		o.admitter.Release(ctx, task)
		return fmt.Errorf("touch %s: compose: %w", key, err)
	}

	if _, err := o.deliverer.Deliver(ctx, lead.Channel, lead.Recipient, res.Text); err != nil {
		o.admitter.Release(ctx, task)
		return fmt.Errorf("touch %s: %w", key, err)
	}
	o.logger.Info("touch sent", "lead_id", lead.ID, "touch", touch, "channel", lead.Channel)
	return nil
}

func touchPrompt(lead *domain.Lead, touch int) string {
	var b strings.Builder
	if touch <= 1 {
		b.WriteString("Write the first outreach message")
	} else {
		fmt.Fprintf(&b, "Write follow-up message %d of %d", touch, lead.MaxTouches)
	}
	name := lead.Name
	if name == "" {
		name = lead.Recipient
	}
	fmt.Fprintf(&b, " for %s (tier %s).", name, lead.Tier)
	if lead.Notes != "" {
		fmt.Fprintf(&b, " Notes: %s.", lead.Notes)
	}
	if touch > 1 {
		b.WriteString(" They have not replied yet; do not repeat earlier messages.")
	}
	return b.String()
}
