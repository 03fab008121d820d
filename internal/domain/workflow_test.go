package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageClosedWon.Terminal())
	assert.True(t, StageClosedLost.Terminal())
	assert.True(t, StageClosedStale.Terminal())
	assert.False(t, StageFollowUp.Terminal())
	assert.False(t, StageNew.Terminal())
}

func TestLeadStageLabel(t *testing.T) {
	l := &Lead{Stage: StageFollowUp, FollowUp: 2}
	assert.Equal(t, "follow_up(2)", l.StageLabel())
	l.Stage = StageContacted
	assert.Equal(t, "contacted", l.StageLabel())
}

func TestLeadCloneIsDeep(t *testing.T) {
	l := &Lead{
		ID: "lead-1",
		Checkpoint: Checkpoint{
			Pending: &PendingTouch{Touch: 1, Key: "lead-1:touch:1"},
			History: []Transition{{From: StageNew, To: StageContacted, At: time.Now()}},
		},
	}
	c := l.Clone()
	c.Checkpoint.Pending.Touch = 9
	c.Checkpoint.History[0].Reason = "mutated"

	assert.Equal(t, 1, l.Checkpoint.Pending.Touch)
	assert.Empty(t, l.Checkpoint.History[0].Reason)
}

func TestLeadFilterMatch(t *testing.T) {
	l := &Lead{Stage: StageAwaitingResponse, Tier: TierHot}
	assert.True(t, LeadFilter{}.Match(l))
	assert.True(t, LeadFilter{Tier: TierHot}.Match(l))
	assert.False(t, LeadFilter{Stage: StageNew}.Match(l))
}
