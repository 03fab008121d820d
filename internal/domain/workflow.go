package domain

import (
	"context"
	"fmt"
	"time"
)

// Stage is a position in the nurture state machine.
type Stage string

const (
	StageNew              Stage = "new"
	StageContacted        Stage = "contacted"
	StageAwaitingResponse Stage = "awaiting_response"
	StageFollowUp         Stage = "follow_up" // Lead.FollowUp carries n
	StageClosedWon        Stage = "closed_won"
	StageClosedLost       Stage = "closed_lost"
	StageClosedStale      Stage = "closed_stale"
)

// Terminal reports whether the stage is one of the closed outcomes.
func (s Stage) Terminal() bool {
	return s == StageClosedWon || s == StageClosedLost || s == StageClosedStale
}

// Tier is the lead temperature that selects cadence and touch budget.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCool Tier = "cool"
	TierCold Tier = "cold"
)

// Outcome is the terminal result recorded for a lead.
type Outcome string

const (
	OutcomeNone  Outcome = ""
	OutcomeWon   Outcome = "won"
	OutcomeLost  Outcome = "lost"
	OutcomeStale Outcome = "stale"
)

// PendingTouch is a claimed touch that has not yet been confirmed.
// A lead carrying one was interrupted mid-touch and replays the same key.
type PendingTouch struct {
	Touch          int       `json:"touch"`
	Key            string    `json:"key"`
	PriorStage     Stage     `json:"prior_stage"`
	PriorFollowUp  int       `json:"prior_follow_up"`
	PriorLastTouch time.Time `json:"prior_last_touch,omitempty"`
	ClaimedAt      time.Time `json:"claimed_at"`
}

// Transition is one committed stage change.
type Transition struct {
	From     Stage     `json:"from"`
	To       Stage     `json:"to"`
	FollowUp int       `json:"follow_up,omitempty"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
}

// Checkpoint is the resumable execution state stored with the lead.
type Checkpoint struct {
	Pending             *PendingTouch `json:"pending,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	History             []Transition  `json:"history,omitempty"`
}

// Lead is a prospect progressing through the nurture workflow.
type Lead struct {
	ID               string     `json:"id"`
	Stage            Stage      `json:"stage"`
	FollowUp         int        `json:"follow_up,omitempty"`
	Tier             Tier       `json:"tier"`
	Channel          string     `json:"channel"`
	Recipient        string     `json:"recipient"`
	Name             string     `json:"name,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	LastTouchAt      time.Time  `json:"last_touch_at,omitempty"`
	NextActionAt     time.Time  `json:"next_action_at"`
	TouchCount       int        `json:"touch_count"`
	MaxTouches       int        `json:"max_touches"`
	ResponseReceived bool       `json:"response_received"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	Annotation       string     `json:"annotation,omitempty"`
	Version          int64      `json:"version"`
	Checkpoint       Checkpoint `json:"checkpoint"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StageLabel renders the stage with its follow-up ordinal, e.g. "follow_up(2)".
func (l *Lead) StageLabel() string {
	if l.Stage == StageFollowUp {
		return fmt.Sprintf("%s(%d)", l.Stage, l.FollowUp)
	}
	return string(l.Stage)
}

// Clone returns a deep copy so callers can mutate without touching store state.
func (l *Lead) Clone() *Lead {
	c := *l
	if l.Checkpoint.Pending != nil {
		p := *l.Checkpoint.Pending
		c.Checkpoint.Pending = &p
	}
	if l.Checkpoint.History != nil {
		c.Checkpoint.History = append([]Transition(nil), l.Checkpoint.History...)
	}
	return &c
}

// LeadFilter narrows List results. Zero values match everything.
type LeadFilter struct {
	Stage Stage
	Tier  Tier
	Limit int
}

// Match reports whether l satisfies the filter (Limit is ignored).
func (f LeadFilter) Match(l *Lead) bool {
	if f.Stage != "" && l.Stage != f.Stage {
		return false
	}
	if f.Tier != "" && l.Tier != f.Tier {
		return false
	}
	return true
}

// LeadStore persists leads with optimistic concurrency.
type LeadStore interface {
	// Create inserts a new lead at version 1. Returns ErrDuplicate if the id exists.
	Create(ctx context.Context, lead *Lead) error
	// Load returns a copy of the lead or ErrNotFound.
	Load(ctx context.Context, id string) (*Lead, error)
	// Save writes lead only if the stored version equals expectedVersion.
	// On success lead.Version becomes expectedVersion+1. Otherwise ErrVersionConflict.
	// Stage, next_action_at and checkpoint are written in the same operation.
	Save(ctx context.Context, lead *Lead, expectedVersion int64) error
	// ListDue returns non-terminal leads without a recorded response whose
	// NextActionAt <= now, ordered by (NextActionAt, ID).
	ListDue(ctx context.Context, now time.Time) ([]*Lead, error)
	// List returns leads matching filter ordered by ID.
	List(ctx context.Context, filter LeadFilter) ([]*Lead, error)
	Close() error
}
