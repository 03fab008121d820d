// Package storetest holds the behavioural contract every domain.LeadStore
// must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
)

// Factory returns a fresh, empty store. It must register its own cleanup.
type Factory func(t *testing.T) domain.LeadStore

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newLead(id string, next time.Time) *domain.Lead {
	return &domain.Lead{
		ID:           id,
		Stage:        domain.StageNew,
		Tier:         domain.TierWarm,
		Channel:      "email",
		Recipient:    id + "@example.com",
		NextActionAt: next,
		MaxTouches:   4,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

// Run exercises the full contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateLoad", func(t *testing.T) { testCreateLoad(t, factory(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, factory(t)) })
	t.Run("SaveCAS", func(t *testing.T) { testSaveCAS(t, factory(t)) })
	t.Run("ConcurrentSave", func(t *testing.T) { testConcurrentSave(t, factory(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, factory(t)) })
	t.Run("List", func(t *testing.T) { testList(t, factory(t)) })
	t.Run("CheckpointRoundTrip", func(t *testing.T) { testCheckpoint(t, factory(t)) })
}

func testCreateLoad(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	lead := newLead("acme-1", base)
	require.NoError(t, s.Create(ctx, lead))
	assert.Equal(t, int64(1), lead.Version)

	got, err := s.Load(ctx, "acme-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageNew, got.Stage)
	assert.Equal(t, "acme-1@example.com", got.Recipient)
	assert.True(t, got.NextActionAt.Equal(base))
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDuplicate(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newLead("acme-1", base)))
	assert.ErrorIs(t, s.Create(ctx, newLead("acme-1", base)), domain.ErrDuplicate)
}

func testSaveCAS(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newLead("acme-1", base)))

	lead, err := s.Load(ctx, "acme-1")
	require.NoError(t, err)
	lead.Stage = domain.StageContacted
	lead.TouchCount = 1
	require.NoError(t, s.Save(ctx, lead, 1))
	assert.Equal(t, int64(2), lead.Version)

	stale := newLead("acme-1", base)
	stale.Stage = domain.StageClosedLost
	assert.ErrorIs(t, s.Save(ctx, stale, 1), domain.ErrVersionConflict)

	got, err := s.Load(ctx, "acme-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageContacted, got.Stage)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, s.Save(ctx, newLead("ghost", base), 1), domain.ErrNotFound)
}

func testConcurrentSave(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newLead("acme-1", base)))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := newLead("acme-1", base)
			l.Notes = fmt.Sprintf("writer %d", i)
			err := s.Save(ctx, l, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrVersionConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	got, err := s.Load(ctx, "acme-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testListDue(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newLead("b", base)))
	require.NoError(t, s.Create(ctx, newLead("a", base)))
	require.NoError(t, s.Create(ctx, newLead("c", base.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, newLead("future", base.Add(time.Hour))))
	closed := newLead("closed", base.Add(-2*time.Hour))
	require.NoError(t, s.Create(ctx, closed))
	closed.Stage = domain.StageClosedWon
	require.NoError(t, s.Save(ctx, closed, 1))
	handoff := newLead("handoff", base.Add(-3*time.Hour))
	require.NoError(t, s.Create(ctx, handoff))
	handoff.Stage = domain.StageAwaitingResponse
	handoff.ResponseReceived = true
	require.NoError(t, s.Save(ctx, handoff, 1))

	due, err := s.ListDue(ctx, base)
	require.NoError(t, err)
	var ids []string
	for _, l := range due {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func testList(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Create(ctx, newLead(id, base)))
	}
	hot := newLead("d", base)
	hot.Tier = domain.TierHot
	require.NoError(t, s.Create(ctx, hot))

	all, err := s.List(ctx, domain.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].ID)

	hots, err := s.List(ctx, domain.LeadFilter{Tier: domain.TierHot})
	require.NoError(t, err)
	require.Len(t, hots, 1)
	assert.Equal(t, "d", hots[0].ID)

	limited, err := s.List(ctx, domain.LeadFilter{Stage: domain.StageNew, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testCheckpoint(t *testing.T, s domain.LeadStore) {
	ctx := context.Background()
	lead := newLead("acme-1", base)
	require.NoError(t, s.Create(ctx, lead))

	lead.Stage = domain.StageFollowUp
	lead.FollowUp = 2
	lead.Checkpoint = domain.Checkpoint{
		Pending: &domain.PendingTouch{
			Touch: 3, Key: "acme-1:touch:3", PriorStage: domain.StageAwaitingResponse,
			PriorFollowUp: 1, ClaimedAt: base,
		},
		ConsecutiveFailures: 1,
		LastError:           "smtp 451",
		History:             []domain.Transition{{From: domain.StageNew, To: domain.StageContacted, At: base}},
	}
	require.NoError(t, s.Save(ctx, lead, 1))

	got, err := s.Load(ctx, "acme-1")
	require.NoError(t, err)
	require.NotNil(t, got.Checkpoint.Pending)
	assert.Equal(t, "acme-1:touch:3", got.Checkpoint.Pending.Key)
	assert.Equal(t, 1, got.Checkpoint.ConsecutiveFailures)
	assert.Len(t, got.Checkpoint.History, 1)
	assert.Equal(t, "follow_up(2)", got.StageLabel())
}
