package leadstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
	"hume-agent/internal/usecase/workflow/storetest"
)

func newTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.LeadStore {
		return newTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.db")
	ctx := context.Background()
	next := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	lead := &domain.Lead{ID: "acme-1", Stage: domain.StageNew, Tier: domain.TierCool,
		Channel: "email", Recipient: "x", NextActionAt: next, MaxTouches: 3}
	require.NoError(t, first.Create(ctx, lead))
	require.NoError(t, first.Close())

	second := newTestStore(t, path)
	got, err := second.Load(ctx, "acme-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierCool, got.Tier)
	assert.True(t, got.NextActionAt.Equal(next))
	assert.True(t, got.LastTouchAt.IsZero())
	assert.Nil(t, got.Checkpoint.Pending)
}

func TestSQLiteStore_DuplicateCode(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
	ctx := context.Background()
	lead := &domain.Lead{ID: "acme-1", Stage: domain.StageNew, Tier: domain.TierHot,
		Channel: "email", Recipient: "x", NextActionAt: time.Now(), MaxTouches: 5}
	require.NoError(t, s.Create(ctx, lead))
	err := s.Create(ctx, lead)
	assert.Equal(t, domain.CodeLeadDuplicate, domain.ErrorCodeOf(err))
}
