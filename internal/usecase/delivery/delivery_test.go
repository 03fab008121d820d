package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
)

// fakeSender records sends and fails according to failAt (1-based send number -> error).
type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	calls  int
	failAt map[int]error
}

func (f *fakeSender) Send(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failAt[f.calls]; ok {
		return err
	}
	f.sent = append(f.sent, text)
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestDeliverer(s domain.Sender, maxUnit int) *Deliverer {
	return NewDeliverer(s, DelivererConfig{
		DefaultMaxUnit:     maxUnit,
		ChannelMaxUnits:    map[string]int{"sms": 40},
		FirstChunkAttempts: 3,
		Backoff:            fastPolicy(),
	}, nil, nil, nil)
}

// --- Split / Reassemble ---

func TestSplit_SingleChunkUnmarked(t *testing.T) {
	chunks := Split("hello there", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello there", chunks[0].Render())
	assert.Nil(t, Split("", 100))
}

func TestSplit_ReassemblesExactly(t *testing.T) {
	para := "Thanks for the call today. We covered pricing and the rollout plan! Next steps below?"
	texts := []string{
		strings.Repeat(para+"\n\n", 12),
		strings.Repeat("word ", 400),
		strings.Repeat("x", 1000),
		"Line one.\nLine two.\n\nPara two has ünïcödé characters - and more. " + strings.Repeat("é", 300),
	}
	for _, max := range []int{40, 64, 200, 1000} {
		for i, text := range texts {
			chunks := Split(text, max)
			require.NotEmpty(t, chunks)
			for _, c := range chunks {
				assert.LessOrEqual(t, len([]rune(c.Render())), max, "text %d max %d chunk %d", i, max, c.Index)
				assert.Equal(t, len(chunks), c.Count)
			}
			assert.Equal(t, text, Reassemble(chunks), "text %d max %d", i, max)

			// Round trip through the rendered form.
			parsed := make([]Chunk, 0, len(chunks))
			for j := len(chunks) - 1; j >= 0; j-- {
				parsed = append(parsed, ParseChunk(chunks[j].Render()))
			}
			assert.Equal(t, text, Reassemble(parsed))
		}
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	text := "First paragraph is here.\n\nSecond paragraph follows and is longer than the first."
	chunks := Split(text, 60)
	require.Len(t, chunks, 2)
	assert.Equal(t, "First paragraph is here.\n\n", chunks[0].Body)
	assert.Equal(t, "[1/2] First paragraph is here.\n\n", chunks[0].Render())
}

func TestSplit_MarkerWidthGrowsWithCount(t *testing.T) {
	text := strings.Repeat("abcdefghij ", 200)
	chunks := Split(text, 20)
	require.Greater(t, len(chunks), 99)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Render())), 20)
	}
	assert.Equal(t, text, Reassemble(chunks))
}

// --- Deliver ---

func TestDeliver_AllChunksInOrder(t *testing.T) {
	s := &fakeSender{}
	d := newTestDeliverer(s, 4000)

	text := strings.Repeat("Short sentence here. ", 8)
	res, err := d.Deliver(context.Background(), "sms", "+15550100", text)
	require.NoError(t, err)
	assert.Equal(t, res.Total, res.Sent)
	assert.False(t, res.Partial)
	require.Len(t, s.sent, res.Total)
	for i, out := range s.sent {
		assert.Equal(t, i+1, ParseChunk(out).Index)
	}
}

func TestDeliver_FirstChunkRetriedThenSucceeds(t *testing.T) {
	s := &fakeSender{failAt: map[int]error{1: fmt.Errorf("API error 503: busy"), 2: domain.ErrUpstream}}
	d := newTestDeliverer(s, 4000)

	res, err := d.Deliver(context.Background(), "web", "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 3, s.calls)
}

func TestDeliver_FirstChunkFailureIsFatal(t *testing.T) {
	s := &fakeSender{failAt: map[int]error{1: domain.ErrUpstream, 2: domain.ErrUpstream, 3: domain.ErrUpstream}}
	d := newTestDeliverer(s, 4000)

	_, err := d.Deliver(context.Background(), "web", "u1", "hi")
	require.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, 3, s.calls)
}

func TestDeliver_FirstChunkPermanentNotRetried(t *testing.T) {
	s := &fakeSender{failAt: map[int]error{1: fmt.Errorf("API error 400: bad recipient")}}
	d := newTestDeliverer(s, 4000)

	_, err := d.Deliver(context.Background(), "web", "u1", "hi")
	require.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Equal(t, 1, s.calls)
}

func TestDeliver_LaterChunkFailureIsPartial(t *testing.T) {
	s := &fakeSender{failAt: map[int]error{3: errors.New("socket closed")}}
	d := newTestDeliverer(s, 4000)

	text := strings.Repeat("Sentence number one. ", 10)
	res, err := d.Deliver(context.Background(), "sms", "+15550100", text)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 2, res.Sent)
	assert.Greater(t, res.Total, 2)
}

func TestDeliver_EmptyText(t *testing.T) {
	d := newTestDeliverer(&fakeSender{}, 4000)
	_, err := d.Deliver(context.Background(), "web", "u1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// --- Admit ---

func TestAdmit_DuplicateWithinWindow(t *testing.T) {
	store, err := NewMemorySeenStore(16)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := NewAdmitter(store, 10*time.Minute, nil, WithClock(func() time.Time { return now }))

	ev := domain.InboundEvent{Channel: "slack", EventID: "evt-42", Text: "hello"}
	task, err := a.Admit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DeriveTaskID("slack", "evt-42"), task.ID)

	now = now.Add(9 * time.Minute)
	again, err := a.Admit(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, task.ID, again.ID)

	// Different channel is a different event.
	_, err = a.Admit(context.Background(), domain.InboundEvent{Channel: "sms", EventID: "evt-42"})
	assert.NoError(t, err)

	// Outside the window the event is admitted again.
	now = now.Add(2 * time.Minute)
	_, err = a.Admit(context.Background(), ev)
	assert.NoError(t, err)
}

func TestAdmit_Release(t *testing.T) {
	store, _ := NewMemorySeenStore(16)
	a := NewAdmitter(store, time.Minute, nil)
	ev := domain.InboundEvent{Channel: "web", EventID: "e1"}

	task, err := a.Admit(context.Background(), ev)
	require.NoError(t, err)
	a.Release(context.Background(), task)
	_, err = a.Admit(context.Background(), ev)
	assert.NoError(t, err)
}

func TestAdmit_RequiresIdentity(t *testing.T) {
	store, _ := NewMemorySeenStore(16)
	a := NewAdmitter(store, time.Minute, nil)
	_, err := a.Admit(context.Background(), domain.InboundEvent{Channel: "web"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type brokenStore struct{}

func (brokenStore) MarkIfAbsent(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}
func (brokenStore) Forget(context.Context, string) error { return nil }

func TestAdmit_StoreFailureAdmits(t *testing.T) {
	a := NewAdmitter(brokenStore{}, time.Minute, nil)
	_, err := a.Admit(context.Background(), domain.InboundEvent{Channel: "web", EventID: "e1"})
	assert.NoError(t, err)
}

func TestMemorySeenStore_Capacity(t *testing.T) {
	store, _ := NewMemorySeenStore(2)
	now := time.Now()
	for _, k := range []string{"a", "b", "c"} {
		fresh, err := store.MarkIfAbsent(context.Background(), k, now, time.Hour)
		require.NoError(t, err)
		assert.True(t, fresh)
	}
	assert.Equal(t, 2, store.Len())
}

// --- Retry ---

type scriptedInvoker struct {
	errs  []error
	calls int
}

func (s *scriptedInvoker) Invoke(_ context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return nil, s.errs[s.calls-1]
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestCallWithRetry_TransientThenSuccess(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{domain.ErrCapabilityTransient, fmt.Errorf("API error 502: gateway")}}
	r := NewRetrier(fastPolicy(), nil, nil)

	out, err := r.CallWithRetry(context.Background(), inv, domain.CapabilityCall{Group: "crm", Operation: "lookup"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, 3, inv.calls)
}

func TestCallWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	inv := &scriptedInvoker{errs: []error{
		domain.ErrCapabilityTransient, domain.ErrCapabilityTransient,
		domain.ErrCapabilityTransient, domain.ErrCapabilityTransient, nil,
	}}
	r := NewRetrier(fastPolicy(), nil, nil)

	_, err := r.CallWithRetry(context.Background(), inv, domain.CapabilityCall{Group: "crm", Operation: "lookup"})
	assert.ErrorIs(t, err, domain.ErrCapabilityTransient)
	assert.Equal(t, 4, inv.calls) // 1 attempt + 3 retries
}

func TestCallWithRetry_PermanentNotRetried(t *testing.T) {
	for _, perm := range []error{
		domain.ErrCapabilityPermanent,
		fmt.Errorf("API error 404: no such account"),
		domain.ErrInvalidInput,
	} {
		inv := &scriptedInvoker{errs: []error{perm}}
		r := NewRetrier(fastPolicy(), nil, nil)
		_, err := r.CallWithRetry(context.Background(), inv, domain.CapabilityCall{Group: "crm", Operation: "lookup"})
		assert.Error(t, err)
		assert.Equal(t, 1, inv.calls, "error %v", perm)
	}
}

func TestRetrier_ContextCancelledDuringBackoff(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxRetries: 3, InitialBackoff: time.Hour}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, "test", func(context.Context) error { return domain.ErrUpstream })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{domain.ErrCapabilityTransient, ErrorCategoryTransient},
		{fmt.Errorf("API error 429: slow down"), ErrorCategoryTransient},
		{fmt.Errorf("API error 500: oops"), ErrorCategoryTransient},
		{fmt.Errorf("API error 422: bad field"), ErrorCategoryPermanent},
		{fmt.Errorf("dial tcp: connection refused"), ErrorCategoryTransient},
		{context.DeadlineExceeded, ErrorCategoryTransient},
		{context.Canceled, ErrorCategoryPermanent},
		{domain.ErrAuthInvalid, ErrorCategoryPermanent},
		{errors.New("mystery"), ErrorCategoryUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyError(c.err).Category, "%v", c.err)
	}
	assert.Equal(t, 503, ClassifyError(fmt.Errorf("API error 503: x")).StatusCode)
}
