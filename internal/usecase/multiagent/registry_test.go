package multiagent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/logger"
)

func echoWorker(name string) Worker {
	return WorkerFunc(func(_ context.Context, from, message string, _ map[string]string) (string, error) {
		return fmt.Sprintf("%s got %q from %s", name, message, from), nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.Register("workflow", echoWorker("workflow")))

	w, err := r.Get("workflow")
	require.NoError(t, err)
	out, err := w.Handle(context.Background(), "orchestrator", "status?", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "workflow got")
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.Register("a", echoWorker("a")))
	err := r.Register("a", echoWorker("a"))
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, domain.CodeWorkerDuplicate, domain.ErrorCodeOf(err))
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry(logger.Discard())
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeWorkerNotFound, domain.ErrorCodeOf(err))
}

func TestRegistryResolver(t *testing.T) {
	r := NewRegistry(logger.Discard())
	r.SetResolver(func(name string) (Worker, bool) {
		if name == "competitor_analyst/acme" {
			return echoWorker(name), true
		}
		return nil, false
	})
	_, err := r.Get("competitor_analyst/acme")
	require.NoError(t, err)
	_, err = r.Get("competitor_analyst/other")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, r.List())
}

func TestRegistryListAndRemove(t *testing.T) {
	r := NewRegistry(logger.Discard())
	for _, n := range []string{"workflow", "orchestrator", "content_strategist"} {
		require.NoError(t, r.Register(n, echoWorker(n)))
	}
	assert.Equal(t, []string{"content_strategist", "orchestrator", "workflow"}, r.List())

	require.NoError(t, r.Remove("workflow"))
	assert.ErrorIs(t, r.Remove("workflow"), domain.ErrNotFound)
	assert.Len(t, r.List(), 2)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry(logger.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("w%d", i), echoWorker("w"))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Get(fmt.Sprintf("w%d", i))
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 50)
}
