package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerFrom(t *testing.T) {
	assert.Equal(t, "orchestrator", WorkerFrom(context.Background(), "orchestrator"))

	ctx := WithWorker(context.Background(), "competitor_analyst/A")
	assert.Equal(t, "competitor_analyst/A", WorkerFrom(ctx, "orchestrator"))

	nested := WithWorker(ctx, "competitor_analyst/B")
	assert.Equal(t, "competitor_analyst/B", WorkerFrom(nested, "orchestrator"))
	assert.Equal(t, "orchestrator", WorkerFrom(WithWorker(ctx, ""), "orchestrator"))
}
