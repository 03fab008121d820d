package domain

import "context"

type taskCtxKey struct{}

// WithTaskID tags ctx with the id of the task being handled, so model calls
// and capability calls can be correlated with it.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// TaskIDFrom returns the task id carried by ctx, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

type workerCtxKey struct{}

// WithWorker tags ctx with the name of the worker doing the work, so asks it
// makes on the inter-worker bus are attributed to it.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, name)
}

// WorkerFrom returns the worker name carried by ctx, or fallback when unset.
func WorkerFrom(ctx context.Context, fallback string) string {
	if name, _ := ctx.Value(workerCtxKey{}).(string); name != "" {
		return name
	}
	return fallback
}
