package multiagent

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"hume-agent/internal/domain"
)

// Worker answers messages from other workers.
type Worker interface {
	Handle(ctx context.Context, from, message string, meta map[string]string) (string, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, from, message string, meta map[string]string) (string, error)

// Handle implements Worker.
func (f WorkerFunc) Handle(ctx context.Context, from, message string, meta map[string]string) (string, error) {
	return f(ctx, from, message, meta)
}

// Resolver supplies workers for names that were not registered explicitly,
// such as "profile/scope" addresses.
type Resolver func(name string) (Worker, bool)

// Registry holds named workers.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]Worker
	resolver Resolver
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{workers: make(map[string]Worker), logger: logger}
}

// SetResolver installs a fallback lookup used by Get.
func (r *Registry) SetResolver(fn Resolver) {
	r.mu.Lock()
	r.resolver = fn
	r.mu.Unlock()
}

// Register adds a worker. Returns ErrDuplicate if the name is taken.
func (r *Registry) Register(name string, w Worker) error {
	if name == "" || w == nil {
		return domain.NewSubSystemError("bus", "Registry.Register", domain.ErrInvalidInput, "name and worker are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		return domain.NewSubSystemError("bus", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.workers[name] = w
	r.logger.Info("worker registered", "worker", name)
	return nil
}

// Get returns the worker registered as name, consulting the resolver when
// there is no exact match.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	w, ok := r.workers[name]
	resolve := r.resolver
	r.mu.RUnlock()
	if ok {
		return w, nil
	}
	if resolve != nil {
		if w, ok := resolve(name); ok {
			return w, nil
		}
	}
	return nil, domain.NewSubSystemError("bus", "Registry.Get", domain.ErrNotFound, name)
}

// Remove unregisters a worker. Returns ErrNotFound if not present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[name]; !ok {
		return domain.NewSubSystemError("bus", "Registry.Remove", domain.ErrNotFound, name)
	}
	delete(r.workers, name)
	r.logger.Info("worker removed", "worker", name)
	return nil
}

// List returns the registered worker names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for n := range r.workers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
