package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hume-agent/internal/domain"
)

// FileStore implements domain.LeadStore with JSON file persistence.
// An empty path keeps leads in memory only.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	leads map[string]*domain.Lead
}

var _ domain.LeadStore = (*FileStore)(nil)

// NewFileStore opens the store at path, loading any existing leads.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, leads: make(map[string]*domain.Lead)}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("leadstore: create dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("leadstore: load: %w", err)
	}
	return s, nil
}

// NewMemoryStore returns a FileStore that never touches disk.
func NewMemoryStore() *FileStore {
	s, _ := NewFileStore("")
	return s
}

func (s *FileStore) Create(_ context.Context, lead *domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leads[lead.ID]; exists {
		return domain.NewSubSystemError("workflow", "LeadStore.Create", domain.ErrDuplicate, lead.ID)
	}
	lead.Version = 1
	s.leads[lead.ID] = lead.Clone()
	if err := s.persist(); err != nil {
		delete(s.leads, lead.ID)
		return err
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, id string) (*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "LeadStore.Load", domain.ErrNotFound, id)
	}
	return l.Clone(), nil
}

func (s *FileStore) Save(_ context.Context, lead *domain.Lead, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leads[lead.ID]
	if !ok {
		return domain.NewSubSystemError("workflow", "LeadStore.Save", domain.ErrNotFound, lead.ID)
	}
	if cur.Version != expectedVersion {
		return domain.NewSubSystemError("workflow", "LeadStore.Save", domain.ErrVersionConflict,
			fmt.Sprintf("%s: stored %d, expected %d", lead.ID, cur.Version, expectedVersion))
	}
	next := lead.Clone()
	next.Version = expectedVersion + 1
	s.leads[lead.ID] = next
	if err := s.persist(); err != nil {
		s.leads[lead.ID] = cur
		return err
	}
	lead.Version = next.Version
	return nil
}

func (s *FileStore) ListDue(_ context.Context, now time.Time) ([]*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*domain.Lead
	for _, l := range s.leads {
		if !l.Stage.Terminal() && !l.ResponseReceived && !l.NextActionAt.After(now) {
			due = append(due, l.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextActionAt.Equal(due[j].NextActionAt) {
			return due[i].NextActionAt.Before(due[j].NextActionAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (s *FileStore) List(_ context.Context, filter domain.LeadFilter) ([]*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		if filter.Match(l) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op; every write is already on disk.
func (s *FileStore) Close() error { return nil }

// --- persistence ---

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var leads []*domain.Lead
	if err := json.Unmarshal(data, &leads); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	for _, l := range leads {
		s.leads[l.ID] = l
	}
	return nil
}

func (s *FileStore) persist() error {
	if s.path == "" {
		return nil
	}
	leads := make([]*domain.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		leads = append(leads, l)
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].ID < leads[j].ID })
	return writeJSON(s.path, leads)
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
