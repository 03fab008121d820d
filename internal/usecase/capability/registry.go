// Package capability holds the catalog of capability groups available to tasks.
package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
)

// internalOperations are served locally by the internal group.
var internalOperations = []string{"lead_status", "list_leads", "ask_worker"}

// Registry is the immutable set of configured capability groups.
// It is safe for concurrent reads.
type Registry struct {
	groups map[string]domain.CapabilityGroup
	names  []string
}

// NewRegistry validates groups and adds the internal group when missing.
// The internal group is always free and always available.
func NewRegistry(groups []domain.CapabilityGroup) (*Registry, error) {
	r := &Registry{groups: make(map[string]domain.CapabilityGroup, len(groups)+1)}
	for _, g := range groups {
		if g.Name == "" {
			return nil, domain.NewSubSystemError("capability", "Registry.New", domain.ErrInvalidInput, "group name is required")
		}
		if _, dup := r.groups[g.Name]; dup {
			return nil, domain.NewSubSystemError("capability", "Registry.New", domain.ErrDuplicate, g.Name)
		}
		if g.Name == domain.InternalGroup {
			if g.CostTier != "" && g.CostTier != domain.CostFree {
				return nil, domain.NewSubSystemError("capability", "Registry.New", domain.ErrInvalidInput,
					fmt.Sprintf("internal group must be free, got %q", g.CostTier))
			}
			g.CostTier = domain.CostFree
			g.AlwaysAvailable = true
			if len(g.Operations) == 0 {
				g.Operations = internalOperations
			}
		} else {
			if !g.CostTier.Valid() {
				return nil, domain.NewSubSystemError("capability", "Registry.New", domain.ErrInvalidInput,
					fmt.Sprintf("group %s: unknown cost tier %q", g.Name, g.CostTier))
			}
			// Only internal may bypass selection.
			g.AlwaysAvailable = false
		}
		r.groups[g.Name] = g
	}
	if _, ok := r.groups[domain.InternalGroup]; !ok {
		r.groups[domain.InternalGroup] = domain.CapabilityGroup{
			Name:            domain.InternalGroup,
			CostTier:        domain.CostFree,
			Operations:      internalOperations,
			UsagePolicy:     "Local state: lead status and history, asking peer workers. Use whenever the task only concerns known leads or conversation context.",
			AlwaysAvailable: true,
		}
	}
	for name := range r.groups {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// FromConfig builds a registry from inline groups plus an optional catalog file.
func FromConfig(cfg config.CapabilitiesConfig) (*Registry, error) {
	groups := make([]domain.CapabilityGroup, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups = append(groups, fromConfig(g))
	}
	if cfg.CatalogFile != "" {
		fileGroups, err := loadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		groups = append(groups, fileGroups...)
	}
	return NewRegistry(groups)
}

func fromConfig(g config.CapabilityGroupConfig) domain.CapabilityGroup {
	return domain.CapabilityGroup{
		Name:        g.Name,
		CostTier:    domain.CostTier(g.CostTier),
		Operations:  g.Operations,
		UsagePolicy: g.UsagePolicy,
		Endpoint:    g.Endpoint,
	}
}

// catalogFile is the on-disk YAML layout: a top-level "groups" list.
type catalogFile struct {
	Groups []config.CapabilityGroupConfig `yaml:"groups"`
}

func loadCatalog(path string) ([]domain.CapabilityGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse capability catalog %s: %w", path, err)
	}
	out := make([]domain.CapabilityGroup, 0, len(cf.Groups))
	for _, g := range cf.Groups {
		out = append(out, fromConfig(g))
	}
	return out, nil
}

// Get returns the group named name.
func (r *Registry) Get(name string) (domain.CapabilityGroup, error) {
	g, ok := r.groups[name]
	if !ok {
		return domain.CapabilityGroup{}, domain.NewSubSystemError("capability", "Registry.Get", domain.ErrNotFound, name)
	}
	return g, nil
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.groups[name]
	return ok
}

// Names returns the configured group names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Groups returns all groups sorted by name.
func (r *Registry) Groups() []domain.CapabilityGroup {
	out := make([]domain.CapabilityGroup, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.groups[n])
	}
	return out
}

// Restrict intersects names with the configured set, always keeping internal.
// The result is sorted with internal first and has no duplicates.
func (r *Registry) Restrict(names []string) []string {
	seen := map[string]bool{domain.InternalGroup: true}
	out := []string{domain.InternalGroup}
	var rest []string
	for _, n := range names {
		if seen[n] || !r.Has(n) {
			continue
		}
		seen[n] = true
		rest = append(rest, n)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Catalog renders a compact listing for the classifier prompt, restricted to
// names when given.
func (r *Registry) Catalog(names ...string) string {
	list := r.names
	if len(names) > 0 {
		list = names
	}
	var b strings.Builder
	for _, n := range list {
		g, ok := r.groups[n]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s [cost=%s, operations=%d]: %s\n", g.Name, g.CostTier, g.OperationCount(), g.UsagePolicy)
		if len(g.Operations) > 0 {
			fmt.Fprintf(&b, "    operations: %s\n", strings.Join(g.Operations, ", "))
		}
	}
	return b.String()
}
