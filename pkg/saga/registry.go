package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds saga definitions keyed by (name, version). Definitions are
// immutable once registered; behavior changes ship as a new version so
// in-flight instances keep resolving the exact definition they started
// under.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]map[int]*Definition
	latest map[string]int
}

// DefinitionInfo identifies one registered definition.
type DefinitionInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Steps   int    `json:"steps"`
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[string]map[int]*Definition),
		latest: make(map[string]int),
	}
}

// Register adds a definition. Versions per name must be strictly
// increasing; re-registering an existing version is rejected.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.latest[def.Name]; ok && def.Version <= cur {
		return fmt.Errorf("saga %q: version %d not above registered version %d", def.Name, def.Version, cur)
	}
	versions, ok := r.defs[def.Name]
	if !ok {
		versions = make(map[int]*Definition)
		r.defs[def.Name] = versions
	}
	versions[def.Version] = def.clone()
	r.latest[def.Name] = def.Version
	return nil
}

// Get returns the definition registered under (name, version).
func (r *Registry) Get(name string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrUnknownDefinition, name, version)
	}
	return def.clone(), nil
}

// Latest returns the newest registered version of name.
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return r.defs[name][version].clone(), nil
}

// List returns all registered definitions sorted by name then version.
func (r *Registry) List() []DefinitionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DefinitionInfo, 0, len(r.defs))
	for name, versions := range r.defs {
		for version, def := range versions {
			infos = append(infos, DefinitionInfo{Name: name, Version: version, Steps: len(def.Steps)})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}
