package command

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
)

// Registry maps case-folded names and aliases to specs. It does not perform
// dispatch.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string]*Spec
	specs   []*Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byAlias: make(map[string]*Spec)}
}

// Fold normalizes a command name for lookup.
func Fold(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Register adds spec under its name and aliases. Either every name is claimed
// or none: on conflict the registry is left as it was.
func (r *Registry) Register(spec Spec) error {
	if err := validate(&spec); err != nil {
		return err
	}

	keys := make([]string, 0, len(spec.Aliases)+1)
	seen := make(map[string]bool)
	for _, n := range spec.Names() {
		k := Fold(n)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		if existing, ok := r.byAlias[k]; ok {
			return &DuplicateAliasError{Alias: k, Existing: existing.Name, Incoming: spec.Name}
		}
	}

	s := &spec
	for _, k := range keys {
		r.byAlias[k] = s
	}
	r.specs = append(r.specs, s)
	return nil
}

// Resolve finds a spec by name or alias, ignoring case.
func (r *Registry) Resolve(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.byAlias[Fold(name)]; ok {
		return s, nil
	}
	return nil, &NotFoundError{Name: name}
}

// List returns every registered spec once, sorted by name.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	out := make([]*Spec, len(r.specs))
	copy(out, r.specs)
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

func validate(s *Spec) error {
	for _, n := range s.Names() {
		if strings.TrimSpace(n) == "" {
			return &InvalidSpecError{Name: s.Name, Reason: "empty name or alias"}
		}
		if strings.IndexFunc(n, unicode.IsSpace) >= 0 {
			return &InvalidSpecError{Name: s.Name, Reason: "name " + n + " contains whitespace"}
		}
	}
	if s.Handler == nil {
		return &InvalidSpecError{Name: s.Name, Reason: "no handler"}
	}
	if s.MinArgs < 0 {
		return &InvalidSpecError{Name: s.Name, Reason: "negative min args"}
	}
	if s.MaxArgs != Unbounded && s.MaxArgs < s.MinArgs {
		return &InvalidSpecError{Name: s.Name, Reason: "max args below min args"}
	}
	if !s.Level.Valid() {
		return &InvalidSpecError{Name: s.Name, Reason: "unknown permission level " + s.Level.String()}
	}
	return nil
}
