package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Invocable is the function behind a registered tool.
type Invocable func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	desc    Descriptor
	version *semver.Version
	schema  *jsonschema.Schema
	fn      Invocable
}

// Registry maps tool names to descriptors and invocables. Multiple
// versions of the same tool may coexist; Resolve returns the highest.
type Registry struct {
	mu    sync.RWMutex
	tools map[string][]*entry // name → versions, ascending
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string][]*entry)}
}

// Register validates and adds a tool. Re-registering an existing
// name@version is rejected.
func (r *Registry) Register(desc Descriptor, fn Invocable) error {
	if desc.Name == "" {
		return fmt.Errorf("tool: descriptor needs a name")
	}
	if fn == nil {
		return fmt.Errorf("tool: %s needs an invocable", desc.Name)
	}
	v, schema, err := desc.compile()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tools[desc.Name] {
		if e.version.Equal(v) {
			return fmt.Errorf("tool: %s already registered", desc.Ref())
		}
	}
	versions := append(r.tools[desc.Name], &entry{desc: desc, version: v, schema: schema, fn: fn})
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].version.LessThan(versions[j].version)
	})
	r.tools[desc.Name] = versions
	return nil
}

// Resolve returns the highest registered version of name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	e, err := r.resolve(name, "")
	if err != nil {
		return Descriptor{}, err
	}
	return e.desc, nil
}

// ResolveConstraint returns the highest version satisfying a semver
// constraint such as "^1.0.0".
func (r *Registry) ResolveConstraint(name, constraint string) (Descriptor, error) {
	e, err := r.resolve(name, constraint)
	if err != nil {
		return Descriptor{}, err
	}
	return e.desc, nil
}

func (r *Registry) resolve(name, constraint string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.tools[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if constraint == "" {
		return versions[len(versions)-1], nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("%w: constraint %q: %v", ErrBadVersion, constraint, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if c.Check(versions[i].version) {
			return versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s satisfying %q", ErrUnknownTool, name, constraint)
}

// Has reports whether any version of name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools[name]) > 0
}

// List returns the latest descriptor of every tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, versions := range r.tools {
		out = append(out, versions[len(versions)-1].desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog renders the registry as the compact listing included in
// planning prompts.
func (r *Registry) Catalog() []map[string]any {
	descs := r.List()
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]any{
			"name":        d.Name,
			"version":     d.Version,
			"description": d.Description,
			"side_effect": string(d.SideEffect),
		})
	}
	return out
}
