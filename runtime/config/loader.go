package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"goa.design/ashep/runtime/registry"
)

// Load reads config.yaml, policies.yaml, and agents.yaml from dir, validates
// each against its embedded JSON Schema, and returns the assembled Root.
// Every field of the returned Root is fully populated; callers never mutate
// it in place — Manager.Reload produces a fresh Root instead.
func Load(dir string) (*Root, error) {
	var root Root

	if err := loadFile(filepath.Join(dir, "config.yaml"), kindConfig, &root.Config); err != nil {
		return nil, fmt.Errorf("config.yaml: %w", err)
	}
	if err := loadFile(filepath.Join(dir, "policies.yaml"), kindPolicies, &root.Policies); err != nil {
		return nil, fmt.Errorf("policies.yaml: %w", err)
	}
	if err := loadFile(filepath.Join(dir, "agents.yaml"), kindAgents, &root.Agents); err != nil {
		return nil, fmt.Errorf("agents.yaml: %w", err)
	}

	if _, ok := root.Policies.Policies[root.Policies.DefaultPolicy]; !ok {
		return nil, fmt.Errorf("policies.yaml: default_policy %q not present among %d policies",
			root.Policies.DefaultPolicy, len(root.Policies.Policies))
	}

	return &root, nil
}

func loadFile(path string, k kind, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return validateYAML(data, k, out)
}

// Manager holds the currently-active Root behind an atomic pointer, giving
// Current lock-free reads while Reload swaps the whole instance in one
// store — never a field-by-field mutation of a Root a reader might be
// examining mid-update.
type Manager struct {
	dir     string
	current atomic.Pointer[Root]
}

// NewManager loads dir's three config files once and returns a Manager
// wrapping the result. A failed initial load returns an error rather than a
// Manager with an empty Root.
func NewManager(dir string) (*Manager, error) {
	root, err := Load(dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{dir: dir}
	m.current.Store(root)
	return m, nil
}

// Current returns the active Root. The returned pointer is safe to retain:
// Reload never mutates the Root it points to, it only advances the Manager
// to point at a new one.
func (m *Manager) Current() *Root {
	return m.current.Load()
}

// Reload re-reads and re-validates dir's config files and, only if that
// succeeds in full, atomically swaps Current's result to the new Root. A
// failed Reload leaves the previously active Root in place.
func (m *Manager) Reload() (*Root, error) {
	root, err := Load(m.dir)
	if err != nil {
		return nil, err
	}
	m.current.Store(root)
	return root, nil
}

// agentSource adapts a Root's agents.yaml contents to registry.AgentSource.
type agentSource struct{ root *Root }

// NewAgentSource builds a registry.AgentSource over root's loaded
// agents.yaml, for registry.Registry.LoadAgents.
func NewAgentSource(root *Root) registry.AgentSource {
	return agentSource{root: root}
}

func (s agentSource) LoadAgents(context.Context) ([]registry.Agent, error) {
	return s.root.BuildAgents(), nil
}
