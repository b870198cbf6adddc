package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/config"
)

const validConfigYAML = `
version: "1"
worker:
  poll_interval_ms: 500
  max_concurrent_runs: 4
monitor:
  poll_interval_ms: 1000
  stall_threshold_ms: 60000
  timeout_multiplier: 1.5
fallback:
  enabled: true
  default_agent: generalist
workflow:
  invalid_label_strategy: warning
hitl:
  allowed_reasons:
    predefined: ["needs_human_review"]
    allow_custom: true
    custom_validation: "^[a-z_]+$"
worker_assistant:
  enabled: true
  agentCapability: triage
  timeoutMs: 30000
  fallbackAction: advance
loop_prevention:
  enabled: true
  max_visits_default: 5
  max_transitions_default: 3
  cycle_detection_length: 6
session_continuation:
  default_max_context_tokens: 130000
  default_threshold: 0.8
cleanup:
  enabled: true
  run_on_startup: false
  schedule_interval_hours: 24
retention:
  enabled: true
  policies:
    - name: default
      age_days: 30
      max_runs: 10000
shutdown:
  grace_period_ms: 5000
`

const validPoliciesYAML = `
default_policy: default
policies:
  default:
    phases:
      - name: design
        required_capabilities: ["design"]
        timeout_multiplier: 1.0
      - name: implement
        required_capabilities: ["code"]
        timeout_multiplier: 1.0
        max_visits: 3
    retry:
      max_attempts: 3
      strategy: exponential
      base_delay_ms: 1000
      max_delay_ms: 60000
    base_timeout_ms: 3600000
    stall_threshold_ms: 120000
    loop_prevention:
      max_transitions:
        "implement->design": 2
`

const validAgentsYAML = `
agents:
  - id: coder
    name: Coder
    capabilities: ["code"]
    priority: 10
    active: true
  - id: designer
    name: Designer
    capabilities: ["design"]
    priority: 10
    active: true
`

func writeFixture(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(validConfigYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(validPoliciesYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(validAgentsYAML), 0o600))
}

func TestLoad_ValidFixtureProducesPopulatedRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)

	root, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "1", root.Config.Version)
	assert.Equal(t, 500*time.Millisecond, root.WorkerEngineConfig().PollInterval)
	assert.Equal(t, int64(4), root.WorkerEngineConfig().MaxConcurrentRuns)
	assert.Equal(t, 60*time.Second, root.MonitorEngineConfig().StallThreshold)
	assert.Equal(t, 1.5, root.MonitorEngineConfig().TimeoutMultiplier)

	enabled, defaultAgent, _ := root.ValidatorFallback()
	assert.True(t, enabled)
	assert.Equal(t, "generalist", defaultAgent)
}

func TestLoad_MissingConfigFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := config.Load(dir)
	assert.Error(t, err)
}

func TestLoad_SchemaViolationErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)
	// invalid: missing required "phases" for the "default" policy
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(`
default_policy: default
policies:
  default: {}
`), 0o600))

	_, err := config.Load(dir)
	assert.Error(t, err)
}

func TestLoad_UnknownDefaultPolicyErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(`
default_policy: nonexistent
policies:
  default:
    phases:
      - name: design
`), 0o600))

	_, err := config.Load(dir)
	assert.Error(t, err)
}

func TestRoot_BuildPoliciesAppliesGlobalLoopPreventionDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)

	root, err := config.Load(dir)
	require.NoError(t, err)

	policies, defaultName, err := root.BuildPolicies()
	require.NoError(t, err)
	require.Equal(t, "default", defaultName)
	require.Len(t, policies, 1)

	pol := policies[0]
	assert.True(t, pol.LoopPrevention.Enabled, "policy didn't override enabled, should inherit config.yaml's true")
	assert.Equal(t, 5, pol.LoopPrevention.MaxVisits, "policy didn't override max_visits, should inherit max_visits_default")
	assert.Equal(t, 6, pol.LoopPrevention.CycleDetectionLength)
	assert.Equal(t, 2, pol.LoopPrevention.MaxTransitions["implement->design"])
	require.Len(t, pol.Phases, 2)
	assert.Equal(t, "design", pol.Phases[0].Name)
	assert.Equal(t, 3, pol.Phases[1].MaxVisits)
}

func TestRoot_BuildAgentsConvertsCapabilitySlicesToSets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)

	root, err := config.Load(dir)
	require.NoError(t, err)

	agents := root.BuildAgents()
	require.Len(t, agents, 2)
	var foundCoder bool
	for _, a := range agents {
		if a.ID == "coder" {
			_, ok := a.Capabilities["code"]
			assert.True(t, ok)
			foundCoder = true
		}
	}
	assert.True(t, foundCoder)
}

func TestManager_ReloadSwapsRootAtomically(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)

	m, err := config.NewManager(dir)
	require.NoError(t, err)
	first := m.Current()
	assert.Equal(t, int64(4), first.WorkerEngineConfig().MaxConcurrentRuns)

	updated := validConfigYAML
	updated = replaceOnce(updated, "max_concurrent_runs: 4", "max_concurrent_runs: 8")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(updated), 0o600))

	second, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, int64(8), second.WorkerEngineConfig().MaxConcurrentRuns)
	assert.Equal(t, int64(4), first.WorkerEngineConfig().MaxConcurrentRuns, "the Root a caller already holds must never be mutated in place")
	assert.Same(t, second, m.Current())
}

func TestManager_ReloadLeavesCurrentRootOnFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFixture(t, dir)

	m, err := config.NewManager(dir)
	require.NoError(t, err)
	before := m.Current()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("not: [valid"), 0o600))

	_, err = m.Reload()
	assert.Error(t, err)
	assert.Same(t, before, m.Current())
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}
