package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/policy"
)

const samplePoliciesYAML = `
default_policy: standard
policies:
  standard:
    base_timeout_seconds: 600
    stall_threshold_seconds: 120
    retry:
      max_attempts: 4
      strategy: exponential
      base_delay_ms: 1000
      max_delay_ms: 30000
    loop_prevention:
      enabled: true
      max_visits: 5
      cycle_detection_length: 6
    hitl:
      predefined: ["needs-human"]
      allow_custom: true
      custom_validation: alphanumeric-dash-underscore
    phases:
      - name: plan
        required_capabilities: ["planning"]
      - name: implement
        required_capabilities: ["code"]
        timeout_multiplier: 1.5
      - name: review
        require_approval: true
`

func TestLoadDocument_ParsesValidYAML(t *testing.T) {
	t.Parallel()
	policies, defaultName, err := policy.LoadDocument([]byte(samplePoliciesYAML))
	require.NoError(t, err)
	assert.Equal(t, "standard", defaultName)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "standard", p.Name)
	assert.Equal(t, 600*time.Second, p.BaseTimeout)
	assert.Equal(t, 4, p.Retry.MaxAttempts)
	assert.Equal(t, policy.RetryExponential, p.Retry.Strategy)
	assert.Equal(t, time.Second, p.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, p.Retry.MaxDelay)
	assert.True(t, p.LoopPrevention.Enabled)
	assert.Equal(t, 5, p.LoopPrevention.MaxVisits)
	require.Len(t, p.Phases, 3)
	assert.Equal(t, "plan", p.Phases[0].Name)
	assert.Equal(t, []string{"planning"}, p.Phases[0].RequiredCapabilities)
	assert.Equal(t, 1.5, p.Phases[1].TimeoutMultiplier)
	assert.True(t, p.Phases[2].RequireApproval)
	assert.Equal(t, policy.HITLValidationAlphanumericDashUnderscore, p.HITL.CustomValidation)
}

func TestLoadDocument_RejectsMissingPhases(t *testing.T) {
	t.Parallel()
	_, _, err := policy.LoadDocument([]byte(`
default_policy: standard
policies:
  standard: {}
`))
	assert.Error(t, err)
}

func TestLoadDocument_RejectsMissingDefaultPolicy(t *testing.T) {
	t.Parallel()
	_, _, err := policy.LoadDocument([]byte(`
policies:
  standard:
    phases:
      - name: plan
`))
	assert.Error(t, err)
}

func TestLoadDocument_AppliesDefaults(t *testing.T) {
	t.Parallel()
	policies, _, err := policy.LoadDocument([]byte(`
default_policy: minimal
policies:
  minimal:
    phases:
      - name: only
`))
	require.NoError(t, err)
	require.Len(t, policies, 1)
	p := policies[0]
	assert.Equal(t, 3, p.Retry.MaxAttempts)
	assert.Equal(t, policy.RetryFixed, p.Retry.Strategy)
	assert.Equal(t, 5*time.Second, p.Retry.BaseDelay)
	assert.Equal(t, 10*time.Minute, p.BaseTimeout)
	assert.Equal(t, 5*time.Minute, p.StallThreshold)
	assert.Equal(t, 1.0, p.Phases[0].TimeoutMultiplier)
	assert.Equal(t, 0.8, p.Phases[0].ContextWindowThreshold)
	assert.Equal(t, 130000, p.Phases[0].MaxContextTokens)
}
