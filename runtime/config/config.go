// Package config loads and validates config.yaml, policies.yaml, and
// agents.yaml and exposes their contents as a single immutable Root. It is
// the only package in the module that knows the on-disk YAML shape; every
// other package consumes typed values derived from a Root (policy.Policy,
// registry.Agent, worker.Config, monitor.Config, ...).
package config

import (
	"fmt"
	"time"

	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/registry"
	"goa.design/ashep/runtime/retention"
)

type (
	// WorkerConfig is config.yaml's worker.* block.
	WorkerConfig struct {
		PollIntervalMS  int `yaml:"poll_interval_ms"`
		MaxConcurrentRuns int64 `yaml:"max_concurrent_runs"`
	}

	// MonitorConfig is config.yaml's monitor.* block.
	MonitorConfig struct {
		PollIntervalMS    int     `yaml:"poll_interval_ms"`
		StallThresholdMS  int     `yaml:"stall_threshold_ms"`
		TimeoutMultiplier float64 `yaml:"timeout_multiplier"`
	}

	// UIConfig is config.yaml's ui.* block, consumed by the out-of-scope
	// UI server process, carried here only because it is read from the
	// same file.
	UIConfig struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	}

	// FallbackConfig is config.yaml's fallback.* block.
	FallbackConfig struct {
		Enabled      bool              `yaml:"enabled"`
		DefaultAgent string            `yaml:"default_agent"`
		Mappings     map[string]string `yaml:"mappings"`
	}

	// WorkflowConfig is config.yaml's workflow.* block.
	WorkflowConfig struct {
		InvalidLabelStrategy string `yaml:"invalid_label_strategy"` // error | warning | ignore
	}

	// HITLAllowedReasons is config.yaml's hitl.allowed_reasons.* block.
	HITLAllowedReasons struct {
		Predefined       []string `yaml:"predefined"`
		AllowCustom      bool     `yaml:"allow_custom"`
		CustomValidation string   `yaml:"custom_validation"`
	}

	// HITLConfig is config.yaml's hitl.* block.
	HITLConfig struct {
		AllowedReasons HITLAllowedReasons `yaml:"allowed_reasons"`
	}

	// WorkerAssistantConfig is config.yaml's worker_assistant.* block. The
	// field names depart from snake_case because that is how spec.md's
	// own config.yaml spells them.
	WorkerAssistantConfig struct {
		Enabled         bool   `yaml:"enabled"`
		AgentCapability string `yaml:"agentCapability"`
		TimeoutMS       int    `yaml:"timeoutMs"`
		FallbackAction  string `yaml:"fallbackAction"` // advance | retry | block
	}

	// LoopPreventionConfig is config.yaml's loop_prevention.* block: the
	// defaults a policy's own loop_prevention inherits when it doesn't
	// override a field.
	LoopPreventionConfig struct {
		Enabled              bool `yaml:"enabled"`
		MaxVisitsDefault     int  `yaml:"max_visits_default"`
		MaxTransitionsDefault int `yaml:"max_transitions_default"`
		CycleDetectionLength int  `yaml:"cycle_detection_length"`
	}

	// SessionContinuationConfig is config.yaml's session_continuation.*
	// block.
	SessionContinuationConfig struct {
		DefaultMaxContextTokens int     `yaml:"default_max_context_tokens"`
		DefaultThreshold        float64 `yaml:"default_threshold"`
	}

	// CleanupConfig is config.yaml's cleanup.* block.
	CleanupConfig struct {
		Enabled               bool `yaml:"enabled"`
		RunOnStartup          bool `yaml:"run_on_startup"`
		ScheduleIntervalHours int  `yaml:"schedule_interval_hours"`
	}

	// RetentionPolicyConfig is one entry of config.yaml's retention.policies[].
	RetentionPolicyConfig struct {
		Name               string `yaml:"name"`
		AgeDays            int    `yaml:"age_days"`
		MaxRuns            int    `yaml:"max_runs"`
		MaxSizeMB          int    `yaml:"max_size_mb"`
		ArchiveEnabled     bool   `yaml:"archive_enabled"`
		ArchiveAfterDays   int    `yaml:"archive_after_days"`
		DeleteAfterDays    int    `yaml:"delete_after_days"`
		KeepSuccessfulRuns bool   `yaml:"keep_successful_runs"`
		KeepFailedRuns     bool   `yaml:"keep_failed_runs"`
	}

	// RetentionConfig is config.yaml's retention.* block.
	RetentionConfig struct {
		Enabled  bool                    `yaml:"enabled"`
		Policies []RetentionPolicyConfig `yaml:"policies"`
	}

	// ShutdownConfig is the ambient shutdown.* block spec.md §5 names
	// ("shutdown.grace_period_ms") without placing it under any other
	// heading.
	ShutdownConfig struct {
		GracePeriodMS int `yaml:"grace_period_ms"`
	}

	// WorkerAssistantOverride is the worker_assistant override embeddable
	// at both phase and policy level in policies.yaml.
	WorkerAssistantOverride struct {
		Capability string `yaml:"capability"`
		Template   string `yaml:"template"`
	}

	// PhaseConfigYAML is one phase entry of a PolicyConfig's phases list.
	PhaseConfigYAML struct {
		Name                   string                   `yaml:"name"`
		Description            string                   `yaml:"description"`
		RequiredCapabilities   []string                 `yaml:"required_capabilities"`
		TimeoutMultiplier      float64                  `yaml:"timeout_multiplier"`
		RequireApproval        bool                     `yaml:"require_approval"`
		CustomPrompt           string                   `yaml:"custom_prompt"`
		ReuseSessionFromPhase  string                   `yaml:"reuse_session_from_phase"`
		ContextWindowThreshold float64                  `yaml:"context_window_threshold"`
		MaxContextTokens       int                      `yaml:"max_context_tokens"`
		MaxVisits              int                      `yaml:"max_visits"`
		WorkerAssistant        *WorkerAssistantOverride `yaml:"worker_assistant"`
	}

	// RetryConfigYAML is a PolicyConfig's retry.* block.
	RetryConfigYAML struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Strategy    string `yaml:"strategy"` // fixed | linear | exponential
		BaseDelayMS int     `yaml:"base_delay_ms"`
		MaxDelayMS  int     `yaml:"max_delay_ms"`
	}

	// LoopPreventionOverride is a PolicyConfig's loop_prevention.* block.
	// Zero-valued fields fall back to config.yaml's loop_prevention.*
	// defaults; MaxTransitions has no global default and is always
	// policy-specific (spec.md §3's Transition Rule).
	LoopPreventionOverride struct {
		Enabled              *bool          `yaml:"enabled"`
		MaxVisits            int            `yaml:"max_visits"`
		MaxTransitions       map[string]int `yaml:"max_transitions"`
		CycleDetectionLength int            `yaml:"cycle_detection_length"`
	}

	// HITLRuleSetYAML is a PolicyConfig's hitl.* override. Absent fields
	// fall back to config.yaml's hitl.allowed_reasons.* block.
	HITLRuleSetYAML struct {
		Predefined       []string `yaml:"predefined"`
		AllowCustom      *bool    `yaml:"allow_custom"`
		CustomValidation string   `yaml:"custom_validation"`
	}

	// PolicyConfig is one named entry of policies.yaml.
	PolicyConfig struct {
		Phases          []PhaseConfigYAML       `yaml:"phases"`
		Retry           RetryConfigYAML         `yaml:"retry"`
		BaseTimeoutMS   int                     `yaml:"base_timeout_ms"`
		StallThresholdMS int                    `yaml:"stall_threshold_ms"`
		SharedSession   string                  `yaml:"shared_session"`
		WorkerAssistant *WorkerAssistantOverride `yaml:"worker_assistant"`
		HITLRequired    bool                    `yaml:"hitl_required"`
		LoopPrevention  LoopPreventionOverride  `yaml:"loop_prevention"`
		HITL            HITLRuleSetYAML         `yaml:"hitl"`
	}

	// ConstraintsYAML is an agents.yaml entry's constraints.* block.
	ConstraintsYAML struct {
		PerformanceTier string   `yaml:"performance_tier"`
		DomainTags      []string `yaml:"domain_tags"`
	}

	// AgentConfig is one entry of agents.yaml.
	AgentConfig struct {
		ID           string          `yaml:"id"`
		Name         string          `yaml:"name"`
		Capabilities []string        `yaml:"capabilities"`
		Priority     int             `yaml:"priority"`
		Constraints  ConstraintsYAML `yaml:"constraints"`
		Active       bool            `yaml:"active"`
	}

	// ConfigFile is the parsed shape of config.yaml.
	ConfigFile struct {
		Version             string                    `yaml:"version"`
		Worker              WorkerConfig              `yaml:"worker"`
		Monitor             MonitorConfig             `yaml:"monitor"`
		UI                  UIConfig                  `yaml:"ui"`
		Fallback            FallbackConfig            `yaml:"fallback"`
		Workflow            WorkflowConfig            `yaml:"workflow"`
		HITL                HITLConfig                `yaml:"hitl"`
		WorkerAssistant     WorkerAssistantConfig     `yaml:"worker_assistant"`
		LoopPrevention      LoopPreventionConfig      `yaml:"loop_prevention"`
		SessionContinuation SessionContinuationConfig `yaml:"session_continuation"`
		Cleanup             CleanupConfig             `yaml:"cleanup"`
		Retention           RetentionConfig           `yaml:"retention"`
		Shutdown            ShutdownConfig            `yaml:"shutdown"`
	}

	// PoliciesFile is the parsed shape of policies.yaml.
	PoliciesFile struct {
		DefaultPolicy string                  `yaml:"default_policy"`
		Policies      map[string]PolicyConfig `yaml:"policies"`
	}

	// AgentsFile is the parsed shape of agents.yaml.
	AgentsFile struct {
		Agents []AgentConfig `yaml:"agents"`
	}

	// Root is the immutable, fully-validated union of config.yaml,
	// policies.yaml, and agents.yaml. A Root is never mutated after
	// Load/parseAll returns it; Manager.Reload swaps in a new one.
	Root struct {
		Config   ConfigFile
		Policies PoliciesFile
		Agents   AgentsFile
	}
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// WorkerEngineConfig derives the runtime/worker package's Config from the
// loaded worker.* and worker_assistant.* blocks.
func (r *Root) WorkerEngineConfig() WorkerEngineSettings {
	wa := r.Config.WorkerAssistant
	return WorkerEngineSettings{
		PollInterval:      msToDuration(r.Config.Worker.PollIntervalMS),
		MaxConcurrentRuns: r.Config.Worker.MaxConcurrentRuns,
		FallbackEnabled:   r.Config.Fallback.Enabled,
		WorkerAssistant: WorkerAssistantSettings{
			Enabled:         wa.Enabled,
			AgentCapability: wa.AgentCapability,
			Timeout:         msToDuration(wa.TimeoutMS),
			FallbackAction:  policy.TransitionType(wa.FallbackAction),
		},
	}
}

type (
	// WorkerAssistantSettings mirrors worker.WorkerAssistantSettings
	// without importing the worker package (which would create an import
	// cycle risk if worker ever needed config in the future); cmd/ashepd
	// copies the fields across at the composition root.
	WorkerAssistantSettings struct {
		Enabled         bool
		AgentCapability string
		Timeout         time.Duration
		FallbackAction  policy.TransitionType
	}

	// WorkerEngineSettings mirrors worker.Config.
	WorkerEngineSettings struct {
		PollInterval      time.Duration
		MaxConcurrentRuns int64
		FallbackEnabled   bool
		WorkerAssistant   WorkerAssistantSettings
	}

	// MonitorEngineSettings mirrors monitor.Config.
	MonitorEngineSettings struct {
		PollInterval      time.Duration
		StallThreshold    time.Duration
		TimeoutMultiplier float64
	}
)

// MonitorEngineConfig derives the runtime/monitor package's Config from the
// loaded monitor.* block.
func (r *Root) MonitorEngineConfig() MonitorEngineSettings {
	return MonitorEngineSettings{
		PollInterval:      msToDuration(r.Config.Monitor.PollIntervalMS),
		StallThreshold:    msToDuration(r.Config.Monitor.StallThresholdMS),
		TimeoutMultiplier: r.Config.Monitor.TimeoutMultiplier,
	}
}

// ValidatorFallback derives the runtime/validator package's FallbackConfig
// from the loaded fallback.* block.
func (r *Root) ValidatorFallback() (enabled bool, defaultAgent string, mappings map[string]string) {
	f := r.Config.Fallback
	return f.Enabled, f.DefaultAgent, f.Mappings
}

// BuildPolicies converts policies.yaml into policy.Policy values plus the
// default policy name, applying the loop_prevention.* and hitl.* global
// defaults from config.yaml to any policy that doesn't override them.
func (r *Root) BuildPolicies() ([]policy.Policy, string, error) {
	if _, ok := r.Policies.Policies[r.Policies.DefaultPolicy]; !ok {
		return nil, "", fmt.Errorf("config: default_policy %q not present in policies.yaml", r.Policies.DefaultPolicy)
	}

	out := make([]policy.Policy, 0, len(r.Policies.Policies))
	for name, pc := range r.Policies.Policies {
		pol, err := r.buildPolicy(name, pc)
		if err != nil {
			return nil, "", err
		}
		out = append(out, pol)
	}
	return out, r.Policies.DefaultPolicy, nil
}

func (r *Root) buildPolicy(name string, pc PolicyConfig) (policy.Policy, error) {
	phases := make([]policy.PhaseConfig, 0, len(pc.Phases))
	for _, ph := range pc.Phases {
		p := policy.PhaseConfig{
			Name:                   ph.Name,
			Description:            ph.Description,
			RequiredCapabilities:   ph.RequiredCapabilities,
			TimeoutMultiplier:      ph.TimeoutMultiplier,
			RequireApproval:        ph.RequireApproval,
			CustomPrompt:           ph.CustomPrompt,
			ReuseSessionFromPhase:  ph.ReuseSessionFromPhase,
			ContextWindowThreshold: ph.ContextWindowThreshold,
			MaxContextTokens:       ph.MaxContextTokens,
			MaxVisits:              ph.MaxVisits,
		}
		if ph.WorkerAssistant != nil {
			p.WorkerAssistant = &policy.WorkerAssistantConfig{
				Capability: ph.WorkerAssistant.Capability,
				Template:   ph.WorkerAssistant.Template,
			}
		}
		phases = append(phases, p)
	}

	globalLP := r.Config.LoopPrevention
	lp := policy.LoopPrevention{
		Enabled:              globalLP.Enabled,
		MaxVisits:            globalLP.MaxVisitsDefault,
		CycleDetectionLength: globalLP.CycleDetectionLength,
	}
	if pc.LoopPrevention.Enabled != nil {
		lp.Enabled = *pc.LoopPrevention.Enabled
	}
	if pc.LoopPrevention.MaxVisits > 0 {
		lp.MaxVisits = pc.LoopPrevention.MaxVisits
	}
	if pc.LoopPrevention.CycleDetectionLength > 0 {
		lp.CycleDetectionLength = pc.LoopPrevention.CycleDetectionLength
	}
	lp.MaxTransitions = pc.LoopPrevention.MaxTransitions

	globalHITL := r.Config.HITL.AllowedReasons
	hitl := policy.HITLRuleSet{
		Predefined:       globalHITL.Predefined,
		AllowCustom:      globalHITL.AllowCustom,
		CustomValidation: policy.CustomHITLValidation(globalHITL.CustomValidation),
	}
	if len(pc.HITL.Predefined) > 0 {
		hitl.Predefined = pc.HITL.Predefined
	}
	if pc.HITL.AllowCustom != nil {
		hitl.AllowCustom = *pc.HITL.AllowCustom
	}
	if pc.HITL.CustomValidation != "" {
		hitl.CustomValidation = policy.CustomHITLValidation(pc.HITL.CustomValidation)
	}

	pol := policy.Policy{
		Name:           name,
		Phases:         phases,
		BaseTimeout:    msToDuration(pc.BaseTimeoutMS),
		StallThreshold: msToDuration(pc.StallThresholdMS),
		SharedSession:  pc.SharedSession,
		HITLRequired:   pc.HITLRequired,
		LoopPrevention: lp,
		HITL:           hitl,
		Retry: policy.RetryConfig{
			MaxAttempts: pc.Retry.MaxAttempts,
			Strategy:    policy.RetryStrategy(pc.Retry.Strategy),
			BaseDelay:   msToDuration(pc.Retry.BaseDelayMS),
			MaxDelay:    msToDuration(pc.Retry.MaxDelayMS),
		},
	}
	if pc.WorkerAssistant != nil {
		pol.WorkerAssistant = &policy.WorkerAssistantConfig{
			Capability: pc.WorkerAssistant.Capability,
			Template:   pc.WorkerAssistant.Template,
		}
	}
	return pol, nil
}

// BuildAgents converts agents.yaml into registry.Agent values for
// registry.Registry.LoadAgents via a config.AgentSource adapter (see
// loader.go's NewAgentSource).
func (r *Root) BuildAgents() []registry.Agent {
	out := make([]registry.Agent, 0, len(r.Agents.Agents))
	for _, a := range r.Agents.Agents {
		caps := make(map[string]struct{}, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[c] = struct{}{}
		}
		out = append(out, registry.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: caps,
			Priority:     a.Priority,
			Active:       a.Active,
			Constraints: registry.Constraints{
				PerformanceTier: a.Constraints.PerformanceTier,
				DomainTags:      a.Constraints.DomainTags,
			},
		})
	}
	return out
}

// RetentionEnabled reports config.yaml's retention.enabled.
func (r *Root) RetentionEnabled() bool { return r.Config.Retention.Enabled }

// RetentionPolicies converts config.yaml's retention.policies into
// retention.Policy values for retention.NewEngine.
func (r *Root) RetentionPolicies() []retention.Policy {
	out := make([]retention.Policy, 0, len(r.Config.Retention.Policies))
	for _, p := range r.Config.Retention.Policies {
		out = append(out, retention.Policy{
			Name:               p.Name,
			AgeDays:            p.AgeDays,
			MaxRuns:            p.MaxRuns,
			MaxSizeMB:          p.MaxSizeMB,
			ArchiveEnabled:     p.ArchiveEnabled,
			ArchiveAfterDays:   p.ArchiveAfterDays,
			DeleteAfterDays:    p.DeleteAfterDays,
			KeepSuccessfulRuns: p.KeepSuccessfulRuns,
			KeepFailedRuns:     p.KeepFailedRuns,
		})
	}
	return out
}

// CleanupScheduleIntervalHours returns config.yaml's
// cleanup.schedule_interval_hours, or a safe default of 24 when unset.
func (r *Root) CleanupScheduleIntervalHours() int {
	if r.Config.Cleanup.ScheduleIntervalHours <= 0 {
		return 24
	}
	return r.Config.Cleanup.ScheduleIntervalHours
}

// CleanupEnabled reports config.yaml's cleanup.enabled.
func (r *Root) CleanupEnabled() bool { return r.Config.Cleanup.Enabled }

// CleanupRunOnStartup reports config.yaml's cleanup.run_on_startup.
func (r *Root) CleanupRunOnStartup() bool { return r.Config.Cleanup.RunOnStartup }

// ShutdownGracePeriod derives the composition root's shutdown drain window
// from config.yaml's shutdown.grace_period_ms.
func (r *Root) ShutdownGracePeriod() time.Duration {
	return msToDuration(r.Config.Shutdown.GracePeriodMS)
}
