// Package validator implements the Validator (C11): an offline pass, run at
// startup and on demand, that confirms every capability a loaded policy
// requires has a provider, and that every policy's phase sequence is free
// of the one structural defect the Policy Engine's array-indexed
// PhaseIndex lookup cannot detect on its own: a repeated phase name.
package validator

import (
	"context"
	"fmt"

	"goa.design/ashep/runtime/errkind"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/registry"
)

type (
	// CapabilityResolver is the narrow slice of *registry.Registry the
	// Validator depends on.
	CapabilityResolver interface {
		FindByCapabilities(required []string) []*registry.Agent
		ListAgents() []*registry.Agent
		GetAgent(id string) (*registry.Agent, bool)
	}

	// PolicySource is the narrow slice of *policy.Engine the Validator
	// depends on.
	PolicySource interface {
		GetPolicyNames() []string
		GetPolicy(name string) (policy.Policy, error)
	}

	// FallbackConfig mirrors config.yaml's fallback.* block: a capability
	// with no active provider is not a dead end if the global fallback is
	// enabled and either a per-capability mapping or the default agent
	// resolves to an active agent.
	FallbackConfig struct {
		Enabled      bool
		DefaultAgent string
		Mappings     map[string]string // capability -> agent ID
	}

	// Config holds the Validator's tunables.
	Config struct {
		Fallback FallbackConfig
	}

	// DeadEndCapability reports a policy phase whose required capability
	// has neither an active provider nor a usable fallback.
	DeadEndCapability struct {
		Policy     string
		Phase      string
		Capability string
	}

	// DuplicatePhase reports a policy whose phase sequence repeats a name,
	// making GetNextPhase's first-match PhaseIndex lookup ambiguous about
	// which occurrence "current phase" refers to.
	DuplicatePhase struct {
		Policy string
		Phase  string
	}

	// Report is the outcome of a validation pass.
	Report struct {
		PolicyCount         int
		PhaseCount          int
		AgentCount          int
		ActiveAgentCount    int
		InactiveAgents      []string
		DeadEndCapabilities []DeadEndCapability
		DuplicatePhases     []DuplicatePhase
	}

	// Validator runs the offline consistency pass over loaded policies and
	// the agent catalogue.
	Validator struct {
		policies PolicySource
		agents   CapabilityResolver
		cfg      Config
	}
)

// Fatal reports whether r contains a defect that Validate treats as fatal
// outside soft mode.
func (r Report) Fatal() bool {
	return len(r.DeadEndCapabilities) > 0 || len(r.DuplicatePhases) > 0
}

// NewValidator constructs a Validator over policies and agents.
func NewValidator(policies PolicySource, agents CapabilityResolver, cfg Config) *Validator {
	return &Validator{policies: policies, agents: agents, cfg: cfg}
}

// Check runs the full pass and returns its Report without judging whether
// the result should be fatal; Validate wraps Check with that judgment.
func (v *Validator) Check(_ context.Context) Report {
	var report Report

	allAgents := v.agents.ListAgents()
	report.AgentCount = len(allAgents)
	for _, a := range allAgents {
		if a.Active {
			report.ActiveAgentCount++
		} else {
			report.InactiveAgents = append(report.InactiveAgents, a.ID)
		}
	}

	seenCapability := make(map[string]bool)
	for _, name := range v.policies.GetPolicyNames() {
		pol, err := v.policies.GetPolicy(name)
		if err != nil {
			continue
		}
		report.PolicyCount++
		report.PhaseCount += len(pol.Phases)

		seenPhase := make(map[string]bool, len(pol.Phases))
		for _, ph := range pol.Phases {
			if seenPhase[ph.Name] {
				report.DuplicatePhases = append(report.DuplicatePhases, DuplicatePhase{Policy: name, Phase: ph.Name})
			}
			seenPhase[ph.Name] = true

			for _, capability := range ph.RequiredCapabilities {
				key := name + "/" + ph.Name + "/" + capability
				if seenCapability[key] {
					continue
				}
				seenCapability[key] = true
				if v.hasProvider(capability) {
					continue
				}
				report.DeadEndCapabilities = append(report.DeadEndCapabilities, DeadEndCapability{
					Policy: name, Phase: ph.Name, Capability: capability,
				})
			}
		}
	}
	return report
}

// hasProvider reports whether capability is satisfied by at least one
// active catalogued agent, or by a configured fallback.
func (v *Validator) hasProvider(capability string) bool {
	if len(v.agents.FindByCapabilities([]string{capability})) > 0 {
		return true
	}
	if !v.cfg.Fallback.Enabled {
		return false
	}
	agentID := v.cfg.Fallback.Mappings[capability]
	if agentID == "" {
		agentID = v.cfg.Fallback.DefaultAgent
	}
	if agentID == "" {
		return false
	}
	a, ok := v.agents.GetAgent(agentID)
	return ok && a.Active
}

// Validate runs Check and, outside soft mode, turns a Fatal Report into a
// fatal errkind.Config error (spec.md §4.11: "errors are fatal at startup
// unless the caller opts into soft mode"). In soft mode the Report is
// returned unchanged for the caller to log as warnings.
func (v *Validator) Validate(ctx context.Context, softMode bool) (Report, error) {
	report := v.Check(ctx)
	if !report.Fatal() || softMode {
		return report, nil
	}
	return report, errkind.NewConfig("validator.Validate", fmt.Errorf(
		"%d dead-end capabilities, %d duplicate phase names",
		len(report.DeadEndCapabilities), len(report.DuplicatePhases),
	))
}
