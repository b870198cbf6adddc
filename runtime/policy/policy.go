// Package policy is the Policy Engine: it loads, validates, and queries the
// named Policies that drive phase transitions, and computes the next
// Transition for a completed Run.
package policy

import (
	"fmt"
	"time"
)

type (
	// RetryStrategy selects how CalculateRetryDelay grows between attempts.
	RetryStrategy string

	// TransitionType is the closed set of outcomes DetermineTransition can
	// produce. engine.go returns these values without switching over them;
	// policy_test.go's exhaustiveness test compares a hand-kept table of
	// them with a hand-kept list of the constants, so a constant added here
	// and to neither list is not caught.
	TransitionType string

	// CustomHITLValidation names the pattern a custom HITL reason must
	// match when HITLRuleSet.AllowCustom is true.
	CustomHITLValidation string

	// RetryConfig controls CalculateRetryDelay and rule 3/4 of
	// DetermineTransition.
	RetryConfig struct {
		MaxAttempts int
		Strategy    RetryStrategy
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	// LoopPrevention configures rule 5 of DetermineTransition.
	LoopPrevention struct {
		Enabled              bool
		MaxVisits            int
		MaxTransitions       map[string]int // "fromPhase->toPhase" -> limit
		CycleDetectionLength int
	}

	// HITLRuleSet validates reasons passed to setHITLLabel (spec.md §4.6).
	HITLRuleSet struct {
		Predefined       []string
		AllowCustom      bool
		CustomValidation CustomHITLValidation
	}

	// WorkerAssistantConfig names the capability a phase's worker-assistant
	// dynamic decision is delegated to.
	WorkerAssistantConfig struct {
		Capability string
		Template   string
	}

	// PhaseConfig is one phase of a Policy's ordered sequence.
	PhaseConfig struct {
		Name                   string
		Description            string
		RequiredCapabilities   []string
		TimeoutMultiplier      float64
		RequireApproval        bool
		CustomPrompt           string
		ReuseSessionFromPhase  string // explicit name, or @self/@previous/@first/@shared
		ContextWindowThreshold float64
		MaxContextTokens       int
		MaxVisits              int
		WorkerAssistant        *WorkerAssistantConfig
	}

	// Policy is an immutable, named phase sequence plus the rules governing
	// its transitions. Reloaded wholesale from configuration; never mutated
	// in place at runtime.
	Policy struct {
		Name            string
		Phases          []PhaseConfig
		Retry           RetryConfig
		BaseTimeout     time.Duration
		StallThreshold  time.Duration
		SharedSession   string
		WorkerAssistant *WorkerAssistantConfig
		HITLRequired    bool
		LoopPrevention  LoopPrevention
		HITL            HITLRuleSet
	}

	// Outcome is the subset of a Run's result DetermineTransition needs.
	Outcome struct {
		Success          bool
		RequiresApproval bool
		RetryCount       int
	}

	// Transition is DetermineTransition's result.
	Transition struct {
		Type            TransitionType
		NextPhase       string
		JumpTargetPhase string
		DynamicAgent    string
		DecisionConfig  *WorkerAssistantConfig
		Reason          string
	}
)

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

const (
	TransitionAdvance         TransitionType = "advance"
	TransitionRetry           TransitionType = "retry"
	TransitionJumpBack        TransitionType = "jump_back"
	TransitionDynamicDecision TransitionType = "dynamic_decision"
	TransitionBlock           TransitionType = "block"
	TransitionClose           TransitionType = "close"
)

const (
	HITLValidationNone                     CustomHITLValidation = "none"
	HITLValidationAlphanumeric             CustomHITLValidation = "alphanumeric"
	HITLValidationAlphanumericDashUnderscore CustomHITLValidation = "alphanumeric-dash-underscore"
)

// PhaseIndex returns the index of phase within p.Phases, or -1 if absent.
func (p *Policy) PhaseIndex(phase string) int {
	for i, ph := range p.Phases {
		if ph.Name == phase {
			return i
		}
	}
	return -1
}

// HasPhase reports whether phase is part of p.
func (p *Policy) HasPhase(phase string) bool {
	return p.PhaseIndex(phase) >= 0
}

// ErrPolicyNotFound reports an unknown policy name.
type ErrPolicyNotFound struct{ Name string }

func (e *ErrPolicyNotFound) Error() string { return fmt.Sprintf("policy not found: %s", e.Name) }

// ErrPhaseNotFound reports an unknown phase within a known policy.
type ErrPhaseNotFound struct {
	Policy string
	Phase  string
}

func (e *ErrPhaseNotFound) Error() string {
	return fmt.Sprintf("phase not found: %s (policy %s)", e.Phase, e.Policy)
}
