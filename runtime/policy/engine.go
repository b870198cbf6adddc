package policy

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"goa.design/ashep/runtime/registry"
	"goa.design/ashep/runtime/runlog"
)

type (
	// History is the narrow slice of runlog.Store the Engine needs for
	// loop-prevention and cycle detection. It is satisfied directly by
	// *runlog's Store implementations.
	History interface {
		GetPhaseVisitCount(ctx context.Context, issueID, phase string) (int, error)
		GetTransitionCount(ctx context.Context, issueID, fromPhase, toPhase string) (int, error)
		GetDecisionsForIssue(ctx context.Context, issueID string, limit int) ([]*runlog.Decision, error)
	}

	// CapabilityResolver is the narrow slice of registry.Registry the
	// Engine needs to validate dynamic_decision targets.
	CapabilityResolver interface {
		FindByCapabilities(required []string) []*registry.Agent
	}

	// Engine is the Policy Engine: a read-only, reload-swappable set of
	// named Policies plus the logic that decides what happens after a
	// phase completes.
	Engine struct {
		policies      map[string]Policy
		defaultPolicy string
		history       History
		capabilities  CapabilityResolver
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithHistory sets the History source loop-prevention queries against.
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithCapabilityResolver sets the resolver dynamic_decision validation
// queries against.
func WithCapabilityResolver(c CapabilityResolver) Option {
	return func(e *Engine) { e.capabilities = c }
}

// NewEngine builds a Policy Engine over policies, keyed by Policy.Name.
// defaultPolicy must name one of policies, or NewEngine returns an error.
func NewEngine(policies []Policy, defaultPolicy string, opts ...Option) (*Engine, error) {
	e := &Engine{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy: unnamed policy")
		}
		e.policies[p.Name] = p
	}
	if _, ok := e.policies[defaultPolicy]; !ok {
		return nil, fmt.Errorf("policy: default policy %q not defined", defaultPolicy)
	}
	e.defaultPolicy = defaultPolicy
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// GetPolicyNames returns every loaded policy's name.
func (e *Engine) GetPolicyNames() []string {
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	return names
}

// GetPolicy returns the named policy.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	p, ok := e.policies[name]
	if !ok {
		return Policy{}, &ErrPolicyNotFound{Name: name}
	}
	return p, nil
}

// GetDefaultPolicyName returns the policy used when an issue names none.
func (e *Engine) GetDefaultPolicyName() string { return e.defaultPolicy }

// GetPhaseSequence returns the ordered phase names of the named policy.
func (e *Engine) GetPhaseSequence(policyName string) ([]string, error) {
	p, err := e.GetPolicy(policyName)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names, nil
}

// GetPhaseConfig returns the named phase's configuration within policyName.
func (e *Engine) GetPhaseConfig(policyName, phase string) (PhaseConfig, error) {
	p, err := e.GetPolicy(policyName)
	if err != nil {
		return PhaseConfig{}, err
	}
	idx := p.PhaseIndex(phase)
	if idx < 0 {
		return PhaseConfig{}, &ErrPhaseNotFound{Policy: policyName, Phase: phase}
	}
	return p.Phases[idx], nil
}

// GetNextPhase returns the phase immediately after currentPhase in
// policyName's sequence, or ("", false) if currentPhase is the last phase.
func (e *Engine) GetNextPhase(policyName, currentPhase string) (string, bool, error) {
	p, err := e.GetPolicy(policyName)
	if err != nil {
		return "", false, err
	}
	idx := p.PhaseIndex(currentPhase)
	if idx < 0 {
		return "", false, &ErrPhaseNotFound{Policy: policyName, Phase: currentPhase}
	}
	if idx+1 >= len(p.Phases) {
		return "", false, nil
	}
	return p.Phases[idx+1].Name, true, nil
}

// CalculateRetryDelay computes the backoff before retry attempt N (1-based)
// under cfg.Strategy, capped at cfg.MaxDelay.
func CalculateRetryDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch cfg.Strategy {
	case RetryLinear:
		delay = cfg.BaseDelay * time.Duration(attempt)
	case RetryExponential:
		delay = time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	case RetryFixed, "":
		delay = cfg.BaseDelay
	default:
		delay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// DecisionInput is the input to DetermineTransition.
type DecisionInput struct {
	RunID         string // the specific Run whose completion is being decided
	IssueID       string // the issue the Run belongs to; visit/transition counts accumulate per issue, across retries
	PolicyName    string
	CurrentPhase  string
	Outcome       Outcome
	RequestedJump string // jump_back target, when the phase itself requests one
	DynamicAgent  string // capability name, when the phase requests a dynamic_decision
	HITLReason    string
}

var (
	alphanumericRe             = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	alphanumericDashUnderscore = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// ValidateHITLReason checks reason against rules's predefined list and, if
// allowed and unlisted, its custom-validation pattern.
func ValidateHITLReason(rules HITLRuleSet, reason string) error {
	for _, p := range rules.Predefined {
		if p == reason {
			return nil
		}
	}
	if !rules.AllowCustom {
		return fmt.Errorf("policy: HITL reason %q is not predefined and custom reasons are disallowed", reason)
	}
	switch rules.CustomValidation {
	case HITLValidationNone, "":
		return nil
	case HITLValidationAlphanumeric:
		if !alphanumericRe.MatchString(reason) {
			return fmt.Errorf("policy: HITL reason %q is not alphanumeric", reason)
		}
	case HITLValidationAlphanumericDashUnderscore:
		if !alphanumericDashUnderscore.MatchString(reason) {
			return fmt.Errorf("policy: HITL reason %q must start with a letter and contain only letters, digits, - or _", reason)
		}
	default:
		return fmt.Errorf("policy: unknown custom HITL validation %q", rules.CustomValidation)
	}
	return nil
}

// DetermineTransition decides what happens after a phase completes, per the
// seven rules in order:
//  1. unknown policy or phase -> block
//  2. phase requires approval and it hasn't been granted -> block
//  3. outcome failed and retries remain -> retry
//  4. outcome failed and retries exhausted -> block
//  5. loop prevention (max visits / max transitions / oscillation) -> block
//  6. outcome succeeded and a next phase exists -> advance (or jump_back /
//     dynamic_decision if the phase requested one)
//  7. outcome succeeded and no next phase exists -> close
func (e *Engine) DetermineTransition(ctx context.Context, in DecisionInput) (Transition, error) {
	policy, ok := e.policies[in.PolicyName]
	if !ok {
		return Transition{Type: TransitionBlock, Reason: fmt.Sprintf("unknown policy %q", in.PolicyName)}, nil
	}
	idx := policy.PhaseIndex(in.CurrentPhase)
	if idx < 0 {
		return Transition{Type: TransitionBlock, Reason: fmt.Sprintf("unknown phase %q", in.CurrentPhase)}, nil
	}
	phase := policy.Phases[idx]

	if phase.RequireApproval && in.Outcome.RequiresApproval {
		if in.HITLReason != "" {
			if err := ValidateHITLReason(policy.HITL, in.HITLReason); err != nil {
				return Transition{Type: TransitionBlock, Reason: err.Error()}, nil
			}
		}
		return Transition{Type: TransitionBlock, Reason: "awaiting human approval"}, nil
	}

	if !in.Outcome.Success {
		maxAttempts := policy.Retry.MaxAttempts
		if in.Outcome.RetryCount < maxAttempts-1 {
			return Transition{Type: TransitionRetry, NextPhase: in.CurrentPhase, Reason: "retrying failed phase"}, nil
		}
		return Transition{Type: TransitionBlock, Reason: "retry attempts exhausted"}, nil
	}

	if blocked, reason, err := e.checkLoopPrevention(ctx, policy, in); err != nil {
		return Transition{}, err
	} else if blocked {
		return Transition{Type: TransitionBlock, Reason: reason}, nil
	}

	if in.RequestedJump != "" {
		if in.RequestedJump == in.CurrentPhase {
			return Transition{Type: TransitionBlock, Reason: "jump_back target must not be the current phase"}, nil
		}
		if !policy.HasPhase(in.RequestedJump) {
			return Transition{Type: TransitionBlock, Reason: fmt.Sprintf("jump_back target %q does not exist", in.RequestedJump)}, nil
		}
		return Transition{Type: TransitionJumpBack, JumpTargetPhase: in.RequestedJump, Reason: "phase requested jump back"}, nil
	}

	if in.DynamicAgent != "" {
		if e.capabilities == nil || len(e.capabilities.FindByCapabilities([]string{in.DynamicAgent})) == 0 {
			return Transition{Type: TransitionBlock, Reason: fmt.Sprintf("no active provider for capability %q", in.DynamicAgent)}, nil
		}
		return Transition{Type: TransitionDynamicDecision, DynamicAgent: in.DynamicAgent, DecisionConfig: phase.WorkerAssistant, Reason: "phase requested dynamic decision"}, nil
	}

	next, hasNext, err := e.GetNextPhase(in.PolicyName, in.CurrentPhase)
	if err != nil {
		return Transition{}, err
	}
	if hasNext {
		return Transition{Type: TransitionAdvance, NextPhase: next, Reason: "phase succeeded"}, nil
	}
	return Transition{Type: TransitionClose, Reason: "final phase succeeded"}, nil
}

func (e *Engine) checkLoopPrevention(ctx context.Context, policy Policy, in DecisionInput) (bool, string, error) {
	lp := policy.LoopPrevention
	if !lp.Enabled || e.history == nil {
		return false, "", nil
	}

	if lp.MaxVisits > 0 {
		visits, err := e.history.GetPhaseVisitCount(ctx, in.IssueID, in.CurrentPhase)
		if err != nil {
			return false, "", fmt.Errorf("policy: phase visit count: %w", err)
		}
		if visits >= lp.MaxVisits {
			return true, fmt.Sprintf("phase %q visited %d times, at or above max_visits %d", in.CurrentPhase, visits, lp.MaxVisits), nil
		}
	}

	next, hasNext, err := e.GetNextPhase(in.PolicyName, in.CurrentPhase)
	if err == nil && hasNext && lp.MaxTransitions != nil {
		key := in.CurrentPhase + "->" + next
		if limit, ok := lp.MaxTransitions[key]; ok && limit > 0 {
			count, err := e.history.GetTransitionCount(ctx, in.IssueID, in.CurrentPhase, next)
			if err != nil {
				return false, "", fmt.Errorf("policy: transition count: %w", err)
			}
			if count >= limit {
				return true, fmt.Sprintf("transition %s reached its limit of %d", key, limit), nil
			}
		}
	}

	if lp.CycleDetectionLength > 0 {
		// GetDecisionsForIssue spans every Run ever dispatched for this
		// issue, not just the Run in.RunID names: oscillation is a
		// cross-run pattern (spec.md §4.6 rule 5c, "last
		// cycle_detection_length transitions" for the issue), and a
		// single, just-created Run has no decisions of its own yet.
		decisions, err := e.history.GetDecisionsForIssue(ctx, in.IssueID, 0)
		if err != nil {
			return false, "", fmt.Errorf("policy: decisions: %w", err)
		}
		// GetDecisionsForIssue returns newest first; recentPhaseTransitions
		// expects oldest first.
		reverseDecisions(decisions)
		if isOscillating(recentPhaseTransitions(decisions, lp.CycleDetectionLength)) {
			return true, "oscillating transition cycle detected", nil
		}
	}
	return false, "", nil
}

// reverseDecisions reverses decisions in place.
func reverseDecisions(decisions []*runlog.Decision) {
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
}

// recentPhaseTransitions extracts the last n phase_transition decisions'
// "to_phase" metadata, oldest first, in the order they were recorded.
func recentPhaseTransitions(decisions []*runlog.Decision, n int) []string {
	var phases []string
	for _, d := range decisions {
		if d.Type != runlog.DecisionPhaseTransition {
			continue
		}
		to, _ := d.Metadata["to_phase"].(string)
		if to == "" {
			continue
		}
		phases = append(phases, to)
	}
	if len(phases) > n {
		phases = phases[len(phases)-n:]
	}
	return phases
}

// isOscillating reports whether recent (oldest first) is entirely composed
// of an alternating A,B,A,B,... pattern of length >= 4, i.e. the run is
// bouncing between two phases rather than progressing.
func isOscillating(recent []string) bool {
	if len(recent) < 4 {
		return false
	}
	a, b := recent[0], recent[1]
	if a == b {
		return false
	}
	for i, p := range recent {
		want := a
		if i%2 == 1 {
			want = b
		}
		if p != want {
			return false
		}
	}
	return true
}
