// Package monitor is the Monitor Engine: an independent supervisory loop
// that resumes interrupted Runs on startup, detects stalled and
// wall-clock-timed-out Runs in steady state, and hands every such Run to the
// Policy Engine for a retry/block decision. It never dispatches a phase
// itself; that remains the Worker Engine's job.
package monitor

import (
	"context"
	"time"

	"goa.design/ashep/runtime/messenger"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/telemetry"
)

type (
	// SessionKiller is the narrow slice of agentgateway.Gateway the Monitor
	// Engine depends on: it only ever terminates sessions, never launches
	// or continues them.
	SessionKiller interface {
		Kill(ctx context.Context, sessionID string) error
	}

	// PolicyDecider is the narrow slice of *policy.Engine the Monitor
	// Engine depends on.
	PolicyDecider interface {
		GetPolicy(name string) (policy.Policy, error)
		GetPhaseConfig(policyName, phase string) (policy.PhaseConfig, error)
		DetermineTransition(ctx context.Context, in policy.DecisionInput) (policy.Transition, error)
	}

	// TrackerGateway is the narrow slice of tracker.Gateway the Monitor
	// Engine depends on to apply a transition once the Policy Engine has
	// decided one.
	TrackerGateway interface {
		SetPhaseLabel(ctx context.Context, id, phase string) error
		ClearPhaseLabels(ctx context.Context, id string) error
		SetHITLLabel(ctx context.Context, id, reason string) error
		ClearHITLLabels(ctx context.Context, id string) error
		Close(ctx context.Context, id string) error
	}

	// MessageSender is the narrow slice of *messenger.Engine the Monitor
	// Engine depends on: notifying phases on advance/jump_back, mirroring
	// the Worker Engine's own applyTransition notifications.
	MessageSender interface {
		SendMessage(ctx context.Context, msg messenger.Message) (*messenger.Message, error)
	}

	// Config holds the Monitor Engine's tunables, sourced from
	// config.yaml's monitor.* block. StallThreshold and TimeoutMultiplier
	// are defaults used only when a Policy/PhaseConfig doesn't override
	// them (Policy.StallThreshold, PhaseConfig.TimeoutMultiplier).
	Config struct {
		PollInterval      time.Duration
		StallThreshold    time.Duration
		TimeoutMultiplier float64
	}

	// Engine is the Monitor Engine.
	Engine struct {
		runs     runlog.Store
		gateway  SessionKiller
		tracker  TrackerGateway
		policies PolicyDecider
		messages MessageSender
		cfg      Config
		obs      telemetry.Set
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithObservability sets the logger/metrics/tracer set used by the Engine.
func WithObservability(obs telemetry.Set) Option {
	return func(e *Engine) { e.obs = obs }
}

// NewEngine constructs a Monitor Engine. runs, gateway, trackerGW, and
// policies must all be non-nil; messages may be nil (notifications are then
// skipped, matching the Worker Engine's own nil-messages tolerance).
func NewEngine(
	runs runlog.Store,
	gateway SessionKiller,
	trackerGW TrackerGateway,
	policies PolicyDecider,
	messages MessageSender,
	cfg Config,
	opts ...Option,
) *Engine {
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = 1
	}
	e := &Engine{
		runs:     runs,
		gateway:  gateway,
		tracker:  trackerGW,
		policies: policies,
		messages: messages,
		cfg:      cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.obs.Logger == nil || e.obs.Metrics == nil || e.obs.Tracer == nil {
		e.obs = telemetry.Noop()
	}
	return e
}

// effectiveStallThreshold resolves the stall threshold to apply to run: the
// owning Policy's StallThreshold if set, else the Monitor's own configured
// default.
func (e *Engine) effectiveStallThreshold(pol policy.Policy) time.Duration {
	if pol.StallThreshold > 0 {
		return pol.StallThreshold
	}
	return e.cfg.StallThreshold
}

// effectiveMultiplier resolves the timeout multiplier to apply: the phase's
// own TimeoutMultiplier if set, else the Monitor's configured default.
func (e *Engine) effectiveMultiplier(phaseCfg policy.PhaseConfig) float64 {
	if phaseCfg.TimeoutMultiplier > 0 {
		return phaseCfg.TimeoutMultiplier
	}
	return e.cfg.TimeoutMultiplier
}
