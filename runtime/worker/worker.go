// Package worker is the Worker Engine: the single-process scheduler that
// polls the Issue Tracker for ready work and dispatches each ready Issue's
// current phase to a coding agent, consulting the Policy Engine for what
// happens next.
package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/messenger"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/promptbuilder"
	"goa.design/ashep/runtime/registry"
	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/telemetry"
	"goa.design/ashep/runtime/tracker"
)

type (
	// AgentSelector is the narrow slice of *registry.Registry the Worker
	// Engine depends on: resolving a phase's required capabilities to an
	// agent to dispatch to.
	AgentSelector interface {
		SelectAgent(ctx context.Context, sel registry.Selection) (*registry.Agent, bool)
	}

	// MessageSender is the narrow slice of *messenger.Engine the Worker
	// Engine depends on: delivering PhaseMessages on transition.
	MessageSender interface {
		SendMessage(ctx context.Context, msg messenger.Message) (*messenger.Message, error)
	}

	// PromptEngine is the narrow slice of *promptbuilder.Engine the Worker
	// Engine depends on: building prompts and validating decision-capable
	// agents' structured replies.
	PromptEngine interface {
		BuildPrompt(name string, context map[string]any) (promptbuilder.BuiltPrompt, error)
		RenderString(tmpl string, context map[string]any) (string, error)
		ValidateResponse(raw string, allowedDestinations []string, thresholds *promptbuilder.Thresholds) promptbuilder.ValidationResult
	}

	// PolicyDecider is the narrow slice of *policy.Engine the Worker Engine
	// depends on.
	PolicyDecider interface {
		GetPolicy(name string) (policy.Policy, error)
		GetDefaultPolicyName() string
		GetPhaseConfig(policyName, phase string) (policy.PhaseConfig, error)
		GetNextPhase(policyName, currentPhase string) (string, bool, error)
		DetermineTransition(ctx context.Context, in policy.DecisionInput) (policy.Transition, error)
	}

	// WorkerAssistantSettings is the ambient worker_assistant.* config
	// block (config.yaml), shared by every policy unless overridden at the
	// policy or phase level.
	WorkerAssistantSettings struct {
		Enabled         bool
		AgentCapability string
		Timeout         time.Duration
		FallbackAction  policy.TransitionType // advance | retry | block
	}

	// Config holds the Worker Engine's tunables, sourced from config.yaml's
	// worker.* block.
	Config struct {
		PollInterval      time.Duration
		MaxConcurrentRuns int64
		FallbackEnabled   bool
		WorkerAssistant   WorkerAssistantSettings
	}

	// Result is what a single processIssue dispatch produces, returned
	// through a Future.
	Result struct {
		IssueID    string
		Phase      string
		Transition policy.Transition
	}

	// Engine is the Worker Engine. Shutdown is driven entirely by the
	// context passed to Run: cancelling it stops the poll loop from
	// scheduling new work, and DispatchScope.TryGo's in-flight goroutines
	// hold their slot until processIssue returns, which bounds the grace
	// window to the slowest in-flight agent call.
	Engine struct {
		tracker  tracker.Gateway
		gateway  agentgateway.Gateway
		selector AgentSelector
		runs     runlog.Store
		policies PolicyDecider
		prompts  PromptEngine
		messages MessageSender
		lock     dispatchLock
		scope    *DispatchScope
		cfg      Config
		obs      telemetry.Set
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithRedisLock configures the distributed (issueId, phase) dispatch lock
// backed by client. Without this option the Engine falls back to an
// in-process sync.Map guard, which only serializes dispatches within this
// one orchestrator process.
func WithRedisLock(client *redis.Client, ttl time.Duration) Option {
	return func(e *Engine) { e.lock = newRedisDispatchLock(client, ttl) }
}

// WithObservability sets the logger/metrics/tracer set used by the Engine.
func WithObservability(obs telemetry.Set) Option {
	return func(e *Engine) { e.obs = obs }
}

// NewEngine constructs a Worker Engine. trackerGW, gateway, selector, runs,
// policies, prompts, and messages must all be non-nil.
func NewEngine(
	trackerGW tracker.Gateway,
	gateway agentgateway.Gateway,
	selector AgentSelector,
	runs runlog.Store,
	policies PolicyDecider,
	prompts PromptEngine,
	messages MessageSender,
	cfg Config,
	opts ...Option,
) *Engine {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	e := &Engine{
		tracker:  trackerGW,
		gateway:  gateway,
		selector: selector,
		runs:     runs,
		policies: policies,
		prompts:  prompts,
		messages: messages,
		lock:     newMemDispatchLock(),
		scope:    NewDispatchScope(cfg.MaxConcurrentRuns),
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
