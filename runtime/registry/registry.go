// Package registry is the Agent Registry: a catalogue of agents tagged with
// capabilities, used by the Worker Engine to resolve a phase's required
// capabilities to a concrete agent to dispatch to.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/telemetry"
)

type (
	// Agent is a catalogued coding agent: an identifier the Worker Engine
	// dispatches to via agentgateway.Gateway, tagged with the Capabilities
	// it satisfies.
	Agent struct {
		ID           string
		Name         string
		Capabilities map[string]struct{}
		Priority     int
		Constraints  Constraints
		Active       bool
	}

	// Constraints narrow SelectAgent's candidate pool beyond capability
	// matching: performance tier and domain tags.
	Constraints struct {
		PerformanceTier string
		DomainTags      []string
	}

	// Selection is the input to SelectAgent.
	Selection struct {
		RequiredCapabilities []string
		Constraints          *Constraints
	}

	// SyncResult reports what SyncWithGateway changed.
	SyncResult struct {
		Added   int
		Updated int
		Removed int
	}

	// AgentSource loads the initial agent catalogue, e.g. from agents.yaml.
	AgentSource interface {
		LoadAgents(ctx context.Context) ([]Agent, error)
	}

	// Registry is the Agent Registry: a concurrency-safe catalogue of
	// Agents, selectable by capability.
	Registry struct {
		mu       sync.RWMutex
		agents   map[string]*Agent
		fallback string

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		obs     *Observability
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithLogger sets the logger for the registry.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics recorder for the registry.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the tracer for the registry.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithFallback sets the agent ID SelectAgent returns when no active agent
// satisfies the requested capabilities.
func WithFallback(agentID string) Option {
	return func(r *Registry) { r.fallback = agentID }
}

// NewRegistry creates an empty Agent Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{agents: make(map[string]*Agent)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil || r.metrics == nil || r.tracer == nil {
		noop := telemetry.Noop()
		if r.logger == nil {
			r.logger = noop.Logger
		}
		if r.metrics == nil {
			r.metrics = noop.Metrics
		}
		if r.tracer == nil {
			r.tracer = noop.Tracer
		}
	}
	r.obs = NewObservability(r.logger, r.metrics, r.tracer)
	return r
}

// LoadAgents adds the agents source returns to the catalogue, overwriting
// any agent with the same ID. Existing agents not present in the source are
// left untouched; use SyncWithGateway
// to reconcile against a live gateway instead.
func (r *Registry) LoadAgents(ctx context.Context, source AgentSource) error {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpLoadAgents)
	var outcome OperationOutcome
	var opErr error
	defer func() {
		event := OperationEvent{Operation: OpLoadAgents, Duration: time.Since(start), Outcome: outcome}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, opErr)
	}()

	agents, err := source.LoadAgents(ctx)
	if err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("load agents: %w", err)
		return opErr
	}

	r.mu.Lock()
	for _, a := range agents {
		cp := a
		if cp.Capabilities == nil {
			cp.Capabilities = map[string]struct{}{}
		}
		r.agents[cp.ID] = &cp
	}
	r.mu.Unlock()

	outcome = OutcomeSuccess
	return nil
}

// GetAgent returns the agent named id, or (nil, false) if unknown.
func (r *Registry) GetAgent(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// FindByCapabilities returns every active agent whose capability set is a
// superset of required.
func (r *Registry) FindByCapabilities(required []string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if !a.Active {
			continue
		}
		if hasAllCapabilities(a, required) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgents returns every catalogued agent, active and inactive alike,
// sorted by ID. The Validator uses this to report agents the gateway no
// longer knows about; FindByCapabilities deliberately excludes them.
func (r *Registry) ListAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasAllCapabilities(a *Agent, required []string) bool {
	for _, cap := range required {
		if _, ok := a.Capabilities[cap]; !ok {
			return false
		}
	}
	return true
}

func matchesConstraints(a *Agent, c *Constraints) bool {
	if c == nil {
		return true
	}
	if c.PerformanceTier != "" && a.Constraints.PerformanceTier != c.PerformanceTier {
		return false
	}
	for _, tag := range c.DomainTags {
		found := false
		for _, have := range a.Constraints.DomainTags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SelectAgent returns the highest-priority active agent satisfying sel,
// with a deterministic lexicographic-ID tiebreak. If none qualifies and a
// fallback agent is configured, the fallback is returned regardless of its
// capabilities. Returns (nil, false) if neither yields a candidate.
func (r *Registry) SelectAgent(ctx context.Context, sel Selection) (*Agent, bool) {
	start := time.Now()
	_, span := r.obs.StartSpan(ctx, OpSelectAgent, attribute.StringSlice("required_capabilities", sel.RequiredCapabilities))
	var outcome OperationOutcome
	defer func() {
		event := OperationEvent{Operation: OpSelectAgent, Duration: time.Since(start), Outcome: outcome}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, nil)
	}()

	candidates := r.FindByCapabilities(sel.RequiredCapabilities)
	var best *Agent
	for _, a := range candidates {
		if !matchesConstraints(a, sel.Constraints) {
			continue
		}
		if best == nil || a.Priority > best.Priority || (a.Priority == best.Priority && a.ID < best.ID) {
			best = a
		}
	}
	if best != nil {
		outcome = OutcomeSuccess
		return best, true
	}

	if r.fallback != "" {
		if a, ok := r.GetAgent(r.fallback); ok {
			outcome = OutcomeFallback
			return a, true
		}
	}
	outcome = OutcomeError
	return nil, false
}

// SyncWithGateway reconciles the catalogue against gateway.ListKnownAgents:
// agents the gateway reports but the registry doesn't know get added;
// agents the registry has but the gateway no longer reports are marked
// inactive (never erased, preserving their Run Log history).
func (r *Registry) SyncWithGateway(ctx context.Context, gateway agentgateway.Gateway) (SyncResult, error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpSync)
	var outcome OperationOutcome
	var opErr error
	var result SyncResult
	defer func() {
		event := OperationEvent{Operation: OpSync, Duration: time.Since(start), Outcome: outcome, ResultCount: result.Added + result.Updated + result.Removed}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, opErr)
	}()

	known, err := gateway.ListKnownAgents(ctx)
	if err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("list known agents: %w", err)
		return result, opErr
	}

	seen := make(map[string]struct{}, len(known))
	r.mu.Lock()
	for _, k := range known {
		seen[k.ID] = struct{}{}
		if existing, ok := r.agents[k.ID]; ok {
			if !existing.Active {
				existing.Active = true
				result.Updated++
			}
			continue
		}
		r.agents[k.ID] = &Agent{ID: k.ID, Name: k.ID, Capabilities: map[string]struct{}{}, Active: true}
		result.Added++
	}
	for id, a := range r.agents {
		if _, ok := seen[id]; !ok && a.Active {
			a.Active = false
			result.Removed++
		}
	}
	r.mu.Unlock()

	outcome = OutcomeSuccess
	return result, nil
}
