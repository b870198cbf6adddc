package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"goa.design/clue/log"

	agentgatewayfake "goa.design/ashep/features/agentgateway/fake"
	"goa.design/ashep/features/agentgateway/plugin"
	messengerinmem "goa.design/ashep/features/messenger/inmem"
	retentioncron "goa.design/ashep/features/retention/cron"
	runlogsql "goa.design/ashep/features/runlog/sql"
	trackerfake "goa.design/ashep/features/tracker/fake"
	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/config"
	"goa.design/ashep/runtime/monitor"
	"goa.design/ashep/runtime/policy"
	"goa.design/ashep/runtime/promptbuilder"
	"goa.design/ashep/runtime/registry"
	"goa.design/ashep/runtime/retention"
	"goa.design/ashep/runtime/telemetry"
	"goa.design/ashep/runtime/validator"
	"goa.design/ashep/runtime/worker"
)

// wireOptions are the composition root's command-line-derived inputs.
type wireOptions struct {
	configDir string
	dataDir   string
	dbDriver  string
	dbDSN     string
	softMode  bool
	agents    []plugin.AgentBinary
}

// app holds every long-lived component the composition root constructed, so
// main can run and shut them down without reaching back into wire's locals.
type app struct {
	cfg         *config.Manager
	store       *runlogsql.Store
	worker      *worker.Engine
	monitor     *monitor.Engine
	cleanup     *retentioncron.Scheduler
	gracePeriod time.Duration
}

// Close releases every resource wire opened. Engines themselves stop via
// context cancellation; Close only closes what owns an OS handle.
func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close run log store"})
		}
	}
}

// wire loads configuration and constructs every engine the composition root
// supervises: Policy Engine, Worker Engine, Monitor Engine, and (if
// retention.enabled) the Cleanup Engine's cron scheduler. It mirrors
// spec.md's component wiring diagram (SPEC_FULL.md §5), choosing the fake
// Tracker Gateway because no real Issue Tracker backend ships in this
// module — the real tracker is an explicit external collaborator (spec.md
// §1) — and either the subprocess Agent Gateway (when -agent-binary is
// given) or its in-memory fake otherwise.
func wire(ctx context.Context, opts wireOptions) (*app, error) {
	obs := telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	cfgMgr, err := config.NewManager(opts.configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	root := cfgMgr.Current()

	reg := registry.NewRegistry(
		registry.WithLogger(obs.Logger),
		registry.WithMetrics(obs.Metrics),
		registry.WithTracer(obs.Tracer),
		registry.WithFallback(root.Config.Fallback.DefaultAgent),
	)
	if err := reg.LoadAgents(ctx, config.NewAgentSource(root)); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	dsn := opts.dbDSN
	if dsn == "" {
		dsn = filepath.Join(opts.dataDir, "runs.db")
	}
	store, err := runlogsql.Open(ctx, runlogsql.Options{
		Driver:        opts.dbDriver,
		DSN:           dsn,
		AppendLogPath: filepath.Join(opts.dataDir, "runs.jsonl"),
	})
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	policies, defaultPolicy, err := root.BuildPolicies()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build policies: %w", err)
	}
	policyEngine, err := policy.NewEngine(policies, defaultPolicy,
		policy.WithHistory(store),
		policy.WithCapabilityResolver(reg),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build policy engine: %w", err)
	}

	enabled, defaultAgent, mappings := root.ValidatorFallback()
	v := validator.NewValidator(policyEngine, reg, validator.Config{
		Fallback: validator.FallbackConfig{Enabled: enabled, DefaultAgent: defaultAgent, Mappings: mappings},
	})
	report, err := v.Validate(ctx, opts.softMode)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("validate: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "validator pass complete"},
		log.KV{K: "policies", V: report.PolicyCount}, log.KV{K: "agents", V: report.AgentCount},
		log.KV{K: "dead_end_capabilities", V: len(report.DeadEndCapabilities)})

	trackerGW := trackerfake.New()

	gateway, err := buildAgentGateway(obs, reg, opts.agents)
	if err != nil {
		store.Close()
		return nil, err
	}

	messages := messengerinmem.New()

	promptEngine, err := defaultPromptEngine()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build prompt engine: %w", err)
	}

	workerCfg := workerEngineConfig(root)
	workerEngine := worker.NewEngine(trackerGW, gateway, reg, store, policyEngine, promptEngine, messages, workerCfg,
		worker.WithObservability(obs))

	monitorCfg := root.MonitorEngineConfig()
	monitorEngine := monitor.NewEngine(store, gateway, trackerGW, policyEngine, messages, monitor.Config{
		PollInterval:      monitorCfg.PollInterval,
		StallThreshold:    monitorCfg.StallThreshold,
		TimeoutMultiplier: monitorCfg.TimeoutMultiplier,
	}, monitor.WithObservability(obs))

	var scheduler *retentioncron.Scheduler
	if root.RetentionEnabled() {
		scheduler, err = buildCleanupScheduler(ctx, root, store, obs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build cleanup scheduler: %w", err)
		}
	}

	return &app{
		cfg:         cfgMgr,
		store:       store,
		worker:      workerEngine,
		monitor:     monitorEngine,
		cleanup:     scheduler,
		gracePeriod: root.ShutdownGracePeriod(),
	}, nil
}

func workerEngineConfig(root *config.Root) worker.Config {
	s := root.WorkerEngineConfig()
	return worker.Config{
		PollInterval:      s.PollInterval,
		MaxConcurrentRuns: s.MaxConcurrentRuns,
		FallbackEnabled:   s.FallbackEnabled,
		WorkerAssistant: worker.WorkerAssistantSettings{
			Enabled:         s.WorkerAssistant.Enabled,
			AgentCapability: s.WorkerAssistant.AgentCapability,
			Timeout:         s.WorkerAssistant.Timeout,
			FallbackAction:  s.WorkerAssistant.FallbackAction,
		},
	}
}

// buildAgentGateway wires the subprocess Agent Gateway when binaries are
// given on the command line, otherwise the deterministic in-memory fake
// seeded from the agent catalogue so ListKnownAgents reflects agents.yaml.
func buildAgentGateway(obs telemetry.Set, reg *registry.Registry, binaries []plugin.AgentBinary) (agentgateway.Gateway, error) {
	if len(binaries) > 0 {
		return plugin.New(binaries, obs.Logger), nil
	}

	known := make([]agentgateway.KnownAgent, 0, len(reg.ListAgents()))
	scripts := make(map[string]agentgatewayfake.Script, len(reg.ListAgents()))
	for _, a := range reg.ListAgents() {
		known = append(known, agentgateway.KnownAgent{ID: a.ID, Type: agentgateway.AgentTypePrimary})
		scripts[a.ID] = agentgatewayfake.Script{
			Events: []agentgateway.Event{{Kind: agentgateway.EventSuccess}},
		}
	}
	return agentgatewayfake.New(scripts, known), nil
}

// defaultPromptEngine builds the Decision Prompt Builder's one built-in
// fallback template. Production deployments are expected to register
// richer per-capability templates via a future config-driven loader; none
// ships today, so NewEngine's required fallback is this literal.
func defaultPromptEngine() (*promptbuilder.Engine, error) {
	const fallback = "default"
	return promptbuilder.NewEngine([]promptbuilder.Template{
		{
			Name:               fallback,
			Description:        "generic phase-completion prompt, used when no capability-specific template is registered",
			SystemPrompt:       "You are an autonomous coding agent working phase {{phase}} of issue {{issue.id}}.",
			UserPromptTemplate: "Issue: {{issue.title}}\n\n{{#block context}}Prior context:\n{{context}}{{/block}}",
		},
	}, fallback)
}

// buildCleanupScheduler wires the Cleanup Engine (C4) onto robfig/cron,
// scheduling one recurring cleanup job per config.yaml retention policy at
// config.yaml's cleanup.schedule_interval_hours, plus the size-check and
// health-check sweeps on the same cadence.
func buildCleanupScheduler(ctx context.Context, root *config.Root, store *runlogsql.Store, obs telemetry.Set) (*retentioncron.Scheduler, error) {
	policies := root.RetentionPolicies()
	engine := retention.NewEngine(store, nil, policies, retention.WithTelemetry(obs))

	spec := fmt.Sprintf("@every %dh", root.CleanupScheduleIntervalHours())
	sched := retentioncron.New(engine, retentioncron.WithLogger(obs.Logger))
	for _, p := range policies {
		if err := sched.ScheduleCleanup(spec, p.Name); err != nil {
			return nil, err
		}
	}
	if err := sched.ScheduleSizeChecks(spec); err != nil {
		return nil, err
	}
	if err := sched.ScheduleHealthCheck(spec); err != nil {
		return nil, err
	}

	if root.CleanupRunOnStartup() {
		for _, p := range policies {
			if _, err := engine.RunImmediateCleanup(ctx, p.Name); err != nil {
				obs.Logger.Warn(ctx, "startup cleanup failed", "policy", p.Name, "error", err)
			}
		}
	}
	return sched, nil
}
