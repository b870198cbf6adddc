// Package cron schedules the retention engine's cleanup passes on
// robfig/cron, the same scheduling library the rest of the pack reaches for
// recurring background jobs.
package cron

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"goa.design/ashep/runtime/retention"
	"goa.design/ashep/runtime/telemetry"
)

// Scheduler periodically runs retention.Engine cleanup and size-sampling
// passes.
type Scheduler struct {
	cron   *cron.Cron
	engine *retention.Engine
	log    telemetry.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the no-op default logger.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New builds a Scheduler around engine. Callers register jobs with
// ScheduleCleanup/ScheduleSizeChecks/ScheduleHealthCheck, then Start.
func New(engine *retention.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		engine: engine,
		log:    telemetry.Noop().Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleCleanup runs an immediate cleanup of policyName on spec, a
// standard five-field cron expression.
func (s *Scheduler) ScheduleCleanup(spec, policyName string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		metric, err := s.engine.RunImmediateCleanup(ctx, policyName)
		if err != nil {
			s.log.Error(ctx, "scheduled retention cleanup failed", "policy", policyName, "error", err)
			return
		}
		s.log.Info(ctx, "scheduled retention cleanup completed", "policy", policyName,
			"archived", metric.Archived, "deleted", metric.Deleted)
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", policyName, err)
	}
	return nil
}

// ScheduleSizeChecks runs the emergency/critical threshold sweep on spec.
func (s *Scheduler) ScheduleSizeChecks(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if critical, err := s.engine.RunCriticalCleanup(ctx); err != nil {
			s.log.Error(ctx, "critical retention sweep failed", "error", err)
		} else if len(critical) > 0 {
			s.log.Warn(ctx, "critical retention sweep ran", "policies", len(critical))
		}
		if emergency, err := s.engine.RunEmergencyCleanup(ctx); err != nil {
			s.log.Error(ctx, "emergency retention sweep failed", "error", err)
		} else if len(emergency) > 0 {
			s.log.Info(ctx, "emergency retention sweep ran", "policies", len(emergency))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule size checks: %w", err)
	}
	return nil
}

// ScheduleHealthCheck logs the engine's HealthChecks result on spec.
func (s *Scheduler) ScheduleHealthCheck(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		checks := s.engine.HealthChecks(ctx)
		overall := retention.OverallHealth(checks)
		switch overall {
		case retention.HealthCritical:
			s.log.Error(ctx, "retention health critical", "checks", checks)
		case retention.HealthWarning:
			s.log.Warn(ctx, "retention health degraded", "checks", checks)
		default:
			s.log.Debug(ctx, "retention health ok")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
