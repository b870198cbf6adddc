// Package retention implements age/size/count-based cleanup of the Run Log:
// archiving terminal Runs to a secondary store, permanently deleting what the
// configured policy no longer needs to keep, scoring the active store's
// health, and sampling its size to detect growth trends.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goa.design/ashep/runtime/runlog"
	"goa.design/ashep/runtime/telemetry"
)

type (
	// HealthState is the graded outcome of a HealthCheck.
	HealthState string

	// SizeTrend classifies the direction of the sampled-size history.
	SizeTrend string

	// Policy names one named retention configuration. Zero-valued numeric
	// fields are treated as "no limit" for that dimension.
	Policy struct {
		Name               string
		AgeDays            int
		MaxRuns            int
		MaxSizeMB          int
		ArchiveEnabled     bool
		ArchiveAfterDays   int
		DeleteAfterDays    int
		KeepSuccessfulRuns bool
		KeepFailedRuns     bool
	}

	// ArchivedRecord is a Run (or Decision) retired from the active store.
	ArchivedRecord struct {
		Kind          string
		Run           runlog.Run
		ArchiveReason string
		ArchivedAt    time.Time
	}

	// HealthCheck is one probe's result. Database Integrity, Query
	// Functionality, Archive Accessibility, Archive Consistency, Index
	// Health, and the optional Vacuum Optimization probe all report through
	// this shape; overall health is the worst state across all of them.
	HealthCheck struct {
		Name    string
		Passed  bool
		State   HealthState
		Message string
	}

	// SizeSample is one point in the size-monitoring history.
	SizeSample struct {
		TakenAt  time.Time
		Bytes    int64
		RunCount int
	}

	// CleanupMetric summarizes one cleanup pass.
	CleanupMetric struct {
		PolicyName string
		Archived   int
		Deleted    int
		StartedAt  time.Time
		Duration   time.Duration
	}

	// ArchiveStore is the secondary, durable store cleanup moves retired
	// records into. It also backs QueryAllRuns's merge with the active
	// runlog.Store.
	ArchiveStore interface {
		Archive(ctx context.Context, rec ArchivedRecord) error
		QueryArchived(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error)
		Ping(ctx context.Context) error
	}

	sizeProbe interface {
		StoreSizeBytes(ctx context.Context) (int64, error)
	}

	// Engine runs the cleanup operations, health checks, and size
	// monitoring spec.md §4.4 names.
	Engine struct {
		store    runlog.Store
		archive  ArchiveStore
		policies map[string]Policy
		log      telemetry.Logger
		metrics  telemetry.Metrics

		now func() time.Time

		historyLimit int
		history      map[string][]SizeSample
	}

	// Option configures an Engine.
	Option func(*Engine)
)

const (
	HealthHealthy  HealthState = "healthy"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"

	TrendIncreasing SizeTrend = "increasing"
	TrendDecreasing SizeTrend = "decreasing"
	TrendStable     SizeTrend = "stable"

	// thresholdWarning/Critical/Emergency are fractions of a policy's
	// MaxSizeMB. RunEmergencyCleanup acts on policies above thresholdWarning
	// and RunCriticalCleanup on those above thresholdCritical;
	// thresholdEmergency is not read by any cleanup pass.
	thresholdWarning   = 0.75
	thresholdCritical  = 0.90
	thresholdEmergency = 0.98

	defaultHistoryLimit = 64
)

// WithTelemetry attaches a logger/metrics set. The default is telemetry.Noop().
func WithTelemetry(set telemetry.Set) Option {
	return func(e *Engine) {
		if set.Logger != nil {
			e.log = set.Logger
		}
		if set.Metrics != nil {
			e.metrics = set.Metrics
		}
	}
}

// WithHistoryLimit bounds the in-memory size-sample ring buffer per policy.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// NewEngine builds a retention Engine over an active store, an optional
// archive store (nil disables archiving; DeleteAfterDays still applies), and
// the named policies it may be asked to run.
func NewEngine(store runlog.Store, archive ArchiveStore, policies []Policy, opts ...Option) *Engine {
	byName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	noop := telemetry.Noop()
	e := &Engine{
		store:        store,
		archive:      archive,
		policies:     byName,
		log:          noop.Logger,
		metrics:      noop.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
		historyLimit: defaultHistoryLimit,
		history:      make(map[string][]SizeSample),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunImmediateCleanup evaluates and applies the named policy once,
// regardless of current size.
func (e *Engine) RunImmediateCleanup(ctx context.Context, policyName string) (CleanupMetric, error) {
	policy, ok := e.policies[policyName]
	if !ok {
		return CleanupMetric{}, fmt.Errorf("unknown retention policy %q", policyName)
	}
	return e.runCleanup(ctx, policy)
}

// RunEmergencyCleanup runs every policy whose sampled size is at or above the
// warning threshold of its MaxSizeMB.
func (e *Engine) RunEmergencyCleanup(ctx context.Context) ([]CleanupMetric, error) {
	return e.runAboveThreshold(ctx, thresholdWarning)
}

// RunCriticalCleanup runs every policy whose sampled size is at or above the
// critical threshold of its MaxSizeMB.
func (e *Engine) RunCriticalCleanup(ctx context.Context) ([]CleanupMetric, error) {
	return e.runAboveThreshold(ctx, thresholdCritical)
}

func (e *Engine) runAboveThreshold(ctx context.Context, pct float64) ([]CleanupMetric, error) {
	var metrics []CleanupMetric
	for name, policy := range e.policies {
		if policy.MaxSizeMB <= 0 {
			continue
		}
		samples := e.history[name]
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]
		limit := float64(policy.MaxSizeMB) * 1024 * 1024
		if float64(latest.Bytes) < limit*pct {
			continue
		}
		m, err := e.runCleanup(ctx, policy)
		if err != nil {
			return metrics, err
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func (e *Engine) runCleanup(ctx context.Context, policy Policy) (CleanupMetric, error) {
	start := e.now()
	metric := CleanupMetric{PolicyName: policy.Name, StartedAt: start}

	runs, err := e.store.QueryRuns(ctx, runlog.RunFilter{})
	if err != nil {
		return metric, fmt.Errorf("query runs for policy %s: %w", policy.Name, err)
	}

	for _, r := range runs {
		if !r.Status.IsTerminal() {
			continue
		}
		ageDays := int(e.now().Sub(r.CreatedAt).Hours() / 24)

		shouldArchive := policy.ArchiveEnabled && policy.ArchiveAfterDays > 0 && ageDays >= policy.ArchiveAfterDays
		if shouldArchive && e.archive != nil {
			if err := e.archive.Archive(ctx, ArchivedRecord{
				Kind: "run", Run: *r, ArchiveReason: fmt.Sprintf("age %dd >= archive_after_days %d", ageDays, policy.ArchiveAfterDays),
				ArchivedAt: e.now(),
			}); err != nil {
				return metric, fmt.Errorf("archive run %s: %w", r.ID, err)
			}
			metric.Archived++
		}

		keep := (policy.KeepSuccessfulRuns && r.Outcome.Success) || (policy.KeepFailedRuns && !r.Outcome.Success)
		shouldDelete := policy.DeleteAfterDays > 0 && ageDays >= policy.DeleteAfterDays && !keep
		if !shouldDelete && policy.MaxRuns > 0 {
			shouldDelete = countRunsNotOlderThan(runs, r) > policy.MaxRuns && !keep
		}
		if shouldDelete {
			if err := e.store.DeleteRun(ctx, r.ID); err != nil {
				return metric, fmt.Errorf("delete run %s: %w", r.ID, err)
			}
			metric.Deleted++
		}
	}

	metric.Duration = e.now().Sub(start)
	e.log.Info(ctx, "retention cleanup completed", "policy", policy.Name, "archived", metric.Archived, "deleted", metric.Deleted)
	e.metrics.IncCounter("retention.cleanup.archived", float64(metric.Archived), "policy", policy.Name)
	e.metrics.IncCounter("retention.cleanup.deleted", float64(metric.Deleted), "policy", policy.Name)
	return metric, nil
}

// countRunsNotOlderThan counts runs created at or after r among all runs,
// letting MaxRuns retention keep only the newest N runs overall.
func countRunsNotOlderThan(all []*runlog.Run, r *runlog.Run) int {
	n := 0
	for _, other := range all {
		if !other.CreatedAt.Before(r.CreatedAt) {
			n++
		}
	}
	return n
}

// QueryAllRuns merges active and archived results, deduplicating on Run id,
// sorted by created_at descending, honoring filter.Limit across the union.
func (e *Engine) QueryAllRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	active, err := e.store.QueryRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}

	var archived []*runlog.Run
	if e.archive != nil {
		archived, err = e.archive.QueryArchived(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("query archived runs: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(active)+len(archived))
	merged := make([]*runlog.Run, 0, len(active)+len(archived))
	for _, r := range active {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range archived {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// HealthChecks runs the six named probes and returns their individual
// results. Vacuum Optimization is skipped (reported as healthy/no-op) unless
// the active store also implements sizeProbe, since not every backend
// supports a compaction estimate.
func (e *Engine) HealthChecks(ctx context.Context) []HealthCheck {
	checks := []HealthCheck{
		e.checkDatabaseIntegrity(ctx),
		e.checkQueryFunctionality(ctx),
		e.checkArchiveAccessibility(ctx),
		e.checkArchiveConsistency(ctx),
		e.checkIndexHealth(ctx),
		e.checkVacuumOptimization(ctx),
	}
	return checks
}

// OverallHealth reduces a HealthChecks result to the worst state present.
func OverallHealth(checks []HealthCheck) HealthState {
	worst := HealthHealthy
	for _, c := range checks {
		switch c.State {
		case HealthCritical:
			return HealthCritical
		case HealthWarning:
			worst = HealthWarning
		}
	}
	return worst
}

func (e *Engine) checkDatabaseIntegrity(ctx context.Context) HealthCheck {
	if pinger, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return HealthCheck{Name: "database_integrity", Passed: false, State: HealthCritical, Message: err.Error()}
		}
	}
	return HealthCheck{Name: "database_integrity", Passed: true, State: HealthHealthy}
}

func (e *Engine) checkQueryFunctionality(ctx context.Context) HealthCheck {
	if _, err := e.store.QueryRuns(ctx, runlog.RunFilter{Limit: 1}); err != nil {
		return HealthCheck{Name: "query_functionality", Passed: false, State: HealthCritical, Message: err.Error()}
	}
	return HealthCheck{Name: "query_functionality", Passed: true, State: HealthHealthy}
}

func (e *Engine) checkArchiveAccessibility(ctx context.Context) HealthCheck {
	if e.archive == nil {
		return HealthCheck{Name: "archive_accessibility", Passed: true, State: HealthHealthy, Message: "no archive store configured"}
	}
	if err := e.archive.Ping(ctx); err != nil {
		return HealthCheck{Name: "archive_accessibility", Passed: false, State: HealthCritical, Message: err.Error()}
	}
	return HealthCheck{Name: "archive_accessibility", Passed: true, State: HealthHealthy}
}

func (e *Engine) checkArchiveConsistency(ctx context.Context) HealthCheck {
	if e.archive == nil {
		return HealthCheck{Name: "archive_consistency", Passed: true, State: HealthHealthy, Message: "no archive store configured"}
	}
	if _, err := e.archive.QueryArchived(ctx, runlog.RunFilter{Limit: 1}); err != nil {
		return HealthCheck{Name: "archive_consistency", Passed: false, State: HealthWarning, Message: err.Error()}
	}
	return HealthCheck{Name: "archive_consistency", Passed: true, State: HealthHealthy}
}

func (e *Engine) checkIndexHealth(ctx context.Context) HealthCheck {
	if _, err := e.store.GetDurationStats(ctx, runlog.RunFilter{Limit: 1}); err != nil {
		return HealthCheck{Name: "index_health", Passed: false, State: HealthWarning, Message: err.Error()}
	}
	return HealthCheck{Name: "index_health", Passed: true, State: HealthHealthy}
}

func (e *Engine) checkVacuumOptimization(ctx context.Context) HealthCheck {
	probe, ok := e.store.(sizeProbe)
	if !ok {
		return HealthCheck{Name: "vacuum_optimization", Passed: true, State: HealthHealthy, Message: "not supported by this backend"}
	}
	if _, err := probe.StoreSizeBytes(ctx); err != nil {
		return HealthCheck{Name: "vacuum_optimization", Passed: false, State: HealthWarning, Message: err.Error()}
	}
	return HealthCheck{Name: "vacuum_optimization", Passed: true, State: HealthHealthy}
}

// SampleSize records one size/run-count observation for policyName's trend
// history, bounded to the Engine's historyLimit.
func (e *Engine) SampleSize(ctx context.Context, policyName string, bytes int64) (SizeSample, error) {
	runs, err := e.store.QueryRuns(ctx, runlog.RunFilter{})
	if err != nil {
		return SizeSample{}, err
	}
	sample := SizeSample{TakenAt: e.now(), Bytes: bytes, RunCount: len(runs)}
	hist := append(e.history[policyName], sample)
	if len(hist) > e.historyLimit {
		hist = hist[len(hist)-e.historyLimit:]
	}
	e.history[policyName] = hist
	return sample, nil
}

// Trend computes a simple linear-regression slope sign over policyName's
// sampled-size history.
func (e *Engine) Trend(policyName string) SizeTrend {
	samples := e.history[policyName]
	if len(samples) < 2 {
		return TrendStable
	}

	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for i, s := range samples {
		x := float64(i)
		y := float64(s.Bytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom

	mean := sumY / n
	if mean == 0 {
		return TrendStable
	}
	relative := slope / mean
	switch {
	case relative > 0.01:
		return TrendIncreasing
	case relative < -0.01:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
