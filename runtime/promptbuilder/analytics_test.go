package promptbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/ashep/runtime/promptbuilder"
)

func TestAnalytics_RecordAccumulatesCounters(t *testing.T) {
	t.Parallel()
	a := promptbuilder.NewAnalytics()

	a.Record(&promptbuilder.Response{Action: "advance", Target: "review", Confidence: 0.9})
	a.Record(&promptbuilder.Response{Action: "advance", Target: "review", Confidence: 0.6})
	a.Record(&promptbuilder.Response{Action: "jump", Target: "plan", Confidence: 0.2, RequiresApproval: true})

	snap := a.Snapshot()
	assert.Equal(t, 3, snap.TotalDecisions)
	assert.Equal(t, 2, snap.DecisionsByType["advance"])
	assert.Equal(t, 1, snap.DecisionsByType["jump"])
	assert.Equal(t, 1, snap.ConfidenceDistribution[promptbuilder.ConfidenceHigh])
	assert.Equal(t, 1, snap.ConfidenceDistribution[promptbuilder.ConfidenceMedium])
	assert.Equal(t, 1, snap.ConfidenceDistribution[promptbuilder.ConfidenceLow])
	assert.Equal(t, 2, snap.MostCommonTargets["review"])
	assert.Equal(t, 1, snap.MostCommonTargets["plan"])
	assert.Equal(t, 1.0, snap.ApprovalRateByConfidence[promptbuilder.ConfidenceLow])
	assert.Equal(t, 0.0, snap.ApprovalRateByConfidence[promptbuilder.ConfidenceHigh])
}

func TestAnalytics_FirstWordSplitsOnUnderscore(t *testing.T) {
	t.Parallel()
	a := promptbuilder.NewAnalytics()
	a.Record(&promptbuilder.Response{Action: "advance_to_review", Confidence: 0.5})
	snap := a.Snapshot()
	assert.Equal(t, 1, snap.DecisionsByType["advance"])
}

func TestAnalytics_RecordNilIsNoOp(t *testing.T) {
	t.Parallel()
	a := promptbuilder.NewAnalytics()
	a.Record(nil)
	snap := a.Snapshot()
	assert.Equal(t, 0, snap.TotalDecisions)
}

func TestBucketConfidence_Boundaries(t *testing.T) {
	t.Parallel()
	assert.Equal(t, promptbuilder.ConfidenceHigh, promptbuilder.BucketConfidence(0.8))
	assert.Equal(t, promptbuilder.ConfidenceMedium, promptbuilder.BucketConfidence(0.5))
	assert.Equal(t, promptbuilder.ConfidenceMedium, promptbuilder.BucketConfidence(0.79))
	assert.Equal(t, promptbuilder.ConfidenceLow, promptbuilder.BucketConfidence(0.49))
}
