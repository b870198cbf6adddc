package fake_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/ashep/features/tracker/fake"
	"goa.design/ashep/runtime/tracker"
)

// TestSetPhaseLabel_AtMostOnePhaseLabelProperty checks the invariant that an
// Issue carries at most one ashep-phase:* label no matter how many times
// SetPhaseLabel is called with arbitrary phase names in sequence.
func TestSetPhaseLabel_AtMostOnePhaseLabelProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated SetPhaseLabel calls leave at most one phase label", prop.ForAll(
		func(phases []string) bool {
			ctx := context.Background()
			gw := fake.New(&tracker.Issue{ID: "i1", Labels: map[string]struct{}{}})

			for _, p := range phases {
				if p == "" {
					continue
				}
				if err := gw.SetPhaseLabel(ctx, "i1", p); err != nil {
					return false
				}
			}

			snapshot, ok := gw.Issue("i1")
			if !ok {
				return false
			}
			count := 0
			for l := range snapshot.Labels {
				if len(l) >= len(tracker.LabelPhasePrefix) && l[:len(tracker.LabelPhasePrefix)] == tracker.LabelPhasePrefix {
					count++
				}
			}
			return count <= 1
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestSetHITLLabel_AtMostOneHITLLabelProperty mirrors the phase-label
// invariant for ashep-hitl:* labels.
func TestSetHITLLabel_AtMostOneHITLLabelProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated SetHITLLabel calls leave at most one HITL label", prop.ForAll(
		func(reasons []string) bool {
			ctx := context.Background()
			gw := fake.New(&tracker.Issue{ID: "i1", Labels: map[string]struct{}{}})

			for _, r := range reasons {
				if r == "" {
					continue
				}
				if err := gw.SetHITLLabel(ctx, "i1", r); err != nil {
					return false
				}
			}

			snapshot, ok := gw.Issue("i1")
			if !ok {
				return false
			}
			count := 0
			for l := range snapshot.Labels {
				if len(l) >= len(tracker.LabelHITLPrefix) && l[:len(tracker.LabelHITLPrefix)] == tracker.LabelHITLPrefix {
					count++
				}
			}
			return count <= 1
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
