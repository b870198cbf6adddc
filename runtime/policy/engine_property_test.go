package policy_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/ashep/runtime/policy"
)

// TestDetermineTransition_RetryBoundaryProperty checks rule 3/4 of
// DetermineTransition against every (retryCount, maxAttempts) pair a real
// dispatch loop can produce: a failed outcome retries exactly while
// retryCount < maxAttempts-1, and blocks from the first retryCount at or
// past that boundary onward.
func TestDetermineTransition_RetryBoundaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("failed outcome retries iff retryCount < maxAttempts-1", prop.ForAll(
		func(maxAttempts, retryCount int) bool {
			eng, err := policy.NewEngine([]policy.Policy{{
				Name:        "p",
				Phases:      []policy.PhaseConfig{{Name: "implement"}},
				Retry:       policy.RetryConfig{MaxAttempts: maxAttempts, Strategy: policy.RetryFixed},
				BaseTimeout: 0,
			}}, "p")
			if err != nil {
				return false
			}

			transition, err := eng.DetermineTransition(context.Background(), policy.DecisionInput{
				IssueID:      "issue",
				PolicyName:   "p",
				CurrentPhase: "implement",
				Outcome:      policy.Outcome{Success: false, RetryCount: retryCount},
			})
			if err != nil {
				return false
			}

			wantRetry := retryCount < maxAttempts-1
			if wantRetry {
				return transition.Type == policy.TransitionRetry && transition.NextPhase == "implement"
			}
			return transition.Type == policy.TransitionBlock
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestDetermineTransition_UnknownPhaseAlwaysBlocksProperty checks rule 1:
// DetermineTransition never produces anything but a block for a phase name
// absent from the policy, regardless of the rest of the DecisionInput.
func TestDetermineTransition_UnknownPhaseAlwaysBlocksProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	eng, err := policy.NewEngine([]policy.Policy{{
		Name:   "p",
		Phases: []policy.PhaseConfig{{Name: "implement"}},
		Retry:  policy.RetryConfig{MaxAttempts: 3},
	}}, "p")
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	properties.Property("an unknown phase name always blocks", prop.ForAll(
		func(phase string, success bool) bool {
			if phase == "implement" {
				return true // not the case under test
			}
			transition, err := eng.DetermineTransition(context.Background(), policy.DecisionInput{
				IssueID:      "issue",
				PolicyName:   "p",
				CurrentPhase: phase,
				Outcome:      policy.Outcome{Success: success},
			})
			return err == nil && transition.Type == policy.TransitionBlock
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
