package fake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ashep/features/tracker/fake"
	"goa.design/ashep/runtime/tracker"
)

func TestGateway_ListReady_OrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := fake.New(
		&tracker.Issue{ID: "low", Status: tracker.StatusOpen, Priority: 1, CreatedAt: 1},
		&tracker.Issue{ID: "high-old", Status: tracker.StatusOpen, Priority: 5, CreatedAt: 1},
		&tracker.Issue{ID: "high-new", Status: tracker.StatusOpen, Priority: 5, CreatedAt: 2},
		&tracker.Issue{ID: "done", Status: tracker.StatusClosed, Priority: 9, CreatedAt: 0},
	)

	ready, err := g.ListReady(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	require.Equal(t, []string{"high-old", "high-new", "low"}, ids(ready))
}

func TestGateway_PhaseLabel_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := fake.New(&tracker.Issue{ID: "i1", Labels: map[string]struct{}{}})

	phase, ok, err := g.GetCurrentPhase(ctx, "i1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, phase)

	require.NoError(t, g.SetPhaseLabel(ctx, "i1", "design"))
	phase, ok, err = g.GetCurrentPhase(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "design", phase)

	require.NoError(t, g.SetPhaseLabel(ctx, "i1", "implement"))
	phase, _, err = g.GetCurrentPhase(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, "implement", phase, "setting a new phase label must replace the old one, not add a second")

	require.NoError(t, g.ClearPhaseLabels(ctx, "i1"))
	_, ok, err = g.GetCurrentPhase(ctx, "i1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGateway_Close_RemovesFromListReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := fake.New(&tracker.Issue{ID: "i1", Status: tracker.StatusOpen})
	require.NoError(t, g.Close(ctx, "i1"))

	ready, err := g.ListReady(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)

	iss, ok := g.Issue("i1")
	require.True(t, ok)
	require.Equal(t, tracker.StatusClosed, iss.Status)
}

func TestGateway_UnknownIssue_ReturnsProtocolError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := fake.New()
	_, err := g.Get(ctx, "missing")
	require.Error(t, err)

	var protoErr *tracker.ErrProtocol
	require.ErrorAs(t, err, &protoErr)
}

func ids(issues []*tracker.Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.ID
	}
	return out
}
