package promptbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/promptbuilder"
)

func newEngine(t *testing.T) *promptbuilder.Engine {
	t.Helper()
	engine, err := promptbuilder.NewEngine([]promptbuilder.Template{
		{Name: "default", SystemPrompt: "system", UserPromptTemplate: "user"},
		{Name: "review", SystemPrompt: "Review {{plan.title}}", UserPromptTemplate: "{{phase}}"},
	}, "default")
	require.NoError(t, err)
	return engine
}

func TestEngine_GetTemplate(t *testing.T) {
	t.Parallel()
	engine := newEngine(t)
	assert.Equal(t, "review", engine.GetTemplate("review").Name)
	assert.Equal(t, "default", engine.GetTemplate("unknown").Name)
}

func TestEngine_BuildPrompt(t *testing.T) {
	t.Parallel()
	engine := newEngine(t)
	built, err := engine.BuildPrompt("review", map[string]any{
		"plan":  map[string]any{"title": "Checkout redesign"},
		"phase": "implement",
	})
	require.NoError(t, err)
	assert.Equal(t, "Review Checkout redesign", built.SystemPrompt)
	assert.Equal(t, "implement", built.UserPrompt)
}

func TestEngine_ValidateResponse_RecordsAnalytics(t *testing.T) {
	t.Parallel()
	engine := newEngine(t)

	raw := `{"decision": "advance_to_review", "reasoning": "done", "confidence": 0.95}`
	result := engine.ValidateResponse(raw, []string{"review"}, nil)
	require.True(t, result.Valid)

	snap := engine.Analytics().Snapshot()
	assert.Equal(t, 1, snap.TotalDecisions)
	assert.Equal(t, 1, snap.DecisionsByType["advance"])
	assert.Equal(t, 1, snap.ConfidenceDistribution[promptbuilder.ConfidenceHigh])
}

func TestEngine_ValidateResponse_InvalidNotRecorded(t *testing.T) {
	t.Parallel()
	engine := newEngine(t)

	result := engine.ValidateResponse("not json", nil, nil)
	assert.False(t, result.Valid)
	assert.Equal(t, 0, engine.Analytics().Snapshot().TotalDecisions)
}
