package promptbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/promptbuilder"
)

func buildOne(t *testing.T, systemTmpl, userTmpl string, ctx map[string]any) promptbuilder.BuiltPrompt {
	t.Helper()
	engine, err := promptbuilder.NewEngine([]promptbuilder.Template{
		{Name: "default", SystemPrompt: systemTmpl, UserPromptTemplate: userTmpl},
	}, "default")
	require.NoError(t, err)
	built, err := engine.BuildPrompt("default", ctx)
	require.NoError(t, err)
	return built
}

func TestBuildPrompt_FieldSubstitution(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "You are working on {{plan.title}}.", "Phase: {{phase}}", map[string]any{
		"plan":  map[string]any{"title": "Checkout redesign"},
		"phase": "implement",
	})
	assert.Equal(t, "You are working on Checkout redesign.", built.SystemPrompt)
	assert.Equal(t, "Phase: implement", built.UserPrompt)
}

func TestBuildPrompt_MissingFieldRendersEmpty(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "Hello {{missing.path}}!", "", nil)
	assert.Equal(t, "Hello !", built.SystemPrompt)
}

func TestBuildPrompt_Each(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "", "Files:{{#each files}} {{this}}{{/each}}", map[string]any{
		"files": []any{"a.go", "b.go"},
	})
	assert.Equal(t, "Files: a.go b.go", built.UserPrompt)
}

func TestBuildPrompt_EachPromotesItemFields(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "", "{{#each steps}}[{{name}}]{{/each}}", map[string]any{
		"steps": []any{
			map[string]any{"name": "plan"},
			map[string]any{"name": "implement"},
		},
	})
	assert.Equal(t, "[plan][implement]", built.UserPrompt)
}

func TestBuildPrompt_BlockTruthy(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "", "{{#block approved}}Approved.{{/block}}", map[string]any{
		"approved": true,
	})
	assert.Equal(t, "Approved.", built.UserPrompt)
}

func TestBuildPrompt_BlockFalsySkipped(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "", "before{{#block approved}}Approved.{{/block}}after", map[string]any{
		"approved": false,
	})
	assert.Equal(t, "beforeafter", built.UserPrompt)
}

func TestBuildPrompt_NestedBlockInsideEach(t *testing.T) {
	t.Parallel()
	built := buildOne(t, "", "{{#each issues}}{{#block blocked}}[BLOCKED {{id}}]{{/block}}{{/each}}", map[string]any{
		"issues": []any{
			map[string]any{"id": "1", "blocked": true},
			map[string]any{"id": "2", "blocked": false},
		},
	})
	assert.Equal(t, "[BLOCKED 1]", built.UserPrompt)
}

func TestBuildPrompt_UnknownNameFallsBackToDefault(t *testing.T) {
	t.Parallel()
	engine, err := promptbuilder.NewEngine([]promptbuilder.Template{
		{Name: "default", SystemPrompt: "fallback"},
		{Name: "review", SystemPrompt: "review prompt"},
	}, "default")
	require.NoError(t, err)
	built, err := engine.BuildPrompt("nonexistent", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", built.SystemPrompt)
}

func TestNewEngine_RejectsUnknownFallback(t *testing.T) {
	t.Parallel()
	_, err := promptbuilder.NewEngine([]promptbuilder.Template{{Name: "default"}}, "missing")
	assert.Error(t, err)
}

func TestNewEngine_RejectsUnnamedTemplate(t *testing.T) {
	t.Parallel()
	_, err := promptbuilder.NewEngine([]promptbuilder.Template{{Name: ""}}, "default")
	assert.Error(t, err)
}
