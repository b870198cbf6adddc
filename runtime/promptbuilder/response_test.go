package promptbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/promptbuilder"
)

func TestSanitizeResponse_StripsCodeFenceAndEscapes(t *testing.T) {
	t.Parallel()
	raw := "```json\n{\"decision\": \"advance\", \"reasoning\": \"looks \\\"good\\\"\", \"confidence\": 0.9}\n```"
	clean := promptbuilder.SanitizeResponse(raw)
	assert.Equal(t, `{"decision": "advance", "reasoning": "looks "good"", "confidence": 0.9}`, clean)
}

func TestSanitizeResponse_StripsControlCharsKeepsNewlineAndTab(t *testing.T) {
	t.Parallel()
	raw := "a\x00b\x7fc\nd\te"
	assert.Equal(t, "abc\nd\te", promptbuilder.SanitizeResponse(raw))
}

func validJSON(decision string) string {
	return `{"decision": "` + decision + `", "reasoning": "because", "confidence": 0.75}`
}

func TestValidateResponse_ValidAdvance(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(validJSON("advance_to_review"), []string{"review"}, nil)
	require.True(t, result.Valid)
	require.NotNil(t, result.Response)
	assert.Equal(t, "advance", result.Response.Action)
	assert.Equal(t, "review", result.Response.Target)
}

func TestValidateResponse_JumpBackExemptFromDestination(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(validJSON("jump_back"), nil, nil)
	require.True(t, result.Valid)
	assert.Equal(t, "jump_back", result.Response.Action)
	assert.Empty(t, result.Response.Target)
}

func TestValidateResponse_JumpToUnknownDestinationFails(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(validJSON("jump_to_nowhere"), []string{"plan"}, nil)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestValidateResponse_AdvanceToUnknownDestinationFails(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(validJSON("advance_to_nowhere"), []string{"plan"}, nil)
	assert.False(t, result.Valid)
}

func TestValidateResponse_InvalidJSON(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse("not json", nil, nil)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestValidateResponse_EmptyReasoningFails(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(`{"decision": "advance", "reasoning": "", "confidence": 0.5}`, nil, nil)
	assert.False(t, result.Valid)
}

func TestValidateResponse_ConfidenceOutOfRangeFails(t *testing.T) {
	t.Parallel()
	result := promptbuilder.ValidateResponse(`{"decision": "advance", "reasoning": "x", "confidence": 1.5}`, nil, nil)
	assert.False(t, result.Valid)
}

func TestValidateResponse_LowConfidenceWarnsAboveRequireApproval(t *testing.T) {
	t.Parallel()
	thresholds := &promptbuilder.Thresholds{RequireApproval: 0.8, AutoAdvance: 0.3}
	result := promptbuilder.ValidateResponse(validJSON("advance"), nil, thresholds)
	require.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
	assert.False(t, result.Response.RequiresApproval)
}

func TestValidateResponse_BelowAutoAdvanceRequiresApproval(t *testing.T) {
	t.Parallel()
	thresholds := &promptbuilder.Thresholds{RequireApproval: 0.9, AutoAdvance: 0.8}
	result := promptbuilder.ValidateResponse(validJSON("advance"), nil, thresholds)
	require.True(t, result.Valid)
	assert.True(t, result.Response.RequiresApproval)
}

func TestValidateResponse_RecommendationsPassThrough(t *testing.T) {
	t.Parallel()
	raw := `{"decision": "advance", "reasoning": "x", "confidence": 0.6, "recommendations": ["add tests", "update docs"]}`
	result := promptbuilder.ValidateResponse(raw, nil, nil)
	require.True(t, result.Valid)
	assert.Equal(t, []string{"add tests", "update docs"}, result.Response.Recommendations)
}
