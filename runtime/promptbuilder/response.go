package promptbuilder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type (
	// Response is a validated structured decision parsed from an agent's
	// raw text reply.
	Response struct {
		Decision        string
		Action          string
		Target          string
		Reasoning       string
		Confidence      float64
		Recommendations []string
		RequiresApproval bool
	}

	// Thresholds configures ValidateResponse's confidence handling.
	Thresholds struct {
		// RequireApproval: confidence below this produces a warning.
		RequireApproval float64
		// AutoAdvance: confidence below this demotes the action to require
		// approval.
		AutoAdvance float64
	}

	// ValidationResult is ValidateResponse's output.
	ValidationResult struct {
		Valid    bool
		Errors   []string
		Warnings []string
		Response *Response
	}
)

var codeFenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\n?(.*?)```")

// SanitizeResponse strips markdown code fences, surrounding whitespace,
// escaped quotes, and control characters from a raw agent reply.
func SanitizeResponse(raw string) string {
	s := raw
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = stripControlCharacters(s)
	return strings.TrimSpace(s)
}

func stripControlCharacters(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			sb.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// parseDecision splits a decision string of the form
// "<action>[_to_<target>]" into its action and target.
func parseDecision(decision string) (action, target string, ok bool) {
	if decision == "" {
		return "", "", false
	}
	if idx := strings.Index(decision, "_to_"); idx > 0 {
		action = decision[:idx]
		target = decision[idx+4:]
	} else {
		action = decision
	}
	if !identifierRe.MatchString(action) {
		return "", "", false
	}
	if target != "" && !identifierRe.MatchString(target) {
		return "", "", false
	}
	return action, target, true
}

// ValidateResponse sanitizes raw, parses it as JSON, and validates it
// against the fixed decision-response shape: decision (string matching
// "<action>[_to_<target>]"), reasoning (non-empty), confidence (0..1), and
// an optional recommendations array. jump_to_* and advance_to_* decisions must
// target a name in allowedDestinations. A nil thresholds disables
// confidence-based warnings/demotion.
func ValidateResponse(raw string, allowedDestinations []string, thresholds *Thresholds) ValidationResult {
	result := ValidationResult{Valid: true}

	clean := SanitizeResponse(raw)
	var parsed struct {
		Decision        string   `json:"decision"`
		Reasoning       string   `json:"reasoning"`
		Confidence      float64  `json:"confidence"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("invalid JSON response: %v", err))
		return result
	}

	action, target, ok := parseDecision(parsed.Decision)
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("decision %q does not match <action>[_to_<target>]", parsed.Decision))
	}

	if strings.TrimSpace(parsed.Reasoning) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "reasoning must not be empty")
	}

	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("confidence %v out of range [0,1]", parsed.Confidence))
	}

	// Only the "jump_to_X" / "advance_to_X" forms are required to carry a
	// validated destination; other jump-family actions (e.g. "jump_back")
	// are a distinct action and are exempt.
	needsDestination := ok && (action == "jump" || action == "advance") && strings.Contains(parsed.Decision, "_to_")
	if needsDestination {
		if target == "" || !contains(allowedDestinations, target) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("decision %q targets unknown destination %q", parsed.Decision, target))
		}
	}

	if !result.Valid {
		return result
	}

	resp := &Response{
		Decision:        parsed.Decision,
		Action:          action,
		Target:          target,
		Reasoning:       parsed.Reasoning,
		Confidence:      parsed.Confidence,
		Recommendations: parsed.Recommendations,
	}

	if thresholds != nil {
		if resp.Confidence < thresholds.RequireApproval {
			result.Warnings = append(result.Warnings, fmt.Sprintf("confidence %.2f below require_approval threshold %.2f", resp.Confidence, thresholds.RequireApproval))
		}
		if resp.Confidence < thresholds.AutoAdvance {
			resp.RequiresApproval = true
		}
	}

	result.Response = resp
	return result
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
