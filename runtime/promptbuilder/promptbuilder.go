// Package promptbuilder is the Decision Prompt Builder: it renders the
// system/user prompt pair sent to an agent for a given capability, and
// parses/validates the structured decision an agent's response carries.
//
// Template rendering is intentionally hand-rolled on the standard library
// (text/scanner, strings.Builder): this is the one component that forbids an
// external templating engine, so only the small, well-specified placeholder
// subset below is supported — see render.go.
package promptbuilder

import "fmt"

type (
	// Template is one named prompt template, selected by capability name.
	Template struct {
		Name                string
		Description         string
		SystemPrompt        string
		UserPromptTemplate  string
	}

	// BuiltPrompt is the rendered system/user prompt pair ready to send to
	// an agent.
	BuiltPrompt struct {
		SystemPrompt string
		UserPrompt   string
	}

	// Engine holds the loaded Templates, keyed by capability name, plus the
	// required fallback used whenever a requested name is missing.
	Engine struct {
		templates map[string]Template
		fallback  string
		analytics *Analytics
	}
)

// NewEngine builds a Decision Prompt Builder over templates, keyed by
// Template.Name. fallbackName must name one of templates.
func NewEngine(templates []Template, fallbackName string) (*Engine, error) {
	e := &Engine{templates: make(map[string]Template, len(templates)), analytics: NewAnalytics()}
	for _, t := range templates {
		if t.Name == "" {
			return nil, fmt.Errorf("promptbuilder: unnamed template")
		}
		e.templates[t.Name] = t
	}
	if _, ok := e.templates[fallbackName]; !ok {
		return nil, fmt.Errorf("promptbuilder: fallback template %q not defined", fallbackName)
	}
	e.fallback = fallbackName
	return e, nil
}

// GetTemplate returns the named template, or the fallback if name is
// unknown.
func (e *Engine) GetTemplate(name string) Template {
	if t, ok := e.templates[name]; ok {
		return t
	}
	return e.templates[e.fallback]
}

// BuildPrompt renders the named template's system and user prompts against
// context, substituting {{path.to.field}} placeholders (including
// {{#each xs}}...{{/each}} iteration and {{#block}}...{{/block}} optional
// sections). Falls back to the fallback template if name is unknown.
func (e *Engine) BuildPrompt(name string, context map[string]any) (BuiltPrompt, error) {
	tmpl := e.GetTemplate(name)
	system, err := render(tmpl.SystemPrompt, context)
	if err != nil {
		return BuiltPrompt{}, fmt.Errorf("promptbuilder: render system prompt for %q: %w", tmpl.Name, err)
	}
	user, err := render(tmpl.UserPromptTemplate, context)
	if err != nil {
		return BuiltPrompt{}, fmt.Errorf("promptbuilder: render user prompt for %q: %w", tmpl.Name, err)
	}
	return BuiltPrompt{SystemPrompt: system, UserPrompt: user}, nil
}

// RenderString renders an ad hoc template string against context, using the
// same {{field}}/{{#each}}/{{#block}} subset as BuildPrompt. It exists for
// callers that carry a one-off prompt outside the registered Template set —
// e.g. a policy phase's custom_prompt override.
func (e *Engine) RenderString(tmpl string, context map[string]any) (string, error) {
	return render(tmpl, context)
}

// Analytics returns the Engine's running decision analytics.
func (e *Engine) Analytics() *Analytics { return e.analytics }

// ValidateResponse sanitizes and validates raw against allowedDestinations
// and thresholds, recording the outcome into the Engine's Analytics when the
// response is valid.
func (e *Engine) ValidateResponse(raw string, allowedDestinations []string, thresholds *Thresholds) ValidationResult {
	result := ValidateResponse(raw, allowedDestinations, thresholds)
	if result.Valid {
		e.analytics.Record(result.Response)
	}
	return result
}
