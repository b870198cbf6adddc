package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// policiesSchemaJSON is the JSON Schema policies.yaml must validate against
// before it is decoded into Policy values. Kept narrow: it only pins down
// the shape LoadDocument relies on, not every optional field's semantics.
const policiesSchemaJSON = `{
  "type": "object",
  "required": ["default_policy", "policies"],
  "properties": {
    "default_policy": {"type": "string", "minLength": 1},
    "policies": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["phases"],
        "properties": {
          "phases": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "required_capabilities": {"type": "array", "items": {"type": "string"}},
                "timeout_multiplier": {"type": "number"},
                "require_approval": {"type": "boolean"},
                "max_visits": {"type": "integer"},
                "max_context_tokens": {"type": "integer"},
                "context_window_threshold": {"type": "number"}
              }
            }
          },
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1},
              "strategy": {"type": "string", "enum": ["fixed", "linear", "exponential"]},
              "base_delay_ms": {"type": "integer", "minimum": 0},
              "max_delay_ms": {"type": "integer", "minimum": 0}
            }
          },
          "hitl": {
            "type": "object",
            "properties": {
              "predefined": {"type": "array", "items": {"type": "string"}},
              "allow_custom": {"type": "boolean"},
              "custom_validation": {"type": "string", "enum": ["none", "alphanumeric", "alphanumeric-dash-underscore"]}
            }
          }
        }
      }
    }
  }
}`

type (
	policyDoc struct {
		DefaultPolicy string                  `yaml:"default_policy"`
		Policies      map[string]rawPolicyDoc `yaml:"policies"`
	}

	rawPolicyDoc struct {
		Phases             []rawPhaseDoc           `yaml:"phases"`
		Retry              rawRetryDoc             `yaml:"retry"`
		BaseTimeoutSeconds int                     `yaml:"base_timeout_seconds"`
		StallThresholdSec  int                     `yaml:"stall_threshold_seconds"`
		SharedSession      string                  `yaml:"shared_session"`
		WorkerAssistant    *rawWorkerAssistantDoc  `yaml:"worker_assistant"`
		HITLRequired       bool                    `yaml:"hitl_required"`
		LoopPrevention     rawLoopPreventionDoc    `yaml:"loop_prevention"`
		HITL               rawHITLDoc              `yaml:"hitl"`
	}

	rawPhaseDoc struct {
		Name                   string                 `yaml:"name"`
		Description            string                 `yaml:"description"`
		RequiredCapabilities   []string               `yaml:"required_capabilities"`
		TimeoutMultiplier      float64                `yaml:"timeout_multiplier"`
		RequireApproval        bool                   `yaml:"require_approval"`
		CustomPrompt           string                 `yaml:"custom_prompt"`
		ReuseSessionFromPhase  string                 `yaml:"reuse_session_from_phase"`
		ContextWindowThreshold float64                `yaml:"context_window_threshold"`
		MaxContextTokens       int                    `yaml:"max_context_tokens"`
		MaxVisits              int                    `yaml:"max_visits"`
		WorkerAssistant        *rawWorkerAssistantDoc `yaml:"worker_assistant"`
	}

	rawRetryDoc struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Strategy    string `yaml:"strategy"`
		BaseDelayMS int64  `yaml:"base_delay_ms"`
		MaxDelayMS  int64  `yaml:"max_delay_ms"`
	}

	rawLoopPreventionDoc struct {
		Enabled              bool             `yaml:"enabled"`
		MaxVisits            int              `yaml:"max_visits"`
		MaxTransitions       map[string]int   `yaml:"max_transitions"`
		CycleDetectionLength int              `yaml:"cycle_detection_length"`
	}

	rawHITLDoc struct {
		Predefined       []string `yaml:"predefined"`
		AllowCustom      bool     `yaml:"allow_custom"`
		CustomValidation string   `yaml:"custom_validation"`
	}

	rawWorkerAssistantDoc struct {
		Capability string `yaml:"capability"`
		Template   string `yaml:"template"`
	}
)

// LoadDocument parses policies.yaml content, validates it against
// policiesSchemaJSON, and decodes it into Policies plus the name of the
// default policy. It rejects the document wholesale on the first error:
// policies are loaded as a unit, never partially.
func LoadDocument(yamlBytes []byte) ([]Policy, string, error) {
	var generic any
	if err := yaml.Unmarshal(yamlBytes, &generic); err != nil {
		return nil, "", fmt.Errorf("policy: parse yaml: %w", err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, "", fmt.Errorf("policy: schema validation: %w", err)
	}

	var doc policyDoc
	if err := yaml.Unmarshal(yamlBytes, &doc); err != nil {
		return nil, "", fmt.Errorf("policy: decode yaml: %w", err)
	}

	policies := make([]Policy, 0, len(doc.Policies))
	for name, raw := range doc.Policies {
		p, err := raw.toPolicy(name)
		if err != nil {
			return nil, "", err
		}
		policies = append(policies, p)
	}
	return policies, doc.DefaultPolicy, nil
}

func validateAgainstSchema(doc any) error {
	// jsonschema validates structures built from encoding/json, not the
	// map[any]any style yaml.v3 can produce for nested maps; round-trip
	// through JSON to normalize key types before validation.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(normalized, &jsonDoc); err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(policiesSchemaJSON), &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("policies.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("policies.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(jsonDoc)
}

func (raw rawPolicyDoc) toPolicy(name string) (Policy, error) {
	if len(raw.Phases) == 0 {
		return Policy{}, fmt.Errorf("policy: %q has no phases", name)
	}
	phases := make([]PhaseConfig, len(raw.Phases))
	for i, rp := range raw.Phases {
		if rp.Name == "" {
			return Policy{}, fmt.Errorf("policy: %q phase %d has no name", name, i)
		}
		mult := rp.TimeoutMultiplier
		if mult == 0 {
			mult = 1.0
		}
		threshold := rp.ContextWindowThreshold
		if threshold == 0 {
			threshold = 0.8
		}
		maxTokens := rp.MaxContextTokens
		if maxTokens == 0 {
			maxTokens = 130000
		}
		phases[i] = PhaseConfig{
			Name:                   rp.Name,
			Description:            rp.Description,
			RequiredCapabilities:   rp.RequiredCapabilities,
			TimeoutMultiplier:      mult,
			RequireApproval:        rp.RequireApproval,
			CustomPrompt:           rp.CustomPrompt,
			ReuseSessionFromPhase:  rp.ReuseSessionFromPhase,
			ContextWindowThreshold: threshold,
			MaxContextTokens:       maxTokens,
			MaxVisits:              rp.MaxVisits,
			WorkerAssistant:        rp.WorkerAssistant.toConfig(),
		}
	}

	maxAttempts := raw.Retry.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	strategy := RetryStrategy(raw.Retry.Strategy)
	if strategy == "" {
		strategy = RetryFixed
	}
	baseDelay := time.Duration(raw.Retry.BaseDelayMS) * time.Millisecond
	if baseDelay == 0 {
		baseDelay = 5 * time.Second
	}
	maxDelay := time.Duration(raw.Retry.MaxDelayMS) * time.Millisecond

	baseTimeout := time.Duration(raw.BaseTimeoutSeconds) * time.Second
	if baseTimeout == 0 {
		baseTimeout = 10 * time.Minute
	}
	stallThreshold := time.Duration(raw.StallThresholdSec) * time.Second
	if stallThreshold == 0 {
		stallThreshold = 5 * time.Minute
	}

	return Policy{
		Name:            name,
		Phases:          phases,
		Retry:           RetryConfig{MaxAttempts: maxAttempts, Strategy: strategy, BaseDelay: baseDelay, MaxDelay: maxDelay},
		BaseTimeout:     baseTimeout,
		StallThreshold:  stallThreshold,
		SharedSession:   raw.SharedSession,
		WorkerAssistant: raw.WorkerAssistant.toConfig(),
		HITLRequired:    raw.HITLRequired,
		LoopPrevention: LoopPrevention{
			Enabled:              raw.LoopPrevention.Enabled,
			MaxVisits:            raw.LoopPrevention.MaxVisits,
			MaxTransitions:       raw.LoopPrevention.MaxTransitions,
			CycleDetectionLength: raw.LoopPrevention.CycleDetectionLength,
		},
		HITL: HITLRuleSet{
			Predefined:       raw.HITL.Predefined,
			AllowCustom:      raw.HITL.AllowCustom,
			CustomValidation: CustomHITLValidation(raw.HITL.CustomValidation),
		},
	}, nil
}

func (raw *rawWorkerAssistantDoc) toConfig() *WorkerAssistantConfig {
	if raw == nil {
		return nil
	}
	return &WorkerAssistantConfig{Capability: raw.Capability, Template: raw.Template}
}
