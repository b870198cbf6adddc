package config

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema/config.schema.json schema/policies.schema.json schema/agents.schema.json
var schemaFS embed.FS

// kind discriminates which of the three embedded schemas validate applies.
type kind string

const (
	kindConfig   kind = "config.schema.json"
	kindPolicies kind = "policies.schema.json"
	kindAgents   kind = "agents.schema.json"
)

// compileSchema mirrors registry/service.go's validatePayloadJSONAgainstSchema:
// load the schema document, add it as a compiler resource, and compile it.
func compileSchema(k kind) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schema/" + string(k))
	if err != nil {
		return nil, fmt.Errorf("read embedded schema %s: %w", k, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal embedded schema %s: %w", k, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(string(k), doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", k, err)
	}
	schema, err := c.Compile(string(k))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", k, err)
	}
	return schema, nil
}

// validateYAML parses yamlBytes, round-trips it through encoding/json so the
// decoded tree uses the types jsonschema expects (float64, not yaml.v3's
// native int/uint), validates it against k's compiled schema, and unmarshals
// yamlBytes directly into out using the package's own yaml struct tags.
func validateYAML(yamlBytes []byte, k kind, out any) error {
	var generic any
	if err := yaml.Unmarshal(yamlBytes, &generic); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("normalize yaml to json: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("decode normalized json: %w", err)
	}

	schema, err := compileSchema(k)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if err := yaml.Unmarshal(yamlBytes, out); err != nil {
		return fmt.Errorf("decode yaml into %T: %w", out, err)
	}
	return nil
}
