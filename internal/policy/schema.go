package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "steward policy.yaml",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string"},
    "defaults": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "dry_run": {"type": "boolean"},
        "require_approval": {"type": "boolean"}
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool", "action"],
        "additionalProperties": false,
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "action": {"type": "string", "enum": ["allow", "block"]},
          "require_approval": {"type": "boolean"},
          "dry_run_first": {"type": "boolean"},
          "reason": {"type": "string"},
          "conditions": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "users": {"type": "array", "items": {"type": "string"}},
              "hosts": {"type": "array", "items": {"type": "string"}},
              "hours_allow": {
                "type": "array",
                "items": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]-([01][0-9]|2[0-3]):[0-5][0-9]$"}
              },
              "paths_allow": {"type": "array", "items": {"type": "string"}},
              "paths_deny": {"type": "array", "items": {"type": "string"}},
              "names_allow": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

// ValidateSchema validates policy.yaml bytes against the policy JSON schema.
func ValidateSchema(yamlBytes []byte) error {
	return ValidateYAML(schemaV1, yamlBytes)
}

// ValidateYAML checks a YAML document against a JSON schema. The YAML is
// converted to JSON first because gojsonschema operates on JSON.
func ValidateYAML(schema string, yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msg strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&msg, "- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", msg.String())
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} to map[string]interface{}
// recursively so json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
