package autonomy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/policy"
)

var tracer = stewardotel.Tracer("github.com/dativo-io/steward/internal/autonomy")

const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "steward autonomy.yaml",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
    "unit": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "properties": {
    "confidence": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_auto_execute": {"$ref": "#/definitions/unit"},
        "min_approval_execute": {"$ref": "#/definitions/unit"},
        "block_below": {"$ref": "#/definitions/unit"}
      }
    },
    "budgets": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cpu_percent_max": {"type": "number", "exclusiveMinimum": 0},
        "memory_mb_max": {"type": "number", "exclusiveMinimum": 0},
        "time_minutes_max": {"type": "number", "exclusiveMinimum": 0},
        "frequency_per_hour_max": {"type": "integer", "minimum": 1},
        "window": {"$ref": "#/definitions/duration"}
      }
    },
    "anomalies": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cpu_spike_threshold": {"type": "number", "minimum": 0, "maximum": 100},
        "cpu_sustained_samples": {"type": "integer", "minimum": 1},
        "memory_leak_mb": {"type": "number", "exclusiveMinimum": 0},
        "memory_leak_interval": {"$ref": "#/definitions/duration"},
        "repeated_failures": {"type": "integer", "minimum": 1},
        "failure_lookback": {"$ref": "#/definitions/duration"},
        "error_rate_threshold": {"$ref": "#/definitions/unit"},
        "error_rate_min_samples": {"type": "integer", "minimum": 1},
        "error_rate_window": {"type": "integer", "minimum": 1},
        "retention": {"$ref": "#/definitions/duration"}
      }
    },
    "safe_mode": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "auto_pause_on_anomaly": {"type": "boolean"},
        "authorized_resumers": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "approvals": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"ttl": {"$ref": "#/definitions/duration"}}
    },
    "scheduler": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_base": {"$ref": "#/definitions/duration"},
        "retry_max": {"$ref": "#/definitions/duration"}
      }
    },
    "recovery": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "per_kind_per_hour": {"type": "integer", "minimum": 1},
        "playbooks": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["tool"],
            "additionalProperties": false,
            "properties": {
              "tool": {"type": "string", "minLength": 1},
              "inputs": {"type": "object", "additionalProperties": {"type": "string"}},
              "confidence": {"$ref": "#/definitions/unit"},
              "enabled": {"type": "boolean"}
            }
          }
        }
      }
    }
  }
}`

// Load reads autonomy.yaml, overlaying it on Default(). Sections and fields
// left out of the file keep their defaults; playbooks named in the file
// replace the default playbook for that kind.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := tracer.Start(ctx, "autonomy.load")
	defer span.End()
	span.SetAttributes(attribute.String("autonomy.path", path))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading autonomy file %s: %w", path, err)
	}
	return Parse(content)
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(ctx context.Context, path string) (*Config, error) {
	cfg, err := Load(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("autonomy_file_missing_using_defaults")
		return Default(), nil
	}
	return cfg, err
}

// Parse validates and decodes autonomy.yaml content.
func Parse(content []byte) (*Config, error) {
	if err := policy.ValidateYAML(schema, content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	cfg := Default()
	defaultPlaybooks := cfg.Recovery.Playbooks
	cfg.Recovery.Playbooks = nil
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	merged := make(map[string]Playbook, len(defaultPlaybooks))
	for kind, pb := range defaultPlaybooks {
		merged[kind] = pb
	}
	for kind, pb := range cfg.Recovery.Playbooks {
		merged[kind] = pb
	}
	cfg.Recovery.Playbooks = merged

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
