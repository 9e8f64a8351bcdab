package policy

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
)

var tracer = stewardotel.Tracer("github.com/dativo-io/steward/internal/policy")

// LoadPolicy reads, schema-checks and parses a policy file.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	pol, err := Parse(content)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("policy.version_tag", pol.VersionTag),
		attribute.Int("policy.rules", len(pol.Rules)),
	)
	return pol, nil
}

// LoadOrDefault is LoadPolicy, except that a missing file yields Default().
func LoadOrDefault(ctx context.Context, path string) (*Policy, error) {
	pol, err := LoadPolicy(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("policy_file_missing_using_defaults")
		return Default(), nil
	}
	return pol, err
}

// Parse validates and decodes policy.yaml content.
func Parse(content []byte) (*Policy, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	applyDefaults(&pol)
	pol.ComputeHash(content)
	return &pol, nil
}
