package cmd

import (
	"context"
	"fmt"

	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
)

// openGovernor loads operator config and opens the governance core. Loops
// are left stopped; one-shot commands only touch the shared database and a
// running "steward serve" picks up their effects.
func openGovernor(ctx context.Context) (*governor.Governor, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	gov, err := governor.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return gov, cfg, nil
}

// withGovernor runs fn against an opened governor and closes it afterwards.
func withGovernor(ctx context.Context, fn func(*governor.Governor, *config.Config) error) error {
	gov, cfg, err := openGovernor(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gov.Close(context.WithoutCancel(ctx)) }()
	return fn(gov, cfg)
}
