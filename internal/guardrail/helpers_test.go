package guardrail

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/testutil"
)

type fakeClock = testutil.FakeClock

func newFakeClock() *fakeClock { return testutil.NewFakeClock() }

func openTestDB(t *testing.T) *sql.DB { return testutil.OpenDB(t) }

func newTestEnforcer(t *testing.T, db *sql.DB, clock *fakeClock, mutate func(*autonomy.Config)) *Enforcer {
	t.Helper()
	cfg := autonomy.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := Load(context.Background(), db, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return e
}
