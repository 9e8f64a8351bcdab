package guardrail

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/autonomy"
)

func TestSafeMode_PauseBlocksLiveAdmission(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(t, openTestDB(t), newFakeClock(), nil)

	r, denial := e.AdmitLive(ctx, Estimate{})
	require.Nil(t, denial)
	r.Settle(ctx, 0, true)

	require.NoError(t, e.SafeMode().Pause(ctx, "disk maintenance", "alice"))
	r, denial = e.AdmitLive(ctx, Estimate{})
	assert.Nil(t, r)
	require.NotNil(t, denial)
	assert.Equal(t, DenialSafeMode, denial.Code)
	assert.Equal(t, "autonomy paused: disk maintenance", denial.Reason)
	assert.Equal(t, 1, e.Budget().Snapshot(ctx).Invocations, "blocked attempts consume no budget")
}

func TestSafeMode_SecondPauseKeepsOriginalReason(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(t, openTestDB(t), newFakeClock(), nil)

	require.NoError(t, e.SafeMode().Pause(ctx, "first", "alice"))
	require.NoError(t, e.SafeMode().Pause(ctx, "second", "bob"))
	st := e.SafeMode().Status()
	assert.Equal(t, "first", st.Reason)
	assert.Equal(t, "alice", st.SetBy)
}

func TestSafeMode_ResumeAuthorization(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(t, openTestDB(t), newFakeClock(), func(c *autonomy.Config) {
		c.SafeMode.AuthorizedResumers = []string{"admin"}
	})
	require.NoError(t, e.SafeMode().Pause(ctx, "incident", "admin"))

	err := e.SafeMode().Resume(ctx, "intern")
	require.ErrorIs(t, err, ErrUnauthorizedResume)
	err = e.SafeMode().Resume(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorizedResume)
	assert.True(t, e.SafeMode().Status().Active)

	require.NoError(t, e.SafeMode().Resume(ctx, "admin"))
	assert.False(t, e.SafeMode().Status().Active)
	_, denial := e.AdmitLive(ctx, Estimate{})
	assert.Nil(t, denial)
}

func TestSafeMode_AnyNamedCallerWithoutResumerList(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(t, openTestDB(t), newFakeClock(), nil)
	require.NoError(t, e.SafeMode().Pause(ctx, "x", "a"))
	require.NoError(t, e.SafeMode().Resume(ctx, "someone"))
	require.NoError(t, e.SafeMode().Resume(ctx, "someone"), "resuming when not paused is a no-op")
}

func TestSafeMode_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := newFakeClock()
	e := newTestEnforcer(t, db, clock, nil)
	require.NoError(t, e.SafeMode().Pause(ctx, "upgrade window", "ops"))

	reloaded := newTestEnforcer(t, db, clock, nil)
	paused, reason := reloaded.SafeMode().Blocked()
	assert.True(t, paused)
	assert.True(t, strings.HasPrefix(reason, PausedPrefix))
	assert.Equal(t, "ops", reloaded.SafeMode().Status().SetBy)
	assert.True(t, reloaded.SafeMode().Status().SetAt.Equal(clock.Now()))
}

func TestSafeMode_SeesPauseFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	clock := newFakeClock()
	server := newTestEnforcer(t, db, clock, nil)
	cli := newTestEnforcer(t, db, clock, nil)

	require.NoError(t, cli.SafeMode().Pause(ctx, "maintenance", "ops"))
	_, denial := server.AdmitLive(ctx, Estimate{})
	require.NotNil(t, denial)
	assert.Equal(t, DenialSafeMode, denial.Code)

	// Closing the second handle must not clobber the shared flag.
	require.NoError(t, server.Flush(ctx))
	require.NoError(t, cli.SafeMode().Resume(ctx, "ops"))
	require.NoError(t, server.Flush(ctx))
	RunSweep(ctx, server)
	assert.False(t, server.SafeMode().Status().Active)
}
