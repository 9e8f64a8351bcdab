package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/testutil"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), testutil.OpenDB(t), testutil.TestSigningKey)
	require.NoError(t, err)
	return l
}

func TestNewSigner_KeyForms(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	raw, err := NewSigner(testutil.TestSigningKey)
	require.NoError(t, err)
	hexKey, err := NewSigner("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	assert.Len(t, hexKey.key, 32)

	sig := raw.Sign([]byte("payload"))
	assert.Regexp(t, `^hmac-sha256:[0-9a-f]{64}$`, sig)
	assert.True(t, raw.Verify([]byte("payload"), sig))
	assert.False(t, raw.Verify([]byte("payload!"), sig))
	assert.False(t, hexKey.Verify([]byte("payload"), sig))
}

func TestLedger_WriteGetList(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.WriteOutcome(ctx, Record{
		RunID: "run_1", Tool: "restart_service", Target: "docker.service",
		Inputs: map[string]interface{}{"service": "docker"},
		Status: "executed", Output: "restart docker.service: ok", RecordedAt: base,
	}))
	require.NoError(t, l.WriteOutcome(ctx, Record{
		RunID: "run_2", Tool: "delete_file", Target: "/etc/passwd",
		Status: "blocked", ReasonCode: "policy_blocked", Reason: "blocked by policy",
		RecordedAt: base.Add(time.Minute),
	}))

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "delete_file", all[0].Tool)
	assert.Regexp(t, `^out_`, all[0].ID)
	assert.NotEmpty(t, all[0].Signature)

	byRun, err := l.List(ctx, Filter{RunID: "run_1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "docker", byRun[0].Inputs["service"])

	recent, err := l.List(ctx, Filter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	got, err := l.Get(ctx, all[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "executed", got.Status)

	_, err = l.Get(ctx, "out_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.WriteOutcome(ctx, Record{ID: "out_fixed", RunID: "r", Tool: "restart_service", Status: "failed"}))

	ok, err := l.Verify(ctx, "out_fixed")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.db.ExecContext(ctx,
		`UPDATE outcomes SET record_json = replace(record_json, '"failed"', '"executed"') WHERE id = 'out_fixed'`)
	require.NoError(t, err)

	ok, err = l.Verify(ctx, "out_fixed")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Get(ctx, "out_fixed")
	assert.ErrorIs(t, err, ErrTampered)

	list, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
