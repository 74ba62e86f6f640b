package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"memoryx/internal/persistence/databases"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(databases.NewMemoryRelational())
}

func TestProvisionAndAuthenticate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	issued, err := store.Provision(ctx, TierFree)
	require.NoError(t, err)
	require.NotEmpty(t, issued.APIKey)

	owner, err := store.Authenticate(ctx, issued.APIKey)
	require.NoError(t, err)
	require.Equal(t, issued.UserID, owner.UserID)
	require.Equal(t, issued.ProjectID, owner.ProjectID)
}

func TestAuthenticate_UnknownKeyFails(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, err := store.Authenticate(context.Background(), "mx_not-a-real-key")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestChargeSearch_RespectsLimit(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	issued, err := store.Provision(ctx, TierFree)
	require.NoError(t, err)

	_, limit := TierLimits(TierFree)
	var row databases.APIKeyRow
	for i := 0; i < limit; i++ {
		row, err = store.ChargeSearch(ctx, issued.APIKeyID, 1)
		require.NoError(t, err)
	}
	require.Equal(t, limit, row.SearchUsed)
	require.Equal(t, limit, row.SearchLimit)
}

func TestAutoRegister_ReturningDeviceReusesIdentity(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	fp := Fingerprint{MachineFingerprint: "abc123", AgentType: "cli", AgentName: "agent-1", Platform: "linux", PlatformVersion: "6.8"}

	first, err := store.AutoRegister(ctx, fp)
	require.NoError(t, err)
	require.False(t, first.Reused)

	second, err := store.AutoRegister(ctx, fp)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.AgentID, second.AgentID)
	require.Equal(t, first.ProjectID, second.ProjectID)
	require.NotEqual(t, first.APIKey, second.APIKey)
}

func TestAutoRegister_DifferentFingerprintGetsNewIdentity(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	a, err := store.AutoRegister(ctx, Fingerprint{MachineFingerprint: "aaa", Platform: "linux"})
	require.NoError(t, err)
	b, err := store.AutoRegister(ctx, Fingerprint{MachineFingerprint: "bbb", Platform: "linux"})
	require.NoError(t, err)
	require.NotEqual(t, a.ProjectID, b.ProjectID)
}
