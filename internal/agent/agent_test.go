package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterUpsertsAndPreservesRegisteredAt(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestStore(t))

	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil))
	agents, err := svc.GetAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	firstRegisteredAt := agents[0].RegisteredAt

	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil))
	agents, err = svc.GetAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1, "register must upsert, not duplicate")
	require.Equal(t, firstRegisteredAt, agents[0].RegisteredAt)
}

func TestRegisterRequiresAgentID(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestStore(t))

	err := svc.Register(ctx, "", "analyst", nil)
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestGetAgentsOrdersByLastSeenDescending(t *testing.T) {
	ctx := context.Background()
	svc := New(openTestStore(t))

	require.NoError(t, svc.Register(ctx, "a", "analyst", nil))
	require.NoError(t, svc.Register(ctx, "b", "analyst", nil))
	require.NoError(t, svc.Register(ctx, "a", "analyst", nil))

	agents, err := svc.GetAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "a", agents[0].AgentID, "re-registering must bump last_seen to the front")
}
