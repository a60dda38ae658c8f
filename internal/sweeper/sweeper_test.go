package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/types"
	"github.com/adamavenir/broker/internal/waiting"
)

func newTestDeps(t *testing.T) (*Service, *task.Service, *waiting.Service, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tasks := task.New(st)
	return New(st), tasks, waiting.New(st, tasks), st
}

func strPtr(s string) *string { return &s }

func TestSweepMarksStaleAgentsOffline(t *testing.T) {
	ctx := context.Background()
	sw, _, w, st := newTestDeps(t)

	require.NoError(t, w.Register(ctx, "worker", "analyst", nil, types.AgentWaiting, nil))
	err := st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Add(-2*time.Minute).Unix(), "worker")
		return err
	})
	require.NoError(t, err)

	result, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"worker"}, result.DetachedAgents)
	require.Empty(t, result.ReassignableTasks)

	agents, err := w.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.False(t, agents[0].IsOnline)
	require.NotNil(t, agents[0].LastDisconnect)
}

func TestSweepFailsRunningTaskOnAgentDeath(t *testing.T) {
	ctx := context.Background()
	sw, tasks, w, st := newTestDeps(t)

	id, err := tasks.Create(ctx, "task", "", "worker", "iflow", "")
	require.NoError(t, err)
	_, err = tasks.Update(ctx, id, strPtr(types.TaskRunning), nil)
	require.NoError(t, err)

	require.NoError(t, w.Register(ctx, "worker", "analyst", nil, types.AgentWorking, &id))
	err = st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Add(-2*time.Minute).Unix(), "worker")
		return err
	})
	require.NoError(t, err)

	result, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{id}, result.ReassignableTasks)

	details, err := tasks.GetTaskDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, details.Status)
	require.NotNil(t, details.ErrorMessage)
	require.Equal(t, "agent offline", *details.ErrorMessage)
	require.NotNil(t, details.CompletedAt)
}

func TestSweepIgnoresNonRunningLinkedTasks(t *testing.T) {
	ctx := context.Background()
	sw, tasks, w, st := newTestDeps(t)

	id, err := tasks.Create(ctx, "task", "", "worker", "iflow", "")
	require.NoError(t, err)

	require.NoError(t, w.Register(ctx, "worker", "analyst", nil, types.AgentIdle, &id))
	err = st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Add(-2*time.Minute).Unix(), "worker")
		return err
	})
	require.NoError(t, err)

	result, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, result.ReassignableTasks, "a pending task's agent going offline is not itself a failure")

	details, err := tasks.GetTaskDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, details.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sw, _, w, st := newTestDeps(t)

	require.NoError(t, w.Register(ctx, "worker", "analyst", nil, types.AgentWaiting, nil))
	err := st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Add(-2*time.Minute).Unix(), "worker")
		return err
	})
	require.NoError(t, err)

	first, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, first.DetachedAgents, 1)

	second, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, second.DetachedAgents, "an already-offline agent is not detached again")
}

func TestSweepLeavesFreshHeartbeatsAlone(t *testing.T) {
	ctx := context.Background()
	sw, _, w, _ := newTestDeps(t)

	require.NoError(t, w.Register(ctx, "worker", "analyst", nil, types.AgentWaiting, nil))

	result, err := sw.Sweep(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, result.DetachedAgents)

	agents, err := w.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.True(t, agents[0].IsOnline)
}
