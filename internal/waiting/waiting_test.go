package waiting

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/types"
)

func newTestServices(t *testing.T) (*Service, *task.Service, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tasks := task.New(st)
	return New(st, tasks), tasks, st
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestRegisterUpsertsByAgentID(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)

	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentIdle, nil))
	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentWaiting, nil))

	agents, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, agents, 1, "register must upsert, not duplicate")
	require.Equal(t, types.AgentWaiting, agents[0].Status)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)

	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentIdle, nil))
	require.NoError(t, svc.Unregister(ctx, "worker"))
	require.NoError(t, svc.Unregister(ctx, "worker"))

	agents, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Empty(t, agents)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newTestServices(t)
	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentIdle, nil))

	// Force an artificially high heartbeat, then confirm a later call with an
	// earlier wall-clock can't roll it back.
	err := st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Unix()+1000, "worker")
		return err
	})
	require.NoError(t, err)

	before, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, before, 1)
	beforeHB := before[0].Heartbeat

	require.NoError(t, svc.Heartbeat(ctx, "worker", nil, nil))

	after, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, after[0].Heartbeat, beforeHB)
}

func TestHeartbeatRelaysTaskProgress(t *testing.T) {
	ctx := context.Background()
	svc, tasks, _ := newTestServices(t)

	id, err := tasks.Create(ctx, "task", "", "worker", "iflow", "")
	require.NoError(t, err)
	_, err = tasks.Update(ctx, id, strPtr(types.TaskRunning), nil)
	require.NoError(t, err)

	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentWorking, &id))
	require.NoError(t, svc.Heartbeat(ctx, "worker", &id, intPtr(42)))

	details, err := tasks.GetTaskDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 42, details.Progress)
}

func TestReportStatusSyncsLinkedTask(t *testing.T) {
	ctx := context.Background()
	svc, tasks, _ := newTestServices(t)

	id, err := tasks.Create(ctx, "task", "", "worker", "iflow", "")
	require.NoError(t, err)
	require.NoError(t, svc.Register(ctx, "worker", "analyst", nil, types.AgentIdle, &id))

	require.NoError(t, svc.ReportStatus(ctx, "worker", types.AgentWorking, &id, intPtr(10)))
	details, err := tasks.GetTaskDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, details.Status)
	require.Equal(t, 10, details.Progress)

	require.NoError(t, svc.ReportStatus(ctx, "worker", types.AgentIdle, &id, nil))
	details, err = tasks.GetTaskDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, details.Status)
}

func TestGetWaitingAgentsOrdersByWaitingSinceAscending(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newTestServices(t)

	require.NoError(t, svc.Register(ctx, "first", "analyst", nil, types.AgentIdle, nil))
	require.NoError(t, svc.Register(ctx, "second", "analyst", nil, types.AgentIdle, nil))

	// Force distinct waiting_since values since both registered in the same
	// wall-clock second in a fast test run.
	err := st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET waiting_since = waiting_since - 10 WHERE agent_id = ?", "first")
		return err
	})
	require.NoError(t, err)

	agents, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "first", agents[0].AgentID)
	require.Equal(t, "second", agents[1].AgentID)
}

func TestGetWaitingAgentsDerivesTimeout(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newTestServices(t)

	require.NoError(t, svc.Register(ctx, "stale", "analyst", nil, types.AgentWaiting, nil))
	err := st.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE waiting_agents SET heartbeat = ? WHERE agent_id = ?", time.Now().Add(-2*time.Minute).Unix(), "stale")
		return err
	})
	require.NoError(t, err)

	agents, err := svc.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.True(t, agents[0].IsTimeout)
}

func TestGetWaitingAgentsFiltersByAgentType(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)

	require.NoError(t, svc.Register(ctx, "a", "analyst", nil, types.AgentIdle, nil))
	require.NoError(t, svc.Register(ctx, "b", "researcher", nil, types.AgentIdle, nil))

	agents, err := svc.GetWaitingAgents(ctx, "researcher")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "b", agents[0].AgentID)
}
