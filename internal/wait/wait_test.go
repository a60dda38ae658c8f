package wait

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamavenir/broker/internal/message"
	"github.com/adamavenir/broker/internal/retention"
	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/waiting"
)

func newTestDeps(t *testing.T) (*Service, *message.Service, *waiting.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	msgs := message.New(st, retention.Default())
	w := waiting.New(st, task.New(st))
	return New(st, w), msgs, w
}

func TestWaitForMessageHitsImmediatelyWhenMessageAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	svc, msgs, _ := newTestDeps(t)

	_, err := msgs.Send(ctx, "hello worker", "iflow", "normal", nil, "", nil)
	require.NoError(t, err)

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 2 * time.Second, ClientID: "worker"})
	require.NoError(t, err)
	require.True(t, result.Hit)
	require.Equal(t, "hello worker", result.Message.Content)
	require.False(t, result.Message.Read, "wait_for_message must not mark the message read")
}

func TestWaitForMessageExcludesOwnSender(t *testing.T) {
	ctx := context.Background()
	svc, msgs, _ := newTestDeps(t)

	_, err := msgs.Send(ctx, "from self", "worker", "normal", nil, "", nil)
	require.NoError(t, err)

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 300 * time.Millisecond, ClientID: "worker"})
	require.NoError(t, err)
	require.False(t, result.Hit, "a waiter must not receive its own message")
}

func TestWaitForMessageTimesOut(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestDeps(t)

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 200 * time.Millisecond, ClientID: "worker"})
	require.NoError(t, err)
	require.False(t, result.Hit)
	require.Equal(t, 200*time.Millisecond, result.WaitTime)
}

func TestWaitForMessageUnregistersAfterTimeout(t *testing.T) {
	ctx := context.Background()
	svc, _, w := newTestDeps(t)

	_, err := svc.WaitForMessage(ctx, Request{Timeout: 100 * time.Millisecond, ClientID: "worker"})
	require.NoError(t, err)

	agents, err := w.GetWaitingAgents(ctx, "")
	require.NoError(t, err)
	require.Empty(t, agents, "waiting record must be removed after a timeout exit")
}

func TestWaitForMessageFindsMessageSentDuringPoll(t *testing.T) {
	ctx := context.Background()
	svc, msgs, _ := newTestDeps(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = msgs.Send(context.Background(), "delayed reply", "iflow", "normal", nil, "", nil)
	}()

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 2 * time.Second, ClientID: "worker"})
	require.NoError(t, err)
	require.True(t, result.Hit)
	require.Equal(t, "delayed reply", result.Message.Content)
}

func TestWaitForMessageHonorsSessionFilter(t *testing.T) {
	ctx := context.Background()
	svc, msgs, _ := newTestDeps(t)

	_, err := msgs.Send(ctx, "wrong thread", "iflow", "normal", nil, "other-session", nil)
	require.NoError(t, err)
	_, err = msgs.Send(ctx, "right thread", "iflow", "normal", nil, "my-session", nil)
	require.NoError(t, err)

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 500 * time.Millisecond, ClientID: "worker", Session: "my-session"})
	require.NoError(t, err)
	require.True(t, result.Hit)
	require.Equal(t, "right thread", result.Message.Content)
}

func TestWaitForMessageHonorsLastSeen(t *testing.T) {
	ctx := context.Background()
	svc, msgs, _ := newTestDeps(t)

	res, err := msgs.Send(ctx, "old message", "iflow", "normal", nil, "", nil)
	require.NoError(t, err)

	result, err := svc.WaitForMessage(ctx, Request{Timeout: 300 * time.Millisecond, ClientID: "worker", LastSeen: &res.Timestamp})
	require.NoError(t, err)
	require.False(t, result.Hit, "a message at or before last_seen must not be delivered")
}

func TestDeriveAgentType(t *testing.T) {
	cases := map[string]string{
		"qwen3":        "qwen",
		"claude-code1": "claude-code",
		"worker":       "worker",
		"":             "",
	}
	for in, want := range cases {
		require.Equal(t, want, deriveAgentType(in), "input %q", in)
	}
}
