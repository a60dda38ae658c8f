package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/adamavenir/broker/internal/agent"
	"github.com/adamavenir/broker/internal/message"
	"github.com/adamavenir/broker/internal/sweeper"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/types"
	"github.com/adamavenir/broker/internal/wait"
	"github.com/adamavenir/broker/internal/waiting"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

type toolHandler func(ctx context.Context, raw json.RawMessage) (any, error)

type toolDef struct {
	name        string
	description string
	schema      *jsonschema.Schema
}

// buildToolRegistry binds every RPC tool name to a typed handler closure over
// deps, the same shape the teacher's mcp.AddTool registrations follow, but
// routed through this package's own line-delimited dispatcher instead of the
// SDK's transport.
func buildToolRegistry(deps Deps) map[string]toolHandler {
	return map[string]toolHandler{
		"send":                 handleSend(deps.Messages),
		"read":                 handleRead(deps.Messages),
		"mark_read":            handleMarkRead(deps.Messages),
		"search":               handleSearch(deps.Messages),
		"send_batch":           handleSendBatch(deps.Messages),
		"get_status":           handleGetStatus(deps.Messages),
		"create_task":          handleCreateTask(deps.Tasks),
		"update_task":          handleUpdateTask(deps.Tasks),
		"cancel_task":          handleCancelTask(deps.Tasks),
		"get_tasks":            handleGetTasks(deps.Tasks),
		"get_my_tasks":         handleGetMyTasks(deps.Tasks),
		"get_task_details":     handleGetTaskDetails(deps.Tasks),
		"register_waiting":     handleRegisterWaiting(deps.Waiting),
		"unregister_waiting":   handleUnregisterWaiting(deps.Waiting),
		"heartbeat":            handleHeartbeat(deps.Waiting),
		"report_status":        handleReportStatus(deps.Waiting),
		"get_waiting_agents":   handleGetWaitingAgents(deps.Waiting),
		"wait_for_message":     handleWaitForMessage(deps.Wait),
		"check_offline_agents": handleCheckOfflineAgents(deps.Sweeper),
		"register_agent":       handleRegisterAgent(deps.Agents),
		"get_agents":           handleGetAgents(deps.Agents),
	}
}

func (s *Server) toolDefinitions() []map[string]any {
	defs := []toolDef{
		{"send", "Send a message to the board. Returns the new message id, timestamp, and session id.", schemaFor[sendArgs]()},
		{"read", "Read messages from the board, optionally filtered by unread-only, sender, or session.", schemaFor[readArgs]()},
		{"mark_read", "Mark one or more message ids as read.", schemaFor[markReadArgs]()},
		{"search", "Search message content by keyword, optionally constrained by sender and time range.", schemaFor[searchArgs]()},
		{"send_batch", "Send several messages in one atomic call.", schemaFor[sendBatchArgs]()},
		{"get_status", "Get aggregate board counters: total messages, unread count, latest timestamp.", schemaFor[emptyArgs]()},
		{"create_task", "Create a new task assigned to an agent.", schemaFor[createTaskArgs]()},
		{"update_task", "Partially update a task's status and/or result.", schemaFor[updateTaskArgs]()},
		{"cancel_task", "Cancel a task from any state; idempotent.", schemaFor[cancelTaskArgs]()},
		{"get_tasks", "List tasks, optionally filtered by assignee and status.", schemaFor[getTasksArgs]()},
		{"get_my_tasks", "List tasks assigned to one agent.", schemaFor[getMyTasksArgs]()},
		{"get_task_details", "Fetch one task by id.", schemaFor[getTaskDetailsArgs]()},
		{"register_waiting", "Register or refresh a waiting-agent record.", schemaFor[registerWaitingArgs]()},
		{"unregister_waiting", "Remove a waiting-agent record.", schemaFor[unregisterWaitingArgs]()},
		{"heartbeat", "Refresh an agent's heartbeat, optionally relaying task progress.", schemaFor[heartbeatArgs]()},
		{"report_status", "Report an agent's status, optionally syncing a linked task.", schemaFor[reportStatusArgs]()},
		{"get_waiting_agents", "List waiting-agent records, longest-waiting first.", schemaFor[getWaitingAgentsArgs]()},
		{"wait_for_message", "Block until a matching message arrives or timeout elapses.", schemaFor[waitForMessageArgs]()},
		{"check_offline_agents", "Sweep for agents whose heartbeat has gone stale.", schemaFor[checkOfflineAgentsArgs]()},
		{"register_agent", "Announce agent presence without entering a wait.", schemaFor[registerAgentArgs]()},
		{"get_agents", "List every known agent by last-seen.", schemaFor[emptyArgs]()},
	}

	out := make([]map[string]any, len(defs))
	for i, d := range defs {
		out[i] = map[string]any{
			"name":        d.name,
			"description": d.description,
			"inputSchema": d.schema,
		}
	}
	return out
}

func schemaFor[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("rpc: reflect schema: %v", err))
	}
	return schema
}

func errToRPC(err error) *rpcError {
	switch {
	case errors.Is(err, types.ErrValidation):
		return &rpcError{Code: -32602, Message: err.Error()}
	default:
		return &rpcError{Code: -32603, Message: err.Error()}
	}
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return args, nil
}

type emptyArgs struct{}

// --- message tools ---

type sendArgs struct {
	Content  string         `json:"content" jsonschema:"Message body."`
	Sender   string         `json:"sender" jsonschema:"Identity of the sending agent."`
	Priority string         `json:"priority,omitempty" jsonschema:"One of normal, high, urgent. Defaults to normal."`
	ReplyTo  *string        `json:"reply_to,omitempty" jsonschema:"Id of the message this replies to, advisory only."`
	Session  string         `json:"session,omitempty" jsonschema:"Session tag grouping related messages. Generated if omitted."`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Arbitrary structured metadata stored alongside the message."`
}

func handleSend(svc *message.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[sendArgs](raw)
		if err != nil {
			return nil, err
		}
		res, err := svc.Send(ctx, args.Content, args.Sender, args.Priority, args.ReplyTo, args.Session, args.Metadata)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":    true,
			"id":         res.ID,
			"timestamp":  res.Timestamp,
			"session_id": res.SessionID,
		}, nil
	}
}

type readArgs struct {
	UnreadOnly bool   `json:"unread_only,omitempty" jsonschema:"Only return unread messages."`
	Sender     string `json:"sender,omitempty" jsonschema:"Only return messages from this sender."`
	Session    string `json:"session,omitempty" jsonschema:"Only return messages tagged with this session."`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum number of messages to return."`
}

func handleRead(svc *message.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[readArgs](raw)
		if err != nil {
			return nil, err
		}
		msgs, err := svc.Read(ctx, types.MessageFilters{
			UnreadOnly: args.UnreadOnly,
			Sender:     args.Sender,
			Session:    args.Session,
			Limit:      args.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "messages": msgs}, nil
	}
}

type markReadArgs struct {
	IDs []string `json:"ids" jsonschema:"Message ids to mark read. Unknown ids are silently ignored."`
}

func handleMarkRead(svc *message.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[markReadArgs](raw)
		if err != nil {
			return nil, err
		}
		n, err := svc.MarkRead(ctx, args.IDs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "updated": n}, nil
	}
}

type searchArgs struct {
	Keyword string `json:"keyword" jsonschema:"Substring to search for in message content."`
	Sender  string `json:"sender,omitempty" jsonschema:"Only return messages from this sender."`
	Start   *int64 `json:"start,omitempty" jsonschema:"Only return messages at or after this unix timestamp."`
	End     *int64 `json:"end,omitempty" jsonschema:"Only return messages strictly before this unix timestamp."`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of messages to return."`
}

func handleSearch(svc *message.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[searchArgs](raw)
		if err != nil {
			return nil, err
		}
		msgs, err := svc.Search(ctx, types.SearchFilters{
			Keyword: args.Keyword,
			Sender:  args.Sender,
			Start:   args.Start,
			End:     args.End,
			Limit:   args.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "messages": msgs}, nil
	}
}

type batchItemArgs struct {
	Content  string         `json:"content" jsonschema:"Message body."`
	Sender   string         `json:"sender" jsonschema:"Identity of the sending agent."`
	Priority string         `json:"priority,omitempty" jsonschema:"One of normal, high, urgent. Defaults to normal."`
	ReplyTo  *string        `json:"reply_to,omitempty" jsonschema:"Id of the message this replies to, advisory only."`
	Session  string         `json:"session,omitempty" jsonschema:"Session tag grouping related messages."`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Arbitrary structured metadata stored alongside the message."`
}

type sendBatchArgs struct {
	Messages []batchItemArgs `json:"messages" jsonschema:"Messages to send atomically."`
}

func handleSendBatch(svc *message.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[sendBatchArgs](raw)
		if err != nil {
			return nil, err
		}
		items := make([]message.BatchItem, len(args.Messages))
		for i, m := range args.Messages {
			items[i] = message.BatchItem{
				Content: m.Content, Sender: m.Sender, Priority: m.Priority,
				ReplyTo: m.ReplyTo, Session: m.Session, Metadata: m.Metadata,
			}
		}
		results, err := svc.SendBatch(ctx, items)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "results": results}, nil
	}
}

func handleGetStatus(svc *message.Service) toolHandler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		stats, err := svc.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":         true,
			"total_messages":  stats.TotalMessages,
			"unread_messages": stats.UnreadMessages,
			"latest_message":  stats.LatestMessage,
		}, nil
	}
}

// --- task tools ---

type createTaskArgs struct {
	Title       string `json:"title" jsonschema:"Short task title."`
	Description string `json:"description,omitempty" jsonschema:"Longer task description."`
	AssignedTo  string `json:"assigned_to" jsonschema:"Agent identity this task is assigned to."`
	CreatedBy   string `json:"created_by" jsonschema:"Agent identity that created this task."`
	Priority    string `json:"priority,omitempty" jsonschema:"One of urgent, high, normal, low. Defaults to normal."`
}

func handleCreateTask(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[createTaskArgs](raw)
		if err != nil {
			return nil, err
		}
		id, err := svc.Create(ctx, args.Title, args.Description, args.AssignedTo, args.CreatedBy, args.Priority)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "id": id}, nil
	}
}

type updateTaskArgs struct {
	ID     string  `json:"id" jsonschema:"Task id to update."`
	Status *string `json:"status,omitempty" jsonschema:"New status: pending, running, completed, or failed."`
	Result *string `json:"result,omitempty" jsonschema:"Result payload to attach."`
}

func handleUpdateTask(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[updateTaskArgs](raw)
		if err != nil {
			return nil, err
		}
		updated, err := svc.Update(ctx, args.ID, args.Status, args.Result)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "updated": updated}, nil
	}
}

type cancelTaskArgs struct {
	ID string `json:"id" jsonschema:"Task id to cancel."`
}

func handleCancelTask(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[cancelTaskArgs](raw)
		if err != nil {
			return nil, err
		}
		cancelled, err := svc.Cancel(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "cancelled": cancelled}, nil
	}
}

type getTasksArgs struct {
	AssignedTo string `json:"assigned_to,omitempty" jsonschema:"Only return tasks assigned to this agent."`
	Status     string `json:"status,omitempty" jsonschema:"Only return tasks in this status."`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks to return."`
}

func handleGetTasks(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[getTasksArgs](raw)
		if err != nil {
			return nil, err
		}
		tasks, err := svc.GetTasks(ctx, task.Filters{AssignedTo: args.AssignedTo, Status: args.Status, Limit: args.Limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "tasks": tasks}, nil
	}
}

type getMyTasksArgs struct {
	AgentID string `json:"agent_id" jsonschema:"Agent identity to list tasks for."`
	Status  string `json:"status,omitempty" jsonschema:"Only return tasks in this status."`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks to return."`
}

func handleGetMyTasks(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[getMyTasksArgs](raw)
		if err != nil {
			return nil, err
		}
		tasks, err := svc.GetMyTasks(ctx, args.AgentID, args.Status, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "tasks": tasks}, nil
	}
}

type getTaskDetailsArgs struct {
	ID string `json:"id" jsonschema:"Task id to fetch."`
}

func handleGetTaskDetails(svc *task.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[getTaskDetailsArgs](raw)
		if err != nil {
			return nil, err
		}
		t, err := svc.GetTaskDetails(ctx, args.ID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return map[string]any{"success": false, "error": "task not found"}, nil
			}
			return nil, err
		}
		return map[string]any{"success": true, "task": t}, nil
	}
}

// --- waiting registry tools ---

type registerWaitingArgs struct {
	AgentID      string  `json:"agent_id" jsonschema:"Agent identity to register."`
	AgentType    string  `json:"agent_type" jsonschema:"Free-form category for this agent."`
	Capabilities *string `json:"capabilities,omitempty" jsonschema:"Opaque capability descriptor."`
	Status       string  `json:"status,omitempty" jsonschema:"One of idle, working, waiting. Defaults to idle."`
	TaskID       *string `json:"task_id,omitempty" jsonschema:"Task this agent is currently associated with."`
}

func handleRegisterWaiting(svc *waiting.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[registerWaitingArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := svc.Register(ctx, args.AgentID, args.AgentType, args.Capabilities, args.Status, args.TaskID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}
}

type unregisterWaitingArgs struct {
	AgentID string `json:"agent_id" jsonschema:"Agent identity to unregister."`
}

func handleUnregisterWaiting(svc *waiting.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[unregisterWaitingArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := svc.Unregister(ctx, args.AgentID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}
}

type heartbeatArgs struct {
	AgentID  string  `json:"agent_id" jsonschema:"Agent identity sending the heartbeat."`
	TaskID   *string `json:"task_id,omitempty" jsonschema:"Task to relay progress to, if any."`
	Progress *int    `json:"progress,omitempty" jsonschema:"Progress percentage, 0-100."`
}

func handleHeartbeat(svc *waiting.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[heartbeatArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := svc.Heartbeat(ctx, args.AgentID, args.TaskID, args.Progress); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}
}

type reportStatusArgs struct {
	AgentID  string  `json:"agent_id" jsonschema:"Agent identity reporting status."`
	Status   string  `json:"status" jsonschema:"One of idle, working, waiting."`
	TaskID   *string `json:"task_id,omitempty" jsonschema:"Task to sync status with, if any."`
	Progress *int    `json:"progress,omitempty" jsonschema:"Progress percentage, 0-100."`
}

func handleReportStatus(svc *waiting.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[reportStatusArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := svc.ReportStatus(ctx, args.AgentID, args.Status, args.TaskID, args.Progress); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}
}

type getWaitingAgentsArgs struct {
	AgentType string `json:"agent_type,omitempty" jsonschema:"Only return agents of this type."`
}

func handleGetWaitingAgents(svc *waiting.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[getWaitingAgentsArgs](raw)
		if err != nil {
			return nil, err
		}
		agents, err := svc.GetWaitingAgents(ctx, args.AgentType)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "agents": agents}, nil
	}
}

// --- blocking wait ---

type waitForMessageArgs struct {
	TimeoutSeconds int     `json:"timeout" jsonschema:"Maximum seconds to block before returning a timeout result."`
	ClientID       string  `json:"client_id" jsonschema:"Agent identity entering the wait."`
	Session        string  `json:"session,omitempty" jsonschema:"Only deliver messages tagged with this session."`
	LastSeen       *int64  `json:"last_seen,omitempty" jsonschema:"Only deliver messages strictly newer than this unix timestamp."`
	AgentType      string  `json:"agent_type,omitempty" jsonschema:"Derived from client_id if omitted."`
	Capabilities   *string `json:"capabilities,omitempty" jsonschema:"Opaque capability descriptor."`
	Status         string  `json:"status,omitempty" jsonschema:"One of idle, working, waiting. Defaults to idle."`
	TaskID         *string `json:"task_id,omitempty" jsonschema:"Task this agent is currently associated with."`
	Progress       *int    `json:"progress,omitempty" jsonschema:"Progress to relay to task_id on entry."`
}

func handleWaitForMessage(svc *wait.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[waitForMessageArgs](raw)
		if err != nil {
			return nil, err
		}
		if args.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("%w: timeout must be positive", types.ErrValidation)
		}
		result, err := svc.WaitForMessage(ctx, wait.Request{
			Timeout:      secondsToDuration(args.TimeoutSeconds),
			ClientID:     args.ClientID,
			Session:      args.Session,
			LastSeen:     args.LastSeen,
			AgentType:    args.AgentType,
			Capabilities: args.Capabilities,
			Status:       args.Status,
			TaskID:       args.TaskID,
			Progress:     args.Progress,
		})
		if err != nil {
			return nil, err
		}
		if !result.Hit {
			return map[string]any{
				"success":   false,
				"timeout":   true,
				"wait_time": result.WaitTime.Seconds(),
			}, nil
		}
		return map[string]any{
			"success":   true,
			"message":   result.Message,
			"wait_time": result.WaitTime.Seconds(),
		}, nil
	}
}

// --- sweeper ---

type checkOfflineAgentsArgs struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" jsonschema:"Heartbeat-age threshold in seconds. Defaults to 120."`
}

func handleCheckOfflineAgents(svc *sweeper.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[checkOfflineAgentsArgs](raw)
		if err != nil {
			return nil, err
		}
		timeout := args.TimeoutSeconds
		if timeout <= 0 {
			timeout = 120
		}
		result, err := svc.Sweep(ctx, secondsToDuration(timeout))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":            true,
			"detached_agents":    result.DetachedAgents,
			"reassignable_tasks": result.ReassignableTasks,
		}, nil
	}
}

// --- agent presence ---

type registerAgentArgs struct {
	AgentID      string  `json:"agent_id" jsonschema:"Agent identity to announce."`
	AgentType    string  `json:"agent_type" jsonschema:"Free-form category for this agent."`
	Capabilities *string `json:"capabilities,omitempty" jsonschema:"Opaque capability descriptor."`
}

func handleRegisterAgent(svc *agent.Service) toolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[registerAgentArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := svc.Register(ctx, args.AgentID, args.AgentType, args.Capabilities); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	}
}

func handleGetAgents(svc *agent.Service) toolHandler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		agents, err := svc.GetAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "agents": agents}, nil
	}
}
