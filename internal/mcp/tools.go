package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/registry"
)

// maxTail bounds how many events hibiki_task_status returns.
const maxTail = 200

func (s *Server) registerTools() {
	// hibiki_run_task: start a run, or attach to the live one.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_run_task",
			mcplib.WithDescription(`Start a task run for a key.

If a run for the key is already live, nothing new is started and the
response reports new=false. Follow up with hibiki_task_status to watch it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("key",
				mcplib.Description("Task key, for example a phone number such as 555-0100"),
				mcplib.Required(),
			),
		),
		s.handleRunTask,
	)

	// hibiki_task_status: state plus the newest events of one task.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_task_status",
			mcplib.WithDescription(`Get the state of a task and its most recent events.

The pending_input field is set while the task waits for an answer; pass its
callback to hibiki_submit_input.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("key",
				mcplib.Description("Task key"),
				mcplib.Required(),
			),
			mcplib.WithNumber("tail",
				mcplib.Description("How many of the newest events to include"),
				mcplib.Min(0),
				mcplib.Max(maxTail),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleTaskStatus,
	)

	// hibiki_list_tasks: every task the registry still holds.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_list_tasks",
			mcplib.WithDescription("List every task known to the server, live or recently finished."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional: only tasks in this status"),
				mcplib.Enum(
					string(model.TaskIdle),
					string(model.TaskRunning),
					string(model.TaskWaitingForInput),
					string(model.TaskCompleted),
					string(model.TaskFailed),
				),
			),
		),
		s.handleListTasks,
	)

	// hibiki_submit_input: answer a pending input request.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_submit_input",
			mcplib.WithDescription(`Answer the input request a task is blocked on.

The callback comes from the pending_input of hibiki_task_status. A callback
is single-use; it is rejected once answered or timed out.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("callback",
				mcplib.Description("Callback id of the pending request"),
				mcplib.Required(),
			),
			mcplib.WithString("value",
				mcplib.Description("The answer, for example a one-time code"),
				mcplib.Required(),
			),
		),
		s.handleSubmitInput,
	)
}

func (s *Server) handleRunTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	key := request.GetString("key", "")
	if err := model.ValidateKey(key); err != nil {
		return errorResult(fmt.Sprintf("invalid key: %v", err)), nil
	}

	isNew, err := s.starter.Start(ctx, key)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start task: %v", err)), nil
	}
	s.logger.Info("mcp: run task", "key", key, "new", isNew)

	return jsonResult(map[string]any{
		"key": key,
		"new": isNew,
	})
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	key := request.GetString("key", "")
	if err := model.ValidateKey(key); err != nil {
		return errorResult(fmt.Sprintf("invalid key: %v", err)), nil
	}
	tail := min(max(request.GetInt("tail", 20), 0), maxTail)

	task, err := s.registry.Get(key)
	if errors.Is(err, registry.ErrNotFound) {
		return errorResult("no task for key " + key), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"task":   task.State(),
		"events": eventViews(task.Channel().Tail(tail)),
	})
}

func (s *Server) handleListTasks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	want := model.TaskStatus(request.GetString("status", ""))

	tasks := s.registry.List()
	if want != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []model.TaskState{}
	}

	return jsonResult(map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleSubmitInput(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callback := request.GetString("callback", "")
	value := request.GetString("value", "")
	if callback == "" {
		return errorResult("callback is required"), nil
	}
	if len(value) > model.MaxInputValueLen {
		return errorResult(fmt.Sprintf("value exceeds maximum length of %d bytes", model.MaxInputValueLen)), nil
	}

	if err := s.gate.Resolve(callback, value); err != nil {
		if errors.Is(err, inputgate.ErrNotFound) {
			return errorResult("invalid callback id"), nil
		}
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"success": true})
}

// eventView renders an event with its payload inline instead of as a string.
type eventView struct {
	Seq  uint64          `json:"seq"`
	Kind model.EventKind `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func eventViews(events []model.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{Seq: ev.Seq, Kind: ev.Kind, Data: ev.Data})
	}
	return out
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
