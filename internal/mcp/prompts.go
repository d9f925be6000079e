package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-and-watch: start a task and follow it to the end.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-and-watch",
			mcplib.WithPromptDescription("Start a task run and follow it until it finishes"),
			mcplib.WithArgument("key",
				mcplib.ArgumentDescription("Task key to run, for example 555-0100"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunAndWatchPrompt,
	)

	// answer-input: respond to a task that is waiting for input.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("answer-input",
			mcplib.WithPromptDescription("Answer the input request a task is blocked on"),
			mcplib.WithArgument("key",
				mcplib.ArgumentDescription("Key of the waiting task"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAnswerInputPrompt,
	)
}

func (s *Server) handleRunAndWatchPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	key := request.Params.Arguments["key"]
	if key == "" {
		return nil, fmt.Errorf("key argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run task %s and follow its progress", key),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Run the task for key %q and report how it ends.

1. CALL hibiki_run_task with key=%q. new=false means a run was already live
   and you are now following that one.

2. CALL hibiki_task_status with key=%q until the status is "completed" or
   "failed". Summarize new log lines as they appear.

3. If the status becomes "waiting_for_input", read pending_input.prompt and
   ask the user for the answer. Submit it with hibiki_submit_input using
   pending_input.callback. The request times out quickly, so do not delay.

4. When the run ends, report the final status and the failure reason if any.`, key, key, key),
				},
			},
		},
	}, nil
}

func (s *Server) handleAnswerInputPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	key := request.Params.Arguments["key"]
	if key == "" {
		return nil, fmt.Errorf("key argument is required")
	}

	text := fmt.Sprintf("Task %q is not waiting for input right now. Call hibiki_task_status with key=%q to check on it.", key, key)
	if pending, ok := s.gate.Pending(key); ok {
		text = fmt.Sprintf(`Task %q is waiting for input.

Prompt: %s

Ask the user for the answer, then CALL hibiki_submit_input with
callback=%q and the answer as value.`, key, pending.Prompt, pending.Callback)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Answer the pending input of task %s", key),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}
