package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hibiki/internal/model"
)

const (
	activeTasksURI  = "hibiki://tasks/active"
	taskEventsStart = "hibiki://task/"
	taskEventsEnd   = "/events"
)

func (s *Server) registerResources() {
	// hibiki://tasks/active: tasks whose run has not finished.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			activeTasksURI,
			"Active Tasks",
			mcplib.WithResourceDescription("Tasks that are running or waiting for input"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveTasks,
	)

	// hibiki://task/{key}/events: the retained event window of one task.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			taskEventsStart+"{key}"+taskEventsEnd,
			"Task Events",
			mcplib.WithTemplateDescription("Retained events of a single task, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTaskEvents,
	)
}

func (s *Server) handleActiveTasks(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	active := []model.TaskState{}
	for _, t := range s.registry.List() {
		if t.Status.Live() {
			active = append(active, t)
		}
	}

	data, err := json.MarshalIndent(active, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal active tasks: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      activeTasksURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTaskEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	key, ok := keyFromEventsURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid task events URI: %s", uri)
	}

	task, err := s.registry.Get(key)
	if err != nil {
		return nil, fmt.Errorf("mcp: task events: %w", err)
	}
	ch := task.Channel()

	data, err := json.MarshalIndent(map[string]any{
		"key":    key,
		"status": task.Status(),
		"events": eventViews(ch.Tail(ch.Capacity())),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal task events: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func keyFromEventsURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, taskEventsStart)
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, taskEventsEnd)
	if !ok || model.ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}
