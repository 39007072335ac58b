package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiken/internal/storage"
)

const (
	recentWorkflowsURI = "shiken://workflows/recent"
	workflowURIPrefix  = "shiken://workflows/"
)

func (s *Server) registerResources() {
	// shiken://workflows/recent: the newest workflows in compact form.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentWorkflowsURI,
			"Recent Workflows",
			mcplib.WithResourceDescription("The twenty most recent test-generation workflows"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentWorkflows,
	)

	// shiken://workflows/{id}: one full workflow record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			workflowURIPrefix+"{id}",
			"Workflow",
			mcplib.WithTemplateDescription("Full record of a single workflow, including generated tests and run history"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWorkflowResource,
	)
}

func (s *Server) handleRecentWorkflows(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	wfs, err := s.engine.List(ctx, storage.WorkflowFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workflows: %w", err)
	}
	out := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, compactWorkflow(wf))
	}
	return jsonContents(recentWorkflowsURI, out)
}

func (s *Server) handleWorkflowResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, workflowURIPrefix))
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid workflow URI: %s", uri)
	}
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: workflow %s: %w", id, err)
	}
	return jsonContents(uri, wf)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
