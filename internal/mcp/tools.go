package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiken/internal/ctxutil"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

func (s *Server) registerTools() {
	// shiken_start_workflow: trigger test generation for a change.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_start_workflow",
			mcplib.WithDescription("Start a test-generation workflow for a pull request or a repository branch. Returns immediately with the workflow id; the pipeline runs in the background."),
			mcplib.WithString("pull_request_url", mcplib.Description("GitHub pull request URL")),
			mcplib.WithString("repository", mcplib.Description("owner/name, used with branch when there is no pull request")),
			mcplib.WithString("branch", mcplib.Description("Branch to diff against the base branch")),
			mcplib.WithString("ticket_key", mcplib.Description("Existing tracker issue; the result is filed as its subtask")),
			mcplib.WithString("project_key", mcplib.Description("Tracker project for a new issue")),
			mcplib.WithString("summary", mcplib.Description("Title for the tracker item")),
			mcplib.WithString("model_version", mcplib.Description("Model version recorded with rewards")),
		),
		s.handleStartWorkflow,
	)

	// shiken_get_workflow: one workflow record.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_get_workflow",
			mcplib.WithDescription("Get the status, stage results and rewards of a workflow"),
			mcplib.WithString("workflow_id", mcplib.Description("Workflow UUID"), mcplib.Required()),
			mcplib.WithBoolean("full", mcplib.Description("Include diff, generated code and run history (default false)")),
		),
		s.handleGetWorkflow,
	)

	// shiken_list_workflows: recent workflows.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_list_workflows",
			mcplib.WithDescription("List recent workflows, newest first"),
			mcplib.WithString("status", mcplib.Description("Filter by status"),
				mcplib.Enum(string(model.WorkflowPending), string(model.WorkflowRunning),
					string(model.WorkflowCompleted), string(model.WorkflowFailed))),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return (default 20)")),
		),
		s.handleListWorkflows,
	)

	// shiken_reward_metrics: aggregate training signal.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_reward_metrics",
			mcplib.WithDescription("Aggregate reward metrics over recent scored workflows: cohorts, quality tiers and the 70/20/10 training mixture"),
			mcplib.WithNumber("limit", mcplib.Description("Number of recent scored workflows to include (default 100)")),
		),
		s.handleRewardMetrics,
	)

	// shiken_verify_audit: re-hash a workflow's audit trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_verify_audit",
			mcplib.WithDescription("Verify the integrity hashes of every audit entry of a workflow and return their Merkle root"),
			mcplib.WithString("workflow_id", mcplib.Description("Workflow UUID"), mcplib.Required()),
		),
		s.handleVerifyAudit,
	)
}

func optional(request mcplib.CallToolRequest, key string) *string {
	if v := request.GetString(key, ""); v != "" {
		return &v
	}
	return nil
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !ctxutil.HasRole(ctx, model.RoleOperator) {
		return errorResult("starting workflows requires the operator role"), nil
	}
	in := model.TriggerInput{
		CodeRef: model.CodeRef{
			PullRequestURL: request.GetString("pull_request_url", ""),
			Repository:     request.GetString("repository", ""),
			Branch:         request.GetString("branch", ""),
		},
		TicketKey:    optional(request, "ticket_key"),
		ProjectKey:   optional(request, "project_key"),
		Summary:      optional(request, "summary"),
		ModelVersion: request.GetString("model_version", ""),
		Actor:        "mcp:" + ctxutil.Actor(ctx),
	}
	id, err := s.engine.Start(ctx, in)
	if err != nil {
		return s.toolError("start workflow", err)
	}
	return jsonResult(model.StartWorkflowResponse{WorkflowID: id, Status: model.WorkflowPending})
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("workflow_id", ""))
	if err != nil {
		return errorResult("workflow_id must be a UUID"), nil
	}
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return s.toolError("get workflow", err)
	}
	if request.GetBool("full", false) {
		return jsonResult(wf)
	}
	return jsonResult(compactWorkflow(wf))
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := storage.WorkflowFilter{Limit: clampLimit(request.GetInt("limit", 20))}
	if v := request.GetString("status", ""); v != "" {
		status := model.WorkflowStatus(v)
		f.Status = &status
	}
	wfs, err := s.engine.List(ctx, f)
	if err != nil {
		return s.toolError("list workflows", err)
	}
	out := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, compactWorkflow(wf))
	}
	return jsonResult(map[string]any{"workflows": out, "total": len(out)})
}

func (s *Server) handleRewardMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	m, err := s.engine.Metrics(ctx, clampLimit(request.GetInt("limit", 100)))
	if err != nil {
		return s.toolError("reward metrics", err)
	}
	return jsonResult(m)
}

func (s *Server) handleVerifyAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("workflow_id", ""))
	if err != nil {
		return errorResult("workflow_id must be a UUID"), nil
	}
	v, err := s.engine.VerifyAudit(ctx, id)
	if err != nil {
		return s.toolError("verify audit", err)
	}
	return jsonResult(v)
}

// toolError reports classified failures to the agent and hides the rest.
func (s *Server) toolError(op string, err error) (*mcplib.CallToolResult, error) {
	switch kind := model.KindOf(err); kind {
	case model.KindValidation, model.KindNotFound, model.KindConflict, model.KindIntegrityViolation:
		return errorResult(fmt.Sprintf("%s: %s: %s", op, kind, err.Error())), nil
	default:
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + " failed; see server logs"), nil
	}
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 1000 {
		return 1000
	}
	return n
}
