package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-workflow: walk an agent through diagnosing a finished run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-workflow",
			mcplib.WithPromptDescription("Diagnose a workflow: failed stage, flaky tests, review findings and reward"),
			mcplib.WithArgument("workflow_id",
				mcplib.ArgumentDescription("UUID of the workflow to triage"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)

	// request-tests: ask for tests on a change.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("request-tests",
			mcplib.WithPromptDescription("Start test generation for a pull request and follow it to completion"),
			mcplib.WithArgument("pull_request_url",
				mcplib.ArgumentDescription("GitHub pull request URL"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRequestTestsPrompt,
	)
}

func (s *Server) handleTriagePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["workflow_id"]
	if id == "" {
		return nil, fmt.Errorf("workflow_id argument is required")
	}
	return userPrompt(
		fmt.Sprintf("Triage workflow %s", id),
		fmt.Sprintf(`Triage Shiken workflow %s.

1. Call shiken_get_workflow with workflow_id %q. If status is "failed", report the stage, error and error_kind.
2. If tests ran, list flaky_tests and compare pass_rate with stability. A low stability with a high pass rate means the suite is flaky, not broken.
3. If a review score exists, summarize the lowest-severity-first findings with shiken_get_workflow full=true.
4. Call shiken_verify_audit for the same id and confirm the trail is intact.

Finish with one paragraph: what went wrong (if anything) and the next action.`, id, id),
	), nil
}

func (s *Server) handleRequestTestsPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	prURL := request.Params.Arguments["pull_request_url"]
	if prURL == "" {
		return nil, fmt.Errorf("pull_request_url argument is required")
	}
	return userPrompt(
		"Generate tests for "+prURL,
		fmt.Sprintf(`Generate tests for %s.

Call shiken_start_workflow with pull_request_url %q and keep the returned workflow_id.
Poll shiken_get_workflow every few seconds until status is "completed" or "failed".
Report the generated file paths, the pass rate, the review score and the tracker ticket.`, prURL, prURL),
	), nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: text,
				},
			},
		},
	}
}
