package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/shiken/internal/model"
)

// maxPromptDiff bounds how much of a diff is sent to the model.
const maxPromptDiff = 60_000

const plannerSystemPrompt = `You are a senior test engineer. Given a code diff, propose focused test cases.
Respond with a JSON object: {"cases":[{"name":"...","description":"...","target":"file or symbol"}],"reasoning":"...","confidence":0.0}.
confidence is your self-assessed confidence in the plan, between 0 and 1.`

const generatorSystemPrompt = `You write automated tests. Given a diff and a test plan, write the test files.
Respond with a JSON object: {"framework":"...","files":[{"path":"...","content":"..."}]}.`

// OpenAIConfig configures the LLM-backed collaborators.
type OpenAIConfig struct {
	APIKey string
	// Model defaults to gpt-4o-mini.
	Model string
	// BaseURL overrides the API endpoint for compatible servers.
	BaseURL    string
	HTTPClient *http.Client
}

type openAIChat struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func newOpenAIChat(cfg OpenAIConfig, logger *slog.Logger) openAIChat {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	m := cfg.Model
	if m == "" {
		m = "gpt-4o-mini"
	}
	return openAIChat{client: openai.NewClientWithConfig(oc), model: m, logger: logger}
}

// complete asks for a JSON object and decodes it into dest.
func (o openAIChat) complete(ctx context.Context, system, user string, dest any) error {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return model.Errorf(model.KindAPIError, "collab: model returned no choices")
	}
	o.logger.Debug("chat completion", "model", o.model,
		"finish_reason", resp.Choices[0].FinishReason, "total_tokens", resp.Usage.TotalTokens)

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")
	if err := json.Unmarshal([]byte(content), dest); err != nil {
		return model.WrapError(model.KindAPIError, fmt.Errorf("collab: decode model output: %w", err))
	}
	return nil
}

func classifyOpenAI(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.Error{Kind: model.KindTimeout, Message: "collab: model call timed out", Err: err}
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return &model.Error{Kind: model.KindAPIError, Message: fmt.Sprintf("collab: model call failed: %v", err), Err: err}
	}
	return classifyStatus(status, fmt.Sprintf("collab: model call failed: %v", err))
}

func truncateDiff(raw string) string {
	if len(raw) <= maxPromptDiff {
		return raw
	}
	return raw[:maxPromptDiff] + "\n... (diff truncated)"
}

// OpenAIPlanner plans tests with a chat completion model.
type OpenAIPlanner struct {
	chat openAIChat
}

// NewOpenAIPlanner creates an OpenAIPlanner.
func NewOpenAIPlanner(cfg OpenAIConfig, logger *slog.Logger) *OpenAIPlanner {
	return &OpenAIPlanner{chat: newOpenAIChat(cfg, logger)}
}

// Plan implements Planner.
func (p *OpenAIPlanner) Plan(ctx context.Context, req PlanRequest) (model.TestPlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Change: %s\n", req.CodeRef)
	fmt.Fprintf(&b, "Files changed: %d (+%d/-%d)\n\n", len(req.Diff.Files), req.Diff.Additions, req.Diff.Deletions)
	b.WriteString(truncateDiff(req.Diff.Raw))

	var plan model.TestPlan
	if err := p.chat.complete(ctx, plannerSystemPrompt, b.String(), &plan); err != nil {
		return model.TestPlan{}, err
	}
	if plan.Confidence < 0 {
		plan.Confidence = 0
	}
	if plan.Confidence > 1 {
		plan.Confidence = 1
	}
	return plan, nil
}

// OpenAIGenerator writes tests with a chat completion model.
type OpenAIGenerator struct {
	chat openAIChat
}

// NewOpenAIGenerator creates an OpenAIGenerator.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{chat: newOpenAIChat(cfg, logger)}
}

type generatedOutput struct {
	Framework string                `json:"framework"`
	Files     []model.GeneratedFile `json:"files"`
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (Generated, error) {
	plan, err := json.MarshalIndent(req.Plan.Cases, "", "  ")
	if err != nil {
		return Generated{}, fmt.Errorf("collab: marshal plan: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Change: %s\n\nTest plan:\n%s\n\nDiff:\n", req.CodeRef, plan)
	b.WriteString(truncateDiff(req.Diff.Raw))

	var out generatedOutput
	if err := g.chat.complete(ctx, generatorSystemPrompt, b.String(), &out); err != nil {
		return Generated{}, err
	}
	return Generated{Framework: out.Framework, Files: out.Files}, nil
}
