// Package webhook turns issue tracker webhooks into workflow triggers.
//
// Only issue updates whose changelog moves the status to the configured
// ready value start a workflow. Every other event is acknowledged without
// creating anything. When a secret is configured, requests must carry an
// HMAC-SHA256 signature of the raw body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// SignatureHeader carries "sha256=<hex>" of the request body.
const SignatureHeader = "X-Hub-Signature-256"

// EventIssueUpdated is the only event that can start a workflow.
const EventIssueUpdated = "jira:issue_updated"

// DefaultReadyStatus applies when Config.ReadyStatus is empty.
const DefaultReadyStatus = "Ready for Testing"

// Config holds intake settings.
type Config struct {
	Secret            string
	ReadyStatus       string
	DefaultRepository string
}

// Starter creates workflows.
type Starter interface {
	Start(ctx context.Context, in model.TriggerInput) (uuid.UUID, error)
}

// Event is the subset of the tracker's webhook payload we read.
type Event struct {
	WebhookEvent string    `json:"webhookEvent" validate:"required"`
	Issue        *Issue    `json:"issue"`
	Changelog    Changelog `json:"changelog"`
	User         *User     `json:"user,omitempty"`
}

// Issue is the issue an event refers to.
type Issue struct {
	Key    string      `json:"key" validate:"required,max=64"`
	Fields IssueFields `json:"fields"`
}

// IssueFields are the issue attributes used to build a trigger.
type IssueFields struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Project     struct {
		Key string `json:"key"`
	} `json:"project"`
	Assignee *User `json:"assignee,omitempty"`
}

// User identifies a tracker user.
type User struct {
	Name        string `json:"name,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Changelog lists the fields changed by an update.
type Changelog struct {
	Items []ChangeItem `json:"items"`
}

// ChangeItem is one field change.
type ChangeItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

// Result is the intake outcome. WorkflowID is set only when Accepted.
type Result struct {
	Accepted   bool       `json:"accepted"`
	Reason     string     `json:"reason,omitempty"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
}

var pullRequestURL = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// Intake verifies, filters and converts webhook deliveries.
type Intake struct {
	cfg      Config
	starter  Starter
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates an Intake.
func New(cfg Config, starter Starter, logger *slog.Logger) *Intake {
	if cfg.ReadyStatus == "" {
		cfg.ReadyStatus = DefaultReadyStatus
	}
	return &Intake{
		cfg:      cfg,
		starter:  starter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Handle processes one delivery. A bad signature is unauthorized and a
// malformed body is a validation error; neither creates a record.
func (in *Intake) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := VerifySignature(in.cfg.Secret, body, signature); err != nil {
		return Result{}, err
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{}, &model.Error{Kind: model.KindValidation, Message: "webhook: body is not valid JSON", Err: err}
	}
	if err := in.validate.Struct(ev); err != nil {
		return Result{}, &model.Error{Kind: model.KindValidation, Message: "webhook: " + err.Error(), Err: err}
	}

	trigger, reason := in.Decide(ev)
	if reason != "" {
		in.logger.Debug("webhook ignored", "event", ev.WebhookEvent, "reason", reason)
		return Result{Reason: reason}, nil
	}
	id, err := in.starter.Start(ctx, trigger)
	if err != nil {
		return Result{}, err
	}
	in.logger.Info("webhook started workflow", "workflow_id", id, "ticket_key", ev.Issue.Key)
	return Result{Accepted: true, WorkflowID: &id}, nil
}

// Decide maps an event to a trigger. A non-empty reason means the event is
// acknowledged without starting anything.
func (in *Intake) Decide(ev Event) (model.TriggerInput, string) {
	if ev.WebhookEvent != EventIssueUpdated {
		return model.TriggerInput{}, "event " + ev.WebhookEvent + " is not handled"
	}
	if ev.Issue == nil {
		return model.TriggerInput{}, "event has no issue"
	}
	if !MovedTo(ev.Changelog, in.cfg.ReadyStatus) {
		return model.TriggerInput{}, "status did not move to " + in.cfg.ReadyStatus
	}
	ref, ok := in.codeRef(ev.Issue)
	if !ok {
		return model.TriggerInput{}, "no pull request link and no default repository"
	}

	key := ev.Issue.Key
	trigger := model.TriggerInput{
		CodeRef:   ref,
		TicketKey: &key,
		Actor:     "webhook",
	}
	if pk := ev.Issue.Fields.Project.Key; pk != "" {
		trigger.ProjectKey = &pk
	}
	if s := ev.Issue.Fields.Summary; s != "" {
		summary := "Generated tests for " + key + ": " + s
		trigger.Summary = &summary
	}
	if a := ev.Issue.Fields.Assignee; a != nil && a.Name != "" {
		name := a.Name
		trigger.Assignee = &name
	}
	if u := ev.User; u != nil && u.Name != "" {
		trigger.Actor = "webhook:" + u.Name
	}
	return trigger, ""
}

// codeRef prefers the first pull request linked in the description, then
// falls back to the default repository with the issue key as branch.
func (in *Intake) codeRef(issue *Issue) (model.CodeRef, bool) {
	if u := pullRequestURL.FindString(issue.Fields.Description); u != "" {
		return model.CodeRef{PullRequestURL: u}, true
	}
	if in.cfg.DefaultRepository != "" {
		return model.CodeRef{Repository: in.cfg.DefaultRepository, Branch: issue.Key}, true
	}
	return model.CodeRef{}, false
}

// MovedTo reports whether the changelog moves the status field to status.
func MovedTo(cl Changelog, status string) bool {
	for _, it := range cl.Items {
		if strings.EqualFold(it.Field, "status") && strings.EqualFold(strings.TrimSpace(it.ToString), status) {
			return true
		}
	}
	return false
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body. With no secret configured
// every request passes.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || hexSig == "" {
		return model.Errorf(model.KindUnauthorized, "webhook: missing or malformed %s", SignatureHeader)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return model.Errorf(model.KindUnauthorized, "webhook: malformed %s", SignatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return model.Errorf(model.KindUnauthorized, "webhook: signature mismatch")
	}
	return nil
}
