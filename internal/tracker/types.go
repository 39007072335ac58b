package tracker

// Credentials authenticate one call against a tracker instance. Calls never
// read ambient configuration; callers resolve defaults once at startup.
type Credentials struct {
	BaseURL string
	Email   string
	Token   string
}

// Valid reports whether every field needed to call the tracker is present.
func (c Credentials) Valid() bool {
	return c.BaseURL != "" && c.Email != "" && c.Token != ""
}

// Project is the subset of a tracker project the engine uses.
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// IssueStatus is an issue's workflow status.
type IssueStatus struct {
	Name string `json:"name"`
}

// IssueType describes the kind of issue.
type IssueType struct {
	Name    string `json:"name"`
	Subtask bool   `json:"subtask,omitempty"`
}

// IssueRef is a minimal issue reference, as found in parent links.
type IssueRef struct {
	Key string `json:"key"`
}

// IssueFields are the fields read back from the tracker.
type IssueFields struct {
	Summary     string       `json:"summary"`
	Description string       `json:"description,omitempty"`
	Status      *IssueStatus `json:"status,omitempty"`
	Project     Project      `json:"project"`
	IssueType   IssueType    `json:"issuetype"`
	Parent      *IssueRef    `json:"parent,omitempty"`
}

// Issue is one tracker issue.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Self   string      `json:"self,omitempty"`
	Fields IssueFields `json:"fields"`
}

// CreateIssueRequest describes a new issue. A non-empty ParentKey creates a
// subtask of that issue.
type CreateIssueRequest struct {
	ProjectKey  string
	Summary     string
	Description string
	IssueType   string
	ParentKey   string
	Assignee    string
	Labels      []string
}

// CreatedIssue is the tracker's response to an issue creation.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// CreateProjectRequest describes a new project.
type CreateProjectRequest struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	ProjectTypeKey string `json:"projectTypeKey"`
	LeadAccountID  string `json:"leadAccountId,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Transition is one available workflow transition on an issue.
type Transition struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	To   IssueStatus `json:"to"`
}

// Default issue type names.
const (
	IssueTypeTask    = "Task"
	IssueTypeSubtask = "Sub-task"
)

// wire formats

type issueCreateBody struct {
	Fields issueCreateFields `json:"fields"`
}

type issueCreateFields struct {
	Project     IssueRef  `json:"project"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	IssueType   IssueType `json:"issuetype"`
	Parent      *IssueRef `json:"parent,omitempty"`
	Assignee    *assignee `json:"assignee,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
}

type assignee struct {
	Name string `json:"name"`
}

type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

type transitionsResponse struct {
	Transitions []Transition `json:"transitions"`
}

type transitionBody struct {
	Transition transitionID `json:"transition"`
}

type transitionID struct {
	ID string `json:"id"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}
