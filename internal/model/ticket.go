package model

// SyntheticKeyPrefix marks placeholder ticket keys produced in degraded mode.
const SyntheticKeyPrefix = "SYNTH-"

// TicketPayload is the content pushed to the issue tracker.
type TicketPayload struct {
	ProjectKey  string   `json:"project_key,omitempty"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Assignee    string   `json:"assignee,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// TicketResult is the outcome of a ticket push. ParentKey is nil for
// standalone items. Synthetic results were fabricated locally and do not
// exist in the tracker.
type TicketResult struct {
	Key        string  `json:"key"`
	URL        string  `json:"url,omitempty"`
	ParentKey  *string `json:"parent_key"`
	ProjectKey string  `json:"project_key,omitempty"`
	Synthetic  bool    `json:"synthetic"`
}
