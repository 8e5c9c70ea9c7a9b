package models

import "time"

// PRRecord is a best-effort snapshot of one pull request's external status.
type PRRecord struct {
	Repository         string    `json:"repository"`
	Number             int       `json:"number"`
	Title              string    `json:"title"`
	Branch             string    `json:"branch"`
	URL                string    `json:"url,omitempty"`
	State              string    `json:"state,omitempty"`
	FailingChecks      int       `json:"failing_checks"`
	PendingChecks      int       `json:"pending_checks"`
	UnresolvedComments int       `json:"unresolved_comments"`
	MergeState         string    `json:"merge_state"`
	FetchedAt          time.Time `json:"fetched_at"`
}
