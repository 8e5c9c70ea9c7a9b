// Package github fetches pull request status through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/joescharf/prdash/internal/models"
)

// CmdRunner runs gh with the given arguments. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct {
	Binary string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "gh"
	}
	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides pull request lookups.
type Client struct {
	cmd CmdRunner
	now func() time.Time
}

// NewClient creates a GitHub client. A nil runner uses the gh binary on PATH.
func NewClient(cmd CmdRunner) *Client {
	if cmd == nil {
		cmd = &ExecRunner{}
	}
	return &Client{cmd: cmd, now: time.Now}
}

type prView struct {
	Number            int    `json:"number"`
	Title             string `json:"title"`
	State             string `json:"state"`
	HeadRefName       string `json:"headRefName"`
	URL               string `json:"url"`
	MergeStateStatus  string `json:"mergeStateStatus"`
	StatusCheckRollup []struct {
		Typename   string `json:"__typename"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	} `json:"statusCheckRollup"`
}

const reviewThreadsQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) { nodes { isResolved } }
    }
  }
}`

// FetchPR returns a snapshot of one pull request. repository is "owner/name".
func (c *Client) FetchPR(ctx context.Context, repository string, number int) (*models.PRRecord, error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repository must be owner/name, got %q", repository)
	}

	out, err := c.cmd.Run(ctx, "pr", "view", fmt.Sprint(number),
		"--repo", repository,
		"--json", "number,title,state,headRefName,url,mergeStateStatus,statusCheckRollup",
	)
	if err != nil {
		return nil, err
	}
	var view prView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		return nil, fmt.Errorf("parse pr view: %w", err)
	}

	record := &models.PRRecord{
		Repository: repository,
		Number:     number,
		Title:      view.Title,
		Branch:     view.HeadRefName,
		URL:        view.URL,
		State:      view.State,
		MergeState: view.MergeStateStatus,
		FetchedAt:  c.now().UTC(),
	}
	for _, check := range view.StatusCheckRollup {
		switch checkOutcome(check.Status, check.Conclusion, check.State) {
		case outcomeFailing:
			record.FailingChecks++
		case outcomePending:
			record.PendingChecks++
		}
	}

	unresolved, err := c.unresolvedThreads(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}
	record.UnresolvedComments = unresolved
	return record, nil
}

func (c *Client) unresolvedThreads(ctx context.Context, owner, name string, number int) (int, error) {
	out, err := c.cmd.Run(ctx, "api", "graphql",
		"-f", "query="+reviewThreadsQuery,
		"-f", "owner="+owner,
		"-f", "name="+name,
		"-F", fmt.Sprintf("number=%d", number),
	)
	if err != nil {
		return 0, err
	}
	if !gjson.Valid(out) {
		return 0, fmt.Errorf("parse review threads: invalid json")
	}
	count := 0
	gjson.Get(out, "data.repository.pullRequest.reviewThreads.nodes").ForEach(func(_, node gjson.Result) bool {
		if !node.Get("isResolved").Bool() {
			count++
		}
		return true
	})
	return count, nil
}

type outcome int

const (
	outcomePassing outcome = iota
	outcomePending
	outcomeFailing
)

// checkOutcome folds a CheckRun (status/conclusion) or StatusContext (state)
// into passing, pending or failing.
func checkOutcome(status, conclusion, state string) outcome {
	if state != "" {
		switch strings.ToUpper(state) {
		case "FAILURE", "ERROR":
			return outcomeFailing
		case "PENDING", "EXPECTED":
			return outcomePending
		default:
			return outcomePassing
		}
	}
	if !strings.EqualFold(status, "COMPLETED") {
		return outcomePending
	}
	switch strings.ToUpper(conclusion) {
	case "FAILURE", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED", "STARTUP_FAILURE":
		return outcomeFailing
	default:
		return outcomePassing
	}
}
