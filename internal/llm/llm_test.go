package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSummaryPrompt(t *testing.T) {
	t.Run("correlated session", func(t *testing.T) {
		system, user := buildSummaryPrompt(Digest{
			Repository: "acme/api",
			Number:     42,
			Category:   "checks",
			Prompt:     "Fix the failing lint job",
			Assistant:  []string{"Ran golangci-lint.", "Fixed 3 issues."},
		})

		assert.Contains(t, system, `"summary"`)
		assert.Contains(t, system, "JSON")
		assert.Contains(t, user, "acme/api#42")
		assert.Contains(t, user, "Fix category: checks")
		assert.Contains(t, user, "Fix the failing lint job")
		assert.Contains(t, user, "Fixed 3 issues.")
	})

	t.Run("uncorrelated session", func(t *testing.T) {
		_, user := buildSummaryPrompt(Digest{Prompt: "tidy up", Assistant: []string{"done"}, ExitCode: 1})
		assert.NotContains(t, user, "Pull request:")
		assert.Contains(t, user, "Exit code: 1")
	})

	t.Run("long transcript keeps the end", func(t *testing.T) {
		long := strings.Repeat("a", maxTranscript) + "FINAL"
		_, user := buildSummaryPrompt(Digest{Assistant: []string{long}})
		assert.Contains(t, user, "FINAL")
		assert.Less(t, len(user), maxTranscript+500)
	})
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"summary": "Fixed three lint errors."}`, "Fixed three lint errors.", false},
		{"fenced", "```json\n{\"summary\": \"Resolved conflicts.\"}\n```", "Resolved conflicts.", false},
		{"trims", `{"summary": "  spaced  "}`, "spaced", false},
		{"empty", `{"summary": ""}`, "", true},
		{"not json", "I fixed it", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSummary(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClientDefaultsModel(t *testing.T) {
	c := NewClient("", "")
	assert.Equal(t, DefaultModel, string(c.model))
}
