// Package llm produces short human summaries of finished agent sessions.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// maxTranscript bounds how much assistant output is sent for summarizing.
const maxTranscript = 12000

// Digest is the part of a finished session the summary is built from.
type Digest struct {
	Repository string
	Number     int
	Category   string
	Prompt     string
	Assistant  []string
	ExitCode   int
}

// Client wraps the Anthropic API for session summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for a session summary.
func buildSummaryPrompt(d Digest) (system string, user string) {
	system = `You summarize what an AI coding agent did while working on a pull request. Return ONLY a JSON object with one field:

- "summary": 1-3 plain sentences describing what was fixed or changed, written for a dashboard badge tooltip.

Rules:
- Mention concrete outcomes (tests fixed, comments addressed, conflicts resolved) when the transcript shows them
- If the agent failed or gave up, say so briefly
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if d.Repository != "" {
		fmt.Fprintf(&sb, "Pull request: %s#%d\n", d.Repository, d.Number)
	}
	if d.Category != "" {
		fmt.Fprintf(&sb, "Fix category: %s\n", d.Category)
	}
	fmt.Fprintf(&sb, "Exit code: %d\n", d.ExitCode)
	sb.WriteString("\nTask given to the agent:\n")
	sb.WriteString(d.Prompt)
	sb.WriteString("\n\nAgent output:\n")
	sb.WriteString(tail(strings.Join(d.Assistant, "\n\n"), maxTranscript))
	user = sb.String()
	return
}

// SummarizeSession asks the model for a short summary of a finished session.
func (c *Client) SummarizeSession(ctx context.Context, d Digest) (string, error) {
	if len(d.Assistant) == 0 {
		return "", fmt.Errorf("no assistant output to summarize")
	}
	systemPrompt, userPrompt := buildSummaryPrompt(d)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return parseSummary(text)
}

func parseSummary(text string) (string, error) {
	text = stripFences(text)
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return "", fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	summary := strings.TrimSpace(out.Summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary in LLM response")
	}
	return summary, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
