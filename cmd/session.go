package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/output"
	"github.com/joescharf/prdash/internal/sessions"
)

var (
	dispatchCwd      string
	dispatchPrompt   string
	dispatchRepo     string
	dispatchNumber   int
	dispatchLabel    string
	dispatchCategory string
	dispatchResume   string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions", "s"},
	Short:   "Dispatch and inspect agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd)
	},
}

var sessionDispatchCmd = &cobra.Command{
	Use:   "dispatch [prompt]",
	Short: "Start an agent session",
	Long: `Start an agent session in a working directory.

The prompt can be given as an argument or with --prompt. When --repo and
--number are set the session is tied to that pull request; with --category
a fix job is tracked for it as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDispatchRun(cmd, args)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its message stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd, args[0])
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().CancelSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		ui.Success("Session %s is %s", args[0], output.StatusColor(string(status)))
		return nil
	},
}

func init() {
	f := sessionDispatchCmd.Flags()
	f.StringVarP(&dispatchCwd, "cwd", "C", "", "Working directory for the agent (default: current directory)")
	f.StringVarP(&dispatchPrompt, "prompt", "p", "", "Prompt for the agent")
	f.StringVarP(&dispatchRepo, "repo", "r", "", "Pull request repository (owner/name)")
	f.IntVarP(&dispatchNumber, "number", "N", 0, "Pull request number")
	f.StringVar(&dispatchLabel, "label", "", "Display label for the session")
	f.StringVar(&dispatchCategory, "category", "", "Fix category: checks, comments, conflict, composite")
	f.StringVar(&dispatchResume, "resume", "", "Continue the conversation of this earlier session id")

	sessionCmd.AddCommand(sessionDispatchCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionDispatchRun(cmd *cobra.Command, args []string) error {
	prompt := dispatchPrompt
	if len(args) == 1 {
		prompt = args[0]
	}
	cwd := dispatchCwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cwd = wd
	}

	res, err := apiClient().Dispatch(cmd.Context(), sessions.DispatchRequest{
		WorkDir:         cwd,
		Prompt:          prompt,
		Repository:      dispatchRepo,
		Number:          dispatchNumber,
		Label:           dispatchLabel,
		Category:        models.JobCategory(dispatchCategory),
		ResumeSessionID: dispatchResume,
	})
	if err != nil {
		return err
	}
	if ui.JSON {
		return ui.PrintJSON(res)
	}
	if dispatchResume != "" && !res.Resumed {
		ui.Warning("Session %s had no conversation to resume; started fresh", dispatchResume)
	}
	ui.Success("Session %s started", output.Cyan(res.SessionID))
	return nil
}

func sessionListRun(cmd *cobra.Command) error {
	list, err := apiClient().ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if ui.JSON {
		return ui.PrintJSON(list)
	}
	if len(list) == 0 {
		ui.Info("No sessions")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Status", "PR", "Label", "Msgs", "Elapsed"})
	for _, s := range list {
		_ = table.Append([]string{
			s.ID,
			output.StatusColor(string(s.Status)),
			correlationText(s.Correlation),
			output.Truncate(s.Label, 40),
			fmt.Sprintf("%d", s.MessageCount),
			output.Elapsed(s.StartedAt, s.CompletedAt, now),
		})
	}
	return table.Render()
}

func sessionShowRun(cmd *cobra.Command, id string) error {
	sess, err := apiClient().GetSession(cmd.Context(), id)
	if err != nil {
		return err
	}
	if ui.JSON {
		return ui.PrintJSON(sess)
	}

	fmt.Fprintf(ui.Out, "Session:  %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "Status:   %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "PR:       %s\n", correlationText(sess.Correlation))
	fmt.Fprintf(ui.Out, "Workdir:  %s\n", sess.WorkDir)
	if sess.ConversationID != "" {
		fmt.Fprintf(ui.Out, "Conv:     %s\n", sess.ConversationID)
	}
	if sess.ExitCode != nil {
		fmt.Fprintf(ui.Out, "Exit:     %d\n", *sess.ExitCode)
	}
	fmt.Fprintf(ui.Out, "Elapsed:  %s\n", output.Elapsed(sess.StartedAt, sess.CompletedAt, time.Now()))
	fmt.Fprintf(ui.Out, "Prompt:   %s\n\n", output.Truncate(sess.Prompt, 120))

	for _, msg := range sess.Messages {
		fmt.Fprintln(ui.Out, messageLine(msg))
	}
	return nil
}

func correlationText(c *models.Correlation) string {
	if c == nil || !c.Valid() {
		return "-"
	}
	return c.Key()
}

// messageLine renders one stream message for the terminal.
func messageLine(msg models.Message) string {
	ts := msg.Timestamp.Local().Format("15:04:05")
	text := strings.TrimSpace(msg.Text)
	switch msg.Kind {
	case models.KindAssistant:
		return fmt.Sprintf("%s %s", output.Faint(ts), text)
	case models.KindStderr:
		return fmt.Sprintf("%s %s %s", output.Faint(ts), output.Red("stderr"), text)
	case models.KindTool:
		return fmt.Sprintf("%s %s %s", output.Faint(ts), output.Yellow("tool"), output.Truncate(text, 100))
	default:
		label := string(msg.Kind)
		if msg.Subtype != "" {
			label += "/" + msg.Subtype
		}
		return fmt.Sprintf("%s %s %s", output.Faint(ts), output.Cyan(label), output.Truncate(text, 100))
	}
}
