package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/prdash/internal/github"
	"github.com/joescharf/prdash/internal/output"
)

var prCmd = &cobra.Command{
	Use:   "pr <owner/repo> <number>",
	Short: "Fetch a pull request's check and review status",
	Long:  "Fetch a pull request's status with the gh CLI, the same lookup the server runs after a fix job completes.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid PR number %q", args[1])
		}

		gh := github.NewClient(&github.ExecRunner{Binary: viper.GetString("github.binary")})
		rec, err := gh.FetchPR(cmd.Context(), args[0], number)
		if err != nil {
			return err
		}
		if ui.JSON {
			return ui.PrintJSON(rec)
		}

		checks := output.Green("passing")
		switch {
		case rec.FailingChecks > 0:
			checks = output.Red(fmt.Sprintf("%d failing", rec.FailingChecks))
		case rec.PendingChecks > 0:
			checks = output.Yellow(fmt.Sprintf("%d pending", rec.PendingChecks))
		}
		fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(fmt.Sprintf("%s#%d", rec.Repository, rec.Number)), rec.Title)
		fmt.Fprintf(ui.Out, "State:     %s (%s)\n", rec.State, rec.MergeState)
		fmt.Fprintf(ui.Out, "Branch:    %s\n", rec.Branch)
		fmt.Fprintf(ui.Out, "Checks:    %s\n", checks)
		fmt.Fprintf(ui.Out, "Comments:  %d unresolved\n", rec.UnresolvedComments)
		fmt.Fprintf(ui.Out, "Fetched:   %s\n", rec.FetchedAt.Local().Format(time.Kitchen))
		fmt.Fprintf(ui.Out, "URL:       %s\n", rec.URL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(prCmd)
}
