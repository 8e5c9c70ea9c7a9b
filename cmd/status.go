package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/prdash/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health",
	Long:  "Show whether the server is reachable, whether it found the agent binary, and how many sessions, jobs and event clients it holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient().Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		if ui.JSON {
			return ui.PrintJSON(h)
		}

		agentState := output.Red("missing")
		if ok, _ := h["agent_available"].(bool); ok {
			agentState = output.Green("available")
		}
		fmt.Fprintf(ui.Out, "Server:   %s\n", output.Green(apiClient().BaseURL()))
		fmt.Fprintf(ui.Out, "Agent:    %v (%s)\n", h["agent_binary"], agentState)
		fmt.Fprintf(ui.Out, "Sessions: %v\n", h["sessions"])
		fmt.Fprintf(ui.Out, "Jobs:     %v\n", h["jobs"])
		fmt.Fprintf(ui.Out, "Clients:  %v\n", h["clients"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
