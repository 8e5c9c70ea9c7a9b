package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/prdash/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents launched by prdash can report fix progress through it. The tools
forward to the running prdash server at server.url. Configure with:

  {
    "mcpServers": {
      "prdash": { "command": "prdash", "args": ["mcp"] }
    }
  }

Available tools: prdash_report_job, prdash_list_jobs,
prdash_list_sessions, prdash_get_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mcp.NewServer(apiClient(), buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
