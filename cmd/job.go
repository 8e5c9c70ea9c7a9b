package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/output"
)

var (
	jobStatus   string
	jobCategory string
	jobSummary  string
	jobError    string

	jobListRepo   string
	jobListNumber int
)

var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Report and inspect PR fix jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobListRun(cmd)
	},
}

var jobReportCmd = &cobra.Command{
	Use:   "report <owner/repo> <number>",
	Short: "Report the status of a fix job",
	Long: `Report the status of a fix job to the running server.

Agents call this to announce progress. Flags that are not given keep the
job's previous values; pass --summary "" to clear a summary.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobReportRun(cmd, args)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobListRun(cmd)
	},
}

var jobClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget all tracked jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient().ClearJobs(cmd.Context())
		if err != nil {
			return err
		}
		ui.Success("Cleared %d job(s)", n)
		return nil
	},
}

func init() {
	f := jobReportCmd.Flags()
	f.StringVarP(&jobStatus, "status", "s", "", "Job status: pending, running, complete, failed")
	f.StringVarP(&jobCategory, "category", "c", "", "Fix category: checks, comments, conflict, composite")
	f.StringVar(&jobSummary, "summary", "", "Short summary of what was done")
	f.StringVar(&jobError, "error", "", "Error text for a failed attempt")
	_ = jobReportCmd.MarkFlagRequired("status")

	jobListCmd.Flags().StringVarP(&jobListRepo, "repo", "r", "", "Only jobs for this repository")
	jobListCmd.Flags().IntVarP(&jobListNumber, "number", "N", 0, "Only jobs for this PR number")

	jobCmd.AddCommand(jobReportCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobClearCmd)
	rootCmd.AddCommand(jobCmd)
}

// buildReport turns report arguments and flags into a request. Optional
// text fields are only sent when their flag was given.
func buildReport(cmd *cobra.Command, args []string) (jobs.ReportRequest, error) {
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return jobs.ReportRequest{}, fmt.Errorf("invalid PR number %q", args[1])
	}
	req := jobs.ReportRequest{
		Repository: args[0],
		Number:     number,
		Status:     models.JobStatus(jobStatus),
		Category:   models.JobCategory(jobCategory),
	}
	if cmd.Flags().Changed("summary") {
		s := jobSummary
		req.Summary = &s
	}
	if cmd.Flags().Changed("error") {
		e := jobError
		req.Error = &e
	}
	return req, req.Validate()
}

func jobReportRun(cmd *cobra.Command, args []string) error {
	req, err := buildReport(cmd, args)
	if err != nil {
		return err
	}
	job, err := apiClient().ReportJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	if ui.JSON {
		return ui.PrintJSON(job)
	}
	ui.Success("Job %s is %s", job.Key(), output.StatusColor(string(job.Status)))
	return nil
}

func jobListRun(cmd *cobra.Command) error {
	list, err := apiClient().ListJobs(cmd.Context(), jobListRepo, jobListNumber)
	if err != nil {
		return err
	}
	if ui.JSON {
		return ui.PrintJSON(list)
	}
	if len(list) == 0 {
		ui.Info("No jobs")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"PR", "Category", "Status", "Elapsed", "Summary"})
	for _, j := range list {
		summary := output.Truncate(j.Summary, 60)
		if j.Status == models.JobStatusFailed && j.Error != "" {
			summary = output.Red(output.Truncate(j.Error, 60))
		}
		_ = table.Append([]string{
			j.Key(),
			string(j.Category),
			output.StatusColor(string(j.Status)),
			output.Elapsed(j.StartedAt, j.CompletedAt, now),
			summary,
		})
	}
	return table.Render()
}
