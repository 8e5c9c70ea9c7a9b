package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/models"
)

// Backend is the running prdash server as seen by the tools.
type Backend interface {
	ReportJob(ctx context.Context, req jobs.ReportRequest) (*models.Job, error)
	ListJobs(ctx context.Context, repository string, number int) ([]models.Job, error)
	ListSessions(ctx context.Context) ([]models.SessionSummary, error)
	GetSession(ctx context.Context, id string) (*models.AgentSession, error)
}

// Server exposes job reporting and session lookups as MCP tools, so an agent
// running inside a session can announce progress to the dashboard.
type Server struct {
	backend Backend
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(b Backend, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{backend: b, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("prdash", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.reportJobTool())
	srv.AddTool(s.listJobsTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// prdash_report_job
func (s *Server) reportJobTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prdash_report_job",
		mcp.WithDescription("Report the status of a fix attempt on a pull request. Omitted optional fields keep their previous values. Returns the stored job as JSON."),
		mcp.WithString("repository", mcp.Required(), mcp.Description("Repository as owner/name")),
		mcp.WithNumber("number", mcp.Required(), mcp.Description("Pull request number")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Job status"), mcp.Enum("pending", "running", "complete", "failed")),
		mcp.WithString("category", mcp.Description("What is being fixed"), mcp.Enum("checks", "comments", "conflict", "composite")),
		mcp.WithString("summary", mcp.Description("Short human summary of what was done")),
		mcp.WithString("error", mcp.Description("Error text when the attempt failed")),
	)
	return tool, s.handleReportJob
}

func (s *Server) handleReportJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repository, err := request.RequireString("repository")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repository"), nil
	}
	number, err := request.RequireInt("number")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: number"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}

	req := jobs.ReportRequest{
		Repository: repository,
		Number:     number,
		Status:     models.JobStatus(status),
		Category:   models.JobCategory(request.GetString("category", "")),
	}
	args := request.GetArguments()
	if _, ok := args["summary"]; ok {
		v := request.GetString("summary", "")
		req.Summary = &v
	}
	if _, ok := args["error"]; ok {
		v := request.GetString("error", "")
		req.Error = &v
	}
	if err := req.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.backend.ReportJob(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to report job: %v", err)), nil
	}
	return jsonResult(job)
}

// prdash_list_jobs
func (s *Server) listJobsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prdash_list_jobs",
		mcp.WithDescription("List tracked fix jobs, optionally for one repository or pull request."),
		mcp.WithString("repository", mcp.Description("Filter by repository (owner/name)")),
		mcp.WithNumber("number", mcp.Description("Filter by pull request number")),
	)
	return tool, s.handleListJobs
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.backend.ListJobs(ctx, request.GetString("repository", ""), request.GetInt("number", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list jobs: %v", err)), nil
	}
	if list == nil {
		list = []models.Job{}
	}
	return jsonResult(list)
}

// prdash_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prdash_list_sessions",
		mcp.WithDescription("List agent sessions with status, correlation and message counts."),
		mcp.WithString("status", mcp.Description("Filter by status: running, complete, failed, cancelled")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.backend.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	status := models.SessionStatus(request.GetString("status", ""))
	out := make([]models.SessionSummary, 0, len(list))
	for _, sess := range list {
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess)
	}
	return jsonResult(out)
}

// prdash_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prdash_get_session",
		mcp.WithDescription("Get one agent session including its message stream."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %v", err)), nil
	}
	return jsonResult(sess)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
