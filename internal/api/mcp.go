package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/job"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs     Jobs
	Registry *handler.Registry
	Version  string

	// PollInterval is how often run_flow re-reads job status while waiting.
	PollInterval time.Duration
}

// maxWait bounds how long run_flow blocks for a result.
const maxWait = 10 * time.Minute

// NewMCPServer creates an MCP server exposing flow triggers and job status.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 500 * time.Millisecond
	}

	s := server.NewMCPServer(
		"datamachine",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("datamachine runs content pipelines (flows) as background jobs. Trigger a flow with run_flow, then poll job_status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_flow",
			mcp.WithDescription("Queue a job for a flow. Optionally wait for it to finish."),
			mcp.WithString("flow_id", mcp.Description("Flow to run"), mcp.Required()),
			mcp.WithNumber("wait_seconds", mcp.Description("Block up to this many seconds for the job to finish (default 0: return immediately)")),
		),
		mcpRunFlow(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report a job's status, step trace, and result."),
			mcp.WithString("job_id", mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List recent jobs, newest first."),
			mcp.WithString("status", mcp.Enum("pending", "processing", "complete", "failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("list_flows",
			mcp.WithDescription("List configured flows and their steps."),
		),
		mcpListFlows(deps),
	)

	s.AddTool(
		mcp.NewTool("list_handlers",
			mcp.WithDescription("List registered step handlers and their tools."),
			mcp.WithString("type", mcp.Enum("input", "ai", "update", "output")),
		),
		mcpListHandlers(deps),
	)

	return s
}

func mcpRunFlow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		flowID, err := req.RequireString("flow_id")
		if err != nil {
			return mcpError("flow_id is required"), nil
		}

		j, err := deps.Jobs.Trigger(ctx, flowID)
		if errors.Is(err, job.ErrFlowNotFound) {
			return mcpError(fmt.Sprintf("flow %s not found", flowID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue job: %v", err)), nil
		}

		wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
		if wait <= 0 {
			return mcpJSON(TriggerResponse{Status: StatusQueued, JobID: j.ID})
		}
		if wait > maxWait {
			wait = maxWait
		}

		snap, err := waitForJob(ctx, deps.Jobs, j.ID, wait, deps.PollInterval)
		if err != nil {
			return mcpError(fmt.Sprintf("waiting for job %s: %v", j.ID, err)), nil
		}
		return mcpJSON(snap)
	}
}

// waitForJob polls until the job is terminal or wait elapses, and returns
// the last snapshot either way.
func waitForJob(ctx context.Context, jobs Jobs, id string, wait, every time.Duration) (job.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		snap, err := jobs.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return job.Snapshot{}, err
		}
		if snap.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, nil
		case <-ticker.C:
		}
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		snap, err := deps.Jobs.Status(ctx, id)
		if errors.Is(err, job.ErrJobNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		jobs, err := deps.Jobs.List(ctx, req.GetString("status", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list jobs: %v", err)), nil
		}
		return mcpJSON(jobs)
	}
}

func mcpListFlows(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		flows, err := deps.Jobs.Flows(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list flows: %v", err)), nil
		}
		return mcpJSON(flows)
	}
}

func mcpListHandlers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t := handler.Type(req.GetString("type", ""))
		if t != "" && !t.Valid() {
			return mcpError(fmt.Sprintf("unknown handler type %q", t)), nil
		}
		return mcpJSON(describeHandlers(deps.Registry, t))
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
