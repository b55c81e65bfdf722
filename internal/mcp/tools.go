package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/popfuzz/internal/config"
	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// RegisterTools registers all popfuzz tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStart(s, client)
	registerStop(s, client)
	registerConverge(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerRunOps(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_status",
		gomcp.WithDescription("Get current run status: seed, operations dispatched, last successful index, per-operation outcomes, mempool queue depths, dispatch latency."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("popfuzz unreachable: %v\n\nIs the server running? Try: popfuzz serve", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_health",
		gomcp.WithDescription("Check that every configured node answers RPC calls."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("popfuzz not ready: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStart(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_start",
		gomcp.WithDescription("Start a randomized endorsement workload. This is a MUTATING operation: it mines blocks and submits transactions on the configured nodes. Only one run can be active."),
		gomcp.WithNumber("base_blocks",
			gomcp.Description("Number of base chain (BTC) blocks to mine"),
		),
		gomcp.WithNumber("relay_blocks",
			gomcp.Description("Number of relay chain (VBK) blocks to mine"),
		),
		gomcp.WithNumber("target_blocks",
			gomcp.Description("Number of target chain (ALT) blocks to mine"),
		),
		gomcp.WithNumber("proofs",
			gomcp.Description("Number of base tx / relay proof pairs"),
		),
		gomcp.WithNumber("data_submissions",
			gomcp.Description("Number of relay tx / target data pairs"),
		),
		gomcp.WithString("seed",
			gomcp.Description("Decimal uint64 seed to reproduce a run (random when omitted)"),
		),
		gomcp.WithNumber("time_budget_sec",
			gomcp.Description("Stop generating after this many seconds (0 = no limit)"),
		),
		gomcp.WithNumber("ops_per_sec",
			gomcp.Description("Dispatch rate limit (0 = as fast as possible)"),
		),
		gomcp.WithBoolean("converge",
			gomcp.Description("Run all convergence checks after the workload (default true)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		body := types.StartRunRequest{
			Counts: types.Counts{
				BaseBlocks:      req.GetInt("base_blocks", 0),
				RelayBlocks:     req.GetInt("relay_blocks", 0),
				TargetBlocks:    req.GetInt("target_blocks", 0),
				Proofs:          req.GetInt("proofs", 0),
				DataSubmissions: req.GetInt("data_submissions", 0),
			},
			TimeBudgetSec: req.GetInt("time_budget_sec", 0),
			OpsPerSec:     req.GetFloat("ops_per_sec", 0),
		}
		if body.Counts.Total() == 0 {
			body.Counts = config.Default().Run.Counts
		}
		if v := strings.TrimSpace(req.GetString("seed", "")); v != "" {
			seed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return gomcp.NewToolResultError(fmt.Sprintf("invalid seed %q: %v", v, err)), nil
			}
			body.Seed = &seed
		}
		if req.GetBool("converge", true) {
			body.Converge = types.ConvergeChecks{Tips: true, PendingSet: true, CrossChain: true}
		}

		if err := controller.ValidateStartRequest(&body); err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		raw, err := client.Post(ctx, "/v1/start", body)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
		}
		var resp struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &resp)

		return gomcp.NewToolResultText(joinLines(
			"Run started.",
			kv("ID", resp.ID),
			kv("Operations", formatNumber(body.Counts.Total())),
			"",
			"Use popfuzz_status to monitor progress.",
		)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_stop",
		gomcp.WithDescription("Stop the active run. It is recorded as cancelled."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Post(ctx, "/v1/stop", nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to stop run: %v", err)), nil
		}
		var resp struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(raw, &resp)
		if resp.Status == "idle" {
			return gomcp.NewToolResultText("No run is active."), nil
		}
		return gomcp.NewToolResultText("Run stopping."), nil
	})
}

func registerConverge(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_converge",
		gomcp.WithDescription("Poll the nodes until they agree on tips, pending relay sets and cross-chain state. Runs every check unless some are selected."),
		gomcp.WithBoolean("tips",
			gomcp.Description("Check target chain best block and block count"),
		),
		gomcp.WithBoolean("pending_set",
			gomcp.Description("Check pending relay blocks, proofs and transactions"),
		),
		gomcp.WithBoolean("cross_chain",
			gomcp.Description("Check the base and relay tips recorded by each node"),
		),
		gomcp.WithNumber("timeout_sec",
			gomcp.Description("Per-check timeout in seconds (0 = defaults)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		body := types.ConvergeRequest{
			Checks: types.ConvergeChecks{
				Tips:       req.GetBool("tips", false),
				PendingSet: req.GetBool("pending_set", false),
				CrossChain: req.GetBool("cross_chain", false),
			},
			TimeoutSec: req.GetInt("timeout_sec", 0),
		}
		raw, err := client.Post(ctx, "/v1/converge", body)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Convergence check failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatConverge(raw)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_history",
		gomcp.WithDescription("List recorded runs, newest first."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results (default 10)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Pagination offset (default 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to fetch history: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_run_detail",
		gomcp.WithDescription("Get the recorded result of a run: seed, counts, outcome and convergence results."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/"+url.PathEscape(id)+"?limit=1")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to fetch run: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerRunOps(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_run_ops",
		gomcp.WithDescription("Get the operation log of a run (paginated), including failed and no-op operations."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results (default 50)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Pagination offset (default 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		limit := req.GetInt("limit", 50)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history/%s/ops?limit=%d&offset=%d", url.PathEscape(id), limit, offset)
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to fetch operations: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunOps(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("popfuzz_delete_run",
		gomcp.WithDescription("Delete a recorded run and its operation log. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to delete run: %v", err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Run %s deleted.", id)), nil
	})
}

// --- Formatters ---

func formatStatus(raw json.RawMessage) string {
	var m types.RunMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	if m.Status == types.StatusIdle {
		return joinLines(section("Status"), kv("State", "idle"), "", "No run has been started.")
	}

	lines := []string{
		section("Status"),
		kv("State", m.Status),
		kv("Run", m.ID),
		kv("Seed", m.Seed),
		kv("Planned", formatNumber(m.Planned)),
		kv("Dispatched", formatNumber(m.Dispatched)),
		kv("Last index", m.LastIndex),
		kv("Elapsed", formatElapsed(m.ElapsedMs)),
	}
	if m.LastOp != "" {
		lines = append(lines, kv("Last operation", m.LastOp))
	}
	if m.Truncated {
		lines = append(lines, kv("Truncated", "time budget reached"))
	}
	if m.Error != "" {
		lines = append(lines, kv("Error", m.Error))
	}
	lines = append(lines,
		"",
		section("Operations"),
		kv("Applied", formatCounts(m.Applied)),
		kv("Empty-queue no-ops", formatCounts(m.Noops)),
		kv("Queues", formatQueues(m.Queues)),
	)
	lines = append(lines, formatLatency(m.Latency)...)
	return joinLines(lines...)
}

func formatHealth(raw json.RawMessage) string {
	var h struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return string(raw)
	}
	state := "ready"
	if !h.Ready {
		state = "not ready"
	}
	lines := []string{section("Health"), kv("State", state)}
	for _, c := range h.Checks {
		v := c.Status
		if c.Error != "" {
			v += " (" + c.Error + ")"
		}
		lines = append(lines, kv(strings.TrimPrefix(c.Name, "node-"), v))
	}
	return joinLines(lines...)
}

func formatConverge(raw json.RawMessage) string {
	var resp types.ConvergeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return string(raw)
	}
	state := "converged"
	if !resp.Converged {
		state = "diverged"
	}
	lines := []string{section("Convergence"), kv("Result", state)}
	lines = append(lines, formatConvergeResults(resp.Results)...)
	return joinLines(lines...)
}

func formatConvergeResults(results []types.ConvergeResult) []string {
	var lines []string
	for _, r := range results {
		v := "ok"
		if !r.Converged {
			v = "FAILED"
			if r.Error != "" {
				v += ": " + r.Error
			}
		}
		lines = append(lines, kv(r.Check, fmt.Sprintf("%s (%s)", v, formatElapsed(r.ElapsedMs))))
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return string(raw)
	}
	if len(page.Runs) == 0 {
		return "No runs recorded."
	}

	lines := []string{
		section(fmt.Sprintf("Runs (%d of %d)", len(page.Runs), page.Total)),
		fmt.Sprintf("%-36s  %-10s  %-20s  %8s  %s", "ID", "STATUS", "SEED", "OPS", "STARTED"),
	}
	for _, r := range page.Runs {
		lines = append(lines, fmt.Sprintf("%-36s  %-10s  %-20d  %8d  %s",
			r.ID, r.Status, r.Seed, r.Dispatched, r.StartedAt.Format(time.RFC3339)))
	}
	return joinLines(lines...)
}

func formatRunDetail(raw json.RawMessage) string {
	var detail controller.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil || detail.Run == nil {
		return string(raw)
	}
	r := detail.Run

	lines := []string{
		section("Run " + r.ID),
		kv("Status", r.Status),
		kv("Seed", r.Seed),
		kv("Dialect", r.Dialect),
		kv("Nodes", strings.Join(r.Nodes, ", ")),
		kv("Started", r.StartedAt.Format(time.RFC3339)),
		kv("Elapsed", formatElapsed(r.ElapsedMs)),
		kv("Dispatched", formatNumber(r.Dispatched)),
		kv("Last index", r.LastIndex),
		kv("Converged", r.Converged),
	}
	if r.CustomName != nil {
		lines = append(lines, kv("Name", *r.CustomName))
	}
	if r.ErrorMessage != "" {
		lines = append(lines, kv("Error", r.ErrorMessage))
	}
	lines = append(lines,
		"",
		section("Counts"),
		kv("Base blocks", r.Counts.BaseBlocks),
		kv("Relay blocks", r.Counts.RelayBlocks),
		kv("Target blocks", r.Counts.TargetBlocks),
		kv("Proofs", r.Counts.Proofs),
		kv("Data submissions", r.Counts.DataSubmissions),
		"",
		section("Outcomes"),
		kv("Applied", formatCounts(r.Applied)),
		kv("Empty-queue no-ops", formatCounts(r.Noops)),
	)
	if len(r.Convergence) > 0 {
		lines = append(lines, "", section("Convergence"))
		lines = append(lines, formatConvergeResults(r.Convergence)...)
	}
	lines = append(lines, formatLatency(r.Latency)...)
	return joinLines(lines...)
}

func formatRunOps(raw json.RawMessage) string {
	var page storage.PaginatedOps
	if err := json.Unmarshal(raw, &page); err != nil {
		return string(raw)
	}
	if len(page.Ops) == 0 {
		return "No operations recorded."
	}

	lines := []string{
		section(fmt.Sprintf("Operations %d-%d of %d", page.Offset, page.Offset+len(page.Ops)-1, page.Total)),
		fmt.Sprintf("%6s  %-26s  %-17s  %10s  %s", "INDEX", "OP", "OUTCOME", "DURATION", "ERROR"),
	}
	for _, op := range page.Ops {
		name := string(op.Op)
		if op.Settle {
			name += " (settle)"
		}
		lines = append(lines, fmt.Sprintf("%6d  %-26s  %-17s  %10s  %s",
			op.Index, name, op.Outcome, formatMs(float64(op.DurationUs)/1000), op.Error))
	}
	return joinLines(lines...)
}
