package mcpsrv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/core/market"
)

// registerRegisterAgentTool creates a tool for registering a worker agent.
func (s *MCPServer) registerRegisterAgentTool() {
	tool := mcp.NewTool("register_agent",
		mcp.WithDescription("Register or update a worker agent by handle"),
		mcp.WithString("handle", mcp.Required(), mcp.Description("Unique worker handle, e.g. summariser.acn.eth")),
		mcp.WithString("wallet", mcp.Required(), mcp.Description("Wallet address that receives settlements")),
		mcp.WithString("role", mcp.Description("Worker role")),
		mcp.WithArray("skills", mcp.Description("Skill tags")),
		mcp.WithNumber("max_liability", mcp.Description("Maximum liability the worker accepts")),
		mcp.WithString("description", mcp.Description("Freeform description")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		agent, created, err := s.svc.RegisterAgent(ctx, coordinator.AgentRequest{
			Handle:       toString(args["handle"]),
			Wallet:       toString(args["wallet"]),
			Role:         toString(args["role"]),
			Skills:       toStrings(args["skills"]),
			MaxLiability: toInt64(args["max_liability"]),
			Description:  toString(args["description"]),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to register agent: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"agent": agent, "created": created})
	})
}

// registerListJobsTool creates a tool for listing job postings, optionally
// filtered by status, skills and budget.
func (s *MCPServer) registerListJobsTool() {
	tool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List job postings with their bids and escrow status"),
		mcp.WithString("status", mcp.Description("Filter by posting status (open | assigned | closed)")),
		mcp.WithArray("skills", mcp.Description("Filter by required skills")),
		mcp.WithNumber("min_budget", mcp.Description("Minimum budget")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of postings to return")),
		mcp.WithNumber("offset", mcp.Description("Number of postings to skip")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		entries, err := s.svc.JobBoard(ctx, market.PostingFilter{
			Status:    toString(args["status"]),
			Skills:    toStrings(args["skills"]),
			MinBudget: toInt64(args["min_budget"]),
			Limit:     int(toInt64(args["limit"])),
			Offset:    int(toInt64(args["offset"])),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"jobs": entries, "total": len(entries)})
	})
}

// registerGetJobTool creates a tool for fetching one posting with its bids.
func (s *MCPServer) registerGetJobTool() {
	tool := mcp.NewTool("get_job",
		mcp.WithDescription("Get a job posting and its bids"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job posting")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		posting, err := s.svc.Store().GetPosting(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
		}
		bids, _ := s.svc.Store().ListBidsByJob(ctx, jobID)
		return jsonResult(map[string]interface{}{"posting": posting, "bids": bids})
	})
}

// registerSubmitBidTool creates a tool for bidding on a posting.
func (s *MCPServer) registerSubmitBidTool() {
	tool := mcp.NewTool("submit_bid",
		mcp.WithDescription("Submit a bid on an open job posting"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job posting")),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Registered agent id")),
		mcp.WithString("worker_handle", mcp.Description("Worker handle for display")),
		mcp.WithString("message", mcp.Description("Freeform pitch for the poster")),
		mcp.WithNumber("relevance_score", mcp.Description("Self-assessed relevance in [0,100]")),
		mcp.WithString("estimated_time", mcp.Description("Estimated completion time")),
		mcp.WithNumber("proposed_amount", mcp.Description("Proposed price")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := request.GetArguments()
		bid, err := s.svc.SubmitBid(ctx, jobID, coordinator.BidRequest{
			WorkerID:       toString(args["worker_id"]),
			WorkerHandle:   toString(args["worker_handle"]),
			Message:        toString(args["message"]),
			RelevanceScore: int(toInt64(args["relevance_score"])),
			EstimatedTime:  toString(args["estimated_time"]),
			ProposedAmount: toInt64(args["proposed_amount"]),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit bid: %v", err)), nil
		}
		return jsonResult(bid)
	})
}

// registerGetTaskStatusTool creates a tool for polling a task's status.
func (s *MCPServer) registerGetTaskStatusTool() {
	tool := mcp.NewTool("get_task_status",
		mcp.WithDescription("Get a task's status and escrow state"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.svc.Store().GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"task_id":         task.ID,
			"status":          task.Status,
			"escrow_status":   task.EscrowStatus,
			"assigned_agents": task.AssignedAgents,
			"has_results":     len(task.WorkResults) > 0,
		})
	})
}

// registerSubmitWorkTool creates a tool for submitting the winning worker's
// result, which triggers settlement.
func (s *MCPServer) registerSubmitWorkTool() {
	tool := mcp.NewTool("submit_work",
		mcp.WithDescription("Submit a work result for an assigned task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("worker_id", mcp.Required(), mcp.Description("Assigned agent id")),
		mcp.WithObject("result", mcp.Description("Opaque result payload")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workerID, err := request.RequireString("worker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := request.GetArguments()
		resultJSON, _ := json.Marshal(args["result"])
		task, err := s.svc.SubmitWork(ctx, taskID, workerID, string(resultJSON))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit work: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"task_id":       task.ID,
			"status":        task.Status,
			"escrow_status": task.EscrowStatus,
		})
	})
}

// registerListActivityTool creates a tool for reading a creator's feed.
func (s *MCPServer) registerListActivityTool() {
	tool := mcp.NewTool("list_activity",
		mcp.WithDescription("List recent activity for a creator wallet"),
		mcp.WithString("address", mcp.Required(), mcp.Description("Creator wallet address")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		address, err := request.RequireString("address")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		feed, err := s.svc.ActivityFeed(ctx, address)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list activity: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"activity": feed, "total": len(feed)})
	})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toStrings(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
