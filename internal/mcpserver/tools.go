package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/taskboard"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a task on your orchestrator's task board. "+
				"Dependencies block the task until they complete."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID (the orchestrator that owns the board)"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The task title"),
			),
			mcp.WithString("description",
				mcp.Description("The task description (optional)"),
			),
			mcp.WithString("assignee_session_id",
				mcp.Description("Session to assign the task to (optional)"),
			),
			mcp.WithString("parent_task_id",
				mcp.Description("Parent task ID for subtasks (optional)"),
			),
			mcp.WithArray("depends_on",
				mcp.Description("Task IDs this task is blocked on (optional)"),
			),
		),
		createTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("update_task",
			mcp.WithDescription("Update a task's status, result, title, or description. "+
				"Completing a task unblocks tasks that depended on it."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to update"),
			),
			mcp.WithString("status",
				mcp.Description("New status: pending, in_progress, completed, failed, blocked (optional)"),
			),
			mcp.WithString("result",
				mcp.Description("Free-form handoff text written on completion (optional)"),
			),
			mcp.WithString("title",
				mcp.Description("New title (optional)"),
			),
			mcp.WithString("description",
				mcp.Description("New description (optional)"),
			),
		),
		updateTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_my_tasks",
			mcp.WithDescription("List tasks assigned to your session, ordered by creation."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by status (optional)"),
			),
		),
		listMyTasksHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("send_session_message",
			mcp.WithDescription("Send a message into another session's conversation. "+
				"Allowed when the target belongs to the same user or you are its ancestor."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID"),
			),
			mcp.WithString("target_session_id",
				mcp.Required(),
				mcp.Description("The session to deliver the message to"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message content"),
			),
			mcp.WithBoolean("interrupt",
				mcp.Description("Abort the target's current work before delivery (optional)"),
			),
		),
		sendSessionMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("notify_parent",
			mcp.WithDescription("Send a message to your parent session. "+
				"Use this to report progress or hand off results."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message content"),
			),
		),
		notifyParentHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("check_mailbox",
			mcp.WithDescription("Read your mailbox. Returned entries are atomically marked read."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries to return (optional)"),
			),
		),
		checkMailboxHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("spawn_child",
			mcp.WithDescription("Spawn a child session that works a task in its own sandbox. "+
				"The child inherits your user and can notify you via notify_parent."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session ID (becomes the parent)"),
			),
			mcp.WithString("task",
				mcp.Required(),
				mcp.Description("What the child should do; becomes its title and first prompt"),
			),
			mcp.WithString("workspace",
				mcp.Required(),
				mcp.Description("Workspace name for the child (no '/' allowed)"),
			),
			mcp.WithString("repo_url",
				mcp.Description("Git repository to clone into the child's sandbox (optional)"),
			),
			mcp.WithString("branch",
				mcp.Description("Branch to check out (optional)"),
			),
			mcp.WithString("model",
				mcp.Description("Model preference for the child (optional)"),
			),
		),
		spawnChildHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// toolResult renders a value as an indented JSON tool response.
func toolResult(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func createTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		create := taskboard.CreateRequest{
			OrchestratorSessionID: sessionID,
			Title:                 title,
			Description:           req.GetString("description", ""),
			DependsOn:             req.GetStringSlice("depends_on", nil),
		}
		if assignee := req.GetString("assignee_session_id", ""); assignee != "" {
			create.AssigneeSessionID = &assignee
		}
		if parent := req.GetString("parent_task_id", ""); parent != "" {
			create.ParentTaskID = &parent
		}

		task, err := deps.Tasks.Create(ctx, create)
		if err != nil {
			log.Warn("create_task failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create task: %v", err)), nil
		}
		return toolResult(task), nil
	}
}

func updateTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var update taskboard.UpdateRequest
		if raw := req.GetString("status", ""); raw != "" {
			status := taskboard.Status(raw)
			update.Status = &status
		}
		if result := req.GetString("result", ""); result != "" {
			update.Result = &result
		}
		if title := req.GetString("title", ""); title != "" {
			update.Title = &title
		}
		if desc := req.GetString("description", ""); desc != "" {
			update.Description = &desc
		}

		task, err := deps.Tasks.Update(ctx, taskID, update)
		if err != nil {
			log.Warn("update_task failed", zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update task: %v", err)), nil
		}
		return toolResult(task), nil
	}
}

func listMyTasksHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tasks, err := deps.Tasks.ListMine(ctx, sessionID, taskboard.Status(req.GetString("status", "")))
		if err != nil {
			log.Warn("list_my_tasks failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return toolResult(tasks), nil
	}
}

func sendSessionMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		targetID, err := req.RequireString("target_session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		messageID, err := deps.Sessions.SessionMessage(ctx, sessionID, targetID, content,
			req.GetBool("interrupt", false))
		if err != nil {
			log.Warn("send_session_message failed",
				zap.String("session_id", sessionID),
				zap.String("target_session_id", targetID),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		return toolResult(map[string]string{"messageId": messageID, "targetSessionId": targetID}), nil
	}
}

func notifyParentHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		messageID, err := deps.Sessions.NotifyParent(ctx, sessionID, content)
		if err != nil {
			log.Warn("notify_parent failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to notify parent: %v", err)), nil
		}
		return toolResult(map[string]string{"messageId": messageID}), nil
	}
}

func checkMailboxHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entries, err := deps.Mail.CheckSession(ctx, sessionID, req.GetInt("limit", 0), nil)
		if err != nil {
			log.Warn("check_mailbox failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to check mailbox: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcp.NewToolResultText("Mailbox is empty."), nil
		}
		return toolResult(entries), nil
	}
}

func spawnChildHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := req.RequireString("task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		workspace, err := req.RequireString("workspace")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		spawn := session.SpawnRequest{
			Workspace: workspace,
			Title:     task,
			ModelPref: req.GetString("model", ""),
			AutoStart: true,
		}
		if repoURL := req.GetString("repo_url", ""); repoURL != "" {
			spawn.Git = &models.GitState{
				SourceType: models.SourceBranch,
				Repo:       repoURL,
				Branch:     req.GetString("branch", ""),
			}
		}

		child, err := deps.Sessions.SpawnChild(ctx, sessionID, spawn)
		if err != nil {
			log.Warn("spawn_child failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to spawn child: %v", err)), nil
		}
		return toolResult(map[string]string{"childSessionId": child.ID}), nil
	}
}
