// Package main is the entry point for the agentops control plane. The single
// binary runs every subsystem together: session actors, the runner gateway,
// the task board, the mailbox, the workflow engine, the event gateway, and
// the agent-facing MCP tool server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/tracing"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/db"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	gatewayhttp "github.com/yourbuddyconner/agent-ops-sub007/internal/gateway/http"
	gatewayws "github.com/yourbuddyconner/agent-ops-sub007/internal/gateway/websocket"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/mailbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/mcpserver"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/runner"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/sandbox"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	sessionstore "github.com/yourbuddyconner/agent-ops-sub007/internal/session/store"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/taskboard"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/workflow"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting agentops control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// 4. Database pool (SQLite unless a host is configured)
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()
	log.Info("Database initialized", zap.String("driver", pool.DriverName()))

	// 5. Stores
	sessStore, err := sessionstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	taskStore, err := taskboard.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	mailStore, err := mailbox.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize mailbox store", zap.Error(err))
	}
	wfStore, err := workflow.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize workflow store", zap.Error(err))
	}

	// 6. Sandbox supervisor
	supervisor, err := sandbox.Provide(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox supervisor", zap.Error(err))
	}
	defer func() { _ = supervisor.Close() }()
	log.Info("Sandbox supervisor ready", zap.String("backend", cfg.Sandbox.Backend))

	// 7. Core services
	sessions := session.NewService(sessStore, eventBus, supervisor, cfg.Sandbox, cfg.Runner, log)
	defer sessions.Close()

	tasks := taskboard.NewService(taskStore, eventBus, log)
	mail := mailbox.NewService(mailStore, sessStore, eventBus, log)

	tools := workflow.NewToolRegistry()
	registerWorkflowTools(tools, sessions, tasks, mail)

	agents := workflow.NewSessionGateway(sessions, eventBus, "workflow-engine")
	workflows := workflow.NewService(wfStore, eventBus, tools, agents, cfg.Workflow, log)
	workflows.StartSweeper(ctx, cfg.Workflow.SweepIntervalDuration())

	// 8. Event gateway hub and bus-to-client forwarder
	hub := gatewayws.NewHub(log)
	go hub.Run(ctx)

	forwarder := gatewayws.NewForwarder(hub, eventBus, log)
	if err := forwarder.Start(); err != nil {
		log.Fatal("Failed to start event forwarder", zap.Error(err))
	}
	defer forwarder.Stop()

	// 9. HTTP gateway. Authentication is deployment-specific; the default
	// verifier treats the bearer token as the user id, which is what the
	// development stack and the test harness use.
	verify := func(token string) (string, error) { return token, nil }

	restServer := gatewayhttp.NewServer(sessions, tasks, mail, workflows, verify, log)
	router := restServer.Router()

	wsHandler := gatewayws.NewHandler(hub, gatewayws.TokenVerifier(verify), log)
	wsHandler.Register(router)

	runnerHandler := runner.NewHandler(sessions, cfg.Runner, log)
	runnerHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. MCP tool server for sandboxed agents
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		_, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Deps{
			Sessions: sessions,
			Tasks:    tasks,
			Mail:     mail,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
	}

	log.Info("agentops ready",
		zap.String("http", "/api"),
		zap.String("events", "/api/events/ws"),
		zap.String("runner", "/runner/ws"),
		zap.String("health", "/health"))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentops...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("agentops stopped")
}

// registerWorkflowTools exposes the control plane's own operations to tool
// steps. Sessions the engine acts through are owned by the workflow-engine
// system user.
func registerWorkflowTools(reg *workflow.ToolRegistry, sessions *session.Service,
	tasks *taskboard.Service, mail *mailbox.Service) {

	reg.Register("create_task", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		req := taskboard.CreateRequest{
			OrchestratorSessionID: stringArg(args, "orchestrator_session_id"),
			Title:                 stringArg(args, "title"),
			Description:           stringArg(args, "description"),
		}
		if assignee := stringArg(args, "assignee_session_id"); assignee != "" {
			req.AssigneeSessionID = &assignee
		}
		return tasks.Create(ctx, req)
	})

	reg.Register("update_task", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		var update taskboard.UpdateRequest
		if raw := stringArg(args, "status"); raw != "" {
			status := taskboard.Status(raw)
			update.Status = &status
		}
		if result := stringArg(args, "result"); result != "" {
			update.Result = &result
		}
		return tasks.Update(ctx, stringArg(args, "task_id"), update)
	})

	reg.Register("send_session_message", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		interrupt, _ := args["interrupt"].(bool)
		return sessions.SessionMessage(ctx,
			stringArg(args, "from_session_id"),
			stringArg(args, "target_session_id"),
			stringArg(args, "content"),
			interrupt)
	})

	reg.Register("send_notification", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		messageType := mailbox.MessageType(stringArg(args, "message_type"))
		if messageType == "" {
			messageType = mailbox.TypeNotification
		}
		return mail.Send(ctx, mailbox.SendRequest{
			ToSessionID: stringArg(args, "to_session_id"),
			ToUserID:    stringArg(args, "to_user_id"),
			ToHandle:    stringArg(args, "to_handle"),
			MessageType: messageType,
			Content:     stringArg(args, "content"),
		})
	})
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}
