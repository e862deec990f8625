package taskboard

import (
	"context"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

// Service validates task mutations and announces them on the event bus.
type Service struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService wires the task board.
func NewService(store *Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "taskboard")),
	}
}

// CreateRequest describes a new task.
type CreateRequest struct {
	OrchestratorSessionID string   `json:"orchestratorSessionId"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	AssigneeSessionID     *string  `json:"assigneeSessionId"`
	ParentTaskID          *string  `json:"parentTaskId"`
	DependsOn             []string `json:"dependsOn"`
}

// Create inserts a task and its dependency edges atomically.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if req.OrchestratorSessionID == "" {
		return nil, apperr.New(apperr.CodeValidation, "orchestratorSessionId is required")
	}
	if req.Title == "" {
		return nil, apperr.New(apperr.CodeValidation, "title is required")
	}

	t := &Task{
		OrchestratorSessionID: req.OrchestratorSessionID,
		SessionID:             req.AssigneeSessionID,
		Title:                 req.Title,
		Description:           req.Description,
		ParentTaskID:          req.ParentTaskID,
		DependsOn:             req.DependsOn,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskCreated, t.ID, map[string]interface{}{
		"taskId":       t.ID,
		"orchestrator": t.OrchestratorSessionID,
		"status":       string(t.Status),
	})
	return t, nil
}

// Get returns a task with its dependencies.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// Update applies a partial mutation and emits events for the task and for
// every dependent the completion cascade unblocked.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Task, error) {
	t, unblocked, err := s.store.UpdateTask(ctx, id, req)
	if err != nil {
		return nil, err
	}

	eventType := events.TaskUpdated
	if req.Status != nil {
		eventType = events.TaskStateChanged
	}
	s.publish(ctx, eventType, t.ID, map[string]interface{}{
		"taskId": t.ID,
		"status": string(t.Status),
	})
	for _, depID := range unblocked {
		s.publish(ctx, events.TaskStateChanged, depID, map[string]interface{}{
			"taskId":      depID,
			"status":      string(StatusPending),
			"unblockedBy": t.ID,
		})
	}
	return t, nil
}

// AddDependency inserts one edge into the DAG.
func (s *Service) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return s.store.AddDependency(ctx, taskID, dependsOn)
}

// List returns tasks matching the filter in (created_at, id) order.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// ListMine returns the tasks assigned to a session.
func (s *Service) ListMine(ctx context.Context, sessionID string, status Status) ([]*Task, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.CodeValidation, "sessionId is required")
	}
	return s.store.ListTasks(ctx, ListFilter{SessionID: sessionID, Status: status})
}

// Delete removes a task, unblocking dependents it alone was holding back.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.TaskDeleted, id, map[string]interface{}{"taskId": id})
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	subject := events.BuildTaskSubject(eventType, taskID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "taskboard", data)); err != nil {
		s.logger.Warn("failed to publish task event",
			zap.String("task_id", taskID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
