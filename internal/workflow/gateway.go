package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

// SessionGateway adapts the session service to the engine's AgentGateway.
// Workflow-owned sessions carry the workflow purpose and live hibernated
// between steps.
type SessionGateway struct {
	sessions *session.Service
	bus      bus.EventBus
	userID   string
}

// NewSessionGateway builds a gateway that owns sessions on behalf of the
// given system user.
func NewSessionGateway(sessions *session.Service, eventBus bus.EventBus, userID string) *SessionGateway {
	if userID == "" {
		userID = "workflow-engine"
	}
	return &SessionGateway{sessions: sessions, bus: eventBus, userID: userID}
}

var _ AgentGateway = (*SessionGateway)(nil)

func (g *SessionGateway) EnsureSession(ctx context.Context, workspace, title string) (string, error) {
	sess, err := g.sessions.Store().FindWorkspaceSession(ctx, workspace, models.PurposeWorkflow)
	if err == nil {
		return sess.ID, nil
	}
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		return "", err
	}

	sess, err = g.sessions.Spawn(ctx, session.SpawnRequest{
		UserID:    g.userID,
		Workspace: workspace,
		Title:     title,
		Purpose:   models.PurposeWorkflow,
	})
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (g *SessionGateway) Wake(ctx context.Context, sessionID string) error {
	return g.sessions.Wake(ctx, sessionID)
}

func (g *SessionGateway) Hibernate(ctx context.Context, sessionID string) error {
	err := g.sessions.Hibernate(ctx, sessionID)
	if apperr.CodeOf(err) == apperr.CodeConflict {
		// Already parked or never reached running; nothing to do
		return nil
	}
	return err
}

func (g *SessionGateway) Prompt(ctx context.Context, sessionID, content, model string) (string, error) {
	return g.sessions.Prompt(ctx, sessionID, uuid.New().String(), content, model, false)
}

// AwaitResponse waits for the next assistant message on the session. The
// message.added event only names the message; the content is read back from
// the session log.
func (g *SessionGateway) AwaitResponse(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	replies := make(chan string, 1)
	sub, err := g.bus.Subscribe(events.BuildMessageAddedSubject(sessionID), func(_ context.Context, event *bus.Event) error {
		if fmt.Sprint(event.Data["role"]) != string(models.RoleAssistant) {
			return nil
		}
		messageID, _ := event.Data["messageId"].(string)
		if messageID == "" {
			return nil
		}
		select {
		case replies <- messageID:
		default:
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case messageID := <-replies:
		msg, err := g.sessions.Store().GetMessage(ctx, messageID)
		if err != nil {
			return "", err
		}
		return msg.Content, nil
	case <-time.After(timeout):
		return "", apperr.New(apperr.CodeTimeout,
			"session %s produced no response within %v", sessionID, timeout)
	case <-ctx.Done():
		return "", apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "await canceled")
	}
}

// ToolFunc executes a named workflow tool.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolRegistry is a ToolInvoker backed by registered functions. The control
// plane registers its task board and session tools here at startup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolFunc)}
}

var _ ToolInvoker = (*ToolRegistry)(nil)

func (r *ToolRegistry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "no tool registered as %q", name)
	}
	return fn(ctx, args)
}
