package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
	ws "github.com/yourbuddyconner/agent-ops-sub007/pkg/websocket"
)

// actionFor maps bus event types to client-facing actions.
var actionFor = map[string]string{
	events.SessionStateChanged:       ws.ActionSessionStateChanged,
	events.SessionStream:             ws.ActionSessionStream,
	events.SessionTerminated:         ws.ActionSessionTerminated,
	events.MessageAdded:              ws.ActionSessionMessage,
	events.RunnerConnected:           ws.ActionRunnerConnected,
	events.RunnerDisconnected:        ws.ActionRunnerDisconnected,
	events.TaskCreated:               ws.ActionTaskCreated,
	events.TaskUpdated:               ws.ActionTaskUpdated,
	events.TaskStateChanged:          ws.ActionTaskStateChanged,
	events.MailboxDelivered:          ws.ActionMailboxDelivered,
	events.ExecutionStarted:          ws.ActionExecutionStarted,
	events.ExecutionStepCompleted:    ws.ActionExecutionStepCompleted,
	events.ExecutionAwaitingApproval: ws.ActionExecutionAwaitingApproval,
	events.ExecutionResumed:          ws.ActionExecutionResumed,
	events.ExecutionCompleted:        ws.ActionExecutionCompleted,
	events.ExecutionFailed:           ws.ActionExecutionFailed,
}

// Forwarder bridges the event bus to the hub. It subscribes to the wildcard
// subjects the services publish on and routes each event to the scope named
// by the subject's last segment.
type Forwarder struct {
	hub    *Hub
	bus    bus.EventBus
	logger *logger.Logger

	subs []bus.Subscription
}

// NewForwarder wires the bridge. Call Start to begin forwarding.
func NewForwarder(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Forwarder {
	return &Forwarder{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_forwarder")),
	}
}

// Start subscribes to all forwarded subject families.
func (f *Forwarder) Start() error {
	families := []struct {
		subject string
		route   func(entityID string, event *bus.Event)
	}{
		{events.BuildSessionStateWildcardSubject(), f.routeSession},
		{events.BuildSessionStreamWildcardSubject(), f.routeSession},
		{events.BuildMessageAddedWildcardSubject(), f.routeSession},
		{events.BuildMailboxWildcardSubject(), f.routeMailbox},
		{events.TaskCreated + ".*", f.routeTask},
		{events.TaskUpdated + ".*", f.routeTask},
		{events.TaskStateChanged + ".*", f.routeTask},
		{events.BuildExecutionWildcardSubject(), f.routeExecution},
	}

	for _, family := range families {
		route := family.route
		sub, err := f.bus.Subscribe(family.subject, func(_ context.Context, event *bus.Event) error {
			route(lastSegment(event), event)
			return nil
		})
		if err != nil {
			f.Stop()
			return err
		}
		f.subs = append(f.subs, sub)
	}
	return nil
}

// Stop tears the bus subscriptions down.
func (f *Forwarder) Stop() {
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}

func (f *Forwarder) routeSession(sessionID string, event *bus.Event) {
	f.deliver(SessionScope(sessionID), event)
}

func (f *Forwarder) routeTask(taskID string, event *bus.Event) {
	f.deliver(TaskScope(taskID), event)
}

func (f *Forwarder) routeExecution(executionID string, event *bus.Event) {
	f.deliver(ExecutionScope(executionID), event)
}

// routeMailbox delivers to the recipient scope and, because the recipient
// may be a user rather than a session, to the user's connections as well.
func (f *Forwarder) routeMailbox(recipient string, event *bus.Event) {
	msg := f.notification(event)
	if msg == nil {
		return
	}
	f.hub.BroadcastToScope(SessionScope(recipient), msg)
	f.hub.BroadcastToUser(recipient, msg)
}

func (f *Forwarder) deliver(scope string, event *bus.Event) {
	if msg := f.notification(event); msg != nil {
		f.hub.BroadcastToScope(scope, msg)
	}
}

func (f *Forwarder) notification(event *bus.Event) *ws.Message {
	action, ok := actionFor[event.Type]
	if !ok {
		return nil
	}
	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		f.logger.Error("failed to build notification",
			zap.String("event_type", event.Type), zap.Error(err))
		return nil
	}
	return msg
}

// lastSegment extracts the entity id an event is scoped to. Every publisher
// includes its entity id in the event data.
func lastSegment(event *bus.Event) string {
	for _, key := range []string{"sessionId", "taskId", "executionId", "recipient"} {
		if id, ok := event.Data[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
