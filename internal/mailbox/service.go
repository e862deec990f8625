package mailbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/events/bus"
)

// HandleResolver maps an orchestrator handle to a user id. The session store
// provides the implementation.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Service validates, addresses, and delivers mailbox entries.
type Service struct {
	store    *Store
	resolver HandleResolver
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService wires the mailbox subsystem.
func NewService(store *Store, resolver HandleResolver, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "mailbox")),
	}
}

// SendRequest addresses one mailbox entry. Exactly one of ToSessionID,
// ToUserID, and ToHandle must be set.
type SendRequest struct {
	FromSessionID string      `json:"fromSessionId"`
	ToSessionID   string      `json:"toSessionId"`
	ToUserID      string      `json:"toUserId"`
	ToHandle      string      `json:"toHandle"`
	MessageType   MessageType `json:"messageType"`
	Content       string      `json:"content"`

	ContextSessionID *string `json:"contextSessionId"`
	ContextTaskID    *string `json:"contextTaskId"`
	ReplyToID        *string `json:"replyToId"`
}

// Send validates and durably writes an entry, resolving handle addressing at
// write time, then announces the delivery on the event bus.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Entry, error) {
	if !req.MessageType.Valid() {
		return nil, apperr.New(apperr.CodeValidation, "unknown message type %q", req.MessageType)
	}
	if req.Content == "" {
		return nil, apperr.New(apperr.CodeValidation, "content is required")
	}

	addresses := 0
	for _, a := range []string{req.ToSessionID, req.ToUserID, req.ToHandle} {
		if a != "" {
			addresses++
		}
	}
	if addresses != 1 {
		return nil, apperr.New(apperr.CodeValidation, "exactly one recipient address is required")
	}

	toUserID := req.ToUserID
	if req.ToHandle != "" {
		resolved, err := s.resolver.ResolveHandle(ctx, req.ToHandle)
		if err != nil {
			return nil, err
		}
		toUserID = resolved
	}

	if req.ReplyToID != nil {
		if _, err := s.store.Get(ctx, *req.ReplyToID); err != nil {
			return nil, err
		}
	}

	e := &Entry{
		FromSessionID:    req.FromSessionID,
		ToSessionID:      req.ToSessionID,
		ToUserID:         toUserID,
		MessageType:      req.MessageType,
		Content:          req.Content,
		ContextSessionID: req.ContextSessionID,
		ContextTaskID:    req.ContextTaskID,
		ReplyToID:        req.ReplyToID,
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, err
	}

	subject := events.BuildMailboxSubject(e.Recipient())
	err := s.bus.Publish(ctx, subject, bus.NewEvent(events.MailboxDelivered, "mailbox", map[string]interface{}{
		"entryId":     e.ID,
		"recipient":   e.Recipient(),
		"messageType": string(e.MessageType),
		"fromSession": e.FromSessionID,
	}))
	if err != nil {
		s.logger.Warn("failed to publish mailbox delivery",
			zap.String("entry_id", e.ID), zap.Error(err))
	}
	return e, nil
}

// CheckSession drains a session's unread mailbox, marking returned entries
// read atomically.
func (s *Service) CheckSession(ctx context.Context, sessionID string, limit int, after *time.Time) ([]*Entry, error) {
	return s.store.FetchUnread(ctx, sessionID, "", limit, after)
}

// CheckUser drains a user's unread mailbox, marking returned entries read
// atomically.
func (s *Service) CheckUser(ctx context.Context, userID string, limit int, after *time.Time) ([]*Entry, error) {
	return s.store.FetchUnread(ctx, "", userID, limit, after)
}

// UnreadCount reports pending entries without consuming them.
func (s *Service) UnreadCount(ctx context.Context, sessionID, userID string) (int, error) {
	return s.store.CountUnread(ctx, sessionID, userID)
}

// Thread returns an entry and its replies, oldest first.
func (s *Service) Thread(ctx context.Context, rootID string) ([]*Entry, error) {
	return s.store.Thread(ctx, rootID)
}
