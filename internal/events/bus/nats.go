package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const (
	natsReconnectWait = 2 * time.Second

	// Outbound events buffered while the server is unreachable. Session and
	// execution events are small; this covers minutes of churn.
	natsReconnectBuffer = 5 * 1024 * 1024
)

// NATSEventBus is the EventBus used when sessions and workflow executions
// span more than one control plane process. Subjects follow the same
// dotted scheme the in-memory bus matches with wildcards.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to the configured server. The connection
// self-heals: subscriptions survive reconnects and publishes are buffered
// while the server is away.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{logger: log}

	conn, err := nats.Connect(cfg.URL, b.connectOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}
	b.conn = conn

	log.Info("connected to nats", zap.String("url", cfg.URL), zap.String("client_id", cfg.ClientID))
	return b, nil
}

func (b *NATSEventBus) connectOptions(cfg config.NATSConfig) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(natsReconnectBuffer),

		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats link lost, buffering publishes", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats link restored", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				b.logger.Error("nats connection closed", zap.Error(err))
				return
			}
			b.logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
}

// Publish sends one event. Delivery is at-most-once; consumers that need
// state re-read it from the stores.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.Type, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.Type, subject, err)
	}
	return nil
}

// Subscribe delivers every event matching the subject pattern to handler.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.dispatch(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe delivers each matching event to one member of the queue
// group, for work that must not fan out across replicas.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.dispatch(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s as %s: %w", subject, queue, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// dispatch adapts an EventHandler to the NATS callback. Undecodable
// payloads and handler errors are logged and dropped, never redelivered.
func (b *NATSEventBus) dispatch(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("dropping undecodable event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Request publishes an event and waits for a single reply.
func (b *NATSEventBus) Request(_ context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request %s: %w", event.Type, err)
	}
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	var reply Event
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply from %s: %w", subject, err)
	}
	return &reply, nil
}

// Close drains in-flight messages before dropping the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed, closing hard", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the server link is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
