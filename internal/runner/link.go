package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size allowed from the runner
	maxFrameSize = 512 * 1024 // 512KB

	// Outbound frame buffer per link
	sendBuffer = 64
)

// Sink receives protocol events from runner links. The session layer
// implements it.
type Sink interface {
	// AuthorizeRunner validates the callback token presented on connect.
	AuthorizeRunner(ctx context.Context, sessionID, token string) error

	// LinkUp is called when a runner link is established (or re-established).
	LinkUp(ctx context.Context, sessionID string, link *Link) error

	// HandleFrame delivers one inbound frame. Frames for unknown or
	// terminated sessions are dropped by the sink.
	HandleFrame(ctx context.Context, sessionID string, frame *Frame)

	// LinkDown is called exactly once when the link is lost.
	LinkDown(sessionID string, err error)
}

// Link is one live runner connection. A new Link is created on every
// reconnection; links are never persisted.
type Link struct {
	sessionID string
	conn      *websocket.Conn
	send      chan *Frame
	logger    *logger.Logger

	heartbeatInterval time.Duration
	heartbeatWindow   time.Duration

	lastHeartbeat atomic.Int64 // unix nanos of last inbound frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink wraps an upgraded WebSocket connection.
func NewLink(sessionID string, conn *websocket.Conn, cfg config.RunnerConfig, log *logger.Logger) *Link {
	interval := cfg.HeartbeatIntervalDuration()
	missed := cfg.MissedHeartbeats
	if missed <= 0 {
		missed = 2
	}

	l := &Link{
		sessionID:         sessionID,
		conn:              conn,
		send:              make(chan *Frame, sendBuffer),
		logger:            log.WithSessionID(sessionID),
		heartbeatInterval: interval,
		heartbeatWindow:   interval + time.Duration(missed)*interval,
		closed:            make(chan struct{}),
	}
	l.lastHeartbeat.Store(time.Now().UnixNano())
	return l
}

// SessionID returns the session this link serves.
func (l *Link) SessionID() string { return l.sessionID }

// LastHeartbeat returns the time of the last inbound frame.
func (l *Link) LastHeartbeat() time.Time {
	return time.Unix(0, l.lastHeartbeat.Load())
}

// Done returns a channel that is closed when the link goes down.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// IsConnected reports whether the link is still up.
func (l *Link) IsConnected() bool {
	select {
	case <-l.closed:
		return false
	default:
		return true
	}
}

// Send enqueues a frame for the runner. It never blocks: a full buffer or a
// closed link surfaces an error instead.
func (l *Link) Send(frame *Frame) error {
	select {
	case <-l.closed:
		return apperr.New(apperr.CodeRunnerDisconnected, "runner link for session %s is down", l.sessionID)
	default:
	}

	select {
	case l.send <- frame:
		return nil
	default:
		return apperr.New(apperr.CodeBusy, "runner send buffer full for session %s", l.sessionID)
	}
}

// Close tears the link down. Safe to call multiple times.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

// Run drives the link until it fails or ctx is canceled. It blocks; the
// handler invokes it on the connection goroutine. sink.LinkDown is called
// exactly once before Run returns.
func (l *Link) Run(ctx context.Context, sink Sink) {
	var downOnce sync.Once
	down := func(err error) {
		downOnce.Do(func() {
			l.Close()
			sink.LinkDown(l.sessionID, err)
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.writePump(down)
	}()

	l.readPump(ctx, sink, down)
	wg.Wait()
}

// readPump reads frames until the connection fails or the heartbeat window
// elapses with no inbound traffic.
func (l *Link) readPump(ctx context.Context, sink Sink, down func(error)) {
	defer down(nil)

	l.conn.SetReadLimit(maxFrameSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(l.heartbeatWindow))
	l.conn.SetPongHandler(func(string) error {
		l.touch()
		return l.conn.SetReadDeadline(time.Now().Add(l.heartbeatWindow))
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn("runner link read error", zap.Error(err))
				down(apperr.Wrap(apperr.CodeRunnerDisconnected, err, "runner link lost"))
			}
			return
		}

		l.touch()
		_ = l.conn.SetReadDeadline(time.Now().Add(l.heartbeatWindow))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warn("dropping malformed runner frame", zap.Error(err))
			continue
		}
		if frame.Type == "" {
			l.logger.Warn("dropping runner frame without type")
			continue
		}
		if frame.Type == FrameKeepalive {
			continue
		}

		sink.HandleFrame(ctx, l.sessionID, &frame)
	}
}

// writePump sends queued frames and periodic keepalives.
func (l *Link) writePump(down func(error)) {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return

		case frame := <-l.send:
			if err := l.writeFrame(frame); err != nil {
				l.logger.Warn("runner link write error", zap.Error(err))
				down(apperr.Wrap(apperr.CodeRunnerDisconnected, err, "runner link write failed"))
				return
			}

		case <-ticker.C:
			if err := l.writeFrame(NewKeepaliveFrame()); err != nil {
				down(apperr.Wrap(apperr.CodeRunnerDisconnected, err, "runner keepalive failed"))
				return
			}
			// Transport-level ping alongside the protocol keepalive
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				down(apperr.Wrap(apperr.CodeRunnerDisconnected, err, "runner ping failed"))
				return
			}
		}
	}
}

func (l *Link) writeFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) touch() {
	l.lastHeartbeat.Store(time.Now().UnixNano())
}
