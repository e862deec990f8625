package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

type captureSink struct {
	mu      sync.Mutex
	frames  []*Frame
	gotLink chan *Link
	down    chan struct{}
	authErr error
}

func newCaptureSink() *captureSink {
	return &captureSink{
		gotLink: make(chan *Link, 1),
		down:    make(chan struct{}, 1),
	}
}

func (s *captureSink) AuthorizeRunner(_ context.Context, _, _ string) error {
	return s.authErr
}

func (s *captureSink) LinkUp(_ context.Context, _ string, link *Link) error {
	s.gotLink <- link
	return nil
}

func (s *captureSink) HandleFrame(_ context.Context, _ string, frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *captureSink) LinkDown(_ string, _ error) {
	select {
	case s.down <- struct{}{}:
	default:
	}
}

func (s *captureSink) frameTypes() []FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]FrameType, len(s.frames))
	for i, f := range s.frames {
		types[i] = f.Type
	}
	return types
}

func setupLinkTest(t *testing.T, sink Sink) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := config.RunnerConfig{HeartbeatInterval: 1, MissedHeartbeats: 2, MailboxSize: 16}
	handler := NewHandler(sink, cfg, log)

	router := gin.New()
	handler.RegisterRoutes(router.Group("/api"))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runner/ws"
	return srv, wsURL
}

func TestLinkFrameExchange(t *testing.T) {
	sink := newCaptureSink()
	_, wsURL := setupLinkTest(t, sink)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?sessionId=sess-1&token=tok", nil)
	require.NoError(t, err)
	defer conn.Close()

	var link *Link
	select {
	case link = <-sink.gotLink:
	case <-time.After(2 * time.Second):
		t.Fatal("LinkUp was not called")
	}
	assert.Equal(t, "sess-1", link.SessionID())
	assert.True(t, link.IsConnected())

	// Inbound frame reaches the sink, unknown fields tolerated
	err = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"agentStatus","status":"idle","someNewField":true}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, ft := range sink.frameTypes() {
			if ft == FrameAgentStatus {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// Outbound prompt reaches the runner
	require.NoError(t, link.Send(NewPromptFrame("msg-1", "hello", "")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Type == FrameKeepalive {
			continue
		}
		assert.Equal(t, FramePrompt, frame.Type)
		assert.Equal(t, "msg-1", frame.MessageID)
		break
	}
}

func TestLinkKeepalive(t *testing.T) {
	sink := newCaptureSink()
	_, wsURL := setupLinkTest(t, sink)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?sessionId=sess-2&token=tok", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Heartbeat interval is 1s in the test config
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "expected a keepalive frame within the heartbeat interval")
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Type == FrameKeepalive {
			return
		}
	}
}

func TestLinkDownOnDisconnect(t *testing.T) {
	sink := newCaptureSink()
	_, wsURL := setupLinkTest(t, sink)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?sessionId=sess-3&token=tok", nil)
	require.NoError(t, err)

	var link *Link
	select {
	case link = <-sink.gotLink:
	case <-time.After(2 * time.Second):
		t.Fatal("LinkUp was not called")
	}

	conn.Close()

	select {
	case <-sink.down:
	case <-time.After(2 * time.Second):
		t.Fatal("LinkDown was not called after disconnect")
	}

	require.Eventually(t, func() bool { return !link.IsConnected() }, 2*time.Second, 20*time.Millisecond)

	// Sends on a dead link surface RUNNER_DISCONNECTED
	err = link.Send(NewStopFrame())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRunnerDisconnected, apperr.CodeOf(err))
}

func TestLinkDoneSignaledOnDisconnect(t *testing.T) {
	sink := newCaptureSink()
	_, wsURL := setupLinkTest(t, sink)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?sessionId=sess-5&token=tok", nil)
	require.NoError(t, err)

	var link *Link
	select {
	case link = <-sink.gotLink:
	case <-time.After(2 * time.Second):
		t.Fatal("LinkUp was not called")
	}

	select {
	case <-link.Done():
		t.Fatal("Done must stay open while the link is up")
	default:
	}

	// Waiters on Done wake as soon as the peer goes away, with no polling
	conn.Close()
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done was not signaled after disconnect")
	}
}

func TestLinkAttachRejected(t *testing.T) {
	sink := newCaptureSink()
	sink.authErr = apperr.New(apperr.CodeUnauthorized, "bad callback token")
	_, wsURL := setupLinkTest(t, sink)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?sessionId=sess-4&token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLinkAttachRequiresSession(t *testing.T) {
	sink := newCaptureSink()
	_, wsURL := setupLinkTest(t, sink)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
