package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleForSession(t *testing.T) {
	h := HandleForSession("3b5a7c1e-9f2d-4a6b-8c0d-1e2f3a4b5c6d")
	assert.True(t, strings.HasPrefix(h, "agentops-"))
	assert.Equal(t, h, HandleForSession("3b5a7c1e-9f2d-4a6b-8c0d-1e2f3a4b5c6d"),
		"handle derivation must be deterministic")

	// Unsafe characters are replaced, never passed through
	h = HandleForSession("weird/id with spaces!")
	assert.NotContains(t, h, "/")
	assert.NotContains(t, h, " ")
	assert.NotContains(t, h, "!")
}

func TestHandleForSession_LongID(t *testing.T) {
	long := strings.Repeat("a", 200)
	h := HandleForSession(long)
	assert.LessOrEqual(t, len(h), len(handlePrefix)+32)
}

type staticSupervisor struct {
	healthy bool
}

func (s *staticSupervisor) GetOrCreateSandbox(context.Context, CreateRequest) (*Sandbox, error) {
	return nil, nil
}
func (s *staticSupervisor) TerminateSandbox(context.Context, string) error { return nil }
func (s *staticSupervisor) IsHealthy(context.Context, string) bool         { return s.healthy }
func (s *staticSupervisor) Heartbeat(string)                               {}
func (s *staticSupervisor) Close() error                                   { return nil }

func TestWaitHealthy(t *testing.T) {
	ctx := context.Background()

	err := WaitHealthy(ctx, &staticSupervisor{healthy: true}, "http://127.0.0.1:1", 100*time.Millisecond, 5)
	require.NoError(t, err)

	err = WaitHealthy(ctx, &staticSupervisor{healthy: false}, "http://127.0.0.1:1", 100*time.Millisecond, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_UNHEALTHY")
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx := context.Background()
	assert.True(t, probeHTTP(ctx, srv.URL))
	assert.True(t, probeHTTP(ctx, srv.URL+"/"), "trailing slash should not break the probe path")
	assert.False(t, probeHTTP(ctx, "http://127.0.0.1:1"))
}

func TestIdleTracker(t *testing.T) {
	tracker := newIdleTracker()
	tracker.Track("h1", 50*time.Millisecond)
	tracker.Track("h2", time.Hour)
	tracker.Track("h3", 0) // no timeout, never expires

	assert.Empty(t, tracker.Expired(time.Now()))

	future := time.Now().Add(time.Second)
	expired := tracker.Expired(future)
	require.Len(t, expired, 1)
	assert.Equal(t, "h1", expired[0])

	// Touch defers expiry
	tracker.Touch("h1")
	assert.Empty(t, tracker.Expired(time.Now().Add(10*time.Millisecond)))

	tracker.Forget("h1")
	assert.Empty(t, tracker.Expired(time.Now().Add(time.Second)))

	// Touching an untracked handle must not resurrect it
	tracker.Touch("h1")
	assert.Empty(t, tracker.Expired(time.Now().Add(time.Second)))
}
