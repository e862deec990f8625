// Package sandbox provisions and supervises the isolated environments that
// runner processes execute in. Two backends are supported: Sprites.dev remote
// sandboxes and local Docker containers.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const handlePrefix = "agentops-"

var handleCharset = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// CreateRequest describes the sandbox a session needs.
type CreateRequest struct {
	Handle        string
	Image         string
	Command       []string
	Port          int
	CallbackToken string
	IdleTimeout   time.Duration
	StartTimeout  time.Duration
}

// Sandbox is the provisioned environment handed back to the session actor.
type Sandbox struct {
	SandboxID string `json:"sandboxId"`
	TunnelURL string `json:"tunnelUrl"`
}

// Supervisor is the interface session actors consume. Implementations follow
// a named-sandbox discipline: the handle fully identifies the sandbox, so a
// lookup after a control plane restart needs no external bookkeeping.
type Supervisor interface {
	// GetOrCreateSandbox returns the existing sandbox for the handle or
	// provisions a new one.
	GetOrCreateSandbox(ctx context.Context, req CreateRequest) (*Sandbox, error)

	// TerminateSandbox tears down the sandbox for the handle. Terminating a
	// handle with no sandbox is a no-op.
	TerminateSandbox(ctx context.Context, handle string) error

	// IsHealthy probes the runner health endpoint behind the tunnel.
	IsHealthy(ctx context.Context, tunnelURL string) bool

	// Heartbeat defers idle termination for the handle. Sent while a human
	// is actively watching the session.
	Heartbeat(handle string)

	// Close releases backend resources and stops background reapers.
	Close() error
}

// HandleForSession derives the deterministic sandbox handle for a session.
func HandleForSession(sessionID string) string {
	id := handleCharset.ReplaceAllString(sessionID, "-")
	if len(id) > 32 {
		id = id[:32]
	}
	return handlePrefix + strings.ToLower(id)
}

// Provide builds the configured supervisor backend.
func Provide(cfg config.SandboxConfig, log *logger.Logger) (Supervisor, error) {
	switch cfg.Backend {
	case "docker":
		return NewDockerSupervisor(cfg, log)
	case "sprites":
		return NewSpritesSupervisor(cfg, log)
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Backend)
	}
}

// WaitHealthy polls the tunnel health endpoint until it responds or the
// window closes. polls controls how the window is divided.
func WaitHealthy(ctx context.Context, s Supervisor, tunnelURL string, window time.Duration, polls int) error {
	if polls <= 0 {
		polls = 1
	}
	interval := window / time.Duration(polls)
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(window)
	for {
		if s.IsHealthy(ctx, tunnelURL) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.CodeSandboxUnhealthy,
				"sandbox at %s failed health probe within %v", tunnelURL, window)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "health probe canceled")
		case <-time.After(interval):
		}
	}
}

// probeHTTP is the shared health probe used by both backends.
func probeHTTP(ctx context.Context, tunnelURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		strings.TrimRight(tunnelURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
