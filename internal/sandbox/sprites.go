package sandbox

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const (
	spriteStepTimeout    = 120 * time.Second
	spriteDestroyTimeout = 30 * time.Second
	idleSweepInterval    = 30 * time.Second
)

// spriteTunnel tracks an active port-forwarding session to a sprite.
type spriteTunnel struct {
	handle       string
	localPort    int
	proxySession *sprites.ProxySession
}

// SpritesSupervisor provisions Sprites.dev remote sandboxes. The sandbox
// handle doubles as the sprite name, so lookups after restarts resolve to
// the same remote machine.
type SpritesSupervisor struct {
	client *sprites.Client
	config config.SandboxConfig
	logger *logger.Logger
	idle   *idleTracker

	mu      sync.Mutex
	tunnels map[string]*spriteTunnel

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSpritesSupervisor creates the Sprites.dev backed supervisor.
func NewSpritesSupervisor(cfg config.SandboxConfig, log *logger.Logger) (*SpritesSupervisor, error) {
	if cfg.SpritesToken == "" {
		return nil, fmt.Errorf("sprites backend requires a SPRITES_API_TOKEN")
	}

	s := &SpritesSupervisor{
		client:  sprites.New(cfg.SpritesToken),
		config:  cfg,
		logger:  log.WithFields(zap.String("backend", "sprites")),
		idle:    newIdleTracker(),
		tunnels: make(map[string]*spriteTunnel),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.reapLoop()

	return s, nil
}

// GetOrCreateSandbox returns the tunnel for an existing sprite or provisions
// a fresh one. An existing tunnel that still passes the health probe is
// reused as-is.
func (s *SpritesSupervisor) GetOrCreateSandbox(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	s.mu.Lock()
	existing := s.tunnels[req.Handle]
	s.mu.Unlock()

	if existing != nil {
		tunnelURL := fmt.Sprintf("http://127.0.0.1:%d", existing.localPort)
		if s.IsHealthy(ctx, tunnelURL) {
			s.idle.Touch(req.Handle)
			return &Sandbox{SandboxID: req.Handle, TunnelURL: tunnelURL}, nil
		}
		// Stale tunnel; drop it and provision again
		s.closeTunnel(req.Handle)
	}

	sprite := s.client.Sprite(req.Handle)

	s.logger.Info("provisioning sprite",
		zap.String("handle", req.Handle),
		zap.String("image", req.Image))

	if err := s.initializeSprite(ctx, sprite, req.Handle); err != nil {
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "sprite %s failed to initialize", req.Handle)
	}
	if err := s.startRunnerProcess(sprite, req); err != nil {
		s.cleanupOnFailure(sprite, req.Handle)
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "runner did not start in sprite %s", req.Handle)
	}

	localPort, err := s.openTunnel(ctx, sprite, req)
	if err != nil {
		s.cleanupOnFailure(sprite, req.Handle)
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "port forwarding to sprite %s failed", req.Handle)
	}

	s.idle.Track(req.Handle, req.IdleTimeout)

	tunnelURL := fmt.Sprintf("http://127.0.0.1:%d", localPort)
	s.logger.Info("sprite ready",
		zap.String("handle", req.Handle),
		zap.Int("local_port", localPort))

	return &Sandbox{SandboxID: req.Handle, TunnelURL: tunnelURL}, nil
}

// TerminateSandbox closes the tunnel and destroys the sprite.
func (s *SpritesSupervisor) TerminateSandbox(ctx context.Context, handle string) error {
	s.closeTunnel(handle)
	s.idle.Forget(handle)

	sprite := s.client.Sprite(handle)
	if err := sprite.Destroy(); err != nil {
		// Sprites that never existed report not-found; treat as a no-op
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil
		}
		s.logger.Warn("failed to destroy sprite",
			zap.String("handle", handle),
			zap.Error(err))
		return fmt.Errorf("failed to destroy sprite %s: %w", handle, err)
	}

	s.logger.Info("sprite destroyed", zap.String("handle", handle))
	return nil
}

// IsHealthy probes the runner health endpoint through the tunnel.
func (s *SpritesSupervisor) IsHealthy(ctx context.Context, tunnelURL string) bool {
	return probeHTTP(ctx, tunnelURL)
}

// Heartbeat defers idle termination for the handle.
func (s *SpritesSupervisor) Heartbeat(handle string) {
	s.idle.Touch(handle)
}

// Close stops the idle reaper and drops all tunnels. Sprites themselves are
// left running; they are re-attached by handle on the next start.
func (s *SpritesSupervisor) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, tunnel := range s.tunnels {
		if tunnel.proxySession != nil {
			_ = tunnel.proxySession.Close()
		}
		delete(s.tunnels, handle)
	}
	return nil
}

func (s *SpritesSupervisor) initializeSprite(ctx context.Context, sprite *sprites.Sprite, handle string) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	// Sprites are created lazily on first command
	out, err := sprite.CommandContext(stepCtx, "echo", "agentops-ready").Output()
	if err != nil {
		return fmt.Errorf("failed to create sprite: %w", err)
	}
	if !strings.Contains(string(out), "agentops-ready") {
		return fmt.Errorf("unexpected sprite output: %s", string(out))
	}

	s.logger.Debug("sprite initialized", zap.String("handle", handle))
	return nil
}

func (s *SpritesSupervisor) startRunnerProcess(sprite *sprites.Sprite, req CreateRequest) error {
	command := req.Command
	if len(command) == 0 {
		command = []string{"runner", "--port", fmt.Sprintf("%d", req.Port)}
	}

	// Background context: the runner outlives this call
	cmd := sprite.CommandContext(context.Background(), command[0], command[1:]...)
	cmd.Env = []string{
		"RUNNER_CALLBACK_TOKEN=" + req.CallbackToken,
		fmt.Sprintf("RUNNER_PORT=%d", req.Port),
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	return nil
}

func (s *SpritesSupervisor) openTunnel(ctx context.Context, sprite *sprites.Sprite, req CreateRequest) (int, error) {
	localPort, err := getFreePort()
	if err != nil {
		return 0, fmt.Errorf("failed to get free port: %w", err)
	}

	session, err := sprite.ProxyPort(ctx, localPort, req.Port)
	if err != nil {
		return 0, fmt.Errorf("port forwarding failed: %w", err)
	}

	s.mu.Lock()
	s.tunnels[req.Handle] = &spriteTunnel{
		handle:       req.Handle,
		localPort:    localPort,
		proxySession: session,
	}
	s.mu.Unlock()

	return localPort, nil
}

func (s *SpritesSupervisor) closeTunnel(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tunnel, ok := s.tunnels[handle]; ok {
		if tunnel.proxySession != nil {
			_ = tunnel.proxySession.Close()
		}
		delete(s.tunnels, handle)
	}
}

func (s *SpritesSupervisor) cleanupOnFailure(sprite *sprites.Sprite, handle string) {
	s.logger.Warn("cleaning up sprite after failure", zap.String("handle", handle))
	s.closeTunnel(handle)
	s.idle.Forget(handle)
	if err := sprite.Destroy(); err != nil {
		s.logger.Warn("failed to destroy sprite during cleanup", zap.Error(err))
	}
}

func (s *SpritesSupervisor) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			for _, handle := range s.idle.Expired(now) {
				s.logger.Info("reaping idle sprite", zap.String("handle", handle))
				ctx, cancel := context.WithTimeout(context.Background(), spriteDestroyTimeout)
				if err := s.TerminateSandbox(ctx, handle); err != nil {
					s.logger.Warn("idle reap failed",
						zap.String("handle", handle),
						zap.Error(err))
				}
				cancel()
			}
		}
	}
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
