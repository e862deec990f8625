package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/apperr"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/config"
	"github.com/yourbuddyconner/agent-ops-sub007/internal/common/logger"
)

const (
	dockerStopTimeout = 10 * time.Second
	labelHandle       = "agentops.handle"
	labelManaged      = "agentops.managed"
)

// DockerSupervisor provisions sandboxes as local Docker containers. The
// sandbox handle is the container name, so existing containers are found by
// a name lookup after restarts.
type DockerSupervisor struct {
	cli    *client.Client
	config config.SandboxConfig
	logger *logger.Logger
	idle   *idleTracker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDockerSupervisor creates the Docker backed supervisor.
func NewDockerSupervisor(cfg config.SandboxConfig, log *logger.Logger) (*DockerSupervisor, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	s := &DockerSupervisor{
		cli:    cli,
		config: cfg,
		logger: log.WithFields(zap.String("backend", "docker")),
		idle:   newIdleTracker(),
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.reapLoop()

	return s, nil
}

// GetOrCreateSandbox finds a running container by handle or creates one.
func (s *DockerSupervisor) GetOrCreateSandbox(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	if existing, err := s.findByHandle(ctx, req.Handle); err != nil {
		return nil, err
	} else if existing != nil {
		s.idle.Touch(req.Handle)
		return existing, nil
	}

	imageName := req.Image
	if imageName == "" {
		imageName = s.config.Image
	}

	if err := s.pullImage(ctx, imageName); err != nil {
		// A locally built image may not be pullable; container create
		// still succeeds when the image exists locally.
		s.logger.Warn("image pull failed, trying local image",
			zap.String("image", imageName),
			zap.Error(err))
	}

	containerCfg := &container.Config{
		Image: imageName,
		Cmd:   req.Command,
		Env: []string{
			"RUNNER_CALLBACK_TOKEN=" + req.CallbackToken,
			fmt.Sprintf("RUNNER_PORT=%d", req.Port),
		},
		Labels: map[string]string{
			labelHandle:  req.Handle,
			labelManaged: "true",
		},
	}
	hostCfg := &container.HostConfig{}

	resp, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, req.Handle)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "failed to create container %s", req.Handle)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "failed to start container %s", req.Handle)
	}

	ip, err := s.containerIP(ctx, resp.ID)
	if err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, apperr.Wrap(apperr.CodeSandboxUnhealthy, err, "no network address for container %s", req.Handle)
	}

	s.idle.Track(req.Handle, req.IdleTimeout)

	s.logger.Info("container sandbox ready",
		zap.String("handle", req.Handle),
		zap.String("container_id", resp.ID[:12]),
		zap.String("ip", ip))

	return &Sandbox{
		SandboxID: resp.ID,
		TunnelURL: fmt.Sprintf("http://%s:%d", ip, req.Port),
	}, nil
}

// TerminateSandbox stops and removes the container for the handle.
func (s *DockerSupervisor) TerminateSandbox(ctx context.Context, handle string) error {
	s.idle.Forget(handle)

	containers, err := s.listByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return nil
	}

	for _, id := range containers {
		timeoutSeconds := int(dockerStopTimeout.Seconds())
		if err := s.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
			s.logger.Warn("failed to stop container",
				zap.String("container_id", id),
				zap.Error(err))
		}
		if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", id, err)
		}
	}

	s.logger.Info("container sandbox terminated", zap.String("handle", handle))
	return nil
}

// IsHealthy probes the runner health endpoint.
func (s *DockerSupervisor) IsHealthy(ctx context.Context, tunnelURL string) bool {
	return probeHTTP(ctx, tunnelURL)
}

// Heartbeat defers idle termination for the handle.
func (s *DockerSupervisor) Heartbeat(handle string) {
	s.idle.Touch(handle)
}

// Close stops the idle reaper and the docker client. Running containers are
// left in place; they are re-attached by name on the next start.
func (s *DockerSupervisor) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.cli.Close()
}

// findByHandle returns the sandbox for a running container with the handle,
// or nil when none exists. Exited containers are removed so the caller can
// recreate cleanly.
func (s *DockerSupervisor) findByHandle(ctx context.Context, handle string) (*Sandbox, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelHandle+"="+handle)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range containers {
		if c.State == "running" {
			ip, err := s.containerIP(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			return &Sandbox{
				SandboxID: c.ID,
				TunnelURL: fmt.Sprintf("http://%s:%d", ip, s.config.RunnerPort),
			}, nil
		}
		// Dead container holding the name
		if err := s.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("failed to remove dead container %s: %w", c.ID, err)
		}
	}
	return nil, nil
}

func (s *DockerSupervisor) listByHandle(ctx context.Context, handle string) ([]string, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelHandle+"="+handle)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *DockerSupervisor) pullImage(ctx context.Context, imageName string) error {
	reader, err := s.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	// Drain the output so the pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *DockerSupervisor) containerIP(ctx context.Context, containerID string) (string, error) {
	info, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress, nil
	}
	for _, network := range info.NetworkSettings.Networks {
		if network.IPAddress != "" {
			return network.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no IP address", containerID)
}

func (s *DockerSupervisor) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			for _, handle := range s.idle.Expired(now) {
				s.logger.Info("reaping idle container", zap.String("handle", handle))
				ctx, cancel := context.WithTimeout(context.Background(), dockerStopTimeout*2)
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
