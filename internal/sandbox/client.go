// Package sandbox wraps the Docker SDK to run agent invocations inside a
// throwaway container instead of a bare subprocess, for deployments that set
// docker.enabled in configuration.
package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
)

// ContainerConfig holds configuration for creating a sandboxed container.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []MountConfig
	Memory     int64
	CPUQuota   int64
	Labels     map[string]string
	AutoRemove bool
}

// MountConfig holds one bind mount's host/container paths.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Client wraps the Docker client used to run one-shot agent containers.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Client against the configured Docker host.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host), zap.String("image", cfg.Image))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("sandbox: docker ping: %w", err)
	}
	return nil
}

// PullImage pulls imageName from its registry and drains the pull output; it
// does not check whether the image is already present locally.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("sandbox: read image pull output: %w", err)
	}
	return nil
}

// CreateContainer creates a container with stdin/stdout/stderr attached,
// TTY disabled so the attach stream stays multiplex-framed and demultiplexable.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: cfg.AutoRemove,
		Resources:  container.Resources{Memory: cfg.Memory, CPUQuota: cfg.CPUQuota},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start container %s: %w", containerID, err)
	}
	return nil
}

// AttachResult carries the demultiplexed streams for one container's I/O.
type AttachResult struct {
	Stdin  io.Writer
	Stdout io.Reader
	conn   net.Conn
}

// Close releases the attach's underlying connection.
func (a *AttachResult) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// AttachContainer attaches to a container's stdin/stdout/stderr, demultiplexing
// the stdout stream into a single plain reader the way the prompt/log pipeline
// consumes a bare-subprocess AgentInvoker's stdout/stderr.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("sandbox: attach container %s: %w", containerID, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplexStream(resp.Reader, stdoutWriter)
	}()

	return &AttachResult{Stdin: resp.Conn, Stdout: stdoutReader, conn: resp.Conn}, nil
}

// demultiplexStream strips Docker's 8-byte stream-multiplexing header (stream
// type byte 0 + 3 reserved + big-endian uint32 frame size), writing stdout
// and stderr frames both into writer since the agent log pipeline does not
// distinguish the two once captured.
func demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			writer.Write(data)
		}
	}
}

// WaitContainer blocks until the container stops and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("sandbox: wait container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// KillContainer sends signal to a running container.
func (c *Client) KillContainer(ctx context.Context, containerID string, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("sandbox: kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("sandbox: remove container %s: %w", containerID, err)
	}
	return nil
}
