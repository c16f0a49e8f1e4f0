package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/runner"
)

// tailBufferSize mirrors the bare-subprocess AgentInvoker's bounded tail, so
// a sandboxed run reports errors with the same amount of trailing context
// regardless of which executor the worker was configured with.
const tailBufferSize = 8 * 1024

// Executor runs one throwaway Docker container per agent invocation. It
// implements runner.AgentExecutor as an alternate to the bare-subprocess
// AgentInvoker, selected when docker.enabled is set.
type Executor struct {
	client *Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

var _ runner.AgentExecutor = (*Executor)(nil)

// NewExecutor creates a sandboxed Executor against the configured Docker host.
func NewExecutor(cfg config.DockerConfig, log *logger.Logger) (*Executor, error) {
	client, err := NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Executor{client: client, cfg: cfg, logger: log}, nil
}

// Close releases the underlying Docker client.
func (e *Executor) Close() error {
	return e.client.Close()
}

// Invoke runs the agent image as a one-shot container, bind-mounting
// workspacePath read-write at /workspace, feeding prompt on its stdin, and
// streaming its output through sink. Unlike the bare-subprocess
// AgentInvoker, it does not keep the streams apart: every line reaches sink
// as "stdout" and lands in StdoutTail, and StderrTail is left empty.
func (e *Executor) Invoke(ctx context.Context, workspacePath, prompt string, timeout time.Duration, sink runner.LineSink) (runner.AgentResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerID, err := e.client.CreateContainer(runCtx, ContainerConfig{
		Name:       fmt.Sprintf("mcpbuild-agent-%d", time.Now().UnixNano()),
		Image:      e.cfg.Image,
		WorkingDir: "/workspace",
		Mounts:     []MountConfig{{Source: workspacePath, Target: "/workspace", ReadOnly: false}},
		AutoRemove: false,
		Labels:     map[string]string{"mcpbuild.component": "sandboxed-agent"},
	})
	if err != nil {
		return runner.AgentResult{}, fmt.Errorf("sandbox: create agent container: %w", err)
	}
	defer func() {
		if rmErr := e.client.RemoveContainer(context.Background(), containerID); rmErr != nil {
			e.logger.Warn("failed removing sandbox container", zap.String("container_id", containerID), zap.Error(rmErr))
		}
	}()

	attach, err := e.client.AttachContainer(runCtx, containerID)
	if err != nil {
		return runner.AgentResult{}, fmt.Errorf("sandbox: attach agent container: %w", err)
	}
	defer attach.Close()

	if err := e.client.StartContainer(runCtx, containerID); err != nil {
		return runner.AgentResult{}, fmt.Errorf("sandbox: start agent container: %w", err)
	}

	if _, err := io.WriteString(attach.Stdin, prompt); err != nil {
		e.logger.Warn("failed writing prompt to container stdin", zap.String("container_id", containerID), zap.Error(err))
	}

	tail := newTailBuffer(tailBufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(attach.Stdout)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Write(line)
			if sink != nil {
				sink("stdout", line)
			}
		}
	}()

	exitCode, waitErr := e.client.WaitContainer(runCtx, containerID)
	wg.Wait()

	if waitErr == context.DeadlineExceeded {
		_ = e.client.KillContainer(context.Background(), containerID, "SIGKILL")
		return runner.AgentResult{ExitCode: -1, TimedOut: true, StdoutTail: tail.String()}, nil
	}
	if waitErr == context.Canceled {
		_ = e.client.KillContainer(context.Background(), containerID, "SIGKILL")
		return runner.AgentResult{ExitCode: -1, StdoutTail: tail.String()}, ctx.Err()
	}
	if waitErr != nil {
		return runner.AgentResult{}, waitErr
	}

	return runner.AgentResult{ExitCode: int(exitCode), StdoutTail: tail.String()}, nil
}

// tailBuffer keeps the last n bytes written to it, discarding the oldest
// lines first once the bound is exceeded.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
	size  int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.max && len(t.lines) > 0 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
