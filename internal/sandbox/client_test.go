package sandbox

import (
	"testing"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
)

func testSandboxLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// NewClientWithOpts only constructs the client; it does not dial the daemon,
// so this succeeds even when no Docker socket is reachable in the test
// environment.
func TestNewClient(t *testing.T) {
	c, err := NewClient(config.DockerConfig{Host: "unix:///var/run/docker.sock"}, testSandboxLogger(t))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()
}

func TestNewExecutor(t *testing.T) {
	e, err := NewExecutor(config.DockerConfig{Host: "unix:///var/run/docker.sock", Image: "node:20"}, testSandboxLogger(t))
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	defer e.Close()
}

func TestTailBufferBoundsToMax(t *testing.T) {
	tb := newTailBuffer(16)
	tb.Write("0123456789")
	tb.Write("abcdef")
	got := tb.String()
	if len(got) > 16 {
		t.Errorf("expected tail buffer to stay within bound, got %q (%d bytes)", got, len(got))
	}
	if got != "abcdef" {
		t.Errorf("expected oldest line dropped, got %q", got)
	}
}
