package preview

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/events"
)

// ErrNotFound is returned when no Preview Entry exists for a build.
var ErrNotFound = fmt.Errorf("preview: not found")

// ErrAlreadyRunning is returned by Start when a Preview Entry already exists.
var ErrAlreadyRunning = fmt.Errorf("preview: already running")

const stopGrace = 5 * time.Second

// Entry is one live dev-server process (§3 Preview Entry).
type Entry struct {
	BuildID   string
	PID       int
	Port      int
	StartedAt time.Time
}

// Manager starts/stops dev-server child processes and tracks their Preview
// Entries. Spawning follows the teacher's subprocess-launcher idiom:
// exec.Command with a fresh process group, a background goroutine blocking
// on cmd.Wait() and reporting through an exit channel the watcher drains.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entryHandle

	ports      *PortPool
	commandTpl string // e.g. "npm run dev"; split on whitespace, no "{port}" substitution
	portFlag   string // e.g. "--port={port}"; empty disables CLI-flag injection
	bus        events.Bus
	logger     *logger.Logger

	exitEvents chan exitEvent
}

type entryHandle struct {
	Entry
	cmd *exec.Cmd
}

type exitEvent struct {
	buildID string
	port    int
	err     error
}

// Config configures a Manager.
type Config struct {
	PortRangeMin int
	PortRangeMax int
	CommandTpl   string
	PortFlagTpl  string
}

// New creates a Manager with an empty pool over the configured port range.
func New(cfg Config, bus events.Bus, log *logger.Logger) *Manager {
	m := &Manager{
		entries:    make(map[string]*entryHandle),
		ports:      NewPortPool(cfg.PortRangeMin, cfg.PortRangeMax),
		commandTpl: cfg.CommandTpl,
		portFlag:   cfg.PortFlagTpl,
		bus:        bus,
		logger:     log,
		exitEvents: make(chan exitEvent, 16),
	}
	return m
}

// Start spawns a dev-server child process for buildID against workspacePath
// and binds it to an allocated port (§4.2 "start").
func (m *Manager) Start(ctx context.Context, buildID, workspacePath string) (Entry, error) {
	m.mu.Lock()
	if _, exists := m.entries[buildID]; exists {
		m.mu.Unlock()
		return Entry{}, ErrAlreadyRunning
	}
	m.mu.Unlock()

	port, err := m.ports.Allocate()
	if err != nil {
		return Entry{}, err
	}

	cmd, err := m.buildCommand(workspacePath, port)
	if err != nil {
		m.ports.Release(port)
		return Entry{}, err
	}

	if err := cmd.Start(); err != nil {
		m.ports.Release(port)
		return Entry{}, fmt.Errorf("preview: start dev server: %w", err)
	}

	entry := Entry{BuildID: buildID, PID: cmd.Process.Pid, Port: port, StartedAt: time.Now().UTC()}
	handle := &entryHandle{Entry: entry, cmd: cmd}

	m.mu.Lock()
	m.entries[buildID] = handle
	m.mu.Unlock()

	go m.monitorExit(buildID, port, cmd)

	m.publish(ctx, events.TypePreviewStarted, map[string]interface{}{"build_id": buildID, "port": port, "pid": entry.PID})
	m.logger.Info("preview started", zap.String("build_id", buildID), zap.Int("port", port), zap.Int("pid", entry.PID))

	return entry, nil
}

// Stop sends a graceful terminate signal, waits up to 5s, then escalates to
// SIGKILL, and releases the Preview Entry's port (§4.2 "stop").
func (m *Manager) Stop(ctx context.Context, buildID string) error {
	m.mu.Lock()
	handle, ok := m.entries[buildID]
	if ok {
		delete(m.entries, buildID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	m.terminate(handle.cmd)
	m.ports.Release(handle.Port)
	m.publish(ctx, events.TypePreviewStopped, map[string]interface{}{"build_id": buildID, "port": handle.Port})
	return nil
}

// List returns all live Preview Entries.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, h := range m.entries {
		out = append(out, h.Entry)
	}
	return out
}

// Reap drains completed exit events and removes the corresponding entries,
// releasing their ports — called by the Dispatcher's reaper tick so crashed
// children don't hold a port forever (§4.2 "Port allocation").
func (m *Manager) Reap() {
	for {
		select {
		case ev := <-m.exitEvents:
			m.mu.Lock()
			owned := false
			if h, ok := m.entries[ev.buildID]; ok && h.Port == ev.port {
				delete(m.entries, ev.buildID)
				owned = true
			}
			m.mu.Unlock()
			if owned {
				m.ports.Release(ev.port)
			}
			if ev.err != nil {
				m.logger.Warn("preview process exited", zap.String("build_id", ev.buildID), zap.Int("port", ev.port), zap.Error(ev.err))
			}
		default:
			return
		}
	}
}

func (m *Manager) monitorExit(buildID string, port int, cmd *exec.Cmd) {
	err := cmd.Wait()
	m.exitEvents <- exitEvent{buildID: buildID, port: port, err: err}
}

func (m *Manager) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// buildCommand renders the configured command template, injecting the port
// both as $PORT and (if a flag template is set) as a CLI argument, so the
// same Manager drives npm/vite-style servers and custom ones alike (§4.2
// "Dev-server invocation").
func (m *Manager) buildCommand(workspacePath string, port int) (*exec.Cmd, error) {
	fields := strings.Fields(m.commandTpl)
	if len(fields) == 0 {
		return nil, fmt.Errorf("preview: empty dev-server command template")
	}

	args := append([]string{}, fields[1:]...)
	if m.portFlag != "" {
		args = append(args, strings.ReplaceAll(m.portFlag, "{port}", strconv.Itoa(port)))
	}

	cmd := exec.Command(fields[0], args...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
	return cmd, nil
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, events.SubjectPreviews, events.New(eventType, "preview-manager", data)); err != nil {
		m.logger.Debug("failed publishing preview event", zap.Error(err))
	}
}
