// Command buildworker is the per-build worker process the Dispatcher spawns
// (§2). It reads its build id and store credentials from environment
// variables only, runs the Build Runner to completion, and exits with the
// code the Runner reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/events"
	"github.com/mcpbuild/orchestrator/internal/runner"
	"github.com/mcpbuild/orchestrator/internal/sandbox"
	"github.com/mcpbuild/orchestrator/internal/store/httpstore"
)

func main() {
	buildID := os.Getenv("BUILD_ID")
	if buildID == "" {
		fmt.Fprintln(os.Stderr, "buildworker: BUILD_ID environment variable is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildworker: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildworker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With(zap.String("build_id", buildID))

	st := httpstore.New(httpstore.Config{
		URL:            envOr("STORE_URL", cfg.Store.URL),
		AnonKey:        envOr("STORE_ANON_KEY", cfg.Store.AnonKey),
		ServiceKey:     envOr("STORE_SERVICE_KEY", cfg.Store.ServiceKey),
		AccessToken:    os.Getenv("STORE_ACCESS_TOKEN"),
		RequestTimeout: cfg.Store.RequestTimeout(),
	}, log)
	defer st.Close()

	var bus events.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := events.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed connecting to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		bus = natsBus
	} else {
		bus = events.NewMemoryBus(log)
	}

	agent, err := newAgentExecutor(cfg, log)
	if err != nil {
		log.Fatal("failed creating agent executor", zap.Error(err))
	}
	if closer, ok := agent.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	workspaces := runner.NewLocalWorkspaceProvisioner(workspaceRoot())
	plans := runner.StaticPlanProvider{Prompts: plannedPromptsFromEnv()}

	r := runner.New(buildID, st, bus, agent, workspaces, plans, cfg.Build, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("received termination signal, cancelling build")
		cancel()
	}()

	exitCode, runErr := r.Run(ctx)
	if runErr != nil {
		log.Error("build run returned error", zap.Error(runErr))
	}
	os.Exit(exitCode)
}

// newAgentExecutor selects the Docker-sandboxed executor when docker.enabled
// is set, otherwise the bare-subprocess AgentInvoker.
func newAgentExecutor(cfg *config.Config, log *logger.Logger) (runner.AgentExecutor, error) {
	if cfg.Docker.Enabled {
		return sandbox.NewExecutor(cfg.Docker, log)
	}
	return runner.NewAgentInvoker(cfg.Build.AgentBinary, log), nil
}

// workspaceRoot is where the worker provisions its build's workspace
// directory; project scaffolding itself is out of scope (§1), so this is
// just a filesystem root the Runner's WorkspaceProvisioner creates a
// per-build subdirectory under.
func workspaceRoot() string {
	if root := os.Getenv("WORKSPACE_ROOT"); root != "" {
		return root
	}
	return "/tmp/mcpbuild-workspaces"
}

// plannedPromptsFromEnv decodes BUILD_PLANNED_PROMPTS as a JSON string array,
// the local stand-in for the external prompt-generation collaborator (§1,
// out of scope): a real deployment substitutes a PlanProvider that calls out
// to that collaborator instead of reading a fixed list from the environment.
func plannedPromptsFromEnv() []string {
	raw := os.Getenv("BUILD_PLANNED_PROMPTS")
	if raw == "" {
		return nil
	}
	var prompts []string
	if err := json.Unmarshal([]byte(raw), &prompts); err != nil {
		return nil
	}
	return prompts
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
