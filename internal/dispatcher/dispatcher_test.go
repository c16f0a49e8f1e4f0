package dispatcher

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/preview"
	"github.com/mcpbuild/orchestrator/internal/store"
)

// fakeStore is a minimal in-memory store.Store for exercising the
// Dispatcher without a real external store.
type fakeStore struct {
	mu     sync.Mutex
	builds map[string]*store.Build
}

func newFakeStore(builds ...*store.Build) *fakeStore {
	s := &fakeStore{builds: map[string]*store.Build{}}
	for _, b := range builds {
		s.builds[b.ID] = b
	}
	return s
}

func (s *fakeStore) CreateBuild(ctx context.Context, b *store.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	s.builds[b.ID] = b
	return nil
}

func (s *fakeStore) GetBuild(ctx context.Context, id string) (*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) ListActiveBuilds(ctx context.Context) ([]*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Build
	for _, b := range s.builds {
		if b.Status.Active() {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateBuildHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.LastHeartbeat = at
	}
	return nil
}

func (s *fakeStore) UpdateBuildWorkspace(ctx context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.WorkspacePath = path
	}
	return nil
}

func (s *fakeStore) UpdateBuildWorkerPID(ctx context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.WorkerPID = pid
	}
	return nil
}

func (s *fakeStore) TransitionBuildStatus(ctx context.Context, id string, to store.BuildStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status.Terminal() {
		return store.ErrConflict
	}
	b.Status = to
	b.FailureReason = reason
	return nil
}

func (s *fakeStore) CreateStep(ctx context.Context, st *store.Step) error { return nil }
func (s *fakeStore) UpdateStep(ctx context.Context, st *store.Step) error { return nil }
func (s *fakeStore) ListSteps(ctx context.Context, buildID string) ([]*store.Step, error) {
	return nil, nil
}

func (s *fakeStore) CreateCustomPrompt(ctx context.Context, cp *store.CustomPrompt) error { return nil }
func (s *fakeStore) ListPendingCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	return nil, nil
}
func (s *fakeStore) ListCustomPrompts(ctx context.Context, buildID string) ([]*store.CustomPrompt, error) {
	return nil, nil
}
func (s *fakeStore) TransitionCustomPromptStatus(ctx context.Context, id string, to store.CustomPromptStatus) error {
	return nil
}

func (s *fakeStore) AppendLog(ctx context.Context, entry *store.LogEntry) error { return nil }
func (s *fakeStore) ListLogs(ctx context.Context, buildID, stepID string) ([]*store.LogEntry, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) status(id string) store.BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds[id].Status
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testConfig(maxBuilds int, workerBinary string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{MaxBuilds: maxBuilds, WorkerBinary: workerBinary},
		Store:  config.StoreConfig{URL: "http://store.example", AnonKey: "anon"},
		Build:  config.BuildConfig{HeartbeatTimeoutMS: 60000},
	}
}

func testPreviewManager(t *testing.T) *preview.Manager {
	return preview.New(preview.Config{PortRangeMin: 3100, PortRangeMax: 3100, CommandTpl: "true"}, nil, testLogger(t))
}

func TestDispatcher_StartBuildRejectsWhenAtCap(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildQueued})
	d := New(testConfig(1, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	// Fill the cap directly (white-box: same package as Dispatcher).
	d.entries["occupying"] = &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "occupying"}}

	_, err := d.StartBuild(context.Background(), StartBuildRequest{BuildID: "b1"})
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestDispatcher_StartBuildRedeliveryForActiveBuildIsIdempotent(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildQueued})
	d := New(testConfig(5, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	existing := &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "b1", PID: 4242, StartedAt: time.Now()}}
	d.entries["b1"] = existing

	entry, err := d.StartBuild(context.Background(), StartBuildRequest{BuildID: "b1"})
	if err != nil {
		t.Fatalf("expected re-delivery to succeed as a no-op, got error: %v", err)
	}
	if entry.PID != existing.PID {
		t.Errorf("expected re-delivery to return the existing entry (pid %d), got pid %d", existing.PID, entry.PID)
	}
	if len(d.entries) != 1 {
		t.Errorf("expected re-delivery to leave exactly one entry, got %d", len(d.entries))
	}
}

func TestDispatcher_StartBuildRedeliveryIsIdempotentEvenAtCap(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildQueued})
	d := New(testConfig(1, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	existing := &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "b1", PID: 4242, StartedAt: time.Now()}}
	d.entries["b1"] = existing

	entry, err := d.StartBuild(context.Background(), StartBuildRequest{BuildID: "b1"})
	if err != nil {
		t.Fatalf("expected re-delivery of the build occupying the only cap slot to succeed, got error: %v", err)
	}
	if entry.PID != existing.PID {
		t.Errorf("expected re-delivery to return the existing entry (pid %d), got pid %d", existing.PID, entry.PID)
	}
}

func TestDispatcher_StartBuildSuccessRemovesEntryOnCleanExit(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildQueued})
	d := New(testConfig(5, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	entry, err := d.StartBuild(context.Background(), StartBuildRequest{BuildID: "b1"})
	if err != nil {
		t.Fatalf("StartBuild failed: %v", err)
	}
	if entry.PID == 0 {
		t.Error("expected non-zero worker pid")
	}
	if st.status("b1") != store.BuildRunning {
		t.Errorf("expected build running, got %s", st.status("b1"))
	}

	waitForCondition(t, func() bool { return len(d.ListActiveBuilds()) == 0 })
	if got := testutil.ToFloat64(d.metrics.BuildsCompleted); got != 1 {
		t.Errorf("expected 1 completed build, got %v", got)
	}
}

func TestDispatcher_StartBuildFailureMarksBuildFailed(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildQueued})
	d := New(testConfig(5, "/usr/bin/false"), st, nil, testPreviewManager(t), testLogger(t))

	_, err := d.StartBuild(context.Background(), StartBuildRequest{BuildID: "b1"})
	if err != nil {
		t.Fatalf("StartBuild failed: %v", err)
	}

	waitForCondition(t, func() bool { return len(d.ListActiveBuilds()) == 0 })
	if st.status("b1") != store.BuildFailed {
		t.Errorf("expected build failed, got %s", st.status("b1"))
	}
}

func TestDispatcher_CancelBuildRequiresActiveEntry(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildRunning})
	d := New(testConfig(5, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	if err := d.CancelBuild(context.Background(), "b1"); err == nil {
		t.Fatal("expected error cancelling a build with no Active Build Entry")
	}

	d.entries["b1"] = &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "b1"}}
	if err := d.CancelBuild(context.Background(), "b1"); err != nil {
		t.Fatalf("CancelBuild failed: %v", err)
	}
	if st.status("b1") != store.BuildCancelled {
		t.Errorf("expected build cancelled, got %s", st.status("b1"))
	}
}

func TestDispatcher_BootstrapReconcilesLiveWorkerAndFailsOrphan(t *testing.T) {
	st := newFakeStore(
		&store.Build{ID: "alive", Status: store.BuildRunning, WorkerPID: os.Getpid()},
		&store.Build{ID: "orphan", Status: store.BuildRunning, WorkerPID: 999999},
	)
	d := New(testConfig(5, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	if err := d.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if _, ok := d.GetActiveBuild("alive"); !ok {
		t.Error("expected reconciled entry for build with live worker pid")
	}
	if st.status("alive") != store.BuildRunning {
		t.Errorf("expected alive build to remain running, got %s", st.status("alive"))
	}

	if _, ok := d.GetActiveBuild("orphan"); ok {
		t.Error("expected no entry for orphaned build")
	}
	if st.status("orphan") != store.BuildFailed {
		t.Errorf("expected orphaned build failed, got %s", st.status("orphan"))
	}
}

func TestDispatcher_ReapDeadWorkerMarksBuildFailed(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildRunning, LastHeartbeat: time.Now()})
	d := New(testConfig(5, "/usr/bin/true"), st, nil, testPreviewManager(t), testLogger(t))

	d.entries["b1"] = &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "b1", PID: 999999}}

	d.Reap(context.Background())

	if _, ok := d.GetActiveBuild("b1"); ok {
		t.Error("expected dead-worker entry to be reaped")
	}
	if st.status("b1") != store.BuildFailed {
		t.Errorf("expected build failed, got %s", st.status("b1"))
	}
}

func TestDispatcher_ReapStaleHeartbeatMarksBuildFailed(t *testing.T) {
	st := newFakeStore(&store.Build{ID: "b1", Status: store.BuildRunning, LastHeartbeat: time.Now().Add(-time.Hour)})
	cfg := testConfig(5, "/usr/bin/true")
	cfg.Build.HeartbeatTimeoutMS = 1000
	d := New(cfg, st, nil, testPreviewManager(t), testLogger(t))

	d.entries["b1"] = &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: "b1", PID: os.Getpid()}}

	d.Reap(context.Background())

	if _, ok := d.GetActiveBuild("b1"); ok {
		t.Error("expected stale-heartbeat entry to be reaped")
	}
	if st.status("b1") != store.BuildFailed {
		t.Errorf("expected build failed, got %s", st.status("b1"))
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
