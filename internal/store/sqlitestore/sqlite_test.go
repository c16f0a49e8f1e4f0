package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mcpbuild/orchestrator/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetBuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &store.Build{ProjectRef: "proj-1", Status: store.BuildQueued}
	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if b.ID == "" {
		t.Fatal("expected CreateBuild to assign an id")
	}

	got, err := s.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild failed: %v", err)
	}
	if got.ProjectRef != "proj-1" || got.Status != store.BuildQueued {
		t.Errorf("unexpected build: %+v", got)
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBuild(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveBuilds_OnlyReturnsRunningOrRetrying(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	statuses := []store.BuildStatus{store.BuildQueued, store.BuildRunning, store.BuildRetrying, store.BuildCompleted}
	for _, st := range statuses {
		b := &store.Build{Status: st}
		if err := s.CreateBuild(ctx, b); err != nil {
			t.Fatalf("CreateBuild failed: %v", err)
		}
	}

	active, err := s.ListActiveBuilds(ctx)
	if err != nil {
		t.Fatalf("ListActiveBuilds failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active builds, got %d", len(active))
	}
}

func TestTransitionBuildStatus_RejectsWriteAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &store.Build{Status: store.BuildRunning}
	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	if err := s.TransitionBuildStatus(ctx, b.ID, store.BuildCompleted, ""); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	err := s.TransitionBuildStatus(ctx, b.ID, store.BuildRunning, "")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict for a transition after terminal, got %v", err)
	}

	got, getErr := s.GetBuild(ctx, b.ID)
	if getErr != nil {
		t.Fatalf("GetBuild failed: %v", getErr)
	}
	if got.Status != store.BuildCompleted {
		t.Errorf("expected status to remain completed, got %s", got.Status)
	}
}

func TestTransitionBuildStatus_UnknownIDReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.TransitionBuildStatus(context.Background(), "nope", store.BuildRunning, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestStepLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &store.Build{Status: store.BuildRunning}
	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	st := &store.Step{BuildID: b.ID, Ordinal: 0, PromptText: "do the thing", Origin: "plan", Status: store.StepPending}
	if err := s.CreateStep(ctx, st); err != nil {
		t.Fatalf("CreateStep failed: %v", err)
	}

	st.Status = store.StepSucceeded
	st.Attempt = 1
	if err := s.UpdateStep(ctx, st); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	steps, err := s.ListSteps(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != store.StepSucceeded || steps[0].Attempt != 1 {
		t.Errorf("unexpected steps: %+v", steps)
	}
}

func TestCustomPromptLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &store.Build{Status: store.BuildRunning}
	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	cp := &store.CustomPrompt{BuildID: b.ID, PromptText: "add a test", Status: store.CustomPromptPending}
	if err := s.CreateCustomPrompt(ctx, cp); err != nil {
		t.Fatalf("CreateCustomPrompt failed: %v", err)
	}

	pending, err := s.ListPendingCustomPrompts(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListPendingCustomPrompts failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending prompt, got %d", len(pending))
	}

	if err := s.TransitionCustomPromptStatus(ctx, cp.ID, store.CustomPromptInjected); err != nil {
		t.Fatalf("TransitionCustomPromptStatus failed: %v", err)
	}

	pending, err = s.ListPendingCustomPrompts(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListPendingCustomPrompts failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending prompts after transition, got %d", len(pending))
	}

	all, err := s.ListCustomPrompts(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListCustomPrompts failed: %v", err)
	}
	if len(all) != 1 || all[0].Status != store.CustomPromptInjected {
		t.Errorf("unexpected custom prompts: %+v", all)
	}
}

func TestAppendAndListLogs_FiltersByStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &store.Build{Status: store.BuildRunning}
	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	entries := []*store.LogEntry{
		{BuildID: b.ID, StepID: "step-1", Stream: store.LogStdout, Chunk: "line one"},
		{BuildID: b.ID, StepID: "step-2", Stream: store.LogStderr, Chunk: "line two"},
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
	}

	all, err := s.ListLogs(ctx, b.ID, "")
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(all))
	}

	filtered, err := s.ListLogs(ctx, b.ID, "step-1")
	if err != nil {
		t.Fatalf("ListLogs filtered failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Chunk != "line one" {
		t.Errorf("unexpected filtered logs: %+v", filtered)
	}
}
