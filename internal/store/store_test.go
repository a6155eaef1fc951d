package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/internal/store/storetest"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.BuildStore {
		return store.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.BuildStore {
		s, err := store.NewFileStore(t.TempDir(), logger.NewNopLogger())
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		return s
	})
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := store.NewFileStore(dir, logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := first.CreateBuild(ctx, storetest.SampleTree("b1")); err != nil {
		t.Fatal(err)
	}
	if err := first.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusQueue, types.BuildStatusRunning); err != nil {
		t.Fatal(err)
	}

	second, err := store.NewFileStore(dir, logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	task, err := second.GetTask(ctx, "b1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.BuildStatusRunning {
		t.Errorf("expected RUNNING after reopen, got %s", task.Status)
	}

	if _, err := os.Stat(filepath.Join(dir, "builds", "b1.json.tmp")); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}
}

func TestMemoryStore_SetClockAndArchive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	if err := s.CreateBuild(ctx, storetest.SampleTree("b1")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateBuildStatus(ctx, "b1", types.BuildStatusQueue, types.BuildStatusSucceed); err != nil {
		t.Fatal(err)
	}
	build, _ := s.GetBuild(ctx, "b1")
	if !build.EndTime.Equal(fixed) {
		t.Errorf("end time = %v, want %v", build.EndTime, fixed)
	}

	if err := s.ArchiveBuild(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if !s.Archived("b1") {
		t.Error("expected b1 to be archived")
	}
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.CreateBuild(ctx, storetest.SampleTree("b1")); err != nil {
		t.Fatal(err)
	}

	task, _ := s.GetTask(ctx, "b1", "t1")
	task.Status = types.BuildStatusFailed

	again, _ := s.GetTask(ctx, "b1", "t1")
	if again.Status != types.BuildStatusQueue {
		t.Error("mutating a returned task must not change the store")
	}
}

func TestApplyPause_LeavesTreeUntouchedOnConflict(t *testing.T) {
	tree := storetest.SampleTree("b1")
	if err := store.PutPauseValue(tree, types.PauseValue{BuildID: "b1", TaskID: "t1", Consumed: true}); err != nil {
		t.Fatal(err)
	}
	before := tree.Tasks[1].TaskParams

	if err := store.ApplyPause(tree, "t1", `{"x":1}`, 1); err == nil {
		t.Fatal("expected conflict")
	}
	if tree.Tasks[1].TaskParams != before {
		t.Error("params changed despite conflict")
	}
}
