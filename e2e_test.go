//go:build e2e

package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/comic2pdf/orchestrator/internal/config"
	"github.com/comic2pdf/orchestrator/internal/duplicate"
	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/scheduler"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/workertest"
)

func writeArchive(t *testing.T, path string, content string) {
	t.Helper()
	raw := append([]byte{0x50, 0x4B, 0x03, 0x04}, []byte(content)...)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupEnv(t *testing.T) (store.Layout, *scheduler.Scheduler, func()) {
	t.Helper()
	dataDir := t.TempDir()
	l := store.NewLayout(dataDir)
	if err := l.EnsureLayout(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	prep, err := workertest.StartFakeWorker(ctx, "prep", dataDir, 18080, 0.2)
	if err != nil {
		t.Skipf("docker unavailable, skipping e2e test: %v", err)
	}
	ocr, err := workertest.StartFakeWorker(ctx, "ocr", dataDir, 18081, 0.2)
	if err != nil {
		prep.Close(ctx)
		t.Skipf("docker unavailable, skipping e2e test: %v", err)
	}

	cfg := *config.NewDefault()
	cfg.DataDir = dataDir
	cfg.PrepURL = prep.BaseURL
	cfg.OcrURL = ocr.BaseURL
	cfg.PrepConcurrency = 3
	cfg.OcrConcurrency = 2
	cfg.MaxJobsInFlight = 3

	sched := scheduler.New(l, cfg, logging.NoOpLogger{})

	cleanup := func() {
		prep.Close(ctx)
		ocr.Close(ctx)
	}
	return l, sched, cleanup
}

func TestE2ETenDistinctJobsReachDone(t *testing.T) {
	l, sched, cleanup := setupEnv(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		writeArchive(t, filepath.Join(l.InDir(), fmt.Sprintf("comic-%d.cbz", i)), fmt.Sprintf("distinct content %d", i))
	}

	ctx := context.Background()
	for tick := 0; tick < 60; tick++ {
		sched.Tick(ctx)
		if len(sched.SnapshotInFlight()) == 0 && tick > 5 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	entries, err := os.ReadDir(l.OutDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("expected 10 output PDFs, got %d", len(entries))
	}
	if len(sched.SnapshotInFlight()) != 0 {
		t.Error("expected inFlight to be empty once all jobs finish")
	}
}

func TestE2EDuplicateDetectionQuarantinesSecondSubmission(t *testing.T) {
	l, sched, cleanup := setupEnv(t)
	defer cleanup()

	ctx := context.Background()
	writeArchive(t, filepath.Join(l.InDir(), "comic.cbz"), "identical content")

	for tick := 0; tick < 30 && len(sched.SnapshotInFlight()) > 0 || tick == 0; tick++ {
		sched.Tick(ctx)
		time.Sleep(50 * time.Millisecond)
		if len(sched.SnapshotInFlight()) == 0 && tick > 2 {
			break
		}
	}

	idx := store.ReadIndex(l)
	var jobKey string
	for k, e := range idx.Jobs {
		if e.State == "DONE" {
			jobKey = k
		}
	}
	if jobKey == "" {
		t.Fatal("expected first submission to reach DONE")
	}

	writeArchive(t, filepath.Join(l.InDir(), "comic-again.cbz"), "identical content")
	sched.Tick(ctx)

	var report duplicate.Report
	ok, reason := store.SafeLoadJSON(l.DupReportPath(jobKey), &report)
	if !ok {
		t.Fatalf("expected duplicate report, reason=%q", reason)
	}
	found := false
	for _, a := range report.Actions {
		if a == duplicate.ActionUseExisting {
			found = true
		}
	}
	if !found {
		t.Error("expected USE_EXISTING_RESULT among allowed actions")
	}
}
