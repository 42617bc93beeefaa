package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/store"
)

func mkWorkDir(t *testing.T, l store.Layout, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(l.WorkDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSweepRemovesOldUnreferencedDirs(t *testing.T) {
	l := store.NewLayout(t.TempDir())
	l.EnsureLayout()
	old := mkWorkDir(t, l, "oldjob", 10*24*time.Hour)

	Sweep(l, 7, map[string]struct{}{}, logging.NoOpLogger{})

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected aged work dir to be removed")
	}
}

func TestSweepKeepsFreshDirs(t *testing.T) {
	l := store.NewLayout(t.TempDir())
	l.EnsureLayout()
	fresh := mkWorkDir(t, l, "freshjob", 1*time.Hour)

	Sweep(l, 7, map[string]struct{}{}, logging.NoOpLogger{})

	if _, err := os.Stat(fresh); err != nil {
		t.Error("expected fresh work dir to survive")
	}
}

func TestSweepSkipsInFlightJobs(t *testing.T) {
	l := store.NewLayout(t.TempDir())
	l.EnsureLayout()
	busy := mkWorkDir(t, l, "busyjob", 10*24*time.Hour)

	Sweep(l, 7, map[string]struct{}{"busyjob": {}}, logging.NoOpLogger{})

	if _, err := os.Stat(busy); err != nil {
		t.Error("expected in-flight work dir to be preserved regardless of age")
	}
}

func TestSweepSkipsUnderscorePrefixedDirs(t *testing.T) {
	l := store.NewLayout(t.TempDir())
	l.EnsureLayout()
	staging := mkWorkDir(t, l, "_staging", 10*24*time.Hour)

	Sweep(l, 7, map[string]struct{}{}, logging.NoOpLogger{})

	if _, err := os.Stat(staging); err != nil {
		t.Error("expected _-prefixed dir to be left alone")
	}
}
