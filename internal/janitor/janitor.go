// Package janitor periodically reclaims work directories for jobs that have
// finished and aged past their retention window.
package janitor

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/progress"
	"github.com/comic2pdf/orchestrator/internal/store"
)

// DefaultInterval is how often Sweep should be invoked in production; callers
// own their own ticker since the janitor itself does no scheduling.
const DefaultInterval = 10 * time.Minute

// Sweep removes every immediate child of work/ that is not a currently
// in-flight jobKey, does not start with "_" (staging owns those), and whose
// mtime is older than keepWorkDirDays*86400 seconds. Individual removal
// failures are ignored so one locked or already-gone directory cannot stall
// the sweep.
func Sweep(l store.Layout, keepWorkDirDays int, inFlight map[string]struct{}, log logging.Logger) {
	entries, err := os.ReadDir(l.WorkDir())
	if err != nil {
		return
	}

	maxAge := time.Duration(keepWorkDirDays) * 24 * time.Hour
	bar := progress.New(len(entries) > 20, int64(len(entries)))
	defer bar.FinishQuiet()

	for _, e := range entries {
		bar.Add(1)
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		if _, busy := inFlight[e.Name()]; busy {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}

		path := filepath.Join(l.WorkDir(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn("janitor failed to remove work dir", "path", path, "error", err)
		}
	}
}
