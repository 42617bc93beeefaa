package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/comic2pdf/orchestrator/internal/config"
	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/types"
)

func newLayout(t *testing.T) store.Layout {
	t.Helper()
	l := store.NewLayout(t.TempDir())
	if err := l.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return l
}

func defaultCfg() config.Config {
	return *config.NewDefault()
}

func seedIndex(t *testing.T, l store.Layout, jobKey, state, inputName string) {
	t.Helper()
	idx := store.ReadIndex(l)
	idx.Jobs[jobKey] = &types.IndexEntry{JobKey: jobKey, State: state, InputName: inputName}
	if err := store.WriteIndex(l, idx); err != nil {
		t.Fatal(err)
	}
}

func seedInput(t *testing.T, l store.Layout, jobKey, name string) string {
	t.Helper()
	dir := l.JobDir(jobKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCase1PrepRunningValidStateRestoresFromState(t *testing.T) {
	l := newLayout(t)
	jobKey := "h1__p1"
	inputPath := seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StatePrepRunning), "comic.cbz")
	if err := store.WriteState(l, jobKey, store.StatePatch{
		State:       store.P(string(types.StatePrepRunning)),
		AttemptPrep: store.P(2),
		AttemptOcr:  store.P(0),
		Input:       store.P(types.InputRef{Name: "comic.cbz", Path: inputPath}),
	}); err != nil {
		t.Fatal(err)
	}

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	e, ok := result[jobKey]
	if !ok {
		t.Fatal("expected job to be re-queued")
	}
	if e.Stage != types.StagePrepRetry || e.AttemptPrep != 2 || e.InputPath != inputPath {
		t.Errorf("got %+v", e)
	}
}

func TestCase2OcrRunningAbsentStateFallsBack(t *testing.T) {
	l := newLayout(t)
	jobKey := "h2__p2"
	seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StateOcrRunning), "comic.cbz")
	// no state.json written: absent

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	e, ok := result[jobKey]
	if !ok {
		t.Fatal("expected job to be re-queued")
	}
	if e.Stage != types.StageOcrRetry || e.AttemptOcr != 1 || e.AttemptPrep != 0 {
		t.Errorf("got %+v", e)
	}
}

func TestCase3CorruptStateNeverPanics(t *testing.T) {
	l := newLayout(t)
	jobKey := "h3__p3"
	seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StatePrepRunning), "comic.cbz")
	os.WriteFile(l.JobStatePath(jobKey), []byte("{ not json"), 0o644)

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	e, ok := result[jobKey]
	if !ok {
		t.Fatal("expected job to be re-queued despite corrupt state")
	}
	if e.Stage != types.StagePrepRetry || e.AttemptPrep != 1 {
		t.Errorf("got %+v", e)
	}
}

func TestCase4PrepExhaustedAtRestartGoesToErrorPrep(t *testing.T) {
	l := newLayout(t)
	jobKey := "h4__p4"
	inputPath := seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StatePrepRunning), "comic.cbz")
	store.WriteState(l, jobKey, store.StatePatch{
		AttemptPrep: store.P(3), // == default MaxAttemptsPrep
		Input:       store.P(types.InputRef{Name: "comic.cbz", Path: inputPath}),
	})

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	if _, ok := result[jobKey]; ok {
		t.Error("expected exhausted job not to be re-queued")
	}

	idx := store.ReadIndex(l)
	if idx.Jobs[jobKey].State != string(types.StateErrorPrep) {
		t.Errorf("index state = %q, want ERROR_PREP", idx.Jobs[jobKey].State)
	}
}

func TestCase4OcrExhaustedAtRestartGoesToErrorOcr(t *testing.T) {
	l := newLayout(t)
	jobKey := "h4b__p4b"
	inputPath := seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StateOcrRunning), "comic.cbz")
	store.WriteState(l, jobKey, store.StatePatch{
		AttemptOcr: store.P(3),
		Input:      store.P(types.InputRef{Name: "comic.cbz", Path: inputPath}),
	})

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	if _, ok := result[jobKey]; ok {
		t.Error("expected exhausted job not to be re-queued")
	}
	idx := store.ReadIndex(l)
	if idx.Jobs[jobKey].State != string(types.StateErrorOcr) {
		t.Errorf("index state = %q, want ERROR_OCR", idx.Jobs[jobKey].State)
	}
}

func TestCase5MissingWorkdirFallsBack(t *testing.T) {
	l := newLayout(t)
	jobKey := "h5__p5"
	seedIndex(t, l, jobKey, string(types.StatePrepRunning), "comic.cbz")
	// state.json references a path that was never created
	store.WriteState(l, jobKey, store.StatePatch{
		AttemptPrep: store.P(1),
		Input:       store.P(types.InputRef{Name: "comic.cbz", Path: filepath.Join(l.JobDir(jobKey), "comic.cbz")}),
	})

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	e, ok := result[jobKey]
	if !ok {
		t.Fatal("expected job to be re-queued despite missing workdir")
	}
	if e.AttemptPrep != 1 || e.AttemptOcr != 0 {
		t.Errorf("got %+v", e)
	}
}

func TestCase6DoneAndErrorEntriesUntouched(t *testing.T) {
	l := newLayout(t)
	for i, state := range []string{string(types.StateDone), string(types.StateDiscovered), string(types.StateErrorPrep), string(types.StateErrorOcr)} {
		jobKey := "untouched" + string(rune('a'+i))
		seedIndex(t, l, jobKey, state, "comic.cbz")
	}

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	if len(result) != 0 {
		t.Errorf("expected no jobs re-queued, got %+v", result)
	}
}

func TestCase7OcrRunningValidStateCarriesRawPdf(t *testing.T) {
	l := newLayout(t)
	jobKey := "h7__p7"
	inputPath := seedInput(t, l, jobKey, "comic.cbz")
	seedIndex(t, l, jobKey, string(types.StateOcrRunning), "comic.cbz")
	store.WriteState(l, jobKey, store.StatePatch{
		AttemptOcr: store.P(1),
		Input:      store.P(types.InputRef{Name: "comic.cbz", Path: inputPath}),
		RawPdf:     store.P(filepath.Join(l.JobDir(jobKey), "raw.pdf")),
	})

	result := RecoverRunningJobs(l, defaultCfg(), logging.NoOpLogger{})
	e, ok := result[jobKey]
	if !ok {
		t.Fatal("expected job to be re-queued")
	}
	if e.RawPdf == "" {
		t.Error("expected rawPdf to be carried into inFlight")
	}
}
