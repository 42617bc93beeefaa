// Package recovery rebuilds the scheduler's inFlight map from the persisted
// index and per-job state.json files at startup, before the first tick runs.
package recovery

import (
	"os"
	"path/filepath"

	"github.com/comic2pdf/orchestrator/internal/config"
	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/progress"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/types"
)

const reasonMaxAttemptsAfterRestart = "max_attempts_after_restart"

// RecoverRunningJobs scans the index for jobs left PREP_RUNNING or
// OCR_RUNNING by a prior, interrupted run and reconstructs the inFlight entry
// each should restart from. It never scans the work directory to discover
// jobs outside the index; an orphaned work/<jobKey>/ is left for the janitor.
func RecoverRunningJobs(l store.Layout, cfg config.Config, log logging.Logger) map[string]*types.InFlightEntry {
	idx := store.ReadIndex(l)
	result := map[string]*types.InFlightEntry{}

	bar := progress.New(len(idx.Jobs) > 20, int64(len(idx.Jobs)))
	defer bar.FinishQuiet()

	for jobKey, entry := range idx.Jobs {
		bar.Add(1)
		var isPrep bool
		switch types.JobState(entry.State) {
		case types.StatePrepRunning:
			isPrep = true
		case types.StateOcrRunning:
			isPrep = false
		default:
			continue // DONE, DISCOVERED, ERROR_* and any other state are left untouched
		}

		if e, ok := recoverOne(l, cfg, entry, jobKey, isPrep, log); ok {
			result[jobKey] = e
		}
	}

	_ = store.WriteIndex(l, idx)
	return result
}

// recoverOne reconstructs one job's restart point. ok is false when the job
// was moved directly to ERROR_{PREP,OCR} because its recovered attempt count
// already reached the configured ceiling; such a job is not re-queued.
func recoverOne(l store.Layout, cfg config.Config, entry *types.IndexEntry, jobKey string, isPrep bool, log logging.Logger) (e *types.InFlightEntry, ok bool) {
	state, loaded := store.ReadState(l, jobKey)

	var attemptPrep, attemptOcr int
	var inputPath, rawPdf string

	if loaded {
		attemptPrep = state.AttemptPrep
		attemptOcr = state.AttemptOcr
		inputPath = state.Input.Path
		rawPdf = state.RawPdf
	}

	if !loaded || inputPath == "" || !pathExists(inputPath) {
		// Absent/corrupt state.json, or a state.json whose referenced input
		// is gone (missing workdir): the interrupted run counts as one
		// attempt for the stage it was running, zero for the other.
		if isPrep {
			attemptPrep, attemptOcr = 1, 0
		} else {
			attemptPrep, attemptOcr = 0, 1
		}
		inputPath = filepath.Join(l.JobDir(jobKey), entry.InputName)
		rawPdf = ""
	}

	recoveredAttempt := attemptPrep
	maxAttempts := cfg.MaxAttemptsPrep
	errorState := types.StateErrorPrep
	errorStep := "PREP"
	if !isPrep {
		recoveredAttempt = attemptOcr
		maxAttempts = cfg.MaxAttemptsOcr
		errorState = types.StateErrorOcr
		errorStep = "OCR"
	}

	if recoveredAttempt >= maxAttempts {
		_ = store.WriteState(l, jobKey, store.StatePatch{
			State:   store.P("ERROR"),
			Step:    store.P(errorStep),
			Message: store.P(reasonMaxAttemptsAfterRestart),
		})
		entry.State = string(errorState)
		entry.UpdatedAt = store.NowISO()
		log.Warn("job exhausted attempts across restart", "jobKey", jobKey, "stage", errorStep)
		return nil, false
	}

	stage := types.StagePrepRetry
	if !isPrep {
		stage = types.StageOcrRetry
	}
	return &types.InFlightEntry{
		Stage:       stage,
		InputName:   entry.InputName,
		InputPath:   inputPath,
		AttemptPrep: attemptPrep,
		AttemptOcr:  attemptOcr,
		RawPdf:      rawPdf,
	}, true
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
