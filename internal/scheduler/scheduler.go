// Package scheduler implements the orchestrator's tick: the single
// non-blocking pass that applies duplicate decisions, discovers new input,
// drives in-flight jobs through PREP and OCR, checks heartbeats, and writes
// metrics.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/comic2pdf/orchestrator/internal/config"
	"github.com/comic2pdf/orchestrator/internal/duplicate"
	"github.com/comic2pdf/orchestrator/internal/fingerprint"
	"github.com/comic2pdf/orchestrator/internal/guards"
	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/stageclient"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/types"
)

// Scheduler owns the in-memory inFlight map and drives one tick at a time.
// inFlight, the config snapshot used by the current tick, and the metrics
// counters are all protected by mu so the observability server can read and
// patch them concurrently with the scheduler loop.
type Scheduler struct {
	mu       sync.Mutex
	layout   store.Layout
	cfg      config.Config
	inFlight map[string]*types.InFlightEntry
	metrics  *types.Metrics

	prep *stageclient.Client
	ocr  *stageclient.Client
	log  logging.Logger
}

// New constructs a Scheduler over layout, seeded with an initial config and
// an empty inFlight map; recovered entries are installed with SeedInFlight.
func New(layout store.Layout, cfg config.Config, log logging.Logger) *Scheduler {
	return &Scheduler{
		layout:   layout,
		cfg:      cfg,
		inFlight: map[string]*types.InFlightEntry{},
		metrics:  store.ReadMetrics(layout),
		prep:     stageclient.New(cfg.PrepURL),
		ocr:      stageclient.New(cfg.OcrURL),
		log:      log,
	}
}

// SeedInFlight installs recovered entries before the first tick runs.
func (s *Scheduler) SeedInFlight(entries map[string]*types.InFlightEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.inFlight[k] = v
	}
}

// Config returns a copy of the scheduler's current config, safe to read
// without the caller holding any lock.
func (s *Scheduler) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig patches whitelisted fields on the live config from the
// observability server. The returned map holds only the keys that were
// applied; unknown keys and values of the wrong type are left out.
func (s *Scheduler) UpdateConfig(patch map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := map[string]any{}
	if v, ok := patch["prep_concurrency"].(float64); ok {
		s.cfg.PrepConcurrency = int(v)
		applied["prep_concurrency"] = int(v)
	}
	if v, ok := patch["ocr_concurrency"].(float64); ok {
		s.cfg.OcrConcurrency = int(v)
		applied["ocr_concurrency"] = int(v)
	}
	if v, ok := patch["job_timeout_s"].(float64); ok {
		s.cfg.JobTimeoutSeconds = int(v)
		applied["job_timeout_s"] = int(v)
	}
	if v, ok := patch["default_ocr_lang"].(string); ok {
		s.cfg.OcrLang = v
		applied["default_ocr_lang"] = v
	}
	return applied
}

// SnapshotInFlight returns a shallow copy of inFlight for the observability
// server's /jobs merge.
func (s *Scheduler) SnapshotInFlight() map[string]types.InFlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.InFlightEntry, len(s.inFlight))
	for k, v := range s.inFlight {
		out[k] = *v
	}
	return out
}

// SnapshotMetrics returns a copy of the current metrics counters.
func (s *Scheduler) SnapshotMetrics() types.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.metrics
}

// Tick runs one full scheduling pass, steps 1 through 8 in order.
func (s *Scheduler) Tick(ctx context.Context) {
	cfg := s.Config()

	if err := duplicate.ApplyPendingDecisions(s.layout, store.ReadIndex(s.layout)); err != nil {
		s.log.Warn("apply duplicate decisions failed", "error", err)
	}

	s.discoverOne(ctx, cfg)
	s.schedulePrep(ctx, cfg)
	s.pollPrep(ctx)
	s.scheduleOcr(ctx, cfg)
	s.pollOcrAndFinalize(ctx, cfg)
	s.checkHeartbeats(cfg)
	s.writeMetrics()
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// discoverOne implements tick step 2.
func (s *Scheduler) discoverOne(ctx context.Context, cfg config.Config) {
	if s.inFlightCount() >= cfg.MaxJobsInFlight {
		return
	}

	entries, err := os.ReadDir(s.layout.InDir())
	if err != nil {
		return
	}
	var name string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if strings.HasSuffix(lower, ".part") {
			continue
		}
		if strings.HasSuffix(lower, ".cbz") || strings.HasSuffix(lower, ".cbr") {
			name = e.Name()
			break
		}
	}
	if name == "" {
		return
	}

	srcPath := filepath.Join(s.layout.InDir(), name)
	ts := time.Now().UTC().Format("20060102-150405")
	stagedPath := filepath.Join(s.layout.StagingDir(), ts+"_"+name)
	if err := os.MkdirAll(s.layout.StagingDir(), 0o755); err != nil {
		return
	}
	if err := os.Rename(srcPath, stagedPath); err != nil {
		return // another discoverer won the race; skip this tick
	}

	if rej, _, _ := guards.CheckSize(stagedPath, cfg.MaxInputSizeMB); rej != guards.RejectNone {
		s.rejectStaged(stagedPath, name, rej)
		return
	}
	if rej, _, _ := guards.CheckSignature(stagedPath); rej != guards.RejectNone {
		s.rejectStaged(stagedPath, name, rej)
		return
	}
	info, statErr := os.Stat(stagedPath)
	var inputSize int64
	if statErr == nil {
		inputSize = info.Size()
	}
	if rej, _ := guards.CheckDiskSpace(s.layout.WorkDir(), inputSize, cfg.DiskFreeFactor); rej != guards.RejectNone {
		s.rejectStaged(stagedPath, name, rej)
		return
	}

	fileHash, err := fingerprint.FileHash(stagedPath)
	if err != nil {
		s.rejectStaged(stagedPath, name, guards.RejectSignature)
		return
	}

	prepInfo := s.prep.GetInfo(ctx)
	ocrInfo := s.ocr.GetInfo(ctx)
	profile := fingerprint.CanonicalProfile(
		fingerprint.ServiceInfo(prepInfo),
		fingerprint.ServiceInfo(ocrInfo),
		cfg.OcrLang,
	)
	profileHash, jobKey, err := fingerprint.MakeJobKey(fileHash, profile)
	if err != nil {
		s.rejectStaged(stagedPath, name, guards.RejectSignature)
		return
	}

	idx := store.ReadIndex(s.layout)
	if existing, ok := idx.Jobs[jobKey]; ok {
		if err := duplicate.Quarantine(s.layout, jobKey, stagedPath, existing, profile); err != nil {
			s.log.Warn("quarantine failed", "jobKey", jobKey, "error", err)
		}
		return
	}

	jobDir := s.layout.JobDir(jobKey)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return
	}
	finalInputPath := filepath.Join(jobDir, name)
	if err := os.Rename(stagedPath, finalInputPath); err != nil {
		return
	}

	if err := store.WriteState(s.layout, jobKey, store.StatePatch{
		State:       store.P(string(types.StateDiscovered)),
		FileHash:    store.P(fileHash),
		ProfileHash: store.P(profileHash),
		Profile:     &profile,
		Input:       store.P(types.InputRef{Name: name, Path: finalInputPath}),
	}); err != nil {
		s.log.Warn("write initial state failed", "jobKey", jobKey, "error", err)
	}

	idx.Jobs[jobKey] = &types.IndexEntry{JobKey: jobKey, State: string(types.StateDiscovered), InputName: name, UpdatedAt: store.NowISO()}
	if err := store.WriteIndex(s.layout, idx); err != nil {
		s.log.Warn("write index failed", "error", err)
	}

	s.mu.Lock()
	s.inFlight[jobKey] = &types.InFlightEntry{Stage: types.StageDiscovered, InputName: name, InputPath: finalInputPath}
	s.metrics.Queued++
	s.mu.Unlock()
}

func (s *Scheduler) rejectStaged(stagedPath, name string, rej guards.Rejection) {
	if err := os.MkdirAll(s.layout.ErrorDir(), 0o755); err != nil {
		return
	}
	_ = os.Rename(stagedPath, filepath.Join(s.layout.ErrorDir(), name))
	s.mu.Lock()
	switch rej {
	case guards.RejectSize:
		s.metrics.InputRejectedSize++
	case guards.RejectSignature:
		s.metrics.InputRejectedSignature++
	case guards.RejectDiskError:
		s.metrics.DiskError++
	}
	s.mu.Unlock()
}

// schedulePrep implements tick step 3.
func (s *Scheduler) schedulePrep(ctx context.Context, cfg config.Config) {
	s.runStageSchedule(ctx, stagePlan{
		runningStage:   types.StagePrepRun,
		eligibleStages: []types.Stage{types.StageDiscovered, types.StagePrepRetry},
		concurrency:    cfg.PrepConcurrency,
		maxAttempts:    cfg.MaxAttemptsPrep,
		errorState:     types.StateErrorPrep,
		errorStep:      "PREP",
		submittedState: types.StatePrepSubmitted,
		runningState:   types.StatePrepRunning,
		moveInputOnError: true,
		submit: func(jobKey string, e *types.InFlightEntry) error {
			return s.prep.SubmitPrep(ctx, jobKey, e.InputPath, s.layout.JobDir(jobKey))
		},
		bumpAttempt: func(e *types.InFlightEntry) int {
			e.AttemptPrep++
			return e.AttemptPrep
		},
		attemptOf: func(e *types.InFlightEntry) int { return e.AttemptPrep },
		onSuccess: func(e *types.InFlightEntry) { e.Stage = types.StagePrepRun },
		onFailure: func(e *types.InFlightEntry) { e.Stage = types.StagePrepRetry },
	})
}

// scheduleOcr implements tick step 5, symmetric to schedulePrep except it
// never moves the input to error/ on exhaustion.
func (s *Scheduler) scheduleOcr(ctx context.Context, cfg config.Config) {
	s.runStageSchedule(ctx, stagePlan{
		runningStage:   types.StageOcrRun,
		eligibleStages: []types.Stage{types.StagePrepDone, types.StageOcrRetry},
		concurrency:    cfg.OcrConcurrency,
		maxAttempts:    cfg.MaxAttemptsOcr,
		errorState:     types.StateErrorOcr,
		errorStep:      "OCR",
		submittedState: types.StateOcrSubmitted,
		runningState:   types.StateOcrRunning,
		moveInputOnError: false,
		submit: func(jobKey string, e *types.InFlightEntry) error {
			profile := s.readProfile(jobKey)
			rawPdf := e.RawPdf
			if rawPdf == "" {
				rawPdf = filepath.Join(s.layout.JobDir(jobKey), "raw.pdf")
			}
			return s.ocr.SubmitOcr(ctx, jobKey, rawPdf, s.layout.JobDir(jobKey),
				profile.Ocr.Lang, profile.Ocr.RotatePages, profile.Ocr.Deskew, profile.Ocr.Optimize)
		},
		bumpAttempt: func(e *types.InFlightEntry) int {
			e.AttemptOcr++
			return e.AttemptOcr
		},
		attemptOf: func(e *types.InFlightEntry) int { return e.AttemptOcr },
		onSuccess: func(e *types.InFlightEntry) { e.Stage = types.StageOcrRun },
		onFailure: func(e *types.InFlightEntry) { e.Stage = types.StageOcrRetry },
	})
}

func (s *Scheduler) readProfile(jobKey string) types.Profile {
	st, ok := store.ReadState(s.layout, jobKey)
	if !ok || st.Profile == nil {
		return types.Profile{}
	}
	return *st.Profile
}

// stagePlan parameterizes the shared shape of tick steps 3 and 5: count the
// stage's running slots, walk eligible entries respecting concurrency and the
// attempt ceiling, submit or error out.
type stagePlan struct {
	runningStage     types.Stage
	eligibleStages   []types.Stage
	concurrency      int
	maxAttempts      int
	errorState       types.JobState
	errorStep        string
	submittedState   types.JobState
	runningState     types.JobState
	moveInputOnError bool
	submit           func(jobKey string, e *types.InFlightEntry) error
	bumpAttempt      func(e *types.InFlightEntry) int
	attemptOf        func(e *types.InFlightEntry) int
	onSuccess        func(e *types.InFlightEntry)
	onFailure        func(e *types.InFlightEntry)
}

func isEligible(stage types.Stage, eligible []types.Stage) bool {
	for _, e := range eligible {
		if stage == e {
			return true
		}
	}
	return false
}

func (s *Scheduler) runStageSchedule(ctx context.Context, plan stagePlan) {
	s.mu.Lock()
	running := 0
	for _, e := range s.inFlight {
		if e.Stage == plan.runningStage {
			running++
		}
	}
	slots := plan.concurrency - running
	var keys []string
	for k, e := range s.inFlight {
		if isEligible(e.Stage, plan.eligibleStages) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s.mu.Unlock()

	for _, jobKey := range keys {
		if slots <= 0 {
			return
		}
		s.mu.Lock()
		e, ok := s.inFlight[jobKey]
		s.mu.Unlock()
		if !ok {
			continue
		}

		if plan.attemptOf(e) >= plan.maxAttempts {
			s.failJob(jobKey, e, plan)
			continue
		}

		s.mu.Lock()
		attempt := plan.bumpAttempt(e)
		s.mu.Unlock()
		_ = store.WriteState(s.layout, jobKey, store.StatePatch{
			State:   store.P(string(plan.submittedState)),
			Attempt: store.P(attempt),
		})

		if err := plan.submit(jobKey, e); err != nil {
			s.mu.Lock()
			plan.onFailure(e)
			s.mu.Unlock()
			_ = store.WriteState(s.layout, jobKey, store.StatePatch{
				Error: store.P(err.Error()),
			})
			continue
		}

		s.mu.Lock()
		plan.onSuccess(e)
		s.mu.Unlock()
		_ = store.WriteState(s.layout, jobKey, store.StatePatch{State: store.P(string(plan.runningState))})
		s.updateIndexState(jobKey, plan.runningState)
		slots--
		s.mu.Lock()
		s.metrics.Running++
		s.mu.Unlock()
	}
}

func (s *Scheduler) failJob(jobKey string, e *types.InFlightEntry, plan stagePlan) {
	_ = store.WriteState(s.layout, jobKey, store.StatePatch{
		State: store.P("ERROR"),
		Step:  store.P(plan.errorStep),
	})
	s.updateIndexState(jobKey, plan.errorState)

	if plan.moveInputOnError {
		if err := os.MkdirAll(s.layout.ErrorDir(), 0o755); err == nil {
			_ = os.Rename(e.InputPath, filepath.Join(s.layout.ErrorDir(), e.InputName))
		}
	}

	s.mu.Lock()
	delete(s.inFlight, jobKey)
	s.metrics.Error++
	s.mu.Unlock()
}

func (s *Scheduler) updateIndexState(jobKey string, state types.JobState) {
	idx := store.ReadIndex(s.layout)
	if entry, ok := idx.Jobs[jobKey]; ok {
		entry.State = string(state)
		entry.UpdatedAt = store.NowISO()
		_ = store.WriteIndex(s.layout, idx)
	}
}

// pollPrep implements tick step 4.
func (s *Scheduler) pollPrep(ctx context.Context) {
	for _, jobKey := range s.entriesAtStage(types.StagePrepRun) {
		s.mu.Lock()
		e, ok := s.inFlight[jobKey]
		s.mu.Unlock()
		if !ok {
			continue
		}

		result, err := s.prep.PollJob(ctx, jobKey)
		if err != nil {
			continue // transport errors swallowed; stays PREP_RUNNING
		}

		switch result.State {
		case stageclient.WorkerDone:
			rawPdf := filepath.Join(s.layout.JobDir(jobKey), "raw.pdf")
			if result.Artifacts != nil && result.Artifacts.RawPdf != "" {
				rawPdf = result.Artifacts.RawPdf
			}
			s.mu.Lock()
			e.Stage = types.StagePrepDone
			e.RawPdf = rawPdf
			s.mu.Unlock()
			_ = store.WriteState(s.layout, jobKey, store.StatePatch{
				State:  store.P(string(types.StatePrepDone)),
				RawPdf: store.P(rawPdf),
			})
			s.updateIndexState(jobKey, types.StatePrepDone)
		case stageclient.WorkerError:
			s.mu.Lock()
			e.Stage = types.StagePrepRetry
			s.mu.Unlock()
			_ = store.WriteState(s.layout, jobKey, store.StatePatch{
				State:   store.P(string(types.StatePrepError)),
				Message: store.P(result.Message),
			})
		}
	}
}

// pollOcrAndFinalize implements tick step 6.
func (s *Scheduler) pollOcrAndFinalize(ctx context.Context, cfg config.Config) {
	for _, jobKey := range s.entriesAtStage(types.StageOcrRun) {
		s.mu.Lock()
		e, ok := s.inFlight[jobKey]
		s.mu.Unlock()
		if !ok {
			continue
		}

		result, err := s.ocr.PollJob(ctx, jobKey)
		if err != nil {
			continue
		}

		switch result.State {
		case stageclient.WorkerDone:
			s.finalize(jobKey, e, result, cfg)
		case stageclient.WorkerError:
			s.mu.Lock()
			e.Stage = types.StageOcrRetry
			s.mu.Unlock()
			_ = store.WriteState(s.layout, jobKey, store.StatePatch{
				State:   store.P(string(types.StateOcrError)),
				Message: store.P(result.Message),
			})
		}
	}
}

func (s *Scheduler) finalize(jobKey string, e *types.InFlightEntry, result *stageclient.PollResult, cfg config.Config) {
	var candidate string
	if result.Artifacts != nil && result.Artifacts.FinalPdf != "" {
		candidate = result.Artifacts.FinalPdf
	} else {
		candidate = filepath.Join(s.layout.JobDir(jobKey), "final.pdf")
	}

	if !ValidateFinalPDF(candidate, cfg.MinPdfSizeBytes) {
		s.mu.Lock()
		e.Stage = types.StageOcrRetry
		s.metrics.PdfInvalid++
		s.mu.Unlock()
		_ = store.WriteState(s.layout, jobKey, store.StatePatch{
			State:   store.P(string(types.StateOcrError)),
			Message: store.P("pdf_invalid"),
		})
		return
	}

	outPdf := s.layout.OutputPathFor(e.InputName, jobKey)
	if err := os.MkdirAll(s.layout.OutDir(), 0o755); err != nil {
		return
	}
	if err := os.Rename(candidate, outPdf); err != nil {
		return
	}

	_ = store.WriteState(s.layout, jobKey, store.StatePatch{
		State:    store.P(string(types.StateDone)),
		FinalPdf: store.P(outPdf),
	})

	idx := store.ReadIndex(s.layout)
	if entry, ok := idx.Jobs[jobKey]; ok {
		entry.State = string(types.StateDone)
		entry.OutPdf = outPdf
		entry.UpdatedAt = store.NowISO()
		_ = store.WriteIndex(s.layout, idx)
	}

	if err := os.MkdirAll(s.layout.ArchiveDir(), 0o755); err == nil {
		_ = os.Rename(e.InputPath, filepath.Join(s.layout.ArchiveDir(), e.InputName))
	}

	s.mu.Lock()
	delete(s.inFlight, jobKey)
	s.metrics.Done++
	s.mu.Unlock()

	if cfg.KeepWorkDirDays == 0 {
		_ = os.RemoveAll(s.layout.JobDir(jobKey))
	}
}

func (s *Scheduler) entriesAtStage(stage types.Stage) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.inFlight {
		if e.Stage == stage {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// checkHeartbeats implements tick step 7.
func (s *Scheduler) checkHeartbeats(cfg config.Config) {
	for _, jobKey := range s.entriesAtStage(types.StagePrepRun) {
		s.checkOneHeartbeat(jobKey, s.layout.PrepHeartbeatPath(jobKey), cfg, true)
	}
	for _, jobKey := range s.entriesAtStage(types.StageOcrRun) {
		s.checkOneHeartbeat(jobKey, s.layout.OcrHeartbeatPath(jobKey), cfg, false)
	}
}

func (s *Scheduler) checkOneHeartbeat(jobKey, hbPath string, cfg config.Config, isPrep bool) {
	if !IsHeartbeatStale(hbPath, cfg.JobTimeoutSeconds) {
		return
	}
	s.mu.Lock()
	e, ok := s.inFlight[jobKey]
	if ok {
		if isPrep {
			e.Stage = types.StagePrepRetry
		} else {
			e.Stage = types.StageOcrRetry
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	state := types.StatePrepTimeout
	if !isPrep {
		state = types.StateOcrTimeout
	}
	_ = store.WriteState(s.layout, jobKey, store.StatePatch{State: store.P(string(state))})
}

// IsHeartbeatStale reports whether the heartbeat file at path is older than
// timeoutSeconds. An absent heartbeat is not stale unless timeoutSeconds is
// zero, to avoid false positives in the window between submit and first
// heartbeat write.
func IsHeartbeatStale(path string, timeoutSeconds int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return timeoutSeconds == 0
	}
	age := time.Since(info.ModTime())
	return age > time.Duration(timeoutSeconds)*time.Second
}

// ValidateFinalPDF implements §4.7: a candidate is valid iff it exists, its
// size is at least minSize, and its first five bytes equal "%PDF-".
func ValidateFinalPDF(path string, minSize int64) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() < minSize {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 5)
	if _, err := f.Read(buf); err != nil {
		return false
	}
	return string(buf) == "%PDF-"
}

func (s *Scheduler) writeMetrics() {
	s.mu.Lock()
	m := *s.metrics
	s.mu.Unlock()
	if err := store.WriteMetrics(s.layout, &m); err != nil {
		s.log.Warn("write metrics failed", "error", err)
		return
	}
	s.mu.Lock()
	s.metrics.UpdatedAt = m.UpdatedAt
	s.mu.Unlock()
}
