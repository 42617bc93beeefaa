// Package store implements the crash-consistent on-disk job store: atomic
// reads and writes of state.json, index.json, and metrics.json, plus the
// on-disk layout helpers every other package uses to name paths under
// DATA_DIR.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/comic2pdf/orchestrator/internal/types"
)

type (
	Index        = types.Index
	IndexEntry   = types.IndexEntry
	JobStateFile = types.JobStateFile
	Metrics      = types.Metrics
)

// NewIndex returns an empty, ready-to-use Index.
func NewIndex() *Index { return types.NewIndex() }

// Layout resolves every path the orchestrator touches under one DATA_DIR.
type Layout struct {
	DataDir string
}

func NewLayout(dataDir string) Layout { return Layout{DataDir: dataDir} }

func (l Layout) InDir() string              { return filepath.Join(l.DataDir, "in") }
func (l Layout) OutDir() string             { return filepath.Join(l.DataDir, "out") }
func (l Layout) WorkDir() string            { return filepath.Join(l.DataDir, "work") }
func (l Layout) StagingDir() string         { return filepath.Join(l.WorkDir(), "_staging") }
func (l Layout) ErrorDir() string           { return filepath.Join(l.DataDir, "error") }
func (l Layout) ArchiveDir() string         { return filepath.Join(l.DataDir, "archive") }
func (l Layout) HoldDuplicatesDir() string  { return filepath.Join(l.DataDir, "hold", "duplicates") }
func (l Layout) DupReportsDir() string      { return filepath.Join(l.DataDir, "reports", "duplicates") }
func (l Layout) IndexDir() string           { return filepath.Join(l.DataDir, "index") }
func (l Layout) IndexPath() string          { return filepath.Join(l.IndexDir(), "jobs.json") }
func (l Layout) MetricsPath() string        { return filepath.Join(l.IndexDir(), "metrics.json") }

// JobDir is the per-job work directory work/<jobKey>/.
func (l Layout) JobDir(jobKey string) string { return filepath.Join(l.WorkDir(), jobKey) }

// JobStatePath is work/<jobKey>/state.json.
func (l Layout) JobStatePath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "state.json")
}

// Heartbeat paths written by the stage workers.
func (l Layout) PrepHeartbeatPath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "prep.heartbeat")
}
func (l Layout) OcrHeartbeatPath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "ocr.heartbeat")
}

// OutputPathFor computes DATA_DIR/out/<base>__job-<jobKey>.pdf from the
// original input's name.
func (l Layout) OutputPathFor(inputName, jobKey string) string {
	base := inputName[:len(inputName)-len(filepath.Ext(inputName))]
	return filepath.Join(l.OutDir(), fmt.Sprintf("%s__job-%s.pdf", base, jobKey))
}

// HoldDir is hold/duplicates/<jobKey>/.
func (l Layout) HoldDir(jobKey string) string {
	return filepath.Join(l.HoldDuplicatesDir(), jobKey)
}

// DupReportPath is reports/duplicates/<jobKey>.json.
func (l Layout) DupReportPath(jobKey string) string {
	return filepath.Join(l.DupReportsDir(), jobKey+".json")
}

// EnsureLayout creates every top-level directory the orchestrator depends on.
func (l Layout) EnsureLayout() error {
	dirs := []string{
		l.InDir(), l.OutDir(), l.WorkDir(), l.StagingDir(), l.ErrorDir(),
		l.ArchiveDir(), l.HoldDuplicatesDir(), l.DupReportsDir(), l.IndexDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}
	return nil
}

// NowISO returns the current UTC time formatted as the orchestrator's
// timestamp convention: "2006-01-02T15:04:05Z".
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// AtomicWriteJSON serializes data as indented JSON and replaces path with it
// atomically via a temp-file-then-rename, so readers never observe a
// partially written file.
func AtomicWriteJSON(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SafeLoadJSON loads and decodes the JSON file at path into dst, returning a
// tri-state outcome that never errors out to the caller as an exception-style
// failure:
//
//   - ok=true           on successful decode: dst is populated.
//   - ok=false, "absent" when the file does not exist.
//   - ok=false, "json_corrupt: <detail>" when the file exists but does not
//     parse as JSON (this includes a zero-byte file).
//   - ok=false, "os_error: <detail>" on any other I/O failure (permissions,
//     a directory where a file was expected, etc).
func SafeLoadJSON(path string, dst any) (ok bool, reason string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "absent"
		}
		return false, "os_error: " + err.Error()
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, "json_corrupt: " + err.Error()
	}
	return true, ""
}

// ReadIndex loads index/jobs.json, returning a freshly initialized empty
// index (never nil, never an error) when it is absent or corrupt; scheduling
// then continues from that empty index.
func ReadIndex(l Layout) *Index {
	idx := NewIndex()
	_, _ = SafeLoadJSON(l.IndexPath(), idx)
	if idx.Jobs == nil {
		idx.Jobs = map[string]*IndexEntry{}
	}
	return idx
}

// WriteIndex atomically rewrites index/jobs.json in full.
func WriteIndex(l Layout, idx *Index) error {
	return AtomicWriteJSON(l.IndexPath(), idx)
}

// ReadState loads a job's state.json, if present and well-formed.
func ReadState(l Layout, jobKey string) (*JobStateFile, bool) {
	var s JobStateFile
	ok, _ := SafeLoadJSON(l.JobStatePath(jobKey), &s)
	if !ok {
		return nil, false
	}
	return &s, true
}

// P returns a pointer to v, for building a StatePatch's optional fields
// inline: store.StatePatch{State: store.P("DONE")}.
func P[T any](v T) *T { return &v }

// StatePatch carries only the fields a caller wants to set on state.json;
// zero-value fields are left untouched on the existing record, making
// WriteState a field-by-field merge rather than a whole-record replace.
type StatePatch struct {
	State       *string
	Step        *string
	Message     *string
	Error       *string
	Attempt     *int
	AttemptPrep *int
	AttemptOcr  *int
	FileHash    *string
	ProfileHash *string
	Profile     *types.Profile
	Input       *types.InputRef
	RawPdf      *string
	FinalPdf    *string
}

func (p StatePatch) applyTo(s *JobStateFile) {
	if p.State != nil {
		s.State = *p.State
	}
	if p.Step != nil {
		s.Step = *p.Step
	}
	if p.Message != nil {
		s.Message = *p.Message
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.Attempt != nil {
		s.Attempt = *p.Attempt
	}
	if p.AttemptPrep != nil {
		s.AttemptPrep = *p.AttemptPrep
	}
	if p.AttemptOcr != nil {
		s.AttemptOcr = *p.AttemptOcr
	}
	if p.FileHash != nil {
		s.FileHash = *p.FileHash
	}
	if p.ProfileHash != nil {
		s.ProfileHash = *p.ProfileHash
	}
	if p.Profile != nil {
		s.Profile = p.Profile
	}
	if p.Input != nil {
		s.Input = *p.Input
	}
	if p.RawPdf != nil {
		s.RawPdf = *p.RawPdf
	}
	if p.FinalPdf != nil {
		s.FinalPdf = *p.FinalPdf
	}
}

// WriteState merges patch onto the job's existing state.json (or a fresh
// record stamped with jobKey if none exists/parses), stamps updatedAt, and
// writes the result atomically.
func WriteState(l Layout, jobKey string, patch StatePatch) error {
	existing, _ := ReadState(l, jobKey)
	if existing == nil {
		existing = &JobStateFile{JobKey: jobKey}
	}
	patch.applyTo(existing)
	existing.JobKey = jobKey
	existing.UpdatedAt = NowISO()
	return AtomicWriteJSON(l.JobStatePath(jobKey), existing)
}

// ReadMetrics loads index/metrics.json, defaulting to a zeroed record.
func ReadMetrics(l Layout) *Metrics {
	m := &Metrics{}
	_, _ = SafeLoadJSON(l.MetricsPath(), m)
	return m
}

// WriteMetrics atomically rewrites index/metrics.json, stamping updatedAt.
func WriteMetrics(l Layout, m *Metrics) error {
	m.UpdatedAt = NowISO()
	return AtomicWriteJSON(l.MetricsPath(), m)
}
