// Package duplicate implements content-plus-profile deduplication: quarantine
// of a colliding incoming file, the report written for human review, and
// application of the operator's decision.json.
package duplicate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comic2pdf/orchestrator/internal/fingerprint"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/types"
)

// Report is the JSON document written to reports/duplicates/<jobKey>.json.
type Report struct {
	JobKey     string         `json:"jobKey"`
	DetectedAt string         `json:"detectedAt"`
	Incoming   IncomingRecord `json:"incoming"`
	Existing   *types.IndexEntry `json:"existing"`
	Profile    types.Profile  `json:"profile"`
	Actions    []string       `json:"actions"`
}

// IncomingRecord describes the file that collided with an existing jobKey.
type IncomingRecord struct {
	FileName  string `json:"fileName"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// HoldStatus is the status.json written alongside a quarantined duplicate.
type HoldStatus struct {
	JobKey    string `json:"jobKey"`
	State     string `json:"state"`
	UpdatedAt string `json:"updatedAt"`
}

// Decision is the operator-authored hold/duplicates/<jobKey>/decision.json.
type Decision struct {
	Action string `json:"action"`
	Nonce  string `json:"nonce,omitempty"`
}

const (
	ActionUseExisting    = "USE_EXISTING_RESULT"
	ActionDiscard        = "DISCARD"
	ActionForceReprocess = "FORCE_REPROCESS"
)

// Quarantine moves the staged incoming file into hold/duplicates/<jobKey>/,
// and writes the report and status.json that tell an operator what happened
// and what they can do about it.
func Quarantine(l store.Layout, jobKey, stagedPath string, existing *types.IndexEntry, profile types.Profile) error {
	holdDir := l.HoldDir(jobKey)
	if err := os.MkdirAll(holdDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(l.DupReportsDir(), 0o755); err != nil {
		return err
	}

	ts := time.Now().UTC().Format("20060102-150405")
	holdName := fmt.Sprintf("%s__%s", ts, filepath.Base(stagedPath))
	holdPath := filepath.Join(holdDir, holdName)
	if err := os.Rename(stagedPath, holdPath); err != nil {
		return fmt.Errorf("move to hold: %w", err)
	}

	info, err := os.Stat(holdPath)
	if err != nil {
		return err
	}

	report := Report{
		JobKey:     jobKey,
		DetectedAt: store.NowISO(),
		Incoming: IncomingRecord{
			FileName:  filepath.Base(holdPath),
			Path:      holdPath,
			SizeBytes: info.Size(),
		},
		Existing: existing,
		Profile:  profile,
		Actions:  []string{ActionUseExisting, ActionDiscard, ActionForceReprocess},
	}
	if err := store.AtomicWriteJSON(l.DupReportPath(jobKey), report); err != nil {
		return err
	}

	status := HoldStatus{JobKey: jobKey, State: "DUPLICATE_PENDING", UpdatedAt: store.NowISO()}
	return store.AtomicWriteJSON(filepath.Join(holdDir, "status.json"), status)
}

// ApplyPendingDecisions scans hold/duplicates/*/decision.json and applies any
// recognized action, then removes the decision/report/status files and the
// hold directory if it ends up empty. Called once per tick, before discovery.
func ApplyPendingDecisions(l store.Layout, idx *types.Index) error {
	entries, err := os.ReadDir(l.HoldDuplicatesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobKey := e.Name()
		if err := applyOne(l, idx, jobKey); err != nil {
			continue // one bad decision must not abort the tick
		}
	}
	return nil
}

func applyOne(l store.Layout, idx *types.Index, jobKey string) error {
	holdDir := l.HoldDir(jobKey)
	decisionPath := filepath.Join(holdDir, "decision.json")

	var decision Decision
	ok, _ := store.SafeLoadJSON(decisionPath, &decision)
	if !ok {
		return nil
	}

	heldPath := firstHeldArchive(holdDir)

	switch decision.Action {
	case ActionUseExisting:
		applyUseExisting(l, idx, jobKey, heldPath)
	case ActionDiscard:
		if heldPath != "" {
			_ = os.Remove(heldPath)
		}
	case ActionForceReprocess:
		applyForceReprocess(l, jobKey, heldPath, decision.Nonce)
	}

	_ = os.Remove(decisionPath)
	_ = os.Remove(l.DupReportPath(jobKey))
	_ = os.Remove(filepath.Join(holdDir, "status.json"))
	if remaining, err := os.ReadDir(holdDir); err == nil && len(remaining) == 0 {
		_ = os.Remove(holdDir)
	}
	return nil
}

func applyUseExisting(l store.Layout, idx *types.Index, jobKey, heldPath string) {
	existing := idx.Jobs[jobKey]
	if existing != nil && existing.OutPdf != "" && heldPath != "" {
		outPdf := l.OutputPathFor(filepath.Base(heldPath), jobKey)
		if _, err := os.Stat(outPdf); os.IsNotExist(err) {
			_ = os.MkdirAll(l.OutDir(), 0o755)
			_ = copyFile(existing.OutPdf, outPdf)
		}
	}
	if heldPath != "" {
		_ = os.MkdirAll(l.ArchiveDir(), 0o755)
		_ = os.Rename(heldPath, filepath.Join(l.ArchiveDir(), filepath.Base(heldPath)))
	}
}

func applyForceReprocess(l store.Layout, jobKey, heldPath, nonce string) {
	if heldPath == "" {
		return
	}
	if nonce == "" {
		nonce = fingerprint.Sha256Str(uuid.NewString())
	}
	ext := filepath.Ext(heldPath)
	base := strings.TrimSuffix(filepath.Base(heldPath), ext)
	shortNonce := nonce
	if len(shortNonce) > 8 {
		shortNonce = shortNonce[:8]
	}
	newName := fmt.Sprintf("%s__force-%s%s", base, shortNonce, ext)
	_ = os.MkdirAll(l.InDir(), 0o755)
	_ = os.Rename(heldPath, filepath.Join(l.InDir(), newName))
	_ = jobKey // jobKey only identifies which hold dir we came from; the new file gets a fresh jobKey on discovery
}

func firstHeldArchive(holdDir string) string {
	entries, err := os.ReadDir(holdDir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if strings.HasSuffix(lower, ".cbz") || strings.HasSuffix(lower, ".cbr") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(holdDir, names[0])
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
