package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeLoadJSONAbsent(t *testing.T) {
	var v map[string]any
	ok, reason := SafeLoadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	if ok || reason != "absent" {
		t.Errorf("got (%v, %q), want (false, \"absent\")", ok, reason)
	}
}

func TestSafeLoadJSONCorrupt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.json")
	os.WriteFile(p, []byte("{ not json !!!"), 0o644)

	var v map[string]any
	ok, reason := SafeLoadJSON(p, &v)
	if ok {
		t.Fatal("expected ok=false for corrupt JSON")
	}
	if !contains(reason, "json_corrupt") {
		t.Errorf("reason = %q, want json_corrupt prefix", reason)
	}
}

func TestSafeLoadJSONEmptyFileIsCorruptNotAbsent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "empty.json")
	os.WriteFile(p, []byte{}, 0o644)

	var v map[string]any
	ok, reason := SafeLoadJSON(p, &v)
	if ok {
		t.Fatal("expected ok=false for empty file")
	}
	if reason == "absent" {
		t.Error("empty file must not be reported as absent")
	}
}

func TestSafeLoadJSONValid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ok.json")
	os.WriteFile(p, []byte(`{"state":"PREP_RUNNING","attemptPrep":2}`), 0o644)

	var s JobStateFile
	ok, reason := SafeLoadJSON(p, &s)
	if !ok {
		t.Fatalf("expected ok=true, got reason %q", reason)
	}
	if s.AttemptPrep != 2 {
		t.Errorf("attemptPrep = %d, want 2", s.AttemptPrep)
	}
}

func TestSafeLoadJSONNeverPanics(t *testing.T) {
	dir := t.TempDir()
	inputs := [][]byte{{}, []byte("null"), []byte("{ bad"), {0xff, 0xfe}}
	for i, raw := range inputs {
		p := filepath.Join(dir, "x.json")
		os.WriteFile(p, raw, 0o644)
		var v map[string]any
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("case %d: SafeLoadJSON panicked: %v", i, r)
				}
			}()
			SafeLoadJSON(p, &v)
		}()
	}
}

func TestAtomicWriteJSONThenRead(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sub", "state.json")
	if err := AtomicWriteJSON(p, map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
	// no .tmp leftover
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be renamed away")
	}
	var v map[string]string
	ok, reason := SafeLoadJSON(p, &v)
	if !ok {
		t.Fatalf("expected valid read back, reason=%q", reason)
	}
	if v["a"] != "b" {
		t.Errorf("got %v", v)
	}
}

func TestWriteStateMergesFields(t *testing.T) {
	l := NewLayout(t.TempDir())
	jobKey := "hash__profile"

	if err := WriteState(l, jobKey, StatePatch{State: P("DISCOVERED")}); err != nil {
		t.Fatal(err)
	}
	if err := WriteState(l, jobKey, StatePatch{AttemptPrep: P(1)}); err != nil {
		t.Fatal(err)
	}

	s, ok := ReadState(l, jobKey)
	if !ok {
		t.Fatal("expected state.json to be readable")
	}
	if s.State != "DISCOVERED" {
		t.Errorf("state = %q, want DISCOVERED (merge must preserve earlier fields)", s.State)
	}
	if s.AttemptPrep != 1 {
		t.Errorf("attemptPrep = %d, want 1", s.AttemptPrep)
	}
	if s.UpdatedAt == "" {
		t.Error("expected updatedAt to be stamped")
	}
}

func TestReadIndexAbsentReturnsEmpty(t *testing.T) {
	l := NewLayout(t.TempDir())
	idx := ReadIndex(l)
	if idx == nil || idx.Jobs == nil || len(idx.Jobs) != 0 {
		t.Errorf("expected empty initialized index, got %+v", idx)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
