package guards

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir string, size int) string {
	t.Helper()
	p := filepath.Join(dir, "input.cbz")
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCheckSizeBoundaryExactlyAtLimit(t *testing.T) {
	dir := t.TempDir()
	// 1 MiB exactly, limit 1 MB
	p := writeFile(t, dir, 1024*1024)
	rej, _, err := CheckSize(p, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rej != RejectNone {
		t.Errorf("expected acceptance at exact limit, got %q", rej)
	}
}

func TestCheckSizeBoundaryOneByteOver(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, 1024*1024+1)
	rej, _, err := CheckSize(p, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rej != RejectSize {
		t.Errorf("expected rejection one byte over limit, got %q", rej)
	}
}

func TestCheckSignatureZip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.cbz")
	content := append([]byte{0x50, 0x4B, 0x03, 0x04}, []byte("restofzip")...)
	os.WriteFile(p, content, 0o644)

	rej, _, err := CheckSignature(p)
	if err != nil {
		t.Fatal(err)
	}
	if rej != RejectNone {
		t.Errorf("expected ZIP signature accepted, got %q", rej)
	}
}

func TestCheckSignatureRar4(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.cbr")
	content := append([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}, []byte("rest")...)
	os.WriteFile(p, content, 0o644)

	rej, _, err := CheckSignature(p)
	if err != nil {
		t.Fatal(err)
	}
	if rej != RejectNone {
		t.Errorf("expected RAR4 signature accepted, got %q", rej)
	}
}

func TestCheckSignatureRejectsUnknown(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.cbz")
	os.WriteFile(p, []byte("not an archive at all"), 0o644)

	rej, _, err := CheckSignature(p)
	if err != nil {
		t.Fatal(err)
	}
	if rej != RejectSignature {
		t.Errorf("expected signature rejection, got %q", rej)
	}
}

func TestCheckDiskSpaceCreatesMissingDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	rej, _ := CheckDiskSpace(nested, 100, 2.0)
	if rej != RejectNone {
		t.Errorf("expected acceptance once the missing dir is created, got %q", rej)
	}
}

func TestCheckDiskSpaceAcceptsSmallInput(t *testing.T) {
	dir := t.TempDir()
	rej, _ := CheckDiskSpace(dir, 1, 2.0)
	if rej != RejectNone {
		t.Errorf("expected acceptance for tiny input, got %q", rej)
	}
}
