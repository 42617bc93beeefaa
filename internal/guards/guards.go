// Package guards implements the three input admission predicates evaluated
// on every newly discovered archive, in the order the scheduler applies them.
package guards

import (
	"fmt"
	"os"
	"syscall"

	"github.com/dustin/go-humanize"
)

// Rejection identifies which guard failed, matching the error taxonomy tags
// persisted in state.json / counted in metrics.
type Rejection string

const (
	RejectNone      Rejection = ""
	RejectSize      Rejection = "input_rejected_size"
	RejectSignature Rejection = "input_rejected_signature"
	RejectDiskError Rejection = "disk_error"
)

var (
	magicZip  = []byte{0x50, 0x4B, 0x03, 0x04}
	magicRar4 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	magicRar5 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
)

// CheckSize reports whether the file at path is within maxSizeMB, as a
// rejection tag plus a human-readable message stating both sizes.
func CheckSize(path string, maxSizeMB float64) (Rejection, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return RejectNone, "", err
	}
	maxBytes := int64(maxSizeMB * 1024 * 1024)
	if info.Size() > maxBytes {
		msg := fmt.Sprintf("size %s exceeds limit %s", humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(maxBytes)))
		return RejectSize, msg, nil
	}
	return RejectNone, "", nil
}

// CheckSignature reports whether the file's leading bytes match a known
// ZIP/RAR4/RAR5 magic number.
func CheckSignature(path string) (Rejection, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return RejectNone, "", err
	}
	defer f.Close()

	header := make([]byte, 8)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return RejectSignature, "could not read file header", nil
	}
	header = header[:n]

	if hasPrefix(header, magicZip) || hasPrefix(header, magicRar4) || hasPrefix(header, magicRar5) {
		return RejectNone, "", nil
	}
	return RejectSignature, "unrecognized archive signature", nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if b[i] != p {
			return false
		}
	}
	return true
}

// CheckDiskSpace reports whether the filesystem backing workDir has at least
// inputSize*factor bytes free. Probing errors fail open (the file is
// admitted) per spec: a broken statfs must not block the pipeline.
func CheckDiskSpace(workDir string, inputSize int64, factor float64) (Rejection, string) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return RejectNone, ""
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(workDir, &stat); err != nil {
		return RejectNone, ""
	}
	free := stat.Bavail * uint64(stat.Bsize)
	needed := uint64(float64(inputSize) * factor)
	if free < needed {
		msg := fmt.Sprintf("free %s below required %s", humanize.Bytes(free), humanize.Bytes(needed))
		return RejectDiskError, msg
	}
	return RejectNone, ""
}
