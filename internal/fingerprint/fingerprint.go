// Package fingerprint computes the content-addressed identity of a job:
// fileHash, the canonical profile, and the jobKey derived from both.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/comic2pdf/orchestrator/internal/types"
)

const hashBufSize = 1 << 20

// FileHash streams the file at path through SHA-256 and returns the hex digest.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeLang splits lang on "+", dedupes and sorts the tokens, and rejoins
// with "+", so "fra+eng" and "eng+fra" canonicalize to the same string.
func normalizeLang(lang string) string {
	tokens := strings.Split(lang, "+")
	seen := make(map[string]struct{}, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	sort.Strings(unique)
	return strings.Join(unique, "+")
}

// ServiceInfo is the decoded body of a stage worker's GET /info response.
type ServiceInfo struct {
	Service  string            `json:"service"`
	Versions map[string]string `json:"versions"`
}

// CanonicalProfile builds the canonical profile from each worker's reported
// tool versions and the configured OCR language set, normalizing the
// language tokens so job identity does not depend on their original order.
func CanonicalProfile(prepInfo, ocrInfo ServiceInfo, ocrLang string) types.Profile {
	return types.Profile{
		Ocr: types.OcrProfile{
			Lang:        normalizeLang(ocrLang),
			RotatePages: true,
			Deskew:      true,
			Optimize:    1,
			Tools:       copyVersions(ocrInfo.Versions),
		},
		Prep: types.PrepProfile{
			Tools: copyVersions(prepInfo.Versions),
		},
	}
}

func copyVersions(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StableJSON serializes v to compact JSON. Go's encoding/json already emits
// map keys in sorted order and struct fields in declaration order, so two
// values equal by content always produce byte-identical output regardless of
// how a map was populated. Struct field order here is declaration order
// (Profile.Ocr.Lang,RotatePages,Deskew,Optimize,Tools), not a lexicographic
// sort of the field names; that's still a fixed, deterministic order, so
// profileHash stability is unaffected.
func StableJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Sha256Str returns the hex SHA-256 digest of s.
func Sha256Str(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MakeJobKey derives (profileHash, jobKey) from a fileHash and profile. It is
// pure and deterministic: identical inputs always yield identical outputs.
func MakeJobKey(fileHash string, profile types.Profile) (profileHash string, jobKey string, err error) {
	canon, err := StableJSON(profile)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize profile: %w", err)
	}
	profileHash = Sha256Str(string(canon))
	jobKey = fileHash + "__" + profileHash
	return profileHash, jobKey, nil
}
