// Package config loads and holds the orchestrator's runtime configuration.
package config

import (
	"os"
	"strconv"
)

// Config holds every tunable the orchestrator reads from the environment.
// Fields tagged "runtime-patchable" below are also reachable through
// POST /config once the daemon is running.
type Config struct {
	DataDir string

	PrepURL string
	OcrURL  string

	PollIntervalMs int

	PrepConcurrency int // runtime-patchable
	OcrConcurrency  int // runtime-patchable

	MaxJobsInFlight int

	MaxAttemptsPrep int
	MaxAttemptsOcr  int

	OcrLang string // runtime-patchable (as default_ocr_lang)

	JobTimeoutSeconds int // runtime-patchable (as job_timeout_s)

	KeepWorkDirDays int

	MinPdfSizeBytes int64

	DiskFreeFactor float64

	MaxInputSizeMB float64

	ObservabilityBind string
}

// NewDefault returns a Config populated with spec-mandated defaults, with no
// environment applied yet.
func NewDefault() *Config {
	return &Config{
		DataDir:           "/data",
		PrepURL:           "http://prep-service:8080",
		OcrURL:            "http://ocr-service:8080",
		PollIntervalMs:    1000,
		PrepConcurrency:   2,
		OcrConcurrency:    1,
		MaxJobsInFlight:   3,
		MaxAttemptsPrep:   3,
		MaxAttemptsOcr:    3,
		OcrLang:           "fra+eng",
		JobTimeoutSeconds: 600,
		KeepWorkDirDays:   7,
		MinPdfSizeBytes:   1024,
		DiskFreeFactor:    2.0,
		MaxInputSizeMB:    500,
		ObservabilityBind: "0.0.0.0:8080",
	}
}

// Load overlays environment variables onto c. A variable that is set but
// fails to parse for its field's type is ignored and the prior value (default
// or previously loaded) is kept, mirroring the teacher's getEnvOrDefault style
// fail-soft behavior.
func (c *Config) Load() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PREP_URL"); v != "" {
		c.PrepURL = v
	}
	if v := os.Getenv("OCR_URL"); v != "" {
		c.OcrURL = v
	}
	loadInt(&c.PollIntervalMs, "POLL_INTERVAL_MS")
	loadInt(&c.PrepConcurrency, "PREP_CONCURRENCY")
	loadInt(&c.OcrConcurrency, "OCR_CONCURRENCY")
	loadInt(&c.MaxJobsInFlight, "MAX_JOBS_IN_FLIGHT")
	loadInt(&c.MaxAttemptsPrep, "MAX_ATTEMPTS_PREP")
	loadInt(&c.MaxAttemptsOcr, "MAX_ATTEMPTS_OCR")
	if v := os.Getenv("OCR_LANG"); v != "" {
		c.OcrLang = v
	}
	loadInt(&c.JobTimeoutSeconds, "JOB_TIMEOUT_SECONDS")
	loadInt(&c.KeepWorkDirDays, "KEEP_WORK_DIR_DAYS")
	loadInt64(&c.MinPdfSizeBytes, "MIN_PDF_SIZE_BYTES")
	loadFloat(&c.DiskFreeFactor, "DISK_FREE_FACTOR")
	loadFloat(&c.MaxInputSizeMB, "MAX_INPUT_SIZE_MB")
	if v := os.Getenv("OBSERVABILITY_BIND"); v != "" {
		c.ObservabilityBind = v
	}
}

func loadInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func loadInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func loadFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
