// Package stageclient implements the HTTP boundary to the two external stage
// workers (PREP and OCR): service-info probing, job submission, and polling.
package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const requestTimeout = 10 * time.Second

// WorkerState is the stage worker's reported job status.
type WorkerState string

const (
	WorkerQueued  WorkerState = "QUEUED"
	WorkerRunning WorkerState = "RUNNING"
	WorkerDone    WorkerState = "DONE"
	WorkerError   WorkerState = "ERROR"
)

// Artifacts points at files the worker produced inside the shared work directory.
type Artifacts struct {
	RawPdf   string `json:"rawPdf,omitempty"`
	FinalPdf string `json:"finalPdf,omitempty"`
}

// PollResult is the decoded body of GET /jobs/{jobId}.
type PollResult struct {
	State     WorkerState `json:"state"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Artifacts *Artifacts  `json:"artifacts,omitempty"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
}

// ServiceInfo is the decoded body of GET /info.
type ServiceInfo struct {
	Service  string            `json:"service"`
	Versions map[string]string `json:"versions"`
}

// Client talks to one stage worker's base URL.
type Client struct {
	BaseURL string
	http    *http.Client
}

// New returns a Client bound to baseURL, with the stage-worker request timeout.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, http: &http.Client{Timeout: requestTimeout}}
}

// GetInfo fetches GET /info, retrying up to 5 times with exponential backoff
// so a worker that is still booting gets a few chances to answer. It never
// returns an error: failures yield an {"unknown": "unknown"} ServiceInfo so
// the caller can proceed without the worker's tool versions. The scheduler
// calls it for every newly discovered file; the result is not cached.
func (c *Client) GetInfo(ctx context.Context) ServiceInfo {
	fallback := ServiceInfo{Service: "unknown", Versions: map[string]string{"unknown": "unknown"}}

	var info ServiceInfo
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/info", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("info: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&info)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fallback
	}
	if info.Versions == nil {
		info.Versions = map[string]string{}
	}
	return info
}

// SubmitPrep posts a PREP job. The worker accepts 200 or 202; anything else
// is an error, which the scheduler treats as a submission failure.
func (c *Client) SubmitPrep(ctx context.Context, jobID, inputPath, workDir string) error {
	return c.submit(ctx, "prep", map[string]any{
		"jobId":     jobID,
		"inputPath": inputPath,
		"workDir":   workDir,
	})
}

// SubmitOcr posts an OCR job. Same accept contract as SubmitPrep.
func (c *Client) SubmitOcr(ctx context.Context, jobID, rawPdfPath, workDir, lang string, rotatePages, deskew bool, optimize int) error {
	return c.submit(ctx, "ocr", map[string]any{
		"jobId":       jobID,
		"rawPdfPath":  rawPdfPath,
		"workDir":     workDir,
		"lang":        lang,
		"rotatePages": rotatePages,
		"deskew":      deskew,
		"optimize":    optimize,
	})
}

func (c *Client) submit(ctx context.Context, kind string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/"+kind, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit %s: unexpected status %d", kind, resp.StatusCode)
	}
	return nil
}

// PollJob fetches GET /jobs/{jobID}. A 404 is reported as a transport-style
// error distinct from an HTTP/network failure, via ErrNotFound, so callers
// can tell "worker forgot this job" from "worker unreachable" if they need to
// — in practice the scheduler swallows both the same way.
func (c *Client) PollJob(ctx context.Context, jobID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: unexpected status %d", jobID, resp.StatusCode)
	}

	var result PollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ErrNotFound is returned by PollJob when the worker has no record of jobID.
var ErrNotFound = fmt.Errorf("job not found")
