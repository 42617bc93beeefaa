// Package types provides shared types used across the orchestrator codebase.
package types

// JobState is the persisted state of a job, stored in state.json and index.json.
type JobState string

const (
	StateDiscovered    JobState = "DISCOVERED"
	StatePrepSubmitted JobState = "PREP_SUBMITTED"
	StatePrepRunning   JobState = "PREP_RUNNING"
	StatePrepTimeout   JobState = "PREP_TIMEOUT"
	StatePrepError     JobState = "PREP_ERROR"
	StatePrepDone      JobState = "PREP_DONE"
	StateOcrSubmitted  JobState = "OCR_SUBMITTED"
	StateOcrRunning    JobState = "OCR_RUNNING"
	StateOcrTimeout    JobState = "OCR_TIMEOUT"
	StateOcrError      JobState = "OCR_ERROR"
	StateDone          JobState = "DONE"
	StateErrorPrep     JobState = "ERROR_PREP"
	StateErrorOcr      JobState = "ERROR_OCR"
)

// Stage is the scheduler's in-memory pseudo-state for an in-flight job. It is
// distinct from JobState: it includes the transient retry markers that never
// appear in state.json on their own, only via the error state that produced them.
type Stage string

const (
	StageDiscovered Stage = "DISCOVERED"
	StagePrepRetry  Stage = "PREP_RETRY"
	StagePrepRun    Stage = "PREP_RUNNING"
	StagePrepDone   Stage = "PREP_DONE"
	StageOcrRetry   Stage = "OCR_RETRY"
	StageOcrRun     Stage = "OCR_RUNNING"
)

// OcrProfile holds OCR processing parameters plus the OCR worker's tool versions.
type OcrProfile struct {
	Lang        string            `json:"lang"`
	RotatePages bool              `json:"rotatePages"`
	Deskew      bool              `json:"deskew"`
	Optimize    int               `json:"optimize"`
	Tools       map[string]string `json:"tools"`
}

// PrepProfile holds the PREP worker's tool versions.
type PrepProfile struct {
	Tools map[string]string `json:"tools"`
}

// Profile is the canonicalized set of processing parameters and tool-version
// fingerprints that, together with fileHash, determine a job's identity.
type Profile struct {
	Ocr  OcrProfile  `json:"ocr"`
	Prep PrepProfile `json:"prep"`
}

// InputRef records the original input file's name and current path, as
// persisted under state.json's "input" field.
type InputRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// JobStateFile is the full on-disk representation of work/<jobKey>/state.json.
// All fields are optional except JobKey; unset fields are omitted from JSON so
// that a merge-patch write only touches the fields it supplies.
type JobStateFile struct {
	JobKey      string   `json:"jobKey"`
	State       string   `json:"state,omitempty"`
	Step        string   `json:"step,omitempty"`
	Message     string   `json:"message,omitempty"`
	Error       string   `json:"error,omitempty"`
	Attempt     int      `json:"attempt,omitempty"`
	AttemptPrep int      `json:"attemptPrep,omitempty"`
	AttemptOcr  int      `json:"attemptOcr,omitempty"`
	FileHash    string   `json:"fileHash,omitempty"`
	ProfileHash string   `json:"profileHash,omitempty"`
	Profile     *Profile `json:"profile,omitempty"`
	Input       InputRef `json:"input,omitzero"`
	RawPdf      string   `json:"rawPdf,omitempty"`
	FinalPdf    string   `json:"finalPdf,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

// IndexEntry is one value of the global index mapping jobKey -> summary.
type IndexEntry struct {
	JobKey    string `json:"jobKey"`
	State     string `json:"state"`
	InputName string `json:"inputName"`
	OutPdf    string `json:"outPdf,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// Index is the full contents of index/jobs.json.
type Index struct {
	Jobs map[string]*IndexEntry `json:"jobs"`
}

// NewIndex returns an empty, ready-to-use Index.
func NewIndex() *Index {
	return &Index{Jobs: map[string]*IndexEntry{}}
}

// Metrics is the full contents of index/metrics.json.
type Metrics struct {
	Done                   int    `json:"done"`
	Error                  int    `json:"error"`
	Running                int    `json:"running"`
	Queued                 int    `json:"queued"`
	DiskError              int    `json:"disk_error"`
	PdfInvalid             int    `json:"pdf_invalid"`
	InputRejectedSize      int    `json:"input_rejected_size"`
	InputRejectedSignature int    `json:"input_rejected_signature"`
	UpdatedAt              string `json:"updatedAt"`
}

// InFlightEntry is the scheduler's in-memory bookkeeping for a job it is
// actively tracking this run. It is never persisted as-is; state.json and
// the index reflect a projection of it at each transition.
type InFlightEntry struct {
	Stage       Stage
	InputName   string
	InputPath   string
	AttemptPrep int
	AttemptOcr  int
	RawPdf      string
}
