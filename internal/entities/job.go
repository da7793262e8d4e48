package entities

import "time"

type JobKind string

const (
	JobIngest          JobKind = "ingest"
	JobConvertCOG      JobKind = "convert_optimized"
	JobReproject       JobKind = "reproject"
	JobGeneratePreview JobKind = "generate_preview"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSuccess    JobStatus = "success"
	JobError      JobStatus = "error"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobError
}

// JobResult is the success payload of a finished job.
type JobResult struct {
	AssetID    int64  `json:"asset_id"`
	StorageKey string `json:"storage_key,omitempty"`
	PreviewKey string `json:"preview_key,omitempty"`
}

// Job is one pipeline execution. Exactly one background worker writes a
// given job after acceptance; any number of readers may poll it.
type Job struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
