package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in processing_jobs.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Step names the pipeline stage a job last recorded.
type Step string

const (
	StepQueued             Step = "queued"
	StepDetectOrigin       Step = "detect_origin"
	StepExtractText        Step = "extract_text"
	StepPDFToImage         Step = "pdf_to_image"
	StepOCR                Step = "ocr"
	StepClassify           Step = "classify"
	StepChunk              Step = "chunk"
	StepUploadRecord       Step = "upload_record"
	StepGenerateEmbeddings Step = "generate_embeddings"
	StepUploadEmbeddings   Step = "upload_embeddings"
	StepReconcileMetadata  Step = "reconcile_metadata"
	StepCompleted          Step = "completed"
)

// stepProgress is the progress reported once a step has finished.
var stepProgress = map[Step]int{
	StepQueued:             5,
	StepDetectOrigin:       15,
	StepExtractText:        30,
	StepPDFToImage:         25,
	StepOCR:                35,
	StepClassify:           45,
	StepChunk:              55,
	StepUploadRecord:       65,
	StepGenerateEmbeddings: 80,
	StepUploadEmbeddings:   90,
	StepReconcileMetadata:  95,
	StepCompleted:          100,
}

// Progress returns the percentage recorded when s completes.
func (s Step) Progress() int {
	return stepProgress[s]
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepProgress[s]
	return ok
}

// Origin is the ephemeral origin-detection result selecting the extraction branch.
type Origin string

const (
	OriginDigital Origin = "digital"
	OriginScanned Origin = "scanned"
)

// Valid reports whether o is a definitive origin.
func (o Origin) Valid() bool {
	return o == OriginDigital || o == OriginScanned
}

// Job is one document's progress through the ingestion pipeline.
type Job struct {
	JobID        string    `json:"job_id"`
	FileName     string    `json:"file_name"`
	BaseFilePath string    `json:"base_file_path"`
	UserGroup    string    `json:"user_group"`
	SubmittedBy  *string   `json:"submitted_by,omitempty"`
	CurrentStep  Step      `json:"current_step"`
	Progress     int       `json:"progress"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached completed or failed.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// JobEvent is one row of the persisted transition log.
type JobEvent struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	Step     Step      `json:"step"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// PlaceholderGroup is the user_group embedding rows carry until reconciliation claims them.
const PlaceholderGroup = "default"

// EmbeddingMetadata locates a chunk inside its source document.
type EmbeddingMetadata struct {
	PageNumber int `json:"page_number"`
	CharStart  int `json:"char_start"`
	CharEnd    int `json:"char_end"`
}

// EmbeddingRecord is one row of document_embeddings.
type EmbeddingRecord struct {
	ID        int64             `json:"id"`
	JobID     string            `json:"job_id"`
	UserGroup string            `json:"user_group"`
	UserID    *string           `json:"user_id,omitempty"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  EmbeddingMetadata `json:"metadata"`
}

// Record is the durable catalog entry for an ingested document.
type Record struct {
	NanoID          string          `json:"nanoid"`
	FileName        string          `json:"file_name"`
	FileType        string          `json:"file_type,omitempty"`
	AgencyID        *string         `json:"agency_id,omitempty"`
	UserGroup       string          `json:"user_group"`
	ObjectUploadURL string          `json:"object_upload_url"`
	Status          string          `json:"status"`
	Tags            []string        `json:"tags,omitempty"`
	Entities        json.RawMessage `json:"entities,omitempty"`
	DateCreated     time.Time       `json:"date_created"`
}
