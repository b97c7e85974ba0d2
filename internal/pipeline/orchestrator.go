// Package pipeline drives a document through the processing service one stage at a time.
//
// Each stage is a single call to the service scoped by job id. A stage only starts once
// the previous one returned 2xx, every completed stage advances the job row and appends
// to its transition log, and a failed call marks the job failed with the error message.
// A cancelled caller leaves the job at its last recorded step.
// The only branch is origin: digital documents go through pdf-to-text, scanned ones
// through pdf-to-image then OCR.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"github.com/rs/zerolog"

	"document-intake/internal/apperr"
	"document-intake/internal/docapi"
	"document-intake/internal/models"
	"document-intake/internal/objectstore"
	"document-intake/internal/retry"
	"document-intake/internal/store"
	"document-intake/internal/telemetry"
)

// Jobs persists job rows and their transition log.
type Jobs interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	Advance(ctx context.Context, jobID string, step models.Step, status, detail string) (bool, error)
	MarkFailed(ctx context.Context, jobID string, step models.Step, message string) error
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Embeddings reads and claims the rows the service uploads with placeholder ownership.
type Embeddings interface {
	CountPlaceholderEmbeddings(ctx context.Context, jobID string) (int64, error)
	ListPlaceholderEmbeddings(ctx context.Context, jobID string) ([]models.EmbeddingRecord, error)
	ClaimPlaceholderEmbeddings(ctx context.Context, jobID, userGroup, userID string) (int64, error)
}

// Service is the external document-processing API.
type Service interface {
	Submit(ctx context.Context, fileName string, file io.Reader, userGroup string) (docapi.Submission, error)
	DetectOrigin(ctx context.Context, jobID string) (models.Origin, error)
	PDFToText(ctx context.Context, jobID string) (json.RawMessage, error)
	PDFToImage(ctx context.Context, jobID string) (json.RawMessage, error)
	OCR(ctx context.Context, jobID string) (json.RawMessage, error)
	Classify(ctx context.Context, jobID, userGroup string) (json.RawMessage, error)
	Chunk(ctx context.Context, jobID string) (json.RawMessage, error)
	UploadRecord(ctx context.Context, jobID, baseFilePath, userGroup string) (docapi.RecordResult, error)
	GenerateEmbeddings(ctx context.Context, jobID, baseFilePath string) (json.RawMessage, error)
	UploadEmbeddings(ctx context.Context, jobID string) (json.RawMessage, error)
	Rename(ctx context.Context, jobID, newName string) (json.RawMessage, error)
}

// Orchestrator sequences the stages of a job.
type Orchestrator struct {
	jobs       Jobs
	embeddings Embeddings
	svc        Service
	archive    objectstore.Uploader
	reconcile  retry.Policy
	log        zerolog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithArchive stores a copy of every submitted original.
func WithArchive(u objectstore.Uploader) Option {
	return func(o *Orchestrator) { o.archive = u }
}

// WithReconcilePolicy overrides the reconciliation retry policy.
func WithReconcilePolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.reconcile = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// DefaultReconcilePolicy is three attempts two seconds apart.
func DefaultReconcilePolicy() retry.Policy {
	return retry.Fixed(3, 2*time.Second)
}

func New(jobs Jobs, embeddings Embeddings, svc Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		jobs:       jobs,
		embeddings: embeddings,
		svc:        svc,
		reconcile:  DefaultReconcilePolicy(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitInput is one uploaded document.
type SubmitInput struct {
	FileName    string
	File        io.Reader
	ContentType string
	UserGroup   string
	SubmittedBy string
}

// Submit forwards the file to the processing queue and creates the pending job row.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (models.Job, error) {
	if in.File == nil || in.FileName == "" {
		return models.Job{}, apperr.Missing("file")
	}
	if in.UserGroup == "" {
		return models.Job{}, apperr.Missing("user_group")
	}

	content, err := io.ReadAll(in.File)
	if err != nil {
		return models.Job{}, fmt.Errorf("read upload: %w", err)
	}
	if len(content) == 0 {
		return models.Job{}, apperr.Missing("file")
	}

	key := objectstore.Key(in.UserGroup, in.FileName)
	if o.archive != nil {
		contentType := in.ContentType
		if contentType == "" {
			contentType = mime.TypeByExtension(path.Ext(in.FileName))
		}
		if _, err := o.archive.Upload(ctx, key, bytes.NewReader(content), contentType); err != nil {
			return models.Job{}, fmt.Errorf("archive original: %w", err)
		}
	}

	started := time.Now()
	sub, err := o.svc.Submit(ctx, path.Base(key), bytes.NewReader(content), in.UserGroup)
	telemetry.ObserveStage(string(models.StepQueued), started, err)
	if err != nil {
		return models.Job{}, err
	}

	job, err := o.jobs.CreateJob(ctx, store.CreateJobParams{
		JobID:        sub.JobID,
		FileName:     path.Base(key),
		BaseFilePath: key,
		UserGroup:    in.UserGroup,
		SubmittedBy:  in.SubmittedBy,
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.Inc()
	o.log.Info().Str("job_id", job.JobID).Str("user_group", job.UserGroup).Str("base_file_path", key).Msg("document queued")
	return job, nil
}

// DetectOrigin asks the service whether the document is digital or scanned.
func (o *Orchestrator) DetectOrigin(ctx context.Context, jobID string) (models.Origin, error) {
	if _, err := o.active(ctx, jobID); err != nil {
		return "", err
	}
	var origin models.Origin
	err := o.stage(ctx, jobID, models.StepDetectOrigin, func(ctx context.Context) (string, error) {
		var err error
		origin, err = o.svc.DetectOrigin(ctx, jobID)
		if err != nil {
			return "", err
		}
		telemetry.OriginDetected.WithLabelValues(string(origin)).Inc()
		return "origin=" + string(origin), nil
	})
	return origin, err
}

// Extract runs exactly one extraction branch. An empty origin is detected first.
// Once a branch has been recorded for the job, the other one is refused; asking for the
// recorded one again only finishes OCR when conversion was the last step.
func (o *Orchestrator) Extract(ctx context.Context, jobID string, origin models.Origin) (models.Origin, error) {
	if origin != "" && !origin.Valid() {
		return "", invalidOrigin()
	}
	job, err := o.active(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Progress >= models.StepPDFToImage.Progress() {
		return o.resumeExtraction(ctx, job, origin)
	}

	if origin == "" {
		detected, err := o.DetectOrigin(ctx, jobID)
		if err != nil {
			return "", err
		}
		origin = detected
	}
	if !origin.Valid() {
		return "", invalidOrigin()
	}

	switch origin {
	case models.OriginDigital:
		return origin, o.stage(ctx, jobID, models.StepExtractText, o.call(func(ctx context.Context) (json.RawMessage, error) {
			return o.svc.PDFToText(ctx, jobID)
		}))
	default:
		if err := o.stage(ctx, jobID, models.StepPDFToImage, o.call(func(ctx context.Context) (json.RawMessage, error) {
			return o.svc.PDFToImage(ctx, jobID)
		})); err != nil {
			return origin, err
		}
		return origin, o.ocr(ctx, jobID)
	}
}

func (o *Orchestrator) resumeExtraction(ctx context.Context, job models.Job, origin models.Origin) (models.Origin, error) {
	taken, err := o.extractedBranch(ctx, job)
	if err != nil {
		return "", err
	}
	if taken == "" || (origin != "" && origin != taken) {
		return taken, &apperr.StateError{
			JobID:  job.JobID,
			Status: job.Status,
			Reason: fmt.Sprintf("%s extraction already ran", taken),
		}
	}
	if job.CurrentStep == models.StepPDFToImage {
		return taken, o.ocr(ctx, job.JobID)
	}
	o.log.Debug().Str("job_id", job.JobID).Str("origin", string(taken)).Msg("extraction already done")
	return taken, nil
}

// extractedBranch reads the branch a job took from its current step, or from its log once it moved on.
func (o *Orchestrator) extractedBranch(ctx context.Context, job models.Job) (models.Origin, error) {
	if origin := branchOf(job.CurrentStep); origin != "" {
		return origin, nil
	}
	events, err := o.jobs.ListEvents(ctx, job.JobID)
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		if origin := branchOf(ev.Step); origin != "" {
			return origin, nil
		}
	}
	return "", nil
}

func branchOf(step models.Step) models.Origin {
	switch step {
	case models.StepExtractText:
		return models.OriginDigital
	case models.StepPDFToImage, models.StepOCR:
		return models.OriginScanned
	}
	return ""
}

func (o *Orchestrator) ocr(ctx context.Context, jobID string) error {
	return o.stage(ctx, jobID, models.StepOCR, o.call(func(ctx context.Context) (json.RawMessage, error) {
		return o.svc.OCR(ctx, jobID)
	}))
}

func invalidOrigin() error {
	return &apperr.ValidationError{Field: "origin", Message: fmt.Sprintf("must be %q or %q", models.OriginDigital, models.OriginScanned)}
}

// Classify labels the document for its group.
func (o *Orchestrator) Classify(ctx context.Context, jobID, userGroup string) (json.RawMessage, error) {
	if userGroup == "" {
		return nil, apperr.Missing("user_group")
	}
	return o.passthrough(ctx, jobID, models.StepClassify, func(ctx context.Context) (json.RawMessage, error) {
		return o.svc.Classify(ctx, jobID, userGroup)
	})
}

// Chunk segments the extracted text.
func (o *Orchestrator) Chunk(ctx context.Context, jobID string) (json.RawMessage, error) {
	return o.passthrough(ctx, jobID, models.StepChunk, func(ctx context.Context) (json.RawMessage, error) {
		return o.svc.Chunk(ctx, jobID)
	})
}

// UploadRecord persists the catalog record for the document.
func (o *Orchestrator) UploadRecord(ctx context.Context, jobID, baseFilePath, userGroup string) (docapi.RecordResult, error) {
	if baseFilePath == "" {
		return docapi.RecordResult{}, apperr.Missing("base_file_path")
	}
	if userGroup == "" {
		return docapi.RecordResult{}, apperr.Missing("user_group")
	}
	if _, err := o.active(ctx, jobID); err != nil {
		return docapi.RecordResult{}, err
	}
	var res docapi.RecordResult
	err := o.stage(ctx, jobID, models.StepUploadRecord, func(ctx context.Context) (string, error) {
		var err error
		res, err = o.svc.UploadRecord(ctx, jobID, baseFilePath, userGroup)
		if err != nil {
			return "", err
		}
		if res.Record != nil {
			return "record=" + res.Record.NanoID, nil
		}
		return "", nil
	})
	return res, err
}

// GenerateEmbeddings requests vectors for the stored chunks.
func (o *Orchestrator) GenerateEmbeddings(ctx context.Context, jobID, baseFilePath string) (json.RawMessage, error) {
	if baseFilePath == "" {
		return nil, apperr.Missing("base_file_path")
	}
	return o.passthrough(ctx, jobID, models.StepGenerateEmbeddings, func(ctx context.Context) (json.RawMessage, error) {
		return o.svc.GenerateEmbeddings(ctx, jobID, baseFilePath)
	})
}

// UploadEmbeddings writes the embedding rows with placeholder ownership.
func (o *Orchestrator) UploadEmbeddings(ctx context.Context, jobID string) (json.RawMessage, error) {
	return o.passthrough(ctx, jobID, models.StepUploadEmbeddings, func(ctx context.Context) (json.RawMessage, error) {
		return o.svc.UploadEmbeddings(ctx, jobID)
	})
}

// ReconcileResult reports what reconciliation claimed.
type ReconcileResult struct {
	Updated  int64 `json:"updated"`
	Attempts int   `json:"attempts"`
	Found    int   `json:"found"`
}

// Reconcile assigns the real owner to the embedding rows uploaded for a job.
// Uploaded rows may not be visible yet, so the lookup is retried under the reconcile policy.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID, userGroup, userID string) (ReconcileResult, error) {
	if userGroup == "" {
		return ReconcileResult{}, apperr.Missing("user_group")
	}
	if userID == "" {
		return ReconcileResult{}, apperr.Missing("user_id")
	}
	if _, err := o.active(ctx, jobID); err != nil {
		return ReconcileResult{}, err
	}

	var res ReconcileResult
	err := o.stage(ctx, jobID, models.StepReconcileMetadata, func(ctx context.Context) (string, error) {
		var rows []models.EmbeddingRecord
		attempts, err := retry.Do(ctx, o.reconcile, func(ctx context.Context, attempt int) (bool, error) {
			n, err := o.embeddings.CountPlaceholderEmbeddings(ctx, jobID)
			if err != nil {
				return false, err
			}
			if n == 0 {
				o.log.Debug().Str("job_id", jobID).Int("attempt", attempt).Msg("no placeholder embeddings yet")
				return false, nil
			}
			found, err := o.embeddings.ListPlaceholderEmbeddings(ctx, jobID)
			if err != nil {
				return false, err
			}
			rows = found
			return len(found) > 0, nil
		})
		res.Attempts = attempts
		telemetry.ReconcileTries.Observe(float64(attempts))
		if errors.Is(err, retry.ErrExhausted) {
			return "", &apperr.NotFoundError{Resource: "embedding rows", Attempts: attempts}
		}
		if err != nil {
			return "", err
		}

		res.Found = len(rows)
		updated, err := o.embeddings.ClaimPlaceholderEmbeddings(ctx, jobID, userGroup, userID)
		if err != nil {
			return "", err
		}
		res.Updated = updated
		if updated == 0 {
			o.log.Warn().Str("job_id", jobID).Msg("placeholder embeddings claimed concurrently")
		}
		return fmt.Sprintf("claimed %d rows after %d attempts", updated, attempts), nil
	})
	return res, err
}

// Complete marks the job completed at 100%.
func (o *Orchestrator) Complete(ctx context.Context, jobID string) (models.Job, error) {
	if _, err := o.active(ctx, jobID); err != nil {
		return models.Job{}, err
	}
	if err := o.advance(ctx, jobID, models.StepCompleted, models.StatusCompleted, ""); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCompleted.Inc()
	o.log.Info().Str("job_id", jobID).Msg("job completed")
	return o.jobs.GetJob(ctx, jobID)
}

// Rename changes the document's name upstream. It does not move the job.
func (o *Orchestrator) Rename(ctx context.Context, jobID, newName string) (json.RawMessage, error) {
	if jobID == "" {
		return nil, apperr.Missing("job_id")
	}
	if newName == "" {
		return nil, apperr.Missing("new_name")
	}
	return o.svc.Rename(ctx, jobID, newName)
}

// Status returns the job row and its transition log.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (models.Job, []models.JobEvent, error) {
	if jobID == "" {
		return models.Job{}, nil, apperr.Missing("job_id")
	}
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, nil, err
	}
	events, err := o.jobs.ListEvents(ctx, jobID)
	if err != nil {
		return models.Job{}, nil, err
	}
	return job, events, nil
}

// active loads a job and refuses terminal ones.
func (o *Orchestrator) active(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, apperr.Missing("job_id")
	}
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Terminal() {
		return job, &apperr.StateError{JobID: jobID, Status: job.Status}
	}
	return job, nil
}

func (o *Orchestrator) passthrough(ctx context.Context, jobID string, step models.Step, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if _, err := o.active(ctx, jobID); err != nil {
		return nil, err
	}
	var out json.RawMessage
	err := o.stage(ctx, jobID, step, func(ctx context.Context) (string, error) {
		var err error
		out, err = fn(ctx)
		return "", err
	})
	return out, err
}

func (o *Orchestrator) call(fn func(context.Context) (json.RawMessage, error)) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		_, err := fn(ctx)
		return "", err
	}
}

// stage runs one call, then either advances the job or marks it failed.
func (o *Orchestrator) stage(ctx context.Context, jobID string, step models.Step, fn func(context.Context) (string, error)) error {
	started := time.Now()
	detail, err := fn(ctx)
	telemetry.ObserveStage(string(step), started, err)
	if err != nil {
		o.fail(ctx, jobID, step, err)
		return err
	}
	return o.advance(ctx, jobID, step, models.StatusProcessing, detail)
}

func (o *Orchestrator) advance(ctx context.Context, jobID string, step models.Step, status, detail string) error {
	applied, err := o.jobs.Advance(ctx, jobID, step, status, detail)
	if err != nil {
		return fmt.Errorf("record %s: %w", step, err)
	}
	log := o.log.With().Str("job_id", jobID).Str("step", string(step)).Int("progress", step.Progress()).Logger()
	if !applied {
		// a re-invoked stage behind the recorded progress leaves the row as is
		log.Debug().Msg("transition not applied")
		return nil
	}
	log.Info().Str("status", status).Msg("stage done")
	return nil
}

// fail marks the job failed. Missing input is the caller's problem and leaves the job untouched.
// A cancelled context means the caller went away or the worker is stopping: the job keeps
// whatever step and status it last recorded so it can be resumed. A deadline that ran out
// is a real failure and is recorded.
func (o *Orchestrator) fail(ctx context.Context, jobID string, step models.Step, cause error) {
	if apperr.IsValidation(cause) {
		return
	}
	if errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		o.log.Warn().Err(cause).Str("job_id", jobID).Str("step", string(step)).Msg("stage interrupted")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(step)).Inc()
	o.log.Error().Err(cause).Str("job_id", jobID).Str("step", string(step)).Msg("stage failed")
	if err := o.jobs.MarkFailed(context.WithoutCancel(ctx), jobID, step, cause.Error()); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("mark job failed")
	}
}
