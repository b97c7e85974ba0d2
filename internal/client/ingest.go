package client

import (
	"context"

	"document-intake/internal/models"
	"document-intake/internal/pipeline"
)

// Progress is called after every finished step with the job's new progress value.
type Progress func(step models.Step, progress int)

// IngestResult is what a client-driven ingestion produced.
type IngestResult struct {
	JobID     string
	Origin    models.Origin
	Record    *models.Record
	Reconcile pipeline.ReconcileResult
	Job       models.Job
}

// Ingest uploads a file and drives every stage from the client, one request per stage.
// The first failing stage stops the sequence; the job row already carries the failure.
func (c *Client) Ingest(ctx context.Context, filePath, userGroup string, progress Progress) (IngestResult, error) {
	if progress == nil {
		progress = func(models.Step, int) {}
	}

	sub, err := c.Submit(ctx, filePath, userGroup, false)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{JobID: sub.JobID, Job: sub.Job}
	if userGroup == "" {
		userGroup = sub.Job.UserGroup
	}
	progress(models.StepQueued, models.StepQueued.Progress())

	var origin struct {
		Origin models.Origin `json:"origin"`
	}
	if err := c.Stage(ctx, res.JobID, "origin", nil, &origin); err != nil {
		return res, err
	}
	res.Origin = origin.Origin
	progress(models.StepDetectOrigin, models.StepDetectOrigin.Progress())

	if err := c.Stage(ctx, res.JobID, "extract", map[string]any{"origin": res.Origin}, nil); err != nil {
		return res, err
	}
	if res.Origin == models.OriginScanned {
		progress(models.StepOCR, models.StepOCR.Progress())
	} else {
		progress(models.StepExtractText, models.StepExtractText.Progress())
	}

	group := map[string]string{"user_group": userGroup}
	steps := []struct {
		path string
		step models.Step
		body any
	}{
		{"classify", models.StepClassify, group},
		{"chunk", models.StepChunk, nil},
	}
	for _, s := range steps {
		if err := c.Stage(ctx, res.JobID, s.path, s.body, nil); err != nil {
			return res, err
		}
		progress(s.step, s.step.Progress())
	}

	var rec struct {
		Record *models.Record `json:"record"`
	}
	recBody := map[string]string{"base_file_path": sub.Job.BaseFilePath, "user_group": userGroup}
	if err := c.Stage(ctx, res.JobID, "record", recBody, &rec); err != nil {
		return res, err
	}
	res.Record = rec.Record
	progress(models.StepUploadRecord, models.StepUploadRecord.Progress())

	if err := c.Stage(ctx, res.JobID, "embeddings", map[string]string{"base_file_path": sub.Job.BaseFilePath}, nil); err != nil {
		return res, err
	}
	progress(models.StepGenerateEmbeddings, models.StepGenerateEmbeddings.Progress())

	if err := c.Stage(ctx, res.JobID, "embeddings/upload", nil, nil); err != nil {
		return res, err
	}
	progress(models.StepUploadEmbeddings, models.StepUploadEmbeddings.Progress())

	if err := c.Stage(ctx, res.JobID, "embeddings/reconcile", group, &res.Reconcile); err != nil {
		return res, err
	}
	progress(models.StepReconcileMetadata, models.StepReconcileMetadata.Progress())

	var done struct {
		Job models.Job `json:"job"`
	}
	if err := c.Stage(ctx, res.JobID, "complete", nil, &done); err != nil {
		return res, err
	}
	res.Job = done.Job
	progress(models.StepCompleted, models.StepCompleted.Progress())
	return res, nil
}

