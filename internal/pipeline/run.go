package pipeline

import (
	"context"

	"document-intake/internal/apperr"
	"document-intake/internal/models"
)

// RunInput overrides the ownership reconciliation assigns. Empty fields fall back to the job row.
type RunInput struct {
	UserGroup string
	UserID    string
}

// Report summarizes a server-side run.
type Report struct {
	Job       models.Job       `json:"job"`
	Origin    models.Origin    `json:"origin,omitempty"`
	Record    *models.Record   `json:"record,omitempty"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

// Run drives a job through every stage it has not finished yet.
// It resumes from the recorded step, so a job interrupted mid-flight picks up where it stopped.
func (o *Orchestrator) Run(ctx context.Context, jobID string, in RunInput) (Report, error) {
	job, err := o.active(ctx, jobID)
	if err != nil {
		if apperr.IsConflict(err) {
			return Report{Job: job}, nil
		}
		return Report{}, err
	}

	group := in.UserGroup
	if group == "" {
		group = job.UserGroup
	}
	userID := in.UserID
	if userID == "" && job.SubmittedBy != nil {
		userID = *job.SubmittedBy
	}
	if userID == "" {
		return Report{Job: job}, apperr.Missing("user_id")
	}

	var rep Report
	done := func(step models.Step) bool { return job.Progress >= step.Progress() }

	if !done(models.StepExtractText) {
		// a job stopped after pdf_to_image only has OCR left
		rep.Origin, err = o.Extract(ctx, jobID, "")
		if err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}

	if !done(models.StepClassify) {
		if _, err := o.Classify(ctx, jobID, job.UserGroup); err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}
	if !done(models.StepChunk) {
		if _, err := o.Chunk(ctx, jobID); err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}
	if !done(models.StepUploadRecord) {
		res, err := o.UploadRecord(ctx, jobID, job.BaseFilePath, job.UserGroup)
		rep.Record = res.Record
		if err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}
	if !done(models.StepGenerateEmbeddings) {
		if _, err := o.GenerateEmbeddings(ctx, jobID, job.BaseFilePath); err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}
	if !done(models.StepUploadEmbeddings) {
		if _, err := o.UploadEmbeddings(ctx, jobID); err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
	}
	if !done(models.StepReconcileMetadata) {
		res, err := o.Reconcile(ctx, jobID, group, userID)
		if err != nil {
			return o.finish(ctx, jobID, rep, err)
		}
		rep.Reconcile = &res
	}

	rep.Job, err = o.Complete(ctx, jobID)
	if err != nil {
		return o.finish(ctx, jobID, rep, err)
	}
	return rep, nil
}

// finish attaches the latest job row to a failed run.
func (o *Orchestrator) finish(ctx context.Context, jobID string, rep Report, cause error) (Report, error) {
	if job, err := o.jobs.GetJob(context.WithoutCancel(ctx), jobID); err == nil {
		rep.Job = job
	}
	return rep, cause
}
