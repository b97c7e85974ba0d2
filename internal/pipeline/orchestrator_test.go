package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/apperr"
	"document-intake/internal/models"
	"document-intake/internal/retry"
)

type harness struct {
	jobs       *memJobs
	embeddings *memEmbeddings
	svc        *fakeService
	clock      *fakeClock
	archive    *fakeArchive
	orch       *Orchestrator
}

func newHarness(origin models.Origin) *harness {
	h := &harness{
		jobs:       newMemJobs(),
		embeddings: &memEmbeddings{},
		svc:        newFakeService("abc123", origin),
		clock:      &fakeClock{},
		archive:    &fakeArchive{},
	}
	h.svc.embeddings = h.embeddings
	policy := DefaultReconcilePolicy()
	policy.Sleep = h.clock.Sleep
	h.orch = New(h.jobs, h.embeddings, h.svc, WithArchive(h.archive), WithReconcilePolicy(policy))
	return h
}

func (h *harness) submit(t *testing.T) models.Job {
	t.Helper()
	job, err := h.orch.Submit(context.Background(), SubmitInput{
		FileName:    "report.pdf",
		File:        strings.NewReader("%PDF-1.7 quarterly report"),
		UserGroup:   "finance",
		SubmittedBy: "user-7",
	})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	j, err := h.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func assertMonotonic(t *testing.T, events []models.JobEvent) {
	t.Helper()
	last := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, last, "event %s at step %s", ev.ID, ev.Step)
		last = ev.Progress
	}
}

func TestEndToEndDigitalDocument(t *testing.T) {
	h := newHarness(models.OriginDigital)
	ctx := context.Background()

	job := h.submit(t)
	assert.Equal(t, "abc123", job.JobID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "finance/report.pdf", job.BaseFilePath)
	assert.Equal(t, []string{"finance/report.pdf"}, h.archive.keys)

	origin, err := h.orch.Extract(ctx, job.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OriginDigital, origin)

	_, err = h.orch.Classify(ctx, job.JobID, "finance")
	require.NoError(t, err)
	_, err = h.orch.Chunk(ctx, job.JobID)
	require.NoError(t, err)

	rec, err := h.orch.UploadRecord(ctx, job.JobID, job.BaseFilePath, "finance")
	require.NoError(t, err)
	require.NotNil(t, rec.Record)
	assert.NotEmpty(t, rec.Record.ObjectUploadURL)

	_, err = h.orch.GenerateEmbeddings(ctx, job.JobID, job.BaseFilePath)
	require.NoError(t, err)
	_, err = h.orch.UploadEmbeddings(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user_group": "default"}, h.svc.uploadBody)

	res, err := h.orch.Reconcile(ctx, job.JobID, "finance", "user-7")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Updated)
	assert.Equal(t, 1, res.Attempts)
	for _, row := range h.embeddings.snapshot() {
		assert.Equal(t, "finance", row.UserGroup)
		require.NotNil(t, row.UserID)
		assert.Equal(t, "user-7", *row.UserID)
	}

	final, err := h.orch.Complete(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Nil(t, final.ErrorMessage)

	assert.Equal(t, []string{
		"queue", "detect-origin", "pdf-to-text", "classify", "chunk",
		"upload-record", "generate-embeddings", "upload-embeddings",
	}, h.svc.called())

	_, events, err := h.orch.Status(ctx, job.JobID)
	require.NoError(t, err)
	assertMonotonic(t, events)
	assert.Equal(t, models.StepCompleted, events[len(events)-1].Step)
}

func TestRunDrivesWholePipeline(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)

	rep, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rep.Job.Status)
	assert.Equal(t, 100, rep.Job.Progress)
	assert.Equal(t, models.OriginDigital, rep.Origin)
	require.NotNil(t, rep.Record)
	require.NotNil(t, rep.Reconcile)
	assert.EqualValues(t, 3, rep.Reconcile.Updated)

	events, _ := h.jobs.ListEvents(context.Background(), job.JobID)
	assertMonotonic(t, events)
}

func TestExactlyOneExtractionBranch(t *testing.T) {
	tests := []struct {
		origin models.Origin
		want   []string
		absent []string
	}{
		{models.OriginDigital, []string{"pdf-to-text"}, []string{"pdf-to-image", "ocr"}},
		{models.OriginScanned, []string{"pdf-to-image", "ocr"}, []string{"pdf-to-text"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.origin), func(t *testing.T) {
			h := newHarness(tt.origin)
			job := h.submit(t)

			_, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
			require.NoError(t, err)

			calls := h.svc.called()
			for _, c := range tt.want {
				assert.Contains(t, calls, c)
			}
			for _, c := range tt.absent {
				assert.NotContains(t, calls, c)
			}
		})
	}
}

func TestScannedProgressStaysMonotonic(t *testing.T) {
	h := newHarness(models.OriginScanned)
	job := h.submit(t)

	_, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.NoError(t, err)

	events, _ := h.jobs.ListEvents(context.Background(), job.JobID)
	assertMonotonic(t, events)
	var steps []models.Step
	for _, ev := range events {
		steps = append(steps, ev.Step)
	}
	assert.Subset(t, steps, []models.Step{models.StepPDFToImage, models.StepOCR})
}

func TestOCRSkippedWhenConversionFails(t *testing.T) {
	h := newHarness(models.OriginScanned)
	h.svc.fail["pdf-to-image"] = &apperr.UpstreamError{Stage: "pdf-to-image", StatusCode: 500, Body: "render crashed"}
	job := h.submit(t)

	_, err := h.orch.Extract(context.Background(), job.JobID, models.OriginScanned)
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))

	assert.NotContains(t, h.svc.called(), "ocr")
	failed := h.job(t, job.JobID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "pdf-to-image failed: status 500: render crashed", *failed.ErrorMessage)
}

func TestRecordFailureStopsBeforeEmbeddings(t *testing.T) {
	h := newHarness(models.OriginDigital)
	h.svc.fail["upload-record"] = &apperr.UpstreamError{Stage: "upload-record", StatusCode: 502}
	job := h.submit(t)

	rep, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, rep.Job.Status)
	assert.NotContains(t, h.svc.called(), "generate-embeddings")
	assert.NotContains(t, h.svc.called(), "upload-embeddings")
}

func TestReconcileGivesUpAfterThreeAttempts(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)
	h.embeddings.visibleAfter = 100

	res, err := h.orch.Reconcile(context.Background(), job.JobID, "finance", "user-7")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))

	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 3, nf.Attempts)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, h.embeddings.counts)
	assert.Zero(t, h.embeddings.claims)
	assert.Equal(t, 2, h.clock.sleeps)
	assert.GreaterOrEqual(t, h.clock.elapsed, 4*time.Second)

	failed := h.job(t, job.JobID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "no embedding rows found after 3 attempts", *failed.ErrorMessage)
}

func TestReconcileSucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)
	_, err := h.orch.UploadEmbeddings(context.Background(), job.JobID)
	require.NoError(t, err)
	h.embeddings.visibleAfter = 1

	res, err := h.orch.Reconcile(context.Background(), job.JobID, "finance", "user-7")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 3, res.Found)
	assert.EqualValues(t, 3, res.Updated)
	assert.Equal(t, 1, h.clock.sleeps)
	assert.Equal(t, models.StepReconcileMetadata, h.job(t, job.JobID).CurrentStep)
}

func TestReconcileTouchesOnlyPlaceholderRowsOfJob(t *testing.T) {
	h := newHarness(models.OriginDigital)
	h.svc.jobID = "42"
	job := h.submit(t)

	other := "someone-else"
	h.embeddings.rows = []models.EmbeddingRecord{
		{ID: 1, JobID: "42", UserGroup: models.PlaceholderGroup},
		{ID: 2, JobID: "42", UserGroup: models.PlaceholderGroup},
		{ID: 3, JobID: "42", UserGroup: models.PlaceholderGroup, UserID: &other},
		{ID: 4, JobID: "42", UserGroup: "legal"},
		{ID: 5, JobID: "43", UserGroup: models.PlaceholderGroup},
	}
	before := h.embeddings.snapshot()

	res, err := h.orch.Reconcile(context.Background(), job.JobID, "finance", "user-7")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Updated)

	after := h.embeddings.snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		if before[i].ID == 1 || before[i].ID == 2 {
			assert.Equal(t, "finance", after[i].UserGroup)
			require.NotNil(t, after[i].UserID)
			assert.Equal(t, "user-7", *after[i].UserID)
			continue
		}
		assert.Equal(t, before[i], after[i], "row %d must be untouched", before[i].ID)
	}
}

func TestReconcileRetryPolicyIsInjectable(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)
	h.embeddings.visibleAfter = 100
	policy := retry.Exponential(4, time.Second, 10*time.Second)
	policy.Jitter = false
	policy.Sleep = h.clock.Sleep
	h.orch.reconcile = policy

	_, err := h.orch.Reconcile(context.Background(), job.JobID, "finance", "user-7")
	require.Error(t, err)
	assert.Equal(t, 4, h.embeddings.counts)
	assert.Equal(t, 7*time.Second, h.clock.elapsed)
}

func TestSubmitValidatesBeforeNetwork(t *testing.T) {
	h := newHarness(models.OriginDigital)

	_, err := h.orch.Submit(context.Background(), SubmitInput{FileName: "a.pdf", UserGroup: "finance"})
	assert.True(t, apperr.IsValidation(err))

	_, err = h.orch.Submit(context.Background(), SubmitInput{FileName: "a.pdf", File: strings.NewReader("x")})
	assert.True(t, apperr.IsValidation(err))

	assert.Empty(t, h.svc.called())
	assert.Empty(t, h.archive.keys)
}

func TestSubmitUpstreamFailureCreatesNoJob(t *testing.T) {
	h := newHarness(models.OriginDigital)
	h.svc.fail["queue"] = &apperr.UpstreamError{Stage: "queue", StatusCode: 503}

	_, err := h.orch.Submit(context.Background(), SubmitInput{FileName: "a.pdf", File: strings.NewReader("x"), UserGroup: "g"})
	assert.True(t, apperr.IsUpstream(err))
	_, err = h.jobs.GetJob(context.Background(), "abc123")
	assert.True(t, apperr.IsNotFound(err))
}

func TestTerminalJobRejectsStages(t *testing.T) {
	h := newHarness(models.OriginDigital)
	h.svc.fail["chunk"] = &apperr.UpstreamError{Stage: "chunk", StatusCode: 500}
	job := h.submit(t)

	_, err := h.orch.Chunk(context.Background(), job.JobID)
	require.Error(t, err)

	calls := len(h.svc.called())
	_, err = h.orch.Classify(context.Background(), job.JobID, "finance")
	assert.True(t, apperr.IsConflict(err))
	assert.Len(t, h.svc.called(), calls)

	rep, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rep.Job.Status)
}

func TestValidationErrorLeavesJobUntouched(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)

	_, err := h.orch.Extract(context.Background(), job.JobID, "handwritten")
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, models.StatusPending, h.job(t, job.JobID).Status)
}

func TestRunResumesScannedBranchAtOCR(t *testing.T) {
	h := newHarness(models.OriginScanned)
	job := h.submit(t)

	ok, err := h.jobs.Advance(context.Background(), job.JobID, models.StepPDFToImage, models.StatusProcessing, "")
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.NoError(t, err)
	assert.Equal(t, models.OriginScanned, rep.Origin)

	calls := h.svc.called()
	assert.NotContains(t, calls, "detect-origin")
	assert.NotContains(t, calls, "pdf-to-image")
	assert.Contains(t, calls, "ocr")
	assert.Equal(t, models.StatusCompleted, rep.Job.Status)
}

func TestRunRequiresOwner(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job, err := h.orch.Submit(context.Background(), SubmitInput{FileName: "a.pdf", File: strings.NewReader("x"), UserGroup: "g"})
	require.NoError(t, err)

	_, err = h.orch.Run(context.Background(), job.JobID, RunInput{})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, h.svc.called()[1:])
}

func TestRenameDoesNotMoveJob(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)

	_, err := h.orch.Rename(context.Background(), job.JobID, "q3.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StepQueued, h.job(t, job.JobID).CurrentStep)

	_, err = h.orch.Rename(context.Background(), job.JobID, "")
	assert.True(t, apperr.IsValidation(err))
}

func TestCancelledStageLeavesJobResumable(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)
	_, err := h.orch.Extract(context.Background(), job.JobID, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.svc.fail["classify"] = &apperr.UpstreamError{Stage: "classify", Cause: context.Canceled}
	_, err = h.orch.Classify(ctx, job.JobID, "finance")
	require.Error(t, err)

	got := h.job(t, job.JobID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, models.StepExtractText, got.CurrentStep)
	assert.Equal(t, 30, got.Progress)
	assert.Nil(t, got.ErrorMessage)

	delete(h.svc.fail, "classify")
	rep, err := h.orch.Run(context.Background(), job.JobID, RunInput{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rep.Job.Status)
	assert.Equal(t, 1, strings.Count(strings.Join(h.svc.called(), ","), "pdf-to-text"))
}

func TestExpiredDeadlineFailsJob(t *testing.T) {
	h := newHarness(models.OriginDigital)
	job := h.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	h.svc.fail["chunk"] = &apperr.UpstreamError{Stage: "chunk", Cause: context.DeadlineExceeded}
	_, err := h.orch.Chunk(ctx, job.JobID)
	require.Error(t, err)

	got := h.job(t, job.JobID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "chunk failed: context deadline exceeded", *got.ErrorMessage)
}

func TestExtractRefusesSecondBranch(t *testing.T) {
	h := newHarness(models.OriginScanned)
	job := h.submit(t)
	ctx := context.Background()

	origin, err := h.orch.Extract(ctx, job.JobID, models.OriginScanned)
	require.NoError(t, err)
	assert.Equal(t, models.OriginScanned, origin)
	calls := len(h.svc.called())

	_, err = h.orch.Extract(ctx, job.JobID, models.OriginDigital)
	assert.True(t, apperr.IsConflict(err))
	assert.NotContains(t, h.svc.called(), "pdf-to-text")

	// asking for the recorded branch again is a no-op
	origin, err = h.orch.Extract(ctx, job.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OriginScanned, origin)
	assert.Len(t, h.svc.called(), calls)

	// the branch is still known once the job moved past extraction
	_, err = h.orch.Classify(ctx, job.JobID, "finance")
	require.NoError(t, err)
	_, err = h.orch.Extract(ctx, job.JobID, models.OriginDigital)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, models.StatusProcessing, h.job(t, job.JobID).Status)
}

func TestExtractFinishesOCRAfterConversion(t *testing.T) {
	h := newHarness(models.OriginScanned)
	job := h.submit(t)
	ok, err := h.jobs.Advance(context.Background(), job.JobID, models.StepPDFToImage, models.StatusProcessing, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.orch.Extract(context.Background(), job.JobID, models.OriginDigital)
	assert.True(t, apperr.IsConflict(err))

	origin, err := h.orch.Extract(context.Background(), job.JobID, models.OriginScanned)
	require.NoError(t, err)
	assert.Equal(t, models.OriginScanned, origin)
	assert.Equal(t, []string{"queue", "ocr"}, h.svc.called())
	assert.Equal(t, models.StepOCR, h.job(t, job.JobID).CurrentStep)
}
