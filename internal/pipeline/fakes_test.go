package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"document-intake/internal/apperr"
	"document-intake/internal/docapi"
	"document-intake/internal/models"
	"document-intake/internal/store"
)

// memJobs mirrors the guarded UPDATEs of the Postgres store.
type memJobs struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	events []models.JobEvent
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]models.Job{}}
}

func (m *memJobs) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[p.JobID]; ok {
		return j, nil
	}
	j := models.Job{
		JobID:        p.JobID,
		FileName:     p.FileName,
		BaseFilePath: p.BaseFilePath,
		UserGroup:    p.UserGroup,
		CurrentStep:  models.StepQueued,
		Progress:     models.StepQueued.Progress(),
		Status:       models.StatusPending,
	}
	if p.SubmittedBy != "" {
		by := p.SubmittedBy
		j.SubmittedBy = &by
	}
	m.jobs[p.JobID] = j
	m.appendLocked(j.JobID, j.CurrentStep, j.Status, j.Progress, "queued")
	return j, nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, &apperr.NotFoundError{Resource: "job " + id}
	}
	return j, nil
}

func (m *memJobs) Advance(_ context.Context, jobID string, step models.Step, status, detail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Terminal() || step.Progress() < j.Progress {
		return false, nil
	}
	if j.Status == models.StatusProcessing && status == models.StatusPending {
		return false, nil
	}
	j.CurrentStep, j.Progress, j.Status, j.ErrorMessage = step, step.Progress(), status, nil
	m.jobs[jobID] = j
	m.appendLocked(jobID, step, status, j.Progress, detail)
	return true, nil
}

func (m *memJobs) MarkFailed(_ context.Context, jobID string, step models.Step, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Terminal() {
		return nil
	}
	j.Status = models.StatusFailed
	j.ErrorMessage = &message
	m.jobs[jobID] = j
	m.appendLocked(jobID, step, models.StatusFailed, j.Progress, message)
	return nil
}

func (m *memJobs) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memJobs) appendLocked(jobID string, step models.Step, status string, progress int, detail string) {
	m.events = append(m.events, models.JobEvent{
		ID:       fmt.Sprint(len(m.events) + 1),
		JobID:    jobID,
		Step:     step,
		Status:   status,
		Progress: progress,
		Detail:   detail,
		Recorded: time.Now(),
	})
}

// memEmbeddings applies the placeholder predicate to in-memory rows.
// Rows uploaded for a job stay invisible until visibleAfter counts have been made.
type memEmbeddings struct {
	mu           sync.Mutex
	rows         []models.EmbeddingRecord
	visibleAfter int
	counts       int
	lists        int
	claims       int
}

func (m *memEmbeddings) visible() bool {
	return m.counts > m.visibleAfter
}

func matches(r models.EmbeddingRecord, jobID string) bool {
	return r.JobID == jobID && r.UserGroup == models.PlaceholderGroup && r.UserID == nil
}

func (m *memEmbeddings) CountPlaceholderEmbeddings(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts++
	if !m.visible() {
		return 0, nil
	}
	var n int64
	for _, r := range m.rows {
		if matches(r, jobID) {
			n++
		}
	}
	return n, nil
}

func (m *memEmbeddings) ListPlaceholderEmbeddings(_ context.Context, jobID string) ([]models.EmbeddingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if !m.visible() {
		return nil, nil
	}
	var out []models.EmbeddingRecord
	for _, r := range m.rows {
		if matches(r, jobID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memEmbeddings) ClaimPlaceholderEmbeddings(_ context.Context, jobID, userGroup, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	var n int64
	for i, r := range m.rows {
		if matches(r, jobID) {
			id := userID
			m.rows[i].UserGroup = userGroup
			m.rows[i].UserID = &id
			n++
		}
	}
	return n, nil
}

func (m *memEmbeddings) snapshot() []models.EmbeddingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EmbeddingRecord, len(m.rows))
	for i, r := range m.rows {
		out[i] = r
		if r.UserID != nil {
			id := *r.UserID
			out[i].UserID = &id
		}
	}
	return out
}

// fakeService records every stage call and fails the ones listed in fail.
type fakeService struct {
	mu         sync.Mutex
	jobID      string
	origin     models.Origin
	fail       map[string]error
	calls      []string
	submitted  []byte
	uploadBody map[string]string
	embeddings *memEmbeddings
}

func newFakeService(jobID string, origin models.Origin) *fakeService {
	return &fakeService{jobID: jobID, origin: origin, fail: map[string]error{}}
}

func (f *fakeService) record(stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stage)
	if err, ok := f.fail[stage]; ok {
		return err
	}
	return nil
}

func (f *fakeService) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Submit(_ context.Context, fileName string, file io.Reader, userGroup string) (docapi.Submission, error) {
	if err := f.record("queue"); err != nil {
		return docapi.Submission{}, err
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, file)
	f.mu.Lock()
	f.submitted = buf.Bytes()
	f.mu.Unlock()
	return docapi.Submission{JobID: f.jobID, Status: models.StatusPending}, nil
}

func (f *fakeService) DetectOrigin(context.Context, string) (models.Origin, error) {
	if err := f.record("detect-origin"); err != nil {
		return "", err
	}
	return f.origin, nil
}

func (f *fakeService) PDFToText(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.record("pdf-to-text")
}

func (f *fakeService) PDFToImage(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.record("pdf-to-image")
}

func (f *fakeService) OCR(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.record("ocr")
}

func (f *fakeService) Classify(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"label":"invoice"}`), f.record("classify")
}

func (f *fakeService) Chunk(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"chunks":3}`), f.record("chunk")
}

func (f *fakeService) UploadRecord(_ context.Context, jobID, baseFilePath, userGroup string) (docapi.RecordResult, error) {
	if err := f.record("upload-record"); err != nil {
		return docapi.RecordResult{}, err
	}
	rec := &models.Record{
		NanoID:          "rec-" + jobID,
		FileName:        "report.pdf",
		UserGroup:       userGroup,
		ObjectUploadURL: "https://cdn.example.com/" + baseFilePath,
		Status:          "active",
	}
	return docapi.RecordResult{Record: rec, Raw: json.RawMessage(`{}`)}, nil
}

func (f *fakeService) GenerateEmbeddings(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.record("generate-embeddings")
}

// UploadEmbeddings inserts placeholder rows the way the real service does.
func (f *fakeService) UploadEmbeddings(_ context.Context, jobID string) (json.RawMessage, error) {
	if err := f.record("upload-embeddings"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.uploadBody = map[string]string{"user_group": models.PlaceholderGroup}
	f.mu.Unlock()
	if f.embeddings != nil {
		f.embeddings.mu.Lock()
		for i := 0; i < 3; i++ {
			f.embeddings.rows = append(f.embeddings.rows, models.EmbeddingRecord{
				ID:        int64(len(f.embeddings.rows) + 1),
				JobID:     jobID,
				UserGroup: models.PlaceholderGroup,
				Content:   fmt.Sprintf("chunk %d", i),
				Metadata:  models.EmbeddingMetadata{PageNumber: 1, CharStart: i * 100, CharEnd: i*100 + 99},
			})
		}
		f.embeddings.mu.Unlock()
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeService) Rename(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.record("rename")
}

type fakeArchive struct {
	keys []string
}

func (a *fakeArchive) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	_, _ = io.Copy(io.Discard, body)
	a.keys = append(a.keys, key)
	return "https://cdn.example.com/" + key, nil
}

// fakeClock is a retry sleeper that advances virtual time instead of blocking.
type fakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	sleeps  int
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed += d
	c.sleeps++
	return ctx.Err()
}
