// Package docapi is the client for the external document-processing service.
// Every call is scoped by the job id the service assigned at submission, and
// any non-2xx answer surfaces as *apperr.UpstreamError.
package docapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"document-intake/internal/apperr"
	"document-intake/internal/models"
)

// RecordsBucket is the storage bucket records are persisted under.
const RecordsBucket = "documents"

// maxErrorBody caps how much of a failed response ends up in error messages.
const maxErrorBody = 512

// Client calls the processing service.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	log        zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger for request tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client for baseURL. The timeout applies to every stage call.
func New(baseURL string, creds Credentials, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, &apperr.ConfigurationError{Keys: []string{"DOC_API_URL"}}
	}
	if creds == nil {
		return nil, &apperr.ConfigurationError{Keys: []string{"DOC_API_USERNAME", "DOC_API_PASSWORD"}}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submission is the service's answer to a queued upload.
type Submission struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// Submit uploads a file to the processing queue and returns the assigned job id.
func (c *Client) Submit(ctx context.Context, fileName string, file io.Reader, userGroup string) (Submission, error) {
	if file == nil {
		return Submission{}, apperr.Missing("file")
	}
	if fileName == "" {
		return Submission{}, apperr.Missing("file_name")
	}
	if userGroup == "" {
		return Submission{}, apperr.Missing("user_group")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return Submission{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return Submission{}, fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.WriteField("user_group", userGroup); err != nil {
		return Submission{}, fmt.Errorf("write user_group: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Submission{}, fmt.Errorf("close multipart: %w", err)
	}

	raw, err := c.do(ctx, "queue", "/queue", mw.FormDataContentType(), &body)
	if err != nil {
		return Submission{}, err
	}

	var resp struct {
		JobID  json.RawMessage `json:"job_id"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Submission{}, &apperr.UpstreamError{Stage: "queue", Cause: fmt.Errorf("decode response: %w", err)}
	}
	id, err := decodeID(resp.JobID)
	if err != nil {
		return Submission{}, &apperr.UpstreamError{Stage: "queue", Cause: err}
	}
	if resp.Status == "" {
		resp.Status = models.StatusPending
	}
	return Submission{JobID: id, Status: resp.Status, Raw: raw}, nil
}

// DetectOrigin asks whether the document is digital or scanned.
// Any answer other than those two is an error so extraction never starts without one.
func (c *Client) DetectOrigin(ctx context.Context, jobID string) (models.Origin, error) {
	raw, err := c.postJSON(ctx, "detect-origin", jobID, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &apperr.UpstreamError{Stage: "detect-origin", Cause: fmt.Errorf("decode response: %w", err)}
	}
	origin := models.Origin(strings.ToLower(strings.TrimSpace(resp.Origin)))
	if !origin.Valid() {
		return "", &apperr.UpstreamError{Stage: "detect-origin", Cause: fmt.Errorf("no definitive origin: %q", resp.Origin)}
	}
	return origin, nil
}

// PDFToText extracts text from a digital document.
func (c *Client) PDFToText(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.postJSON(ctx, "pdf-to-text", jobID, nil)
}

// PDFToImage renders the pages of a scanned document.
func (c *Client) PDFToImage(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.postJSON(ctx, "pdf-to-image", jobID, nil)
}

// OCR recognizes text on the rendered pages.
func (c *Client) OCR(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.postJSON(ctx, "ocr", jobID, nil)
}

// Classify labels the document for a group.
func (c *Client) Classify(ctx context.Context, jobID, userGroup string) (json.RawMessage, error) {
	if userGroup == "" {
		return nil, apperr.Missing("user_group")
	}
	return c.postJSON(ctx, "classify", jobID, map[string]string{"user_group": userGroup})
}

// Chunk segments the extracted text.
func (c *Client) Chunk(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.postJSON(ctx, "chunk", jobID, nil)
}

// RecordResult is the persisted record plus the raw payload it was decoded from.
type RecordResult struct {
	Record *models.Record
	Raw    json.RawMessage
}

// UploadRecord persists the catalog record under RecordsBucket.
func (c *Client) UploadRecord(ctx context.Context, jobID, baseFilePath, userGroup string) (RecordResult, error) {
	if baseFilePath == "" {
		return RecordResult{}, apperr.Missing("base_file_path")
	}
	if userGroup == "" {
		return RecordResult{}, apperr.Missing("user_group")
	}
	raw, err := c.postJSON(ctx, "upload-record", jobID, map[string]string{
		"base_file_path": baseFilePath,
		"user_group":     userGroup,
		"bucket_name":    RecordsBucket,
	})
	if err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Record: decodeRecord(raw), Raw: raw}, nil
}

// GenerateEmbeddings computes vectors over the stored chunks.
func (c *Client) GenerateEmbeddings(ctx context.Context, jobID, baseFilePath string) (json.RawMessage, error) {
	if baseFilePath == "" {
		return nil, apperr.Missing("base_file_path")
	}
	return c.postJSON(ctx, "generate-embeddings", jobID, map[string]string{"base_file_path": baseFilePath})
}

// UploadEmbeddings writes embedding rows with placeholder ownership.
func (c *Client) UploadEmbeddings(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.postJSON(ctx, "upload-embeddings", jobID, map[string]string{"user_group": models.PlaceholderGroup})
}

// Rename changes the display name of a queued document.
func (c *Client) Rename(ctx context.Context, jobID, newName string) (json.RawMessage, error) {
	if newName == "" {
		return nil, apperr.Missing("new_name")
	}
	return c.postJSON(ctx, "rename", jobID, map[string]string{"new_name": newName})
}

func (c *Client) postJSON(ctx context.Context, stage, jobID string, payload any) (json.RawMessage, error) {
	if jobID == "" {
		return nil, apperr.Missing("job_id")
	}
	var body io.Reader
	contentType := ""
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", stage, err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}
	return c.do(ctx, stage, "/"+stage+"/"+url.PathEscape(jobID), contentType, body)
}

func (c *Client) do(ctx context.Context, stage, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", stage, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	if err := c.creds.Apply(req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("stage", stage).Str("req_id", reqID).Msg("docapi request failed")
		return nil, &apperr.UpstreamError{Stage: stage, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.UpstreamError{Stage: stage, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}

	c.log.Debug().
		Str("stage", stage).
		Str("req_id", reqID).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(start)).
		Msg("docapi response")

	if resp.StatusCode/100 != 2 {
		return nil, &apperr.UpstreamError{Stage: stage, StatusCode: resp.StatusCode, Body: errorBody(raw)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	return raw, nil
}

// decodeID accepts the job id as a JSON string or number.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("response has no job_id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("response has empty job_id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("unexpected job_id %s", raw)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("unexpected job_id %s", raw)
	}
	return n.String(), nil
}

// decodeRecord reads a record from either the top level or a "record" envelope.
func decodeRecord(raw json.RawMessage) *models.Record {
	var envelope struct {
		Record *models.Record `json:"record"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Record != nil && envelope.Record.NanoID != "" {
		return envelope.Record
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err == nil && rec.NanoID != "" {
		return &rec
	}
	return nil
}

func errorBody(raw []byte) string {
	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
