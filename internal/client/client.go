// Package client talks to the intake API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"document-intake/internal/apperr"
	"document-intake/internal/models"
	"document-intake/internal/pipeline"
)

// Client is an authenticated intake API client.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the API at baseURL. token is sent as a bearer token.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, &apperr.ConfigurationError{Keys: []string{"INTAKE_API_URL"}}
	}
	if token == "" {
		return nil, &apperr.ConfigurationError{Keys: []string{"INTAKE_TOKEN"}}
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

// Submitted is the answer to an upload.
type Submitted struct {
	JobID string     `json:"job_id"`
	Job   models.Job `json:"job"`
	Mode  string     `json:"mode,omitempty"`
}

// Submit uploads a file. With serverSide the API runs every stage itself.
func (c *Client) Submit(ctx context.Context, filePath, userGroup string, serverSide bool) (Submitted, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Submitted{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return Submitted{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Submitted{}, err
	}
	if userGroup != "" {
		if err := mw.WriteField("user_group", userGroup); err != nil {
			return Submitted{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Submitted{}, err
	}

	path := "/api/jobs"
	if serverSide {
		path = "/api/pipeline/jobs"
	}
	var out Submitted
	err = c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf, &out)
	return out, err
}

// Stage posts to one stage endpoint of a job. body and out may be nil.
func (c *Client) Stage(ctx context.Context, jobID, stage string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/"+stage, "application/json", rdr, out)
}

// Job returns the job row and its transition log.
func (c *Client) Job(ctx context.Context, jobID string) (models.Job, []models.JobEvent, error) {
	var out struct {
		Job    models.Job        `json:"job"`
		Events []models.JobEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), "", nil, &out)
	return out.Job, out.Events, err
}

// Run asks the API to drive the job's remaining stages.
func (c *Client) Run(ctx context.Context, jobID string) (pipeline.Report, error) {
	var rep pipeline.Report
	err := c.Stage(ctx, jobID, "run", nil, &rep)
	return rep, err
}

// Records lists a group's catalog records.
func (c *Client) Records(ctx context.Context, userGroup string, limit int) ([]models.Record, error) {
	q := url.Values{}
	if userGroup != "" {
		q.Set("user_group", userGroup)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Records []models.Record `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/api/records?"+q.Encode(), "", nil, &out)
	return out.Records, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		stage, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/"), "?")
		return &apperr.UpstreamError{Stage: stage, StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
