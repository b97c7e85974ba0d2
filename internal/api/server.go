package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"document-intake/internal/apperr"
	"document-intake/internal/config"
	"document-intake/internal/docapi"
	"document-intake/internal/models"
	"document-intake/internal/pipeline"
	"document-intake/internal/ratelimit"
	"document-intake/internal/telemetry"
)

// Pipeline is the stage-by-stage orchestrator the handlers drive.
type Pipeline interface {
	Submit(ctx context.Context, in pipeline.SubmitInput) (models.Job, error)
	DetectOrigin(ctx context.Context, jobID string) (models.Origin, error)
	Extract(ctx context.Context, jobID string, origin models.Origin) (models.Origin, error)
	Classify(ctx context.Context, jobID, userGroup string) (json.RawMessage, error)
	Chunk(ctx context.Context, jobID string) (json.RawMessage, error)
	UploadRecord(ctx context.Context, jobID, baseFilePath, userGroup string) (docapi.RecordResult, error)
	GenerateEmbeddings(ctx context.Context, jobID, baseFilePath string) (json.RawMessage, error)
	UploadEmbeddings(ctx context.Context, jobID string) (json.RawMessage, error)
	Reconcile(ctx context.Context, jobID, userGroup, userID string) (pipeline.ReconcileResult, error)
	Complete(ctx context.Context, jobID string) (models.Job, error)
	Rename(ctx context.Context, jobID, newName string) (json.RawMessage, error)
	Status(ctx context.Context, jobID string) (models.Job, []models.JobEvent, error)
	Run(ctx context.Context, jobID string, in pipeline.RunInput) (pipeline.Report, error)
}

// Records lists catalog records.
type Records interface {
	ListRecords(ctx context.Context, userGroup string, limit int) ([]models.Record, error)
}

// Queue hands server-side runs to the worker.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server needs. Queue, Limiter and Health may be nil.
type Deps struct {
	Pipeline Pipeline
	Records  Records
	Queue    Queue
	Limiter  ratelimit.Limiter
	Health   Pinger
}

// Server wires HTTP handlers for the intake API.
type Server struct {
	cfg    config.Config
	deps   Deps
	log    zerolog.Logger
	secret []byte
	detach func(jobID string, in pipeline.RunInput)
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		secret: []byte(cfg.AuthJWTSecret),
	}
	s.detach = s.runDetached
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(s.deps.Limiter))
		r.Use(requireJWT(s.secret))

		r.Post("/jobs", s.handleSubmit)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/origin", s.handleOrigin)
			r.Post("/extract", s.handleExtract)
			r.Post("/classify", s.handleClassify)
			r.Post("/chunk", s.handleChunk)
			r.Post("/record", s.handleRecord)
			r.Post("/embeddings", s.handleGenerateEmbeddings)
			r.Post("/embeddings/upload", s.handleUploadEmbeddings)
			r.Post("/embeddings/reconcile", s.handleReconcile)
			r.Post("/complete", s.handleComplete)
			r.Post("/rename", s.handleRename)
			r.Post("/run", s.handleRun)
		})

		r.Post("/pipeline/jobs", s.handlePipelineSubmit)
		r.Get("/records", s.handleRecords)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stageRequest is the union of the JSON bodies the stage endpoints accept.
type stageRequest struct {
	Origin        models.Origin `json:"origin"`
	UserGroup     string        `json:"user_group"`
	BaseFilePath  string        `json:"base_file_path"`
	BaseFilePathC string        `json:"baseFilePath"`
	NewName       string        `json:"new_name"`
}

func (q stageRequest) baseFilePath() string {
	if q.BaseFilePath != "" {
		return q.BaseFilePath
	}
	return q.BaseFilePathC
}

// decodeStage reads an optional JSON body. An empty body is the zero request.
func decodeStage(r *http.Request) (stageRequest, error) {
	var req stageRequest
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err == nil || errors.Is(err, io.EOF) {
		return req, nil
	}
	return req, &apperr.ValidationError{Field: "body", Message: "invalid json"}
}

// submission reads the multipart upload shared by both submit endpoints.
func (s *Server) submission(w http.ResponseWriter, r *http.Request) (pipeline.SubmitInput, func(), error) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pipeline.SubmitInput{}, nil, &apperr.ValidationError{Field: "file", Message: "exceeds upload limit"}
		}
		return pipeline.SubmitInput{}, nil, &apperr.ValidationError{Field: "body", Message: "expected multipart form"}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return pipeline.SubmitInput{}, nil, apperr.Missing("file")
	}
	id, _ := IdentityFrom(r.Context())
	group := r.FormValue("user_group")
	if group == "" {
		group = id.UserGroup
	}
	in := pipeline.SubmitInput{
		FileName:    header.Filename,
		File:        file,
		ContentType: header.Header.Get("Content-Type"),
		UserGroup:   group,
		SubmittedBy: id.UserID,
	}
	return in, func() { _ = file.Close() }, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	in, closeFn, err := s.submission(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer closeFn()

	job, err := s.deps.Pipeline.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "job": job})
}

// handlePipelineSubmit accepts a document and runs every stage without the client.
func (s *Server) handlePipelineSubmit(w http.ResponseWriter, r *http.Request) {
	in, closeFn, err := s.submission(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer closeFn()

	job, err := s.deps.Pipeline.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	mode := "queued"
	if s.deps.Queue != nil {
		if err := s.deps.Queue.Enqueue(r.Context(), job.JobID); err != nil {
			writeError(w, r, err)
			return
		}
		telemetry.JobsEnqueued.Inc()
	} else {
		mode = "detached"
		s.detach(job.JobID, pipeline.RunInput{UserGroup: job.UserGroup, UserID: in.SubmittedBy})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "job": job, "mode": mode})
}

// runDetached runs the pipeline in-process when no queue is configured.
// The run outlives the request that started it.
func (s *Server) runDetached(jobID string, in pipeline.RunInput) {
	timeout := s.cfg.PipelineTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		rep, err := s.deps.Pipeline.Run(ctx, jobID, in)
		log := s.log.With().Str("job_id", jobID).Logger()
		if err != nil {
			log.Warn().Err(err).Str("status", rep.Job.Status).Msg("detached run failed")
			return
		}
		log.Info().Str("status", rep.Job.Status).Msg("detached run finished")
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, events, err := s.deps.Pipeline.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "events": events})
}

func (s *Server) handleOrigin(w http.ResponseWriter, r *http.Request) {
	origin, err := s.deps.Pipeline.DetectOrigin(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin": origin})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	origin, err := s.deps.Pipeline.Extract(r.Context(), chi.URLParam(r, "jobID"), req.Origin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin": origin})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	group, err := s.group(r, jobID, req.UserGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.deps.Pipeline.Classify(r.Context(), jobID, group)
	writeResult(w, r, out, err)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Pipeline.Chunk(r.Context(), chi.URLParam(r, "jobID"))
	writeResult(w, r, out, err)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	base, err := s.baseFilePath(r, jobID, req.baseFilePath())
	if err != nil {
		writeError(w, r, err)
		return
	}
	group, err := s.group(r, jobID, req.UserGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Pipeline.UploadRecord(r.Context(), jobID, base, group)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Record != nil {
		writeJSON(w, http.StatusOK, map[string]any{"record": res.Record})
		return
	}
	writeRaw(w, res.Raw)
}

func (s *Server) handleGenerateEmbeddings(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	base, err := s.baseFilePath(r, jobID, req.baseFilePath())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.deps.Pipeline.GenerateEmbeddings(r.Context(), jobID, base)
	writeResult(w, r, out, err)
}

func (s *Server) handleUploadEmbeddings(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Pipeline.UploadEmbeddings(r.Context(), chi.URLParam(r, "jobID"))
	writeResult(w, r, out, err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	group, err := s.group(r, jobID, req.UserGroup)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := IdentityFrom(r.Context())
	res, err := s.deps.Pipeline.Reconcile(r.Context(), jobID, group, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Pipeline.Complete(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.deps.Pipeline.Rename(r.Context(), chi.URLParam(r, "jobID"), req.NewName)
	writeResult(w, r, out, err)
}

// handleRun drives the remaining stages within this request.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := IdentityFrom(r.Context())
	group := req.UserGroup
	if group == "" {
		group = id.UserGroup
	}
	rep, err := s.deps.Pipeline.Run(r.Context(), chi.URLParam(r, "jobID"), pipeline.RunInput{UserGroup: group, UserID: id.UserID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	group := r.URL.Query().Get("user_group")
	if group == "" {
		group = id.UserGroup
	}
	if group == "" {
		writeError(w, r, apperr.Missing("user_group"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, &apperr.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := s.deps.Records.ListRecords(r.Context(), group, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleDLQ returns the dead-lettered job ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.deps.Queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// group resolves the owning group: request body, then token claim, then the job row.
func (s *Server) group(r *http.Request, jobID, fromBody string) (string, error) {
	if fromBody != "" {
		return fromBody, nil
	}
	if id, ok := IdentityFrom(r.Context()); ok && id.UserGroup != "" {
		return id.UserGroup, nil
	}
	job, _, err := s.deps.Pipeline.Status(r.Context(), jobID)
	if err != nil {
		return "", err
	}
	return job.UserGroup, nil
}

// baseFilePath falls back to the path recorded at submission.
func (s *Server) baseFilePath(r *http.Request, jobID, fromBody string) (string, error) {
	if fromBody != "" {
		return fromBody, nil
	}
	job, _, err := s.deps.Pipeline.Status(r.Context(), jobID)
	if err != nil {
		return "", err
	}
	return job.BaseFilePath, nil
}

func writeResult(w http.ResponseWriter, r *http.Request, out json.RawMessage, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, out)
}

// writeRaw relays an upstream body. Empty bodies become {}.
func writeRaw(w http.ResponseWriter, out json.RawMessage) {
	if len(out) == 0 || !json.Valid(out) {
		out = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeErrorMessage(w, code, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
