package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"document-intake/internal/apperr"
	"document-intake/internal/config"
	"document-intake/internal/models"
	"document-intake/internal/pipeline"
	"document-intake/internal/telemetry"
)

// maxDeliveries bounds how often a lease may expire before the job is dead-lettered.
const maxDeliveries = 3

// Queue is the lease-based work queue the processor drains.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, int, error)
	Ack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// JobReader loads job rows and counts them by status for the job gauges.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)
}

// Runner drives one job through its remaining stages.
type Runner interface {
	Run(ctx context.Context, jobID string, in pipeline.RunInput) (pipeline.Report, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	jobs     JobReader
	runner   Runner
	log      zerolog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q Queue, jobs JobReader, runner Runner, log zerolog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, jobs, runner, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, jobs JobReader, runner Runner, log zerolog.Logger, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 6 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		runner:   runner,
		log:      log.With().Str("worker_id", workerID).Logger(),
		workerID: workerID,
	}
}

// Run starts the housekeeping loop and WorkerConcurrency consumers until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// housekeep reclaims expired leases and refreshes the gauges until ctx is cancelled.
func (p *Processor) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		p.log.Warn().Err(err).Msg("requeue expired leases")
	} else if len(reclaimed) > 0 {
		p.log.Info().Strs("job_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	counts, err := p.jobs.CountJobsByStatus(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("count jobs by status")
		return
	}
	for _, status := range []string{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		telemetry.JobsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.ProcessNext(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("dequeue failed")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessNext handles at most one queued job. It reports whether a job was dequeued.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	jobID, deliveries, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	log := p.log.With().Str("job_id", jobID).Int("delivery", deliveries).Logger()

	job, err := p.jobs.GetJob(ctx, jobID)
	if apperr.IsNotFound(err) {
		log.Warn().Msg("queued job has no row, dropping")
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if err != nil {
		// lease expiry will redeliver
		log.Error().Err(err).Msg("load job")
		return true, nil
	}
	if job.Terminal() {
		log.Info().Str("status", job.Status).Msg("job already finished")
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if deliveries > maxDeliveries {
		log.Error().Msg("delivery limit reached, dead-lettering")
		p.deadLetter(ctx, jobID)
		return true, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	started := time.Now()
	release := p.keepLease(runCtx, jobID)
	rep, err := p.runner.Run(runCtx, jobID, pipeline.RunInput{})
	release()
	if err == nil {
		_ = p.queue.Ack(ctx, jobID)
		log.Info().Dur("elapsed", time.Since(started)).Str("status", rep.Job.Status).Msg("pipeline finished")
		return true, nil
	}

	switch {
	case ctx.Err() != nil:
		// shutting down: the job row keeps its last step, and the lease lapses to another worker
		log.Warn().Err(err).Msg("pipeline interrupted by shutdown")
	case rep.Job.Terminal():
		_ = p.queue.Ack(ctx, jobID)
		log.Warn().Err(err).Msg("pipeline failed")
	default:
		log.Error().Err(err).Msg("pipeline aborted without a terminal status")
		p.deadLetter(ctx, jobID)
	}
	return true, nil
}

// keepLease extends the job's visibility deadline until the returned func is called.
func (p *Processor) keepLease(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) deadLetter(ctx context.Context, jobID string) {
	if err := p.queue.DLQPush(ctx, jobID); err != nil {
		p.log.Error().Err(err).Str("job_id", jobID).Msg("dead-letter push")
		return
	}
	telemetry.WorkerDeadLetter.Inc()
}
