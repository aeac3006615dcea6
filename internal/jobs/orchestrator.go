// Package jobs owns the prediction job lifecycle: creation, dispatch to a
// bounded worker pool, execution against the inference engine, result
// gating and persistence, and poll-based status reads.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skinscan/internal/engine"
	"github.com/example/skinscan/internal/gate"
	"github.com/example/skinscan/internal/logging"
	"github.com/example/skinscan/internal/repository"
	"github.com/example/skinscan/internal/storage"
)

// Request-shape limits. Checked before any image-quality validation.
const (
	MinImagesPerJob = 1
	MaxImagesPerJob = 3
)

var (
	// ErrNoImages is returned when a job is created with zero images.
	ErrNoImages = errors.New("at least one image is required")
	// ErrTooManyImages is returned when a job exceeds the image cap.
	ErrTooManyImages = fmt.Errorf("a maximum of %d images is allowed per job", MaxImagesPerJob)
	// ErrJobNotFound covers both a missing job and an ownership mismatch,
	// so job existence is never leaked across users.
	ErrJobNotFound = errors.New("job not found")
)

// ImageUpload carries one validated image into job creation.
type ImageUpload struct {
	Data           []byte
	Filename       string
	Size           int64
	Width          int
	Height         int
	QualityScore   float64
	HasWarning     bool
	WarningMessage string
}

// Repository defines the persistence operations needed by the orchestrator.
type Repository interface {
	CreateJob(ctx context.Context, job *repository.PredictionJob, images []*repository.SkinImage) error
	GetJobForUser(ctx context.Context, jobID, userID string) (*repository.PredictionJob, error)
	ListImages(ctx context.Context, jobID string) ([]*repository.SkinImage, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
	SaveResult(ctx context.Context, result *repository.PredictionResult) error
	GetResult(ctx context.Context, jobID string) (*repository.PredictionResult, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]*repository.PredictionResult, error)
	SaveFeedback(ctx context.Context, jobID, userID, feedback string, isIncorrect bool) error
	FailStuckJobs(ctx context.Context, deadline time.Time) (int64, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options configures the orchestrator's pool and watchdog.
type Options struct {
	Workers         int
	StuckJobTimeout time.Duration
	SweepInterval   time.Duration
}

type task struct {
	jobID  string
	userID string
}

// Orchestrator coordinates the asynchronous prediction pipeline. It is the
// only component that mutates job state.
type Orchestrator struct {
	repo   Repository
	store  storage.ObjectStore
	engine engine.Engine
	cache  Cache
	logger *zap.Logger
	opts   Options

	tasks    chan task
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	submitMu sync.Mutex
	stopped  bool
	submitWG sync.WaitGroup

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewOrchestrator constructs the orchestrator. Call Start before Submit.
func NewOrchestrator(repo Repository, store storage.ObjectStore, eng engine.Engine, cache Cache, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.StuckJobTimeout <= 0 {
		opts.StuckJobTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		repo:           repo,
		store:          store,
		engine:         eng,
		cache:          cache,
		logger:         logger.Named("jobs"),
		opts:           opts,
		tasks:          make(chan task, opts.Workers*8),
		stopCh:         make(chan struct{}),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Start launches the worker pool and, when a sweep interval is configured,
// the stuck-job watchdog.
func (o *Orchestrator) Start() {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	if o.opts.SweepInterval > 0 {
		o.wg.Add(1)
		go o.watchdog()
	}
	o.logger.Info("worker pool started", zap.Int("workers", o.opts.Workers))
}

// Stop drains the pool: in-flight submitters settle first, then queued
// tasks finish and workers exit. The task channel is only closed once no
// submitter can still send on it.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.submitMu.Lock()
		o.stopped = true
		o.submitMu.Unlock()
		close(o.stopCh)
		o.submitWG.Wait()
		close(o.tasks)
	})
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for t := range o.tasks {
		o.runJob(context.Background(), t.jobID, t.userID)
	}
}

func (o *Orchestrator) watchdog() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			reconciled, err := o.repo.FailStuckJobs(ctx, time.Now().UTC().Add(-o.opts.StuckJobTimeout))
			cancel()
			if err != nil {
				o.logger.Error("stuck job sweep failed", zap.Error(err))
				continue
			}
			if reconciled > 0 {
				o.logger.Warn("reconciled stuck jobs to FAILED", zap.Int64("count", reconciled))
			}
		}
	}
}

// CreateJob validates request shape, persists image bytes to the object
// store, and records the job in PENDING state. It returns immediately; the
// caller decides whether to Submit for async execution or run inline.
func (o *Orchestrator) CreateJob(ctx context.Context, userID string, images []ImageUpload) (string, error) {
	if len(images) < MinImagesPerJob {
		return "", ErrNoImages
	}
	if len(images) > MaxImagesPerJob {
		return "", ErrTooManyImages
	}

	jobID := uuid.NewString()
	opLogger := logging.WithOperation(o.logger, "jobs.create", jobID)

	imageRows := make([]*repository.SkinImage, 0, len(images))
	for _, img := range images {
		ref, err := o.store.Upload(ctx, img.Data, img.Filename, userID)
		if err != nil {
			opLogger.Error("image upload to storage failed", zap.Error(err))
			return "", err
		}
		imageRows = append(imageRows, &repository.SkinImage{
			UserID:           userID,
			StorageURL:       ref,
			OriginalFilename: img.Filename,
			FileSize:         img.Size,
			Width:            img.Width,
			Height:           img.Height,
			QualityScore:     img.QualityScore,
			HasWarning:       img.HasWarning,
			WarningMessage:   img.WarningMessage,
			UploadedAt:       time.Now().UTC(),
		})
	}

	job := &repository.PredictionJob{
		JobID:      jobID,
		UserID:     userID,
		Status:     repository.StatusPending,
		ImageCount: len(images),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.repo.CreateJob(ctx, job, imageRows); err != nil {
		wrapped := logging.NewOperationError("jobs.create", jobID, err)
		opLogger.Error("failed to persist job", zap.Error(wrapped))
		return "", wrapped
	}

	opLogger.Info("job created", zap.Int("image_count", len(images)))
	return jobID, nil
}

// Submit hands the job to the worker pool and returns without blocking.
// Backpressure comes from the pool size; the queue itself only smooths
// bursts. Submissions that race with Stop are not executed: the job stays
// PENDING in the database and is logged.
func (o *Orchestrator) Submit(jobID, userID string) {
	o.submitMu.Lock()
	if o.stopped {
		o.submitMu.Unlock()
		o.logger.Warn("job submitted after shutdown, left pending", zap.String("job_id", jobID))
		return
	}
	o.submitWG.Add(1)
	o.submitMu.Unlock()

	t := task{jobID: jobID, userID: userID}
	select {
	case o.tasks <- t:
		o.submitWG.Done()
	default:
		go func() {
			defer o.submitWG.Done()
			select {
			case o.tasks <- t:
			case <-o.stopCh:
				o.logger.Warn("shutdown before queued job could start, left pending", zap.String("job_id", jobID))
			}
		}()
	}
}

// RunInline executes the job synchronously on the caller's goroutine. Used
// by the synchronous upload contract; failures are still recorded on the
// job, never returned as transport errors.
func (o *Orchestrator) RunInline(ctx context.Context, jobID, userID string) {
	o.runJob(ctx, jobID, userID)
}

// runJob is the worker-side body: PROCESSING -> load images from storage
// -> engine -> gate -> result -> COMPLETED. Payloads are re-read from the
// object store rather than carried through the queue, so a job's inputs
// live only in durable storage once it is created. Every failure path lands
// in FAILED with a readable message; a job is never left in PROCESSING by
// this function, panics included.
func (o *Orchestrator) runJob(ctx context.Context, jobID, userID string) {
	opLogger := logging.WithOperation(o.logger, "jobs.execute", jobID)

	ctx, cancel := context.WithTimeout(ctx, o.opts.StuckJobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			opLogger.Error("job execution panicked", zap.Any("panic", r))
			o.failJob(opLogger, jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := o.repo.MarkProcessing(ctx, jobID); err != nil {
		// Already reconciled by the watchdog, or racing: do not run twice.
		opLogger.Warn("could not enter PROCESSING, skipping execution", zap.Error(err))
		return
	}

	rows, err := o.repo.ListImages(ctx, jobID)
	if err != nil {
		opLogger.Error("failed to load image records", zap.Error(err))
		o.failJob(opLogger, jobID, fmt.Sprintf("failed to load image records: %v", err))
		return
	}
	if len(rows) == 0 {
		o.failJob(opLogger, jobID, "no stored images for job")
		return
	}

	images := make([][]byte, 0, len(rows))
	for _, row := range rows {
		data, err := o.store.Fetch(ctx, row.StorageURL)
		if err != nil {
			opLogger.Error("failed to fetch stored image", zap.Error(err), zap.String("ref", row.StorageURL))
			o.failJob(opLogger, jobID, fmt.Sprintf("failed to read stored image: %v", err))
			return
		}
		images = append(images, data)
	}

	var output *engine.Output
	if len(images) == 1 {
		output, err = o.engine.Predict(ctx, images[0])
	} else {
		output, err = o.engine.PredictMulti(ctx, images)
	}
	if err != nil {
		opLogger.Error("inference failed", zap.Error(err))
		o.failJob(opLogger, jobID, err.Error())
		return
	}

	decision := gate.Apply(output.Disease, output.Confidence)

	probsJSON, err := json.Marshal(output.Probabilities)
	if err != nil {
		o.failJob(opLogger, jobID, fmt.Sprintf("failed to encode probabilities: %v", err))
		return
	}

	result := &repository.PredictionResult{
		JobID:               jobID,
		UserID:              userID,
		DiseaseName:         decision.Label,
		Confidence:          output.Confidence,
		Probabilities:       string(probsJSON),
		Recommendation:      decision.Recommendation,
		ModelVersion:        output.ModelVersion,
		ProcessingTime:      output.ProcessingTime,
		IsInconclusive:      decision.IsInconclusive,
		Simulated:           output.Simulated,
		AggregatedFromCount: len(images),
		CreatedAt:           time.Now().UTC(),
	}

	if err := o.repo.SaveResult(ctx, result); err != nil {
		opLogger.Error("failed to persist result", zap.Error(err))
		o.failJob(opLogger, jobID, fmt.Sprintf("failed to persist result: %v", err))
		return
	}

	if err := o.repo.MarkCompleted(ctx, jobID); err != nil {
		opLogger.Error("failed to mark job completed", zap.Error(err))
		return
	}

	opLogger.Info("job completed",
		zap.String("disease", decision.Label),
		zap.Float64("confidence", output.Confidence),
		zap.Bool("simulated", output.Simulated))
}

func (o *Orchestrator) failJob(opLogger *zap.Logger, jobID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.repo.MarkFailed(ctx, jobID, message); err != nil {
		opLogger.Error("failed to record job failure", zap.Error(err), zap.String("message", message))
	}
}
