package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Job lifecycle states. Transitions are forward-only; terminal states are
// never left.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ErrNotFound is returned when a record does not exist or is not visible
// to the requesting user.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a status update would move a job
// backward or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// PredictionJob is the persisted lifecycle record for one 1-3 image
// submission. It is owned exclusively by the job orchestrator and mutated
// only through the guarded status-transition methods below.
type PredictionJob struct {
	ID           uint       `gorm:"primaryKey"`
	JobID        string     `gorm:"column:job_id;uniqueIndex;size:36"`
	UserID       string     `gorm:"column:user_id;index;size:64"`
	Status       string     `gorm:"column:status;size:16"`
	ImageCount   int        `gorm:"column:image_count"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
}

// TableName overrides the default table name.
func (PredictionJob) TableName() string {
	return "prediction_jobs"
}

// SkinImage records metadata for one uploaded image after validation. The
// raw bytes live in object storage; only the reference URL is kept.
type SkinImage struct {
	ID               uint      `gorm:"primaryKey"`
	JobID            string    `gorm:"column:job_id;index;size:36"`
	UserID           string    `gorm:"column:user_id;size:64"`
	StorageURL       string    `gorm:"column:storage_url;size:500"`
	OriginalFilename string    `gorm:"column:original_filename;size:255"`
	FileSize         int64     `gorm:"column:file_size"`
	Width            int       `gorm:"column:width"`
	Height           int       `gorm:"column:height"`
	QualityScore     float64   `gorm:"column:quality_score"`
	HasWarning       bool      `gorm:"column:has_warning"`
	WarningMessage   string    `gorm:"column:warning_message;type:text"`
	UploadedAt       time.Time `gorm:"column:uploaded_at"`
}

// TableName overrides the default table name.
func (SkinImage) TableName() string {
	return "skin_images"
}

// PredictionResult stores the gated outcome of a completed job. It is
// immutable after creation except for the user-feedback annex.
type PredictionResult struct {
	ID                  uint       `gorm:"primaryKey"`
	JobID               string     `gorm:"column:job_id;uniqueIndex;size:36"`
	UserID              string     `gorm:"column:user_id;index;size:64"`
	DiseaseName         string     `gorm:"column:disease_name;size:100"`
	Confidence          float64    `gorm:"column:confidence"`
	Probabilities       string     `gorm:"column:probabilities;type:text"`
	Recommendation      string     `gorm:"column:recommendation;type:text"`
	ModelVersion        string     `gorm:"column:model_version;size:64"`
	ProcessingTime      float64    `gorm:"column:processing_time"`
	IsInconclusive      bool       `gorm:"column:is_inconclusive"`
	Simulated           bool       `gorm:"column:simulated"`
	AggregatedFromCount int        `gorm:"column:aggregated_from_count"`
	Feedback            string     `gorm:"column:feedback;type:text"`
	FeedbackIsIncorrect bool       `gorm:"column:feedback_is_incorrect"`
	FeedbackAt          *time.Time `gorm:"column:feedback_at"`
	CreatedAt           time.Time  `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionResult) TableName() string {
	return "prediction_results"
}

// MetricsAggregation holds SQL-side aggregates over completed predictions.
type MetricsAggregation struct {
	TotalJobs             int64
	CompletedJobs         int64
	FailedJobs            int64
	AverageConfidence     float64
	AverageProcessingTime float64
}

// PredictionRepository provides persistence for jobs, images, and results.
type PredictionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{db: db, logger: logger.Named("prediction_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionJob{}, &SkinImage{}, &PredictionResult{})
}

// CreateJob persists the job and its image metadata in one transaction.
func (r *PredictionRepository) CreateJob(ctx context.Context, job *PredictionJob, images []*SkinImage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		for _, img := range images {
			img.JobID = job.JobID
			if err := tx.Create(img).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJobForUser retrieves a job owned by the given user. A missing job and
// an ownership mismatch are indistinguishable to the caller.
func (r *PredictionRepository) GetJobForUser(ctx context.Context, jobID, userID string) (*PredictionJob, error) {
	var job PredictionJob
	err := r.db.WithContext(ctx).First(&job, "job_id = ? AND user_id = ?", jobID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing transitions a PENDING job to PROCESSING and records the
// start time for the watchdog. The guarded WHERE clause enforces the
// forward-only state machine under concurrent workers.
func (r *PredictionRepository) MarkProcessing(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return r.transition(ctx, jobID, StatusPending, map[string]interface{}{
		"status":     StatusProcessing,
		"started_at": &now,
	})
}

// MarkCompleted transitions a PROCESSING job to the COMPLETED terminal state.
func (r *PredictionRepository) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return r.transition(ctx, jobID, StatusProcessing, map[string]interface{}{
		"status":       StatusCompleted,
		"completed_at": &now,
	})
}

// MarkFailed transitions a PROCESSING or PENDING job to FAILED with a
// human-readable message. Failures are recorded, never re-thrown to the
// client: the poll endpoint is the only observer.
func (r *PredictionRepository) MarkFailed(ctx context.Context, jobID, message string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        StatusFailed,
		"error_message": message,
		"completed_at":  &now,
	}
	if err := r.transition(ctx, jobID, StatusProcessing, updates); err == nil {
		return nil
	} else if !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return r.transition(ctx, jobID, StatusPending, updates)
}

func (r *PredictionRepository) transition(ctx context.Context, jobID, fromStatus string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&PredictionJob{}).
		Where("job_id = ? AND status = ?", jobID, fromStatus).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var job PredictionJob
		err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %v (job is %s)", ErrInvalidTransition, fromStatus, updates["status"], job.Status)
	}
	return nil
}

// SaveResult persists the prediction result for a completed job.
func (r *PredictionRepository) SaveResult(ctx context.Context, result *PredictionResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

// GetResult retrieves the result for a completed job.
func (r *PredictionRepository) GetResult(ctx context.Context, jobID string) (*PredictionResult, error) {
	var result PredictionResult
	err := r.db.WithContext(ctx).First(&result, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListImages retrieves the image metadata attached to a job, in upload order.
func (r *PredictionRepository) ListImages(ctx context.Context, jobID string) ([]*SkinImage, error) {
	var images []*SkinImage
	if err := r.db.WithContext(ctx).Order("id asc").Find(&images, "job_id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// ListHistory retrieves the user's results, newest first.
func (r *PredictionRepository) ListHistory(ctx context.Context, userID string, limit int) ([]*PredictionResult, error) {
	var results []*PredictionResult
	query := r.db.WithContext(ctx).Order("created_at desc").Where("user_id = ?", userID)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// SaveFeedback attaches the user-feedback annex to an existing result.
func (r *PredictionRepository) SaveFeedback(ctx context.Context, jobID, userID, feedback string, isIncorrect bool) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&PredictionResult{}).
		Where("job_id = ? AND user_id = ?", jobID, userID).
		Updates(map[string]interface{}{
			"feedback":              feedback,
			"feedback_is_incorrect": isIncorrect,
			"feedback_at":           &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStuckJobs reconciles jobs left in PROCESSING past the deadline to
// FAILED, so a worker crash never leaves a job stuck indefinitely.
func (r *PredictionRepository) FailStuckJobs(ctx context.Context, deadline time.Time) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&PredictionJob{}).
		Where("status = ? AND started_at < ?", StatusProcessing, deadline).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": "processing timed out",
			"completed_at":  &now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// AggregateMetrics computes service-level aggregates in SQL.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	db := r.db.WithContext(ctx)

	if err := db.Model(&PredictionJob{}).Count(&agg.TotalJobs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&PredictionJob{}).Where("status = ?", StatusCompleted).Count(&agg.CompletedJobs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&PredictionJob{}).Where("status = ?", StatusFailed).Count(&agg.FailedJobs).Error; err != nil {
		return nil, err
	}

	row := db.Model(&PredictionResult{}).
		Select("COALESCE(AVG(confidence), 0), COALESCE(AVG(processing_time), 0)").
		Row()
	if err := row.Scan(&agg.AverageConfidence, &agg.AverageProcessingTime); err != nil {
		return nil, err
	}
	return &agg, nil
}
