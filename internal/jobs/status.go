package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/skinscan/internal/logging"
	"github.com/example/skinscan/internal/repository"
)

const terminalViewTTL = 24 * time.Hour

// ResultView is the client-facing payload for a completed prediction.
type ResultView struct {
	DiseaseName         string             `json:"disease_name"`
	Confidence          float64            `json:"confidence"`
	IsInconclusive      bool               `json:"is_inconclusive"`
	Recommendation      string             `json:"recommendation"`
	Probabilities       map[string]float64 `json:"all_probabilities"`
	ModelVersion        string             `json:"model_version"`
	ProcessingTime      float64            `json:"processing_time"`
	Simulated           bool               `json:"simulated"`
	AggregatedFromCount int                `json:"aggregated_from_count"`
	CreatedAt           time.Time          `json:"created_at"`
}

// JobView is the poll response for a job.
type JobView struct {
	JobID        string      `json:"job_id"`
	Status       string      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ImageCount   int         `json:"image_count"`
	Result       *ResultView `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// GetStatus returns the current view of a job owned by the requesting
// user. Terminal views are cached, so repeated polls for a COMPLETED job
// return the identical payload without recomputation. A missing job and a
// foreign job both surface as ErrJobNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, userID, jobID string) (*JobView, error) {
	cacheKey := fmt.Sprintf("jobview:%s:%s", userID, jobID)

	if cached, err := o.withRedisGet(ctx, jobID, "cache.get.jobview", cacheKey); err == nil {
		var view JobView
		decodeErr := json.Unmarshal([]byte(cached), &view)
		if decodeErr == nil {
			return &view, nil
		}
		logging.WithOperation(o.logger, "jobs.get_status", jobID).Warn("failed to decode cached job view", zap.Error(decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(o.logger, "jobs.get_status", jobID).Warn("failed to read job view cache", zap.Error(err))
	}

	job, err := o.repo.GetJobForUser(ctx, jobID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("jobs.get_status", jobID, err)
	}

	view := &JobView{
		JobID:       job.JobID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		ImageCount:  job.ImageCount,
	}

	switch job.Status {
	case repository.StatusCompleted:
		result, err := o.repo.GetResult(ctx, jobID)
		if err != nil {
			return nil, logging.NewOperationError("jobs.get_status.result", jobID, err)
		}
		view.Result = resultView(result)
	case repository.StatusFailed:
		view.ErrorMessage = job.ErrorMessage
	}

	if job.Status == repository.StatusCompleted || job.Status == repository.StatusFailed {
		if serialized, err := json.Marshal(view); err == nil {
			if err := o.withRedisRetry(ctx, jobID, "cache.set.jobview", func() error {
				return o.cache.Set(ctx, cacheKey, string(serialized), terminalViewTTL)
			}); err != nil {
				logging.WithOperation(o.logger, "jobs.get_status", jobID).Warn("failed to cache job view", zap.Error(err))
			}
		}
	}

	return view, nil
}

// History returns the user's results, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]*ResultView, error) {
	results, err := o.repo.ListHistory(ctx, userID, limit)
	if err != nil {
		return nil, logging.NewOperationError("jobs.history", "", err)
	}
	views := make([]*ResultView, 0, len(results))
	for _, result := range results {
		views = append(views, resultView(result))
	}
	return views, nil
}

// Feedback attaches the user-feedback annex to a prediction result.
func (o *Orchestrator) Feedback(ctx context.Context, userID, jobID, feedback string, isIncorrect bool) error {
	err := o.repo.SaveFeedback(ctx, jobID, userID, feedback, isIncorrect)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return logging.NewOperationError("jobs.feedback", jobID, err)
	}
	return nil
}

func resultView(result *repository.PredictionResult) *ResultView {
	view := &ResultView{
		DiseaseName:         result.DiseaseName,
		Confidence:          result.Confidence,
		IsInconclusive:      result.IsInconclusive,
		Recommendation:      result.Recommendation,
		ModelVersion:        result.ModelVersion,
		ProcessingTime:      result.ProcessingTime,
		Simulated:           result.Simulated,
		AggregatedFromCount: result.AggregatedFromCount,
		CreatedAt:           result.CreatedAt,
	}
	if result.Probabilities != "" {
		if err := json.Unmarshal([]byte(result.Probabilities), &view.Probabilities); err != nil {
			view.Probabilities = nil
		}
	}
	return view
}

func (o *Orchestrator) withRedisRetry(ctx context.Context, jobID, operation string, fn func() error) error {
	if o.retryAttempts <= 1 {
		return logging.NewOperationError(operation, jobID, fn())
	}

	backoff := o.initialBackoff
	opLogger := logging.WithOperation(o.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < o.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, jobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= o.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == o.retryAttempts-1 {
			return logging.NewOperationError(operation, jobID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, jobID, err)
}

func (o *Orchestrator) withRedisGet(ctx context.Context, jobID, operation, cacheKey string) (string, error) {
	var result string
	err := o.withRedisRetry(ctx, jobID, operation, func() error {
		value, err := o.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
