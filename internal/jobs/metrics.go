package jobs

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalJobs             int64   `json:"total_jobs"`
	CompletedJobs         int64   `json:"completed_jobs"`
	FailedJobs            int64   `json:"failed_jobs"`
	CompletionRate        float64 `json:"completion_rate"`
	AverageConfidence     float64 `json:"average_confidence"`
	AverageProcessingTime float64 `json:"average_processing_time"`
}

// GetMetricsSummary aggregates job and result metrics from persistence.
func (o *Orchestrator) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := o.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalJobs:             aggregation.TotalJobs,
		CompletedJobs:         aggregation.CompletedJobs,
		FailedJobs:            aggregation.FailedJobs,
		AverageConfidence:     aggregation.AverageConfidence,
		AverageProcessingTime: aggregation.AverageProcessingTime,
	}

	if aggregation.TotalJobs > 0 {
		summary.CompletionRate = float64(aggregation.CompletedJobs) / float64(aggregation.TotalJobs)
	}

	return summary, nil
}
