package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func statusUpdates(status string) map[string]any {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	return updates
}

func UpdateDatasetJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&DatasetJob{Id: jobId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating dataset job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTuningJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&TuningJob{Id: jobId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating tuning job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateBatchInferenceJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&BatchInferenceJob{Id: jobId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating batch inference job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateEvaluationStatus(ctx context.Context, txn *gorm.DB, evalId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&Evaluation{Id: evalId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating evaluation status", "evaluation_id", evalId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveJobError(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) {
	jobError := JobError{
		JobId:     jobId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&jobError).Error; err != nil {
		slog.Error("error saving job error", "job_id", jobId, "error", err)
	}
}
