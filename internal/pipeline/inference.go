package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/database"
	"tuning-backend/pkg/models"
)

// HandleBatchInferenceTask submits a Bedrock model invocation job over the
// prepared batch input and blocks until it finishes. When the job was
// created with Evaluate set, a ROUGE evaluation task is queued on success.
func (p *Processor) HandleBatchInferenceTask(ctx context.Context, payload models.BatchInferencePayload) error {
	slog.Info("handling batch inference task", "job_id", payload.JobId)

	var job database.BatchInferenceJob
	if err := p.db.WithContext(ctx).First(&job, "id = ?", payload.JobId).Error; err != nil {
		return fmt.Errorf("failed to load batch inference job %s: %w", payload.JobId, err)
	}

	if err := database.UpdateBatchInferenceJobStatus(ctx, p.db, job.Id, database.JobRunning); err != nil {
		return err
	}

	if err := p.runBatchInference(ctx, &job); err != nil {
		database.SaveJobError(ctx, p.db, job.Id, err.Error())
		if dbErr := database.UpdateBatchInferenceJobStatus(ctx, p.db, job.Id, database.JobFailed); dbErr != nil {
			slog.Error("failed to mark batch inference job as failed", "job_id", job.Id, "error", dbErr)
		}
		return err
	}

	if err := database.UpdateBatchInferenceJobStatus(ctx, p.db, job.Id, database.JobCompleted); err != nil {
		return err
	}

	if payload.Evaluate || job.Evaluate {
		return p.queueEvaluation(ctx, &job)
	}
	return nil
}

func (p *Processor) runBatchInference(ctx context.Context, job *database.BatchInferenceJob) error {
	spec := bedrock.BatchSpec{
		JobName:   job.JobName,
		ModelId:   job.ModelId,
		RoleArn:   p.roles.BedrockRoleArn,
		InputUri:  job.InputUri,
		OutputUri: job.OutputUri,
	}

	jobArn, err := p.bedrock.SubmitBatchJob(ctx, spec)
	if err != nil {
		return err
	}

	if err := p.db.WithContext(ctx).Model(&database.BatchInferenceJob{Id: job.Id}).
		Updates(map[string]any{"job_arn": jobArn}).Error; err != nil {
		slog.Error("failed to save batch job arn", "job_id", job.Id, "error", err)
	}
	job.JobArn.String = jobArn
	job.JobArn.Valid = true

	result, err := p.bedrock.PollBatchJob(ctx, jobArn)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("batch inference job %s ended with status %s: %s", job.JobName, result.Status, result.FailureMessage)
	}

	slog.Info("batch inference job completed", "job_id", job.Id, "output_uri", result.OutputUri)
	return nil
}

func (p *Processor) queueEvaluation(ctx context.Context, job *database.BatchInferenceJob) error {
	eval := database.Evaluation{
		Id:           uuid.New(),
		BatchJobId:   job.Id,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&eval).Error; err != nil {
		return fmt.Errorf("failed to create evaluation for batch job %s: %w", job.Id, err)
	}

	if err := p.publisher.PublishEvaluationTask(ctx, models.EvaluationPayload{
		EvaluationId: eval.Id,
		BatchJobId:   job.Id,
	}); err != nil {
		database.SaveJobError(ctx, p.db, eval.Id, err.Error())
		if dbErr := database.UpdateEvaluationStatus(ctx, p.db, eval.Id, database.JobFailed); dbErr != nil {
			slog.Error("failed to mark evaluation as failed", "evaluation_id", eval.Id, "error", dbErr)
		}
		return fmt.Errorf("failed to queue evaluation task: %w", err)
	}

	slog.Info("queued evaluation for batch job", "job_id", job.Id, "evaluation_id", eval.Id)
	return nil
}
