package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/database"
	"tuning-backend/internal/dataset"
	"tuning-backend/internal/sagemaker"
	"tuning-backend/pkg/models"
)

// HandleFinetuneTask submits a fine-tuning job to the configured backend
// and blocks until it reaches a terminal state. The queue's prefetch of one
// keeps a worker instance on a single tuning job at a time.
func (p *Processor) HandleFinetuneTask(ctx context.Context, payload models.FinetunePayload) error {
	slog.Info("handling finetune task", "job_id", payload.JobId)

	var job database.TuningJob
	if err := p.db.WithContext(ctx).First(&job, "id = ?", payload.JobId).Error; err != nil {
		return fmt.Errorf("failed to load tuning job %s: %w", payload.JobId, err)
	}

	if err := database.UpdateTuningJobStatus(ctx, p.db, job.Id, database.JobRunning); err != nil {
		return err
	}

	var err error
	switch job.Backend {
	case database.BackendBedrock:
		err = p.finetuneBedrock(ctx, &job)
	case database.BackendSageMaker:
		err = p.finetuneSageMaker(ctx, &job)
	default:
		err = fmt.Errorf("unknown tuning backend %q", job.Backend)
	}

	if err != nil {
		database.SaveJobError(ctx, p.db, job.Id, err.Error())
		if dbErr := database.UpdateTuningJobStatus(ctx, p.db, job.Id, database.JobFailed); dbErr != nil {
			slog.Error("failed to mark tuning job as failed", "job_id", job.Id, "error", dbErr)
		}
		return err
	}

	return database.UpdateTuningJobStatus(ctx, p.db, job.Id, database.JobCompleted)
}

func (p *Processor) finetuneBedrock(ctx context.Context, job *database.TuningJob) error {
	spec := bedrock.FinetuneSpec{
		JobName:           job.JobName,
		CustomModelName:   job.JobName + "-model",
		BaseModelId:       job.BaseModelId,
		RoleArn:           p.roles.BedrockRoleArn,
		TrainingDataUri:   p.cfg.TuningDataUri(dataset.TrainingSplit),
		ValidationDataUri: p.cfg.TuningDataUri(dataset.ValidationSplit),
		OutputDataUri:     p.cfg.ModelOutputUri(job.JobName),
		Hyperparameters:   p.cfg.Hyperparameters(),
	}

	jobArn, err := p.bedrock.SubmitFinetuneJob(ctx, spec)
	if err != nil {
		return err
	}

	if err := p.db.WithContext(ctx).Model(&database.TuningJob{Id: job.Id}).
		Updates(map[string]any{"job_arn": jobArn, "training_data_uri": spec.TrainingDataUri, "output_data_uri": spec.OutputDataUri}).Error; err != nil {
		slog.Error("failed to save tuning job arn", "job_id", job.Id, "error", err)
	}

	result, err := p.bedrock.PollFinetuneJob(ctx, jobArn)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("fine-tuning job %s ended with status %s: %s", job.JobName, result.Status, result.FailureMessage)
	}

	if err := p.db.WithContext(ctx).Model(&database.TuningJob{Id: job.Id}).
		Updates(map[string]any{"output_model_arn": result.OutputModelArn}).Error; err != nil {
		slog.Error("failed to save output model arn", "job_id", job.Id, "error", err)
	}

	slog.Info("fine-tuning job completed", "job_id", job.Id, "output_model_arn", result.OutputModelArn)
	return nil
}

func (p *Processor) finetuneSageMaker(ctx context.Context, job *database.TuningJob) error {
	sm := p.cfg.SageMaker

	outputPath := sm.OutputPath
	if outputPath == "" {
		outputPath = fmt.Sprintf("s3://%s/sagemaker/", p.cfg.BedrockBucket)
	}

	environment := map[string]string{
		"HF_MODEL_ID": sm.HFModelId,
	}
	if p.roles.HuggingFaceToken != "" {
		environment["HF_TOKEN"] = p.roles.HuggingFaceToken
	}

	spec := sagemaker.TrainingSpec{
		JobName:       job.JobName,
		RoleArn:       p.roles.SageMakerRoleArn,
		TrainingImage: sm.TrainingImage,
		InstanceType:  sm.InstanceType,
		InstanceCount: int32(sm.InstanceCount),
		VolumeSizeGB:  int32(sm.VolumeSizeGB),
		MaxRuntimeSec: int32(sm.MaxRuntimeSec),
		OutputPath:    outputPath,
		Channels: map[string]string{
			"training":   p.cfg.TuningDataUri(dataset.TrainingSplit),
			"validation": p.cfg.TuningDataUri(dataset.ValidationSplit),
		},
		Hyperparams: map[string]string{
			"epochs":                      strconv.Itoa(p.cfg.NumEpochs),
			"per_device_train_batch_size": strconv.Itoa(p.cfg.BatchSize),
			"learning_rate":               strconv.FormatFloat(p.cfg.LearningRate, 'g', -1, 64),
		},
		Environment: environment,
	}

	jobArn, err := p.sagemaker.SubmitTrainingJob(ctx, spec)
	if err != nil {
		return err
	}

	if err := p.db.WithContext(ctx).Model(&database.TuningJob{Id: job.Id}).
		Updates(map[string]any{"job_arn": jobArn, "training_data_uri": spec.Channels["training"], "output_data_uri": outputPath}).Error; err != nil {
		slog.Error("failed to save tuning job arn", "job_id", job.Id, "error", err)
	}

	result, err := p.sagemaker.PollTrainingJob(ctx, job.JobName)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("training job %s ended with status %s: %s", job.JobName, result.Status, result.FailureReason)
	}

	if err := p.db.WithContext(ctx).Model(&database.TuningJob{Id: job.Id}).
		Updates(map[string]any{"output_model_uri": result.ModelArtifactsUri}).Error; err != nil {
		slog.Error("failed to save model artifacts uri", "job_id", job.Id, "error", err)
	}

	slog.Info("training job completed", "job_id", job.Id, "model_artifacts", result.ModelArtifactsUri)
	return nil
}
