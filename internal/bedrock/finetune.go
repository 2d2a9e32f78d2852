package bedrock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// FinetuneSpec assembles everything a model customization job needs. All
// S3 URIs must live in a bucket the role ARN can read and write.
type FinetuneSpec struct {
	JobName           string
	CustomModelName   string
	BaseModelId       string
	RoleArn           string
	TrainingDataUri   string
	ValidationDataUri string
	OutputDataUri     string
	Hyperparameters   map[string]string
}

func (s *FinetuneSpec) validate() error {
	if s.JobName == "" || s.BaseModelId == "" || s.RoleArn == "" {
		return fmt.Errorf("finetune spec requires job name, base model id, and role arn")
	}
	if s.TrainingDataUri == "" || s.OutputDataUri == "" {
		return fmt.Errorf("finetune spec requires training data and output URIs")
	}
	return nil
}

func (s *FinetuneSpec) toInput() *bedrock.CreateModelCustomizationJobInput {
	input := &bedrock.CreateModelCustomizationJobInput{
		JobName:             aws.String(s.JobName),
		CustomModelName:     aws.String(s.CustomModelName),
		RoleArn:             aws.String(s.RoleArn),
		BaseModelIdentifier: aws.String(s.BaseModelId),
		CustomizationType:   types.CustomizationTypeFineTuning,
		HyperParameters:     s.Hyperparameters,
		TrainingDataConfig:  &types.TrainingDataConfig{S3Uri: aws.String(s.TrainingDataUri)},
		OutputDataConfig:    &types.OutputDataConfig{S3Uri: aws.String(s.OutputDataUri)},
	}

	if s.ValidationDataUri != "" {
		input.ValidationDataConfig = &types.ValidationDataConfig{
			Validators: []types.Validator{{S3Uri: aws.String(s.ValidationDataUri)}},
		}
	}

	return input
}

// SubmitFinetuneJob creates a model customization job and returns its ARN.
// Submission is retried on transient failures.
func (c *Client) SubmitFinetuneJob(ctx context.Context, spec FinetuneSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	slog.Info("creating fine-tuning job",
		"job_name", spec.JobName,
		"base_model", spec.BaseModelId,
		"training_data", spec.TrainingDataUri,
		"output", spec.OutputDataUri)

	var out *bedrock.CreateModelCustomizationJobOutput
	err := retry.Do(
		func() error {
			var err error
			out, err = c.api.CreateModelCustomizationJob(ctx, spec.toInput())
			return err
		},
		retry.Attempts(RetryAttempts),
		retry.Delay(c.retryDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create fine-tuning job %s: %w", spec.JobName, err)
	}

	slog.Info("fine-tuning job created", "job_name", spec.JobName, "job_arn", str(out.JobArn))
	return str(out.JobArn), nil
}

// FinetuneResult is the terminal state of a customization job.
type FinetuneResult struct {
	Status         types.ModelCustomizationJobStatus
	OutputModelArn string
	FailureMessage string
}

func (r FinetuneResult) Succeeded() bool {
	return r.Status == types.ModelCustomizationJobStatusCompleted
}

// PollFinetuneJob polls the customization job until it reaches a terminal
// status or the context is cancelled.
func (c *Client) PollFinetuneJob(ctx context.Context, jobArn string) (FinetuneResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.api.GetModelCustomizationJob(ctx, &bedrock.GetModelCustomizationJobInput{
			JobIdentifier: aws.String(jobArn),
		})
		if err != nil {
			return FinetuneResult{}, fmt.Errorf("failed to describe fine-tuning job %s: %w", jobArn, err)
		}

		slog.Info("fine-tuning job status", "job_arn", jobArn, "status", out.Status)

		switch out.Status {
		case types.ModelCustomizationJobStatusCompleted:
			return FinetuneResult{
				Status:         out.Status,
				OutputModelArn: str(out.OutputModelArn),
			}, nil
		case types.ModelCustomizationJobStatusFailed, types.ModelCustomizationJobStatusStopped:
			return FinetuneResult{
				Status:         out.Status,
				FailureMessage: str(out.FailureMessage),
			}, nil
		}

		select {
		case <-ctx.Done():
			return FinetuneResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
