package bedrock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// BatchSpec describes a batch inference (model invocation) job over a
// JSONL input file in S3.
type BatchSpec struct {
	JobName   string
	ModelId   string
	RoleArn   string
	InputUri  string
	OutputUri string
}

func (s *BatchSpec) validate() error {
	if s.JobName == "" || s.ModelId == "" || s.RoleArn == "" {
		return fmt.Errorf("batch spec requires job name, model id, and role arn")
	}
	if s.InputUri == "" || s.OutputUri == "" {
		return fmt.Errorf("batch spec requires input and output URIs")
	}
	return nil
}

// JobIdFromArn extracts the short job id, the last segment of the ARN
// (arn:aws:bedrock:region:account:model-invocation-job/j45wouwjfza7).
func JobIdFromArn(jobArn string) string {
	if idx := strings.LastIndex(jobArn, "/"); idx >= 0 {
		return jobArn[idx+1:]
	}
	return jobArn
}

// SubmitBatchJob creates a model invocation job and returns its ARN.
func (c *Client) SubmitBatchJob(ctx context.Context, spec BatchSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	slog.Info("creating batch inference job",
		"job_name", spec.JobName,
		"model_id", spec.ModelId,
		"input", spec.InputUri,
		"output", spec.OutputUri)

	input := &bedrock.CreateModelInvocationJobInput{
		JobName: aws.String(spec.JobName),
		ModelId: aws.String(spec.ModelId),
		RoleArn: aws.String(spec.RoleArn),
		InputDataConfig: &types.ModelInvocationJobInputDataConfigMemberS3InputDataConfig{
			Value: types.ModelInvocationJobS3InputDataConfig{S3Uri: aws.String(spec.InputUri)},
		},
		OutputDataConfig: &types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: types.ModelInvocationJobS3OutputDataConfig{S3Uri: aws.String(spec.OutputUri)},
		},
	}

	var out *bedrock.CreateModelInvocationJobOutput
	err := retry.Do(
		func() error {
			var err error
			out, err = c.api.CreateModelInvocationJob(ctx, input)
			return err
		},
		retry.Attempts(RetryAttempts),
		retry.Delay(c.retryDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create batch inference job %s: %w", spec.JobName, err)
	}

	slog.Info("batch inference job created", "job_name", spec.JobName, "job_arn", str(out.JobArn), "job_id", JobIdFromArn(str(out.JobArn)))
	return str(out.JobArn), nil
}

// BatchResult is the terminal state of a model invocation job.
type BatchResult struct {
	Status         types.ModelInvocationJobStatus
	OutputUri      string
	FailureMessage string
}

func (r BatchResult) Succeeded() bool {
	return r.Status == types.ModelInvocationJobStatusCompleted
}

// PollBatchJob polls the invocation job until it reaches a terminal status
// or the context is cancelled.
func (c *Client) PollBatchJob(ctx context.Context, jobArn string) (BatchResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.api.GetModelInvocationJob(ctx, &bedrock.GetModelInvocationJobInput{
			JobIdentifier: aws.String(jobArn),
		})
		if err != nil {
			return BatchResult{}, fmt.Errorf("failed to describe batch inference job %s: %w", jobArn, err)
		}

		slog.Info("batch inference job status", "job_arn", jobArn, "status", out.Status)

		switch out.Status {
		case types.ModelInvocationJobStatusCompleted, types.ModelInvocationJobStatusPartiallyCompleted:
			result := BatchResult{Status: out.Status}
			if cfg, ok := out.OutputDataConfig.(*types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig); ok {
				result.OutputUri = str(cfg.Value.S3Uri)
			}
			return result, nil
		case types.ModelInvocationJobStatusFailed,
			types.ModelInvocationJobStatusStopped,
			types.ModelInvocationJobStatusExpired:
			return BatchResult{
				Status:         out.Status,
				FailureMessage: str(out.Message),
			}, nil
		}

		select {
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
