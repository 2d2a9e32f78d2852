package sagemaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
)

const (
	RetryAttempts = 3
	RetryDelay    = 5 * time.Second

	DefaultPollInterval = 60 * time.Second
)

// Api covers the SageMaker calls used for Hugging Face training jobs.
type Api interface {
	CreateTrainingJob(ctx context.Context, params *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
	DescribeTrainingJob(ctx context.Context, params *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
}

type Client struct {
	api          Api
	pollInterval time.Duration
	retryDelay   time.Duration
}

func NewClient(ctx context.Context, region string) (*Client, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(ctx, aws_config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewFromApi(sagemaker.NewFromConfig(awsCfg), DefaultPollInterval), nil
}

func NewFromApi(api Api, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	// Keep retry pauses no longer than the poll interval.
	retryDelay := RetryDelay
	if pollInterval < retryDelay {
		retryDelay = pollInterval
	}
	return &Client{api: api, pollInterval: pollInterval, retryDelay: retryDelay}
}

// TrainingSpec describes a training job running a Hugging Face container.
// Channels map channel names (training, validation) to S3 prefixes exposed
// to the container under /opt/ml/input/data/<channel>.
type TrainingSpec struct {
	JobName       string
	RoleArn       string
	TrainingImage string
	InstanceType  string
	InstanceCount int32
	VolumeSizeGB  int32
	MaxRuntimeSec int32
	OutputPath    string
	Channels      map[string]string
	Hyperparams   map[string]string
	Environment   map[string]string
}

func (s *TrainingSpec) validate() error {
	if s.JobName == "" || s.RoleArn == "" || s.TrainingImage == "" {
		return fmt.Errorf("training spec requires job name, role arn, and training image")
	}
	if s.OutputPath == "" {
		return fmt.Errorf("training spec requires an output path")
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("training spec requires at least one input channel")
	}
	return nil
}

func (s *TrainingSpec) toInput() *sagemaker.CreateTrainingJobInput {
	channels := make([]types.Channel, 0, len(s.Channels))
	for name, uri := range s.Channels {
		channels = append(channels, types.Channel{
			ChannelName: aws.String(name),
			DataSource: &types.DataSource{
				S3DataSource: &types.S3DataSource{
					S3DataType:             types.S3DataTypeS3Prefix,
					S3Uri:                  aws.String(uri),
					S3DataDistributionType: types.S3DataDistributionFullyReplicated,
				},
			},
		})
	}

	return &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(s.JobName),
		RoleArn:         aws.String(s.RoleArn),
		AlgorithmSpecification: &types.AlgorithmSpecification{
			TrainingImage:     aws.String(s.TrainingImage),
			TrainingInputMode: types.TrainingInputModeFile,
		},
		HyperParameters: s.Hyperparams,
		Environment:     s.Environment,
		InputDataConfig: channels,
		OutputDataConfig: &types.OutputDataConfig{
			S3OutputPath: aws.String(s.OutputPath),
		},
		ResourceConfig: &types.ResourceConfig{
			InstanceType:   types.TrainingInstanceType(s.InstanceType),
			InstanceCount:  aws.Int32(s.InstanceCount),
			VolumeSizeInGB: aws.Int32(s.VolumeSizeGB),
		},
		StoppingCondition: &types.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int32(s.MaxRuntimeSec),
		},
	}
}

// SubmitTrainingJob creates a training job and returns its ARN. Submission
// is retried on transient failures.
func (c *Client) SubmitTrainingJob(ctx context.Context, spec TrainingSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	slog.Info("creating training job",
		"job_name", spec.JobName,
		"image", spec.TrainingImage,
		"instance_type", spec.InstanceType,
		"output", spec.OutputPath)

	var out *sagemaker.CreateTrainingJobOutput
	err := retry.Do(
		func() error {
			var err error
			out, err = c.api.CreateTrainingJob(ctx, spec.toInput())
			return err
		},
		retry.Attempts(RetryAttempts),
		retry.Delay(c.retryDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create training job %s: %w", spec.JobName, err)
	}

	slog.Info("training job created", "job_name", spec.JobName, "job_arn", aws.ToString(out.TrainingJobArn))
	return aws.ToString(out.TrainingJobArn), nil
}

// TrainingResult is the terminal state of a training job.
type TrainingResult struct {
	Status            types.TrainingJobStatus
	ModelArtifactsUri string
	FailureReason     string
}

func (r TrainingResult) Succeeded() bool {
	return r.Status == types.TrainingJobStatusCompleted
}

// PollTrainingJob polls the training job until it reaches a terminal status
// or the context is cancelled.
func (c *Client) PollTrainingJob(ctx context.Context, jobName string) (TrainingResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.api.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(jobName),
		})
		if err != nil {
			return TrainingResult{}, fmt.Errorf("failed to describe training job %s: %w", jobName, err)
		}

		slog.Info("training job status", "job_name", jobName, "status", out.TrainingJobStatus, "secondary", out.SecondaryStatus)

		switch out.TrainingJobStatus {
		case types.TrainingJobStatusCompleted:
			result := TrainingResult{Status: out.TrainingJobStatus}
			if out.ModelArtifacts != nil {
				result.ModelArtifactsUri = aws.ToString(out.ModelArtifacts.S3ModelArtifacts)
			}
			return result, nil
		case types.TrainingJobStatusFailed, types.TrainingJobStatusStopped:
			return TrainingResult{
				Status:        out.TrainingJobStatus,
				FailureReason: aws.ToString(out.FailureReason),
			}, nil
		}

		select {
		case <-ctx.Done():
			return TrainingResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
