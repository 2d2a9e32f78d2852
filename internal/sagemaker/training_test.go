package sagemaker

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssagemaker "github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApi struct {
	createInput *awssagemaker.CreateTrainingJobInput

	statuses      []types.TrainingJobStatus
	describeCalls int
}

func (m *mockApi) CreateTrainingJob(ctx context.Context, params *awssagemaker.CreateTrainingJobInput, optFns ...func(*awssagemaker.Options)) (*awssagemaker.CreateTrainingJobOutput, error) {
	m.createInput = params
	return &awssagemaker.CreateTrainingJobOutput{
		TrainingJobArn: aws.String("arn:aws:sagemaker:us-east-1:123456789012:training-job/llama-samsum"),
	}, nil
}

func (m *mockApi) DescribeTrainingJob(ctx context.Context, params *awssagemaker.DescribeTrainingJobInput, optFns ...func(*awssagemaker.Options)) (*awssagemaker.DescribeTrainingJobOutput, error) {
	status := m.statuses[min(m.describeCalls, len(m.statuses)-1)]
	m.describeCalls++

	out := &awssagemaker.DescribeTrainingJobOutput{TrainingJobStatus: status}
	if status == types.TrainingJobStatusCompleted {
		out.ModelArtifacts = &types.ModelArtifacts{
			S3ModelArtifacts: aws.String("s3://bucket/sagemaker/llama-samsum/output/model.tar.gz"),
		}
	}
	if status == types.TrainingJobStatusFailed {
		out.FailureReason = aws.String("AlgorithmError: CUDA out of memory")
	}
	return out, nil
}

func testSpec() TrainingSpec {
	return TrainingSpec{
		JobName:       "llama-samsum-20260825-120000",
		RoleArn:       "arn:aws:iam::123456789012:role/SageMakerTrainingRole",
		TrainingImage: "763104351884.dkr.ecr.us-east-1.amazonaws.com/huggingface-pytorch-training:2.1.0-transformers4.36.0-gpu-py310-cu121-ubuntu20.04",
		InstanceType:  "ml.g5.2xlarge",
		InstanceCount: 1,
		VolumeSizeGB:  64,
		MaxRuntimeSec: 7200,
		OutputPath:    "s3://bucket/sagemaker/",
		Channels: map[string]string{
			"training":   "s3://bucket/llm-tuning-data/training.jsonl",
			"validation": "s3://bucket/llm-tuning-data/validation.jsonl",
		},
		Hyperparams: map[string]string{"epochs": "1", "per_device_train_batch_size": "4"},
		Environment: map[string]string{"HF_MODEL_ID": "meta-llama/Llama-3.2-1B-Instruct"},
	}
}

func TestSubmitTrainingJob(t *testing.T) {
	api := &mockApi{}
	client := NewFromApi(api, time.Millisecond)

	arn, err := client.SubmitTrainingJob(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:sagemaker:us-east-1:123456789012:training-job/llama-samsum", arn)

	input := api.createInput
	require.NotNil(t, input)
	assert.Equal(t, "llama-samsum-20260825-120000", aws.ToString(input.TrainingJobName))
	assert.Equal(t, types.TrainingInputModeFile, input.AlgorithmSpecification.TrainingInputMode)
	assert.Equal(t, types.TrainingInstanceType("ml.g5.2xlarge"), input.ResourceConfig.InstanceType)
	assert.Equal(t, int32(7200), aws.ToInt32(input.StoppingCondition.MaxRuntimeInSeconds))
	assert.Equal(t, "s3://bucket/sagemaker/", aws.ToString(input.OutputDataConfig.S3OutputPath))
	assert.Equal(t, "meta-llama/Llama-3.2-1B-Instruct", input.Environment["HF_MODEL_ID"])

	require.Len(t, input.InputDataConfig, 2)
	uris := map[string]string{}
	for _, ch := range input.InputDataConfig {
		src := ch.DataSource.S3DataSource
		assert.Equal(t, types.S3DataTypeS3Prefix, src.S3DataType)
		uris[aws.ToString(ch.ChannelName)] = aws.ToString(src.S3Uri)
	}
	assert.Equal(t, "s3://bucket/llm-tuning-data/training.jsonl", uris["training"])
	assert.Equal(t, "s3://bucket/llm-tuning-data/validation.jsonl", uris["validation"])
}

func TestSubmitTrainingJobRejectsIncompleteSpec(t *testing.T) {
	client := NewFromApi(&mockApi{}, time.Millisecond)

	spec := testSpec()
	spec.Channels = nil
	_, err := client.SubmitTrainingJob(context.Background(), spec)
	assert.Error(t, err)
}

func TestPollTrainingJobCompleted(t *testing.T) {
	api := &mockApi{statuses: []types.TrainingJobStatus{
		types.TrainingJobStatusInProgress,
		types.TrainingJobStatusInProgress,
		types.TrainingJobStatusCompleted,
	}}
	client := NewFromApi(api, time.Millisecond)

	result, err := client.PollTrainingJob(context.Background(), "llama-samsum-20260825-120000")
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "s3://bucket/sagemaker/llama-samsum/output/model.tar.gz", result.ModelArtifactsUri)
	assert.Equal(t, 3, api.describeCalls)
}

func TestPollTrainingJobFailed(t *testing.T) {
	api := &mockApi{statuses: []types.TrainingJobStatus{
		types.TrainingJobStatusFailed,
	}}
	client := NewFromApi(api, time.Millisecond)

	result, err := client.PollTrainingJob(context.Background(), "llama-samsum-20260825-120000")
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, "AlgorithmError: CUDA out of memory", result.FailureReason)
}
