package integrationtests

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awssagemaker "github.com/aws/aws-sdk-go-v2/service/sagemaker"
	sagemakertypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuning-backend/internal/api"
	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/messaging"
	"tuning-backend/internal/pipeline"
	"tuning-backend/internal/sagemaker"
	"tuning-backend/pkg/models"
)

const (
	rawBucket = "raw-data"

	customizationJobArn = "arn:aws:bedrock:us-east-1:123456789012:model-customization-job/ft123"
	tunedModelArn       = "arn:aws:bedrock:us-east-1:123456789012:custom-model/ft123-model"
	invocationJobArn    = "arn:aws:bedrock:us-east-1:123456789012:model-invocation-job/batch42"
)

type fakeBedrockApi struct{}

func (f *fakeBedrockApi) CreateModelCustomizationJob(ctx context.Context, params *awsbedrock.CreateModelCustomizationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelCustomizationJobOutput, error) {
	return &awsbedrock.CreateModelCustomizationJobOutput{JobArn: aws.String(customizationJobArn)}, nil
}

func (f *fakeBedrockApi) GetModelCustomizationJob(ctx context.Context, params *awsbedrock.GetModelCustomizationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelCustomizationJobOutput, error) {
	return &awsbedrock.GetModelCustomizationJobOutput{
		Status:         bedrocktypes.ModelCustomizationJobStatusCompleted,
		OutputModelArn: aws.String(tunedModelArn),
	}, nil
}

func (f *fakeBedrockApi) ListFoundationModels(ctx context.Context, params *awsbedrock.ListFoundationModelsInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.ListFoundationModelsOutput, error) {
	return &awsbedrock.ListFoundationModelsOutput{}, nil
}

func (f *fakeBedrockApi) CreateModelInvocationJob(ctx context.Context, params *awsbedrock.CreateModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelInvocationJobOutput, error) {
	return &awsbedrock.CreateModelInvocationJobOutput{JobArn: aws.String(invocationJobArn)}, nil
}

func (f *fakeBedrockApi) GetModelInvocationJob(ctx context.Context, params *awsbedrock.GetModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelInvocationJobOutput, error) {
	return &awsbedrock.GetModelInvocationJobOutput{
		Status: bedrocktypes.ModelInvocationJobStatusCompleted,
		OutputDataConfig: &bedrocktypes.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: bedrocktypes.ModelInvocationJobS3OutputDataConfig{S3Uri: aws.String("s3://" + tuningBucket + "/batch-outputs/")},
		},
	}, nil
}

type fakeSageMakerApi struct{}

func (f *fakeSageMakerApi) CreateTrainingJob(ctx context.Context, params *awssagemaker.CreateTrainingJobInput, optFns ...func(*awssagemaker.Options)) (*awssagemaker.CreateTrainingJobOutput, error) {
	return &awssagemaker.CreateTrainingJobOutput{TrainingJobArn: aws.String("arn:aws:sagemaker:us-east-1:123456789012:training-job/hf123")}, nil
}

func (f *fakeSageMakerApi) DescribeTrainingJob(ctx context.Context, params *awssagemaker.DescribeTrainingJobInput, optFns ...func(*awssagemaker.Options)) (*awssagemaker.DescribeTrainingJobOutput, error) {
	return &awssagemaker.DescribeTrainingJobOutput{
		TrainingJobStatus: sagemakertypes.TrainingJobStatusCompleted,
		ModelArtifacts:    &sagemakertypes.ModelArtifacts{S3ModelArtifacts: aws.String("s3://" + tuningBucket + "/sagemaker/hf123/output/model.tar.gz")},
	}, nil
}

type fakeRuntimeApi struct{}

func (f *fakeRuntimeApi) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	body, _ := json.Marshal(map[string]any{"generation": " ok", "stop_reason": "stop"})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func workflowConfig() *config.Pipeline {
	cfg := &config.Pipeline{
		TaskInstruction:        "Summarize the following dialogue.",
		BedrockBucket:          tuningBucket,
		BedrockDataDir:         "llm-tuning-data",
		BedrockBatchOutputsDir: "batch-outputs",
		BedrockModelsDir:       "bedrock-models",
		BedrockModelId:         "meta.llama3-2-1b-instruct-v1:0",
		NumEpochs:              1,
		BatchSize:              4,
		LearningRate:           0.0002,
		MaxGenLen:              128,
		Temperature:            0.7,
		TopP:                   0.9,
	}
	cfg.Dataset.FieldMap.Input = "dialogue"
	cfg.Dataset.FieldMap.Output = "summary"
	cfg.SageMaker.HFModelId = "meta-llama/Llama-3.2-1B-Instruct"
	return cfg
}

const rawSplit = `{"dialogue": "Amanda: I baked cookies. Do you want some?\nJerry: Sure!", "summary": "Amanda baked cookies and will bring Jerry some."}
{"dialogue": "Rob: I am stuck in traffic.\nLiz: Ok, see you later.", "summary": "Rob is stuck in traffic."}
`

const batchOutput = `{"recordId": "1", "modelOutput": {"generation": " Amanda baked cookies and will bring Jerry some."}}
{"recordId": "2", "modelOutput": {"generation": " Rob is stuck in traffic."}}
`

func TestTuningWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)
	s3Client := newS3Client(t, endpoint)
	db := createDB(t)
	cfg := workflowConfig()

	require.NoError(t, s3Client.CreateBucket(ctx, rawBucket))
	for _, split := range []string{"training", "validation", "test"} {
		_, err := s3Client.UploadObject(ctx, rawBucket, "samsum/"+split+".jsonl", strings.NewReader(rawSplit))
		require.NoError(t, err)
	}

	queue := messaging.NewInMemoryQueue()
	bedrockClient := bedrock.NewFromApi(&fakeBedrockApi{}, time.Millisecond)
	sagemakerClient := sagemaker.NewFromApi(&fakeSageMakerApi{}, time.Millisecond)

	processor := pipeline.NewProcessor(db, s3Client, bedrockClient, sagemakerClient, queue, queue, cfg, pipeline.Roles{
		BedrockRoleArn:   "arn:aws:iam::123456789012:role/bedrock-tuning",
		SageMakerRoleArn: "arn:aws:iam::123456789012:role/sagemaker-tuning",
	})
	go processor.Run(ctx)

	service := api.NewBackendService(db, queue, bedrockClient, bedrock.NewRuntimeFromApi(&fakeRuntimeApi{}), cfg)
	router := chi.NewRouter()
	service.AddRoutes(router)

	// Dataset preparation
	var prepareResp models.PrepareDataResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/datasets", models.PrepareDataRequest{SourceS3Path: "s3://raw-data/samsum"}, &prepareResp))

	waitForTerminalStatus(t, func() string {
		var job database.DatasetJob
		require.NoError(t, db.First(&job, "id = ?", prepareResp.JobId).Error)
		return job.Status
	})

	var datasetJob database.DatasetJob
	require.NoError(t, db.First(&datasetJob, "id = ?", prepareResp.JobId).Error)
	require.Equal(t, database.JobCompleted, datasetJob.Status)
	assert.Equal(t, 2, datasetJob.TrainingRecords)
	assert.Equal(t, 2, datasetJob.ValidationRecords)
	require.True(t, datasetJob.BatchInputUri.Valid)

	formatted, err := s3Client.DownloadObject(ctx, tuningBucket, "llm-tuning-data/training.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(formatted), "Amanda baked cookies")

	// Fine-tuning
	var finetuneResp models.FinetuneResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/finetune", models.FinetuneRequest{JobName: "llama-samsum"}, &finetuneResp))

	waitForTerminalStatus(t, func() string {
		var job database.TuningJob
		require.NoError(t, db.First(&job, "id = ?", finetuneResp.JobId).Error)
		return job.Status
	})

	var tuningJob database.TuningJob
	require.NoError(t, db.First(&tuningJob, "id = ?", finetuneResp.JobId).Error)
	require.Equal(t, database.JobCompleted, tuningJob.Status)
	assert.Equal(t, customizationJobArn, tuningJob.JobArn.String)
	assert.Equal(t, tunedModelArn, tuningJob.OutputModelArn.String)

	// Batch inference output would be written by the service; seed it so the
	// evaluation step has predictions to score.
	_, err = s3Client.UploadObject(ctx, tuningBucket, "batch-outputs/batch42/validation-batch.jsonl.out", strings.NewReader(batchOutput))
	require.NoError(t, err)

	var batchResp models.BatchInferenceResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/batch-inference", models.BatchInferenceRequest{Evaluate: true}, &batchResp))

	waitForTerminalStatus(t, func() string {
		var job database.BatchInferenceJob
		require.NoError(t, db.First(&job, "id = ?", batchResp.JobId).Error)
		return job.Status
	})

	var batchJob database.BatchInferenceJob
	require.NoError(t, db.First(&batchJob, "id = ?", batchResp.JobId).Error)
	require.Equal(t, database.JobCompleted, batchJob.Status)
	assert.Equal(t, invocationJobArn, batchJob.JobArn.String)

	// Evaluation is queued automatically when evaluate=true.
	var eval database.Evaluation
	require.Eventually(t, func() bool {
		if err := db.First(&eval, "batch_job_id = ?", batchJob.Id).Error; err != nil {
			return false
		}
		return eval.Status == database.JobCompleted || eval.Status == database.JobFailed
	}, time.Minute, 100*time.Millisecond)
	require.Equal(t, database.JobCompleted, eval.Status)

	assert.Equal(t, 2, eval.RecordCount)
	require.True(t, eval.ReportUri.Valid)
	assert.Equal(t, "s3://tuning-data/batch-outputs/batch42/evaluation.json", eval.ReportUri.String)

	var metrics map[string]float64
	require.NoError(t, json.Unmarshal(eval.Metrics, &metrics))
	assert.InDelta(t, 1.0, metrics["rouge1"], 1e-6)

	report, err := s3Client.DownloadObject(ctx, tuningBucket, "batch-outputs/batch42/evaluation.json")
	require.NoError(t, err)
	assert.Contains(t, string(report), "mean_scores")

	var evalResp database.Evaluation
	require.NoError(t, httpRequest(router, http.MethodGet, "/evaluations/"+eval.Id.String(), nil, &evalResp))
	require.NotNil(t, evalResp.BatchJob)
	assert.Equal(t, batchJob.Id, evalResp.BatchJob.Id)
}

func TestTuningWorkflowSageMakerBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := setupMinioContainer(t, ctx)
	s3Client := newS3Client(t, endpoint)
	db := createDB(t)
	cfg := workflowConfig()

	require.NoError(t, s3Client.CreateBucket(ctx, rawBucket))
	for _, split := range []string{"training", "validation", "test"} {
		_, err := s3Client.UploadObject(ctx, rawBucket, "samsum/"+split+".jsonl", strings.NewReader(rawSplit))
		require.NoError(t, err)
	}

	queue := messaging.NewInMemoryQueue()
	processor := pipeline.NewProcessor(
		db,
		s3Client,
		bedrock.NewFromApi(&fakeBedrockApi{}, time.Millisecond),
		sagemaker.NewFromApi(&fakeSageMakerApi{}, time.Millisecond),
		queue, queue, cfg,
		pipeline.Roles{
			BedrockRoleArn:   "arn:aws:iam::123456789012:role/bedrock-tuning",
			SageMakerRoleArn: "arn:aws:iam::123456789012:role/sagemaker-tuning",
			HuggingFaceToken: "hf_test",
		},
	)
	go processor.Run(ctx)

	datasetJob := database.DatasetJob{
		Id:           uuid.New(),
		SourceS3Path: "s3://raw-data/samsum",
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&datasetJob).Error)
	require.NoError(t, queue.PublishPrepareDataTask(ctx, models.PrepareDataPayload{JobId: datasetJob.Id}))

	waitForTerminalStatus(t, func() string {
		var job database.DatasetJob
		require.NoError(t, db.First(&job, "id = ?", datasetJob.Id).Error)
		return job.Status
	})

	tuningJob := database.TuningJob{
		Id:           uuid.New(),
		JobName:      "llama-samsum-hf",
		Backend:      database.BackendSageMaker,
		BaseModelId:  cfg.SageMaker.HFModelId,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&tuningJob).Error)
	require.NoError(t, queue.PublishFinetuneTask(ctx, models.FinetunePayload{JobId: tuningJob.Id}))

	waitForTerminalStatus(t, func() string {
		var job database.TuningJob
		require.NoError(t, db.First(&job, "id = ?", tuningJob.Id).Error)
		return job.Status
	})

	var job database.TuningJob
	require.NoError(t, db.First(&job, "id = ?", tuningJob.Id).Error)
	require.Equal(t, database.JobCompleted, job.Status)
	assert.Contains(t, job.OutputModelUri.String, "model.tar.gz")
}

func waitForTerminalStatus(t *testing.T, status func() string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := status()
		return s == database.JobCompleted || s == database.JobFailed
	}, time.Minute, 100*time.Millisecond)
}
