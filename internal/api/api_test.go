package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	backend "tuning-backend/internal/api"
	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/messaging"
	"tuning-backend/pkg/models"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type mockBedrockApi struct{}

func (m *mockBedrockApi) CreateModelCustomizationJob(ctx context.Context, params *awsbedrock.CreateModelCustomizationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelCustomizationJobOutput, error) {
	return &awsbedrock.CreateModelCustomizationJobOutput{}, nil
}

func (m *mockBedrockApi) GetModelCustomizationJob(ctx context.Context, params *awsbedrock.GetModelCustomizationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelCustomizationJobOutput, error) {
	return &awsbedrock.GetModelCustomizationJobOutput{}, nil
}

func (m *mockBedrockApi) ListFoundationModels(ctx context.Context, params *awsbedrock.ListFoundationModelsInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.ListFoundationModelsOutput, error) {
	return &awsbedrock.ListFoundationModelsOutput{
		ModelSummaries: []bedrocktypes.FoundationModelSummary{
			{
				ModelId:                 aws.String("meta.llama3-2-1b-instruct-v1:0"),
				ModelName:               aws.String("Llama 3.2 1B Instruct"),
				CustomizationsSupported: []bedrocktypes.ModelCustomization{bedrocktypes.ModelCustomizationFineTuning},
			},
		},
	}, nil
}

func (m *mockBedrockApi) CreateModelInvocationJob(ctx context.Context, params *awsbedrock.CreateModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelInvocationJobOutput, error) {
	return &awsbedrock.CreateModelInvocationJobOutput{}, nil
}

func (m *mockBedrockApi) GetModelInvocationJob(ctx context.Context, params *awsbedrock.GetModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelInvocationJobOutput, error) {
	return &awsbedrock.GetModelInvocationJobOutput{}, nil
}

type mockRuntime struct{}

func (m *mockRuntime) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	body, _ := json.Marshal(map[string]any{"generation": " Amanda baked cookies.", "stop_reason": "stop"})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func testConfig() *config.Pipeline {
	cfg := &config.Pipeline{
		TaskInstruction:        "Summarize the following dialogue.",
		BedrockBucket:          "tuning-bucket",
		BedrockDataDir:         "llm-tuning-data",
		BedrockBatchOutputsDir: "batch-outputs",
		BedrockModelsDir:       "bedrock-models",
		BedrockModelId:         "meta.llama3-2-1b-instruct-v1:0",
		MaxGenLen:              128,
		Temperature:            0.7,
		TopP:                   0.9,
	}
	cfg.Dataset.FieldMap.Input = "dialogue"
	cfg.Dataset.FieldMap.Output = "summary"
	cfg.SageMaker.HFModelId = "meta-llama/Llama-3.2-1B-Instruct"
	cfg.SageMaker.BaseJobName = "llama-tuning"
	return cfg
}

func setupRouter(t *testing.T, create ...any) (chi.Router, *gorm.DB, *messaging.InMemoryQueue) {
	db := createDB(t, create...)
	queue := messaging.NewInMemoryQueue()

	service := backend.NewBackendService(
		db,
		queue,
		bedrock.NewFromApi(&mockBedrockApi{}, time.Millisecond),
		bedrock.NewRuntimeFromApi(&mockRuntime{}),
		testConfig(),
	)
	router := chi.NewRouter()
	service.AddRoutes(router)
	return router, db, queue
}

func postJson(t *testing.T, router chi.Router, path string, payload any) *httptest.ResponseRecorder {
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func completedDatasetJob() *database.DatasetJob {
	return &database.DatasetJob{
		Id:            uuid.New(),
		SourceS3Path:  "s3://raw-bucket/samsum",
		BatchInputUri: sql.NullString{String: "s3://tuning-bucket/llm-tuning-data/validation-batch.jsonl", Valid: true},
		Status:        database.JobCompleted,
		CreationTime:  time.Now().UTC(),
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitPrepareData(t *testing.T) {
	router, db, queue := setupRouter(t)

	rec := postJson(t, router, "/datasets", models.PrepareDataRequest{SourceS3Path: "s3://raw-bucket/samsum/"})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.PrepareDataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var job database.DatasetJob
	require.NoError(t, db.First(&job, "id = ?", response.JobId).Error)
	assert.Equal(t, database.JobQueued, job.Status)
	assert.Equal(t, "s3://raw-bucket/samsum", job.SourceS3Path)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.PrepareDataQueue, task.Type())
}

func TestSubmitPrepareDataInvalidPath(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := postJson(t, router, "/datasets", models.PrepareDataRequest{SourceS3Path: "/local/path"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFinetuneRequiresPreparedDataset(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitFinetuneDefaults(t *testing.T) {
	router, db, queue := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.FinetuneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var job database.TuningJob
	require.NoError(t, db.First(&job, "id = ?", response.JobId).Error)
	assert.Equal(t, database.BackendBedrock, job.Backend)
	assert.Equal(t, "meta.llama3-2-1b-instruct-v1:0", job.BaseModelId)
	assert.Equal(t, database.JobQueued, job.Status)
	assert.NotEmpty(t, job.JobName)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.FinetuneQueue, task.Type())
}

func TestSubmitFinetuneSageMakerBackend(t *testing.T) {
	router, db, _ := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{JobName: "llama-samsum-1", Backend: database.BackendSageMaker})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.FinetuneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var job database.TuningJob
	require.NoError(t, db.First(&job, "id = ?", response.JobId).Error)
	assert.Equal(t, database.BackendSageMaker, job.Backend)
	assert.Equal(t, "meta-llama/Llama-3.2-1B-Instruct", job.BaseModelId)
}

func TestSubmitFinetuneSageMakerDefaultJobName(t *testing.T) {
	router, db, _ := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{Backend: database.BackendSageMaker})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.FinetuneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var job database.TuningJob
	require.NoError(t, db.First(&job, "id = ?", response.JobId).Error)
	assert.True(t, strings.HasPrefix(job.JobName, "llama-tuning-"))
}

func TestSubmitFinetuneInvalidBackend(t *testing.T) {
	router, _, _ := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{Backend: "azure"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFinetuneInvalidJobName(t *testing.T) {
	router, _, _ := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/finetune", models.FinetuneRequest{JobName: "bad name!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTuningJobsStatusFilter(t *testing.T) {
	router, _, _ := setupRouter(t,
		&database.TuningJob{Id: uuid.New(), JobName: "a", Backend: database.BackendBedrock, BaseModelId: "m", Status: database.JobCompleted, CreationTime: time.Now().UTC()},
		&database.TuningJob{Id: uuid.New(), JobName: "b", Backend: database.BackendBedrock, BaseModelId: "m", Status: database.JobFailed, CreationTime: time.Now().UTC()},
	)

	req := httptest.NewRequest(http.MethodGet, "/finetune?status=completed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []database.TuningJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].JobName)
}

func TestSubmitBatchInferenceDefaults(t *testing.T) {
	router, db, queue := setupRouter(t, completedDatasetJob())

	rec := postJson(t, router, "/batch-inference", models.BatchInferenceRequest{Evaluate: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.BatchInferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var job database.BatchInferenceJob
	require.NoError(t, db.First(&job, "id = ?", response.JobId).Error)
	assert.Equal(t, "meta.llama3-2-1b-instruct-v1:0", job.ModelId)
	assert.Equal(t, "s3://tuning-bucket/llm-tuning-data/validation-batch.jsonl", job.InputUri)
	assert.Equal(t, "s3://tuning-bucket/batch-outputs/", job.OutputUri)
	assert.Equal(t, "s3://raw-bucket/samsum/validation.jsonl", job.ReferencesUri)
	assert.True(t, job.Evaluate)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.BatchInferenceQueue, task.Type())
}

func TestSubmitEvaluation(t *testing.T) {
	batchJob := &database.BatchInferenceJob{
		Id:            uuid.New(),
		JobName:       "batch-inference",
		ModelId:       "meta.llama3-2-1b-instruct-v1:0",
		InputUri:      "s3://tuning-bucket/llm-tuning-data/validation-batch.jsonl",
		OutputUri:     "s3://tuning-bucket/batch-outputs/",
		ReferencesUri: "s3://raw-bucket/samsum/validation.jsonl",
		Status:        database.JobCompleted,
		CreationTime:  time.Now().UTC(),
	}
	router, db, queue := setupRouter(t, batchJob)

	rec := postJson(t, router, "/evaluations", models.EvaluationRequest{BatchJobId: batchJob.Id})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.EvaluationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var eval database.Evaluation
	require.NoError(t, db.First(&eval, "id = ?", response.EvaluationId).Error)
	assert.Equal(t, database.JobQueued, eval.Status)
	assert.Equal(t, batchJob.Id, eval.BatchJobId)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.EvaluationQueue, task.Type())
}

func TestSubmitEvaluationJobNotCompleted(t *testing.T) {
	batchJob := &database.BatchInferenceJob{
		Id:           uuid.New(),
		JobName:      "batch-inference",
		ModelId:      "m",
		InputUri:     "s3://b/in.jsonl",
		OutputUri:    "s3://b/out/",
		Status:       database.JobRunning,
		CreationTime: time.Now().UTC(),
	}
	router, _, _ := setupRouter(t, batchJob)

	rec := postJson(t, router, "/evaluations", models.EvaluationRequest{BatchJobId: batchJob.Id})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetDatasetJobNotFound(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/datasets/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListModels(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response []models.FoundationModel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.ElementsMatch(t, []models.FoundationModel{
		{ModelId: "meta.llama3-2-1b-instruct-v1:0", ModelName: "Llama 3.2 1B Instruct"},
	}, response)
}

func TestInvokeWithDialogue(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := postJson(t, router, "/inference", models.InvokeRequest{Dialogue: "Amanda: I baked cookies."})
	require.Equal(t, http.StatusOK, rec.Code)

	var response models.InvokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "meta.llama3-2-1b-instruct-v1:0", response.ModelId)
	assert.Equal(t, "Amanda baked cookies.", response.Generation)
}

func TestInvokeMissingInput(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := postJson(t, router, "/inference", models.InvokeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
