package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/dataset"
	"tuning-backend/internal/messaging"
	"tuning-backend/pkg/models"
)

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	bedrock   *bedrock.Client
	runtime   *bedrock.RuntimeClient
	cfg       *config.Pipeline
}

func NewBackendService(db *gorm.DB, pub messaging.Publisher, bedrockClient *bedrock.Client, runtime *bedrock.RuntimeClient, cfg *config.Pipeline) *BackendService {
	return &BackendService{db: db, publisher: pub, bedrock: bedrockClient, runtime: runtime, cfg: cfg}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitPrepareData))
		r.Get("/", RestHandler(s.ListDatasetJobs))
		r.Get("/{job_id}", RestHandler(s.GetDatasetJob))
	})
	r.Route("/finetune", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitFinetune))
		r.Get("/", RestHandler(s.ListTuningJobs))
		r.Get("/{job_id}", RestHandler(s.GetTuningJob))
	})
	r.Route("/batch-inference", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitBatchInference))
		r.Get("/{job_id}", RestHandler(s.GetBatchInferenceJob))
	})
	r.Route("/evaluations", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitEvaluation))
		r.Get("/{evaluation_id}", RestHandler(s.GetEvaluation))
	})
	r.Get("/models", RestHandler(s.ListModels))
	r.Post("/inference", RestHandler(s.Invoke))
}

func jobName(base string) string {
	return fmt.Sprintf("%s-%s", base, time.Now().UTC().Format("20060102-150405"))
}

func (s *BackendService) SubmitPrepareData(r *http.Request) (any, error) {
	req, err := ParseRequest[models.PrepareDataRequest](r)
	if err != nil {
		return nil, err
	}

	if req.SourceS3Path == "" || !strings.HasPrefix(req.SourceS3Path, "s3://") {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid source_s3_path, source_s3_path is required and must start with s3://")
	}

	ctx := r.Context()

	job := database.DatasetJob{
		Id:           uuid.New(),
		SourceS3Path: strings.TrimSuffix(req.SourceS3Path, "/"),
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating dataset job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create dataset job entry")
	}

	if err := s.publisher.PublishPrepareDataTask(ctx, models.PrepareDataPayload{JobId: job.Id}); err != nil {
		slog.Error("error publishing prepare data task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue dataset preparation task")
	}

	slog.Info("submitted dataset preparation job", "job_id", job.Id, "source", job.SourceS3Path)
	return models.PrepareDataResponse{Message: "Dataset preparation job submitted", JobId: job.Id}, nil
}

type listJobsParams struct {
	Status string `schema:"status"`
}

func (s *BackendService) ListDatasetJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listJobsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Order("creation_time desc")
	if params.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(params.Status))
	}

	var jobs []database.DatasetJob
	if err := query.Find(&jobs).Error; err != nil {
		slog.Error("error listing dataset jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving dataset jobs")
	}
	return jobs, nil
}

func (s *BackendService) GetDatasetJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.DatasetJob
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "dataset job not found")
		}
		slog.Error("error getting dataset job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving dataset job record")
	}
	return job, nil
}

// latestPreparedDataset returns the most recent completed dataset job, the
// prerequisite for fine-tuning and batch inference.
func (s *BackendService) latestPreparedDataset(r *http.Request) (*database.DatasetJob, error) {
	var job database.DatasetJob
	err := s.db.WithContext(r.Context()).
		Where("status = ?", database.JobCompleted).
		Order("creation_time desc").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "no prepared dataset found: run dataset preparation first")
		}
		slog.Error("error finding prepared dataset", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving dataset jobs")
	}
	return &job, nil
}

func (s *BackendService) SubmitFinetune(r *http.Request) (any, error) {
	req, err := ParseRequest[models.FinetuneRequest](r)
	if err != nil {
		return nil, err
	}

	backend := req.Backend
	if backend == "" {
		backend = database.BackendBedrock
	}
	if backend != database.BackendBedrock && backend != database.BackendSageMaker {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid backend '%s': must be '%s' or '%s'", req.Backend, database.BackendBedrock, database.BackendSageMaker)
	}

	name := req.JobName
	if name == "" {
		base := "finetune"
		if backend == database.BackendSageMaker && s.cfg.SageMaker.BaseJobName != "" {
			base = s.cfg.SageMaker.BaseJobName
		}
		name = jobName(base)
	}
	if err := validateJobName(name); err != nil {
		return nil, err
	}

	baseModelId := req.BaseModelId
	if baseModelId == "" {
		if backend == database.BackendSageMaker {
			baseModelId = s.cfg.SageMaker.HFModelId
		} else {
			baseModelId = s.cfg.BedrockModelId
		}
	}

	if _, err := s.latestPreparedDataset(r); err != nil {
		return nil, err
	}

	ctx := r.Context()

	job := database.TuningJob{
		Id:           uuid.New(),
		JobName:      name,
		Backend:      backend,
		BaseModelId:  baseModelId,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating tuning job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create tuning job entry")
	}

	if err := s.publisher.PublishFinetuneTask(ctx, models.FinetunePayload{JobId: job.Id}); err != nil {
		slog.Error("error publishing finetune task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue fine-tuning task")
	}

	slog.Info("submitted fine-tuning job", "job_id", job.Id, "job_name", name, "backend", backend, "base_model", baseModelId)
	return models.FinetuneResponse{Message: "Fine-tuning job submitted", JobId: job.Id}, nil
}

func (s *BackendService) ListTuningJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listJobsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Order("creation_time desc")
	if params.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(params.Status))
	}

	var jobs []database.TuningJob
	if err := query.Find(&jobs).Error; err != nil {
		slog.Error("error listing tuning jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving tuning jobs")
	}
	return jobs, nil
}

func (s *BackendService) GetTuningJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.TuningJob
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "tuning job not found")
		}
		slog.Error("error getting tuning job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving tuning job record")
	}
	return job, nil
}

func (s *BackendService) SubmitBatchInference(r *http.Request) (any, error) {
	req, err := ParseRequest[models.BatchInferenceRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	modelId := req.ModelId
	if modelId == "" {
		modelId = s.cfg.BedrockModelId
	}

	inputUri := req.InputS3Uri
	referencesUri := req.ReferencesS3Uri
	if inputUri == "" || referencesUri == "" {
		prepared, err := s.latestPreparedDataset(r)
		if err != nil {
			return nil, err
		}
		if inputUri == "" {
			if !prepared.BatchInputUri.Valid {
				return nil, CodedErrorf(http.StatusUnprocessableEntity, "prepared dataset has no batch input file")
			}
			inputUri = prepared.BatchInputUri.String
		}
		if referencesUri == "" {
			referencesUri = prepared.SourceS3Path + "/" + dataset.ValidationSplit + ".jsonl"
		}
	}

	job := database.BatchInferenceJob{
		Id:            uuid.New(),
		JobName:       jobName("batch-inference"),
		ModelId:       modelId,
		InputUri:      inputUri,
		OutputUri:     s.cfg.BatchOutputUri(),
		ReferencesUri: referencesUri,
		Evaluate:      req.Evaluate,
		Status:        database.JobQueued,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating batch inference job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create batch inference job entry")
	}

	if err := s.publisher.PublishBatchInferenceTask(ctx, models.BatchInferencePayload{JobId: job.Id, Evaluate: req.Evaluate}); err != nil {
		slog.Error("error publishing batch inference task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue batch inference task")
	}

	slog.Info("submitted batch inference job", "job_id", job.Id, "model_id", modelId, "input", inputUri)
	return models.BatchInferenceResponse{Message: "Batch inference job submitted", JobId: job.Id}, nil
}

func (s *BackendService) GetBatchInferenceJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.BatchInferenceJob
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "batch inference job not found")
		}
		slog.Error("error getting batch inference job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving batch inference job record")
	}
	return job, nil
}

func (s *BackendService) SubmitEvaluation(r *http.Request) (any, error) {
	req, err := ParseRequest[models.EvaluationRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var batchJob database.BatchInferenceJob
	if err := s.db.WithContext(ctx).First(&batchJob, "id = ?", req.BatchJobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "batch inference job not found")
		}
		slog.Error("error getting batch inference job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving batch inference job record")
	}

	if batchJob.Status != database.JobCompleted {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "batch inference job is not ready for evaluation: job has status %s", batchJob.Status)
	}

	eval := database.Evaluation{
		Id:           uuid.New(),
		BatchJobId:   batchJob.Id,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&eval).Error; err != nil {
		slog.Error("error creating evaluation", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create evaluation entry")
	}

	if err := s.publisher.PublishEvaluationTask(ctx, models.EvaluationPayload{EvaluationId: eval.Id, BatchJobId: batchJob.Id}); err != nil {
		slog.Error("error publishing evaluation task", "evaluation_id", eval.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue evaluation task")
	}

	slog.Info("submitted evaluation", "evaluation_id", eval.Id, "batch_job_id", batchJob.Id)
	return models.EvaluationResponse{Message: "Evaluation submitted", EvaluationId: eval.Id}, nil
}

func (s *BackendService) GetEvaluation(r *http.Request) (any, error) {
	evalId, err := URLParamUUID(r, "evaluation_id")
	if err != nil {
		return nil, err
	}

	var eval database.Evaluation
	if err := s.db.WithContext(r.Context()).Preload("BatchJob").First(&eval, "id = ?", evalId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "evaluation not found")
		}
		slog.Error("error getting evaluation", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation record")
	}
	return eval, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	summaries, err := s.bedrock.ListTunableModels(r.Context())
	if err != nil {
		slog.Error("error listing foundation models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list foundation models")
	}

	result := make([]models.FoundationModel, 0, len(summaries))
	for _, m := range summaries {
		result = append(result, models.FoundationModel{
			ModelId:   aws.ToString(m.ModelId),
			ModelName: aws.ToString(m.ModelName),
		})
	}
	return result, nil
}

func (s *BackendService) Invoke(r *http.Request) (any, error) {
	req, err := ParseRequest[models.InvokeRequest](r)
	if err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if prompt == "" {
		if req.Dialogue == "" {
			return nil, CodedErrorf(http.StatusBadRequest, "either prompt or dialogue is required")
		}
		prompt = dataset.BuildLlamaPrompt(req.Dialogue, s.cfg.TaskInstruction)
	}

	modelId := req.ModelId
	if modelId == "" {
		modelId = s.cfg.BedrockModelId
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.MaxGenLen
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = s.cfg.Temperature
	}

	generation, err := s.runtime.Invoke(r.Context(), modelId, dataset.ModelInput{
		Prompt:      prompt,
		MaxGenLen:   maxTokens,
		Temperature: temperature,
		TopP:        s.cfg.TopP,
	})
	if err != nil {
		slog.Error("error invoking model", "model_id", modelId, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "failed to invoke model %s", modelId)
	}

	return models.InvokeResponse{ModelId: modelId, Generation: strings.TrimSpace(generation)}, nil
}
