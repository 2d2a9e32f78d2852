package models

import (
	"github.com/google/uuid"
)

// --- Task Payload Structs ---

type PrepareDataPayload struct {
	JobId uuid.UUID
}

type FinetunePayload struct {
	JobId uuid.UUID
}

type BatchInferencePayload struct {
	JobId    uuid.UUID
	Evaluate bool
}

type EvaluationPayload struct {
	EvaluationId uuid.UUID
	BatchJobId   uuid.UUID
}

// --- API Request/Response Structs ---

type PrepareDataRequest struct {
	// S3 prefix containing raw dataset splits (training/validation/test .jsonl)
	SourceS3Path string `json:"source_s3_path"`
}

type PrepareDataResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
}

type FinetuneRequest struct {
	JobName string `json:"job_name"`
	// "bedrock" or "sagemaker"
	Backend     string `json:"backend"`
	BaseModelId string `json:"base_model_id,omitempty"`
}

type FinetuneResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
}

type BatchInferenceRequest struct {
	ModelId         string `json:"model_id,omitempty"`
	InputS3Uri      string `json:"input_s3_uri,omitempty"`
	ReferencesS3Uri string `json:"references_s3_uri,omitempty"`
	Evaluate        bool   `json:"evaluate"`
}

type BatchInferenceResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
}

type EvaluationRequest struct {
	BatchJobId uuid.UUID `json:"batch_job_id"`
}

type EvaluationResponse struct {
	Message      string    `json:"message"`
	EvaluationId uuid.UUID `json:"evaluation_id"`
}

type InvokeRequest struct {
	ModelId     string  `json:"model_id,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	Dialogue    string  `json:"dialogue,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type InvokeResponse struct {
	ModelId    string `json:"model_id"`
	Generation string `json:"generation"`
}

type FoundationModel struct {
	ModelId   string `json:"model_id"`
	ModelName string `json:"model_name"`
}
