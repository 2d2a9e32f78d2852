package messaging

import (
	"context"
	"time"

	"tuning-backend/pkg/models"
)

const (
	PrepareDataQueue    = "prepare_data_queue"
	FinetuneQueue       = "finetune_queue"
	BatchInferenceQueue = "batch_inference_queue"
	EvaluationQueue     = "evaluation_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishPrepareDataTask(ctx context.Context, payload models.PrepareDataPayload) error

	PublishFinetuneTask(ctx context.Context, payload models.FinetunePayload) error

	PublishBatchInferenceTask(ctx context.Context, payload models.BatchInferencePayload) error

	PublishEvaluationTask(ctx context.Context, payload models.EvaluationPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
