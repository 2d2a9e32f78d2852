package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"gorm.io/gorm"

	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/messaging"
	"tuning-backend/internal/sagemaker"
	"tuning-backend/pkg/models"
)

// ObjectStore is the slice of the S3 client the pipeline handlers use.
type ObjectStore interface {
	Bucket() string
	CreateBucket(ctx context.Context, bucketName string) error
	UploadObject(ctx context.Context, bucket, key string, data io.Reader) (string, error)
	UploadDatasetSplit(ctx context.Context, dataDir, split string, data []byte) (string, error)
	DownloadObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListFiles(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Roles carries the IAM role ARNs assumed by the AWS services on our
// behalf, plus the Hugging Face token passed to SageMaker containers.
type Roles struct {
	BedrockRoleArn   string
	SageMakerRoleArn string
	HuggingFaceToken string
}

type Processor struct {
	db        *gorm.DB
	store     ObjectStore
	bedrock   *bedrock.Client
	sagemaker *sagemaker.Client
	publisher messaging.Publisher
	receiver  messaging.Receiver
	cfg       *config.Pipeline
	roles     Roles
}

func NewProcessor(
	db *gorm.DB,
	store ObjectStore,
	bedrockClient *bedrock.Client,
	sagemakerClient *sagemaker.Client,
	publisher messaging.Publisher,
	receiver messaging.Receiver,
	cfg *config.Pipeline,
	roles Roles,
) *Processor {
	return &Processor{
		db:        db,
		store:     store,
		bedrock:   bedrockClient,
		sagemaker: sagemakerClient,
		publisher: publisher,
		receiver:  receiver,
		cfg:       cfg,
		roles:     roles,
	}
}

// Run consumes tasks until the receiver's channel closes or the context is
// cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case task, ok := <-p.receiver.Tasks():
			if !ok {
				slog.Info("task channel closed, stopping processor")
				return
			}
			p.processTask(ctx, task)
		case <-ctx.Done():
			slog.Info("context cancelled, stopping processor")
			return
		}
	}
}

func (p *Processor) processTask(ctx context.Context, task messaging.Task) {
	var err error

	switch task.Type() {
	case messaging.PrepareDataQueue:
		var payload models.PrepareDataPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling prepare data task", "error", err, "body", string(task.Payload()))
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting task", "error", err)
			}
			return
		}
		err = p.HandlePrepareDataTask(ctx, payload)

	case messaging.FinetuneQueue:
		var payload models.FinetunePayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling finetune task", "error", err, "body", string(task.Payload()))
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting task", "error", err)
			}
			return
		}
		err = p.HandleFinetuneTask(ctx, payload)

	case messaging.BatchInferenceQueue:
		var payload models.BatchInferencePayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling batch inference task", "error", err, "body", string(task.Payload()))
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting task", "error", err)
			}
			return
		}
		err = p.HandleBatchInferenceTask(ctx, payload)

	case messaging.EvaluationQueue:
		var payload models.EvaluationPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling evaluation task", "error", err, "body", string(task.Payload()))
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting task", "error", err)
			}
			return
		}
		err = p.HandleEvaluationTask(ctx, payload)

	default:
		slog.Error("received task from unknown queue, discarding", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "error", err)
		}
	} else {
		slog.Info("task processed successfully", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acking task", "error", err)
		}
	}
}
