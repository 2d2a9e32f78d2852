package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"tuning-backend/cmd"
	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/messaging"
	"tuning-backend/internal/pipeline"
	"tuning-backend/internal/s3"
	"tuning-backend/internal/sagemaker"
)

type WorkerConfig struct {
	DatabaseURL        string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL        string `env:"RABBITMQ_URL,notEmpty,required"`
	AWSRegion          string `env:"AWS_REGION,notEmpty,required"`
	S3EndpointURL      string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID      string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey  string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	BedrockRoleArn     string `env:"BEDROCK_ROLE_ARN,notEmpty,required"`
	SageMakerRoleArn   string `env:"SAGEMAKER_ROLE_ARN" envDefault:""`
	HuggingFaceToken   string `env:"HF_TOKEN" envDefault:""`
	PipelineConfigPath string `env:"PIPELINE_CONFIG" envDefault:"pipeline.yaml"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	pipelineCfg, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		log.Fatalf("Failed to load pipeline config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s3Client, err := s3.NewS3Client(&s3.Config{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.AWSRegion,
		TuningBucketName:  pipelineCfg.BedrockBucket,
	})
	if err != nil {
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}

	bedrockClient, err := bedrock.NewClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Worker: Failed to create Bedrock client: %v", err)
	}

	sagemakerClient, err := sagemaker.NewClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Worker: Failed to create SageMaker client: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}
	defer receiver.Close()

	processor := pipeline.NewProcessor(db, s3Client, bedrockClient, sagemakerClient, publisher, receiver, pipelineCfg, pipeline.Roles{
		BedrockRoleArn:   cfg.BedrockRoleArn,
		SageMakerRoleArn: cfg.SageMakerRoleArn,
		HuggingFaceToken: cfg.HuggingFaceToken,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	processor.Run(ctx)

	log.Println("Worker process stopped.")
}
