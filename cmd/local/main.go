package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tuning-backend/cmd"
	"tuning-backend/internal/api"
	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/messaging"
	"tuning-backend/internal/pipeline"
	"tuning-backend/internal/s3"
	"tuning-backend/internal/sagemaker"
	"tuning-backend/pkg/models"
)

type Config struct {
	Root               string `env:"ROOT" envDefault:"./tuning-backend"`
	Port               int    `env:"PORT" envDefault:"3001"`
	AWSRegion          string `env:"AWS_REGION,notEmpty,required"`
	S3EndpointURL      string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID      string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey  string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	BedrockRoleArn     string `env:"BEDROCK_ROLE_ARN,notEmpty,required"`
	SageMakerRoleArn   string `env:"SAGEMAKER_ROLE_ARN" envDefault:""`
	HuggingFaceToken   string `env:"HF_TOKEN" envDefault:""`
	PipelineConfigPath string `env:"PIPELINE_CONFIG" envDefault:"pipeline.yaml"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "tuning-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue rebuilds the in-memory queue from jobs that were queued when
// the process last stopped.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	var datasetJobs []database.DatasetJob
	if err := db.Where("status = ?", database.JobQueued).Find(&datasetJobs).Error; err != nil {
		log.Fatalf("Failed to fetch dataset jobs from database: %v", err)
	}
	for _, job := range datasetJobs {
		if err := queue.PublishPrepareDataTask(context.Background(), models.PrepareDataPayload{JobId: job.Id}); err != nil {
			log.Fatalf("Failed to publish prepare data task: %v", err)
		}
	}

	var tuningJobs []database.TuningJob
	if err := db.Where("status = ?", database.JobQueued).Find(&tuningJobs).Error; err != nil {
		log.Fatalf("Failed to fetch tuning jobs from database: %v", err)
	}
	for _, job := range tuningJobs {
		if err := queue.PublishFinetuneTask(context.Background(), models.FinetunePayload{JobId: job.Id}); err != nil {
			log.Fatalf("Failed to publish finetune task: %v", err)
		}
	}

	var batchJobs []database.BatchInferenceJob
	if err := db.Where("status = ?", database.JobQueued).Find(&batchJobs).Error; err != nil {
		log.Fatalf("Failed to fetch batch inference jobs from database: %v", err)
	}
	for _, job := range batchJobs {
		if err := queue.PublishBatchInferenceTask(context.Background(), models.BatchInferencePayload{JobId: job.Id, Evaluate: job.Evaluate}); err != nil {
			log.Fatalf("Failed to publish batch inference task: %v", err)
		}
	}

	var evaluations []database.Evaluation
	if err := db.Where("status = ?", database.JobQueued).Find(&evaluations).Error; err != nil {
		log.Fatalf("Failed to fetch evaluations from database: %v", err)
	}
	for _, eval := range evaluations {
		if err := queue.PublishEvaluationTask(context.Background(), models.EvaluationPayload{EvaluationId: eval.Id, BatchJobId: eval.BatchJobId}); err != nil {
			log.Fatalf("Failed to publish evaluation task: %v", err)
		}
	}

	return queue
}

func createServer(service *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	pipelineCfg, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		log.Fatalf("Failed to load pipeline config: %v", err)
	}

	db := createDatabase(cfg.Root)

	s3Client, err := s3.NewS3Client(&s3.Config{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.AWSRegion,
		TuningBucketName:  pipelineCfg.BedrockBucket,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	bedrockClient, err := bedrock.NewClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create Bedrock client: %v", err)
	}

	runtimeClient, err := bedrock.NewRuntimeClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create Bedrock runtime client: %v", err)
	}

	sagemakerClient, err := sagemaker.NewClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create SageMaker client: %v", err)
	}

	queue := createQueue(db)

	processor := pipeline.NewProcessor(db, s3Client, bedrockClient, sagemakerClient, queue, queue, pipelineCfg, pipeline.Roles{
		BedrockRoleArn:   cfg.BedrockRoleArn,
		SageMakerRoleArn: cfg.SageMakerRoleArn,
		HuggingFaceToken: cfg.HuggingFaceToken,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting worker")
	go processor.Run(ctx)

	service := api.NewBackendService(db, queue, bedrockClient, runtimeClient, pipelineCfg)
	server := createServer(service, cfg.Port)

	// Goroutine for graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
