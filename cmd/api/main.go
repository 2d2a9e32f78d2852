package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tuning-backend/cmd"
	"tuning-backend/internal/api"
	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/config"
	"tuning-backend/internal/database"
	"tuning-backend/internal/messaging"
)

type APIConfig struct {
	DatabaseURL        string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL        string `env:"RABBITMQ_URL,notEmpty,required"`
	AWSRegion          string `env:"AWS_REGION,notEmpty,required"`
	PipelineConfigPath string `env:"PIPELINE_CONFIG" envDefault:"pipeline.yaml"`
	APIPort            string `env:"API_PORT" envDefault:"8001"`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
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

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	bedrockClient, err := bedrock.NewClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create Bedrock client: %v", err)
	}

	runtimeClient, err := bedrock.NewRuntimeClient(context.Background(), cfg.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create Bedrock runtime client: %v", err)
	}

	// --- Chi Router Setup ---
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	apiHandler := api.NewBackendService(db, publisher, bedrockClient, runtimeClient, pipelineCfg)

	apiHandler.AddRoutes(r)

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
