package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Pipeline is the shared YAML configuration consumed by every workflow:
// dataset layout, prompt instruction, model ids, hyperparameters, and the
// S3 bucket/prefix layout used for tuning data and batch outputs.
type Pipeline struct {
	Dataset struct {
		Name     string `yaml:"name"`
		FieldMap struct {
			Input  string `yaml:"input"`
			Output string `yaml:"output"`
		} `yaml:"field_map"`
	} `yaml:"dataset"`

	TaskInstruction string `yaml:"task_instruction"`

	BedrockBucket          string `yaml:"bedrock_bucket"`
	BedrockDataDir         string `yaml:"bedrock_data_dir"`
	BedrockBatchOutputsDir string `yaml:"bedrock_batch_outputs_dir"`
	BedrockModelsDir       string `yaml:"bedrock_models_dir"`
	BedrockModelId         string `yaml:"bedrock_model_id"`

	NumEpochs    int     `yaml:"num_epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`

	MaxGenLen   int     `yaml:"max_gen_len"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	SageMaker struct {
		InstanceType  string `yaml:"instance_type"`
		InstanceCount int    `yaml:"instance_count"`
		VolumeSizeGB  int    `yaml:"volume_size_gb"`
		MaxRuntimeSec int    `yaml:"max_runtime_sec"`
		BaseJobName   string `yaml:"base_job_name"`
		TrainingImage string `yaml:"training_image"`
		HFModelId     string `yaml:"hf_model_id"`
		OutputPath    string `yaml:"output_path"`
	} `yaml:"sagemaker"`
}

func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}

	var cfg Pipeline
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.BedrockBucket == "" {
		return nil, fmt.Errorf("pipeline config %s: bedrock_bucket is required", path)
	}
	if cfg.Dataset.FieldMap.Input == "" || cfg.Dataset.FieldMap.Output == "" {
		return nil, fmt.Errorf("pipeline config %s: dataset.field_map.input and dataset.field_map.output are required", path)
	}

	return &cfg, nil
}

func (cfg *Pipeline) applyDefaults() {
	if cfg.BedrockDataDir == "" {
		cfg.BedrockDataDir = "llm-tuning-data"
	}
	if cfg.BedrockBatchOutputsDir == "" {
		cfg.BedrockBatchOutputsDir = "batch-outputs"
	}
	if cfg.BedrockModelsDir == "" {
		cfg.BedrockModelsDir = "bedrock-models"
	}
	if cfg.BedrockModelId == "" {
		cfg.BedrockModelId = "meta.llama3-2-1b-instruct-v1:0"
	}
	if cfg.NumEpochs <= 0 {
		cfg.NumEpochs = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.0002
	}
	if cfg.MaxGenLen <= 0 {
		cfg.MaxGenLen = 128
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.TopP <= 0 {
		cfg.TopP = 0.9
	}
	if cfg.SageMaker.InstanceCount <= 0 {
		cfg.SageMaker.InstanceCount = 1
	}
	if cfg.SageMaker.VolumeSizeGB <= 0 {
		cfg.SageMaker.VolumeSizeGB = 50
	}
	if cfg.SageMaker.MaxRuntimeSec <= 0 {
		cfg.SageMaker.MaxRuntimeSec = 24 * 60 * 60
	}
}

// Hyperparameters returns the Bedrock customization hyperparameters in the
// string form the service expects.
func (cfg *Pipeline) Hyperparameters() map[string]string {
	return map[string]string{
		"epochCount":   fmt.Sprintf("%d", cfg.NumEpochs),
		"batchSize":    fmt.Sprintf("%d", cfg.BatchSize),
		"learningRate": fmt.Sprintf("%g", cfg.LearningRate),
	}
}

func (cfg *Pipeline) TuningDataUri(split string) string {
	return fmt.Sprintf("s3://%s/%s/%s.jsonl", cfg.BedrockBucket, cfg.BedrockDataDir, split)
}

func (cfg *Pipeline) BatchOutputUri() string {
	return fmt.Sprintf("s3://%s/%s/", cfg.BedrockBucket, cfg.BedrockBatchOutputsDir)
}

func (cfg *Pipeline) ModelOutputUri(jobName string) string {
	return fmt.Sprintf("s3://%s/%s/%s/", cfg.BedrockBucket, cfg.BedrockModelsDir, jobName)
}
