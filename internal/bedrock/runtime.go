package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"tuning-backend/internal/dataset"
)

// RuntimeApi is the data-plane call used for single-prompt inference.
type RuntimeApi interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type RuntimeClient struct {
	api RuntimeApi
}

func NewRuntimeClient(ctx context.Context, region string) (*RuntimeClient, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(ctx, aws_config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewRuntimeFromApi(bedrockruntime.NewFromConfig(awsCfg)), nil
}

func NewRuntimeFromApi(api RuntimeApi) *RuntimeClient {
	return &RuntimeClient{api: api}
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

// Invoke sends one generation request to a Llama model and returns the
// generated text.
func (c *RuntimeClient) Invoke(ctx context.Context, modelId string, input dataset.ModelInput) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal model input: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelId),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke model %s: %w", modelId, err)
	}

	var resp llamaResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response from model %s: %w", modelId, err)
	}

	return resp.Generation, nil
}
