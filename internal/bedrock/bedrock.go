package bedrock

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

const (
	RetryAttempts = 3
	RetryDelay    = 5 * time.Second

	DefaultPollInterval = 60 * time.Second
)

// Api covers the Bedrock control-plane calls used by the tuning and batch
// inference workflows. Narrowed to an interface so tests can substitute a
// mock client.
type Api interface {
	CreateModelCustomizationJob(ctx context.Context, params *bedrock.CreateModelCustomizationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.CreateModelCustomizationJobOutput, error)
	GetModelCustomizationJob(ctx context.Context, params *bedrock.GetModelCustomizationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.GetModelCustomizationJobOutput, error)
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
	CreateModelInvocationJob(ctx context.Context, params *bedrock.CreateModelInvocationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.CreateModelInvocationJobOutput, error)
	GetModelInvocationJob(ctx context.Context, params *bedrock.GetModelInvocationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.GetModelInvocationJobOutput, error)
}

type Client struct {
	api          Api
	pollInterval time.Duration
	retryDelay   time.Duration
}

func NewClient(ctx context.Context, region string) (*Client, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(ctx, aws_config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewFromApi(bedrock.NewFromConfig(awsCfg), DefaultPollInterval), nil
}

func NewFromApi(api Api, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	// Keep retry pauses no longer than the poll interval.
	retryDelay := RetryDelay
	if pollInterval < retryDelay {
		retryDelay = pollInterval
	}
	return &Client{api: api, pollInterval: pollInterval, retryDelay: retryDelay}
}

// ListTunableModels returns the foundation models that support fine-tuning.
func (c *Client) ListTunableModels(ctx context.Context) ([]types.FoundationModelSummary, error) {
	out, err := c.api.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByCustomizationType: types.ModelCustomizationFineTuning,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list foundation models: %w", err)
	}

	var models []types.FoundationModelSummary
	for _, m := range out.ModelSummaries {
		for _, c := range m.CustomizationsSupported {
			if c == types.ModelCustomizationFineTuning {
				models = append(models, m)
				break
			}
		}
	}
	return models, nil
}

func str(s *string) string {
	return aws.ToString(s)
}
