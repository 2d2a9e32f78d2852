package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Api interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
	manager.ListObjectsV2APIClient

	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Client struct {
	s3Client   S3Api
	downloader *manager.Downloader
	uploader   *manager.Uploader
	bucketName string // Default tuning data bucket
}

type Config struct {
	S3EndpointURL     string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	TuningBucketName  string
}

func NewS3Client(cfg *Config) (*Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) { // nolint:staticcheck
		if cfg.S3EndpointURL != "" {
			return aws.Endpoint{ // nolint:staticcheck
				PartitionID:       "aws",
				URL:               cfg.S3EndpointURL,
				HostnameImmutable: true, // Important for MinIO
			}, nil
		}
		// fallback to default AWS endpoint resolution
		return aws.Endpoint{}, &aws.EndpointNotFoundError{} // nolint:staticcheck
	})

	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
			aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // Use path-style addressing (needed for MinIO)
	})

	return NewFromClient(s3Client, cfg.TuningBucketName), nil
}

func NewFromClient(client S3Api, bucketName string) *Client {
	return &Client{
		s3Client:   client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		bucketName: bucketName,
	}
}

func (c *Client) Bucket() string {
	return c.bucketName
}

func (c *Client) UploadObject(ctx context.Context, bucket, key string, data io.Reader) (string, error) {
	slog.Info("uploading object", "bucket", bucket, "key", key)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to s3://%s/%s: %w", bucket, key, err)
	}
	s3Path := fmt.Sprintf("s3://%s/%s", bucket, key)
	return s3Path, nil
}

// DownloadObject fetches a whole object into memory. Intended for the
// JSONL dataset and result files which are small relative to model
// artifacts.
func (c *Client) DownloadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := c.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download object s3://%s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

func (c *Client) ListFiles(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	pageCount := 0
	for paginator.HasMorePages() {
		pageCount++
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects (page %d) in s3://%s/%s: %w", pageCount, bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && !strings.HasSuffix(*obj.Key, "/") { // Exclude "directories"
				keys = append(keys, *obj.Key)
			}
		}
	}
	slog.Info("listed objects", "bucket", bucket, "prefix", prefix, "count", len(keys))
	return keys, nil
}

func ParseS3Path(s3Path string) (bucket, key string, err error) {
	parsed, err := url.Parse(s3Path)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 path '%s': %w", s3Path, err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid scheme in S3 path '%s', expected 's3'", s3Path)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	return bucket, key, nil
}

// --- Tuning Workflow Wrappers ---

// UploadDatasetSplit uploads a formatted JSONL split to the tuning data
// layout and returns its S3 URI.
func (c *Client) UploadDatasetSplit(ctx context.Context, dataDir, split string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%s.jsonl", dataDir, split)
	return c.UploadObject(ctx, c.bucketName, key, bytes.NewReader(data))
}

func (c *Client) CreateBucket(ctx context.Context, bucketName string) error {
	_, err := c.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		var existErr *types.BucketAlreadyExists
		var ownedErr *types.BucketAlreadyOwnedByYou
		if errors.As(err, &ownedErr) {
			slog.Info("bucket already exists and is owned by you", "bucket", bucketName)
			return nil
		}
		if errors.As(err, &existErr) {
			return fmt.Errorf("bucket %s already exists and is owned by someone else: %w", bucketName, err)
		}

		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	slog.Info("created bucket", "bucket", bucketName)
	return nil
}
