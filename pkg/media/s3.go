package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"chatengine/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads attachments to an S3-compatible bucket.
type S3Store struct {
	client    s3API
	bucket    string
	publicURL string
}

func NewS3Store(cfg models.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	// Dotted bucket names break virtual-host TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3Store(client, cfg), nil
}

func newS3Store(client s3API, cfg models.S3Config) *S3Store {
	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		switch {
		case cfg.Endpoint != "":
			public = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		default:
			public = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &S3Store{client: client, bucket: cfg.Bucket, publicURL: public}
}

func (s *S3Store) Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}
	return s.publicURL + "/" + key, nil
}
