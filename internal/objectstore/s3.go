// Package objectstore archives uploaded originals in S3-compatible storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"document-intake/internal/apperr"
	"document-intake/internal/config"
)

// Uploader stores an object and returns the URL it can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// S3 uploads through the multipart upload manager so large scans stream in parts.
type S3 struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	region    string
	publicURL string
	timeout   time.Duration
}

// NewS3 builds an uploader from the storage settings.
// Static keys are used when both are set; otherwise the default AWS chain applies.
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	if cfg.StorageBucket == "" {
		return nil, &apperr.ConfigurationError{Keys: []string{"STORAGE_BUCKET"}}
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StorageRegion),
	}
	if cfg.StorageAccessKey != "" && cfg.StorageSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.StoragePathStyle
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
	})

	return &S3{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    cfg.StorageBucket,
		region:    cfg.StorageRegion,
		publicURL: publicBase(cfg),
		timeout:   2 * time.Minute,
	}, nil
}

func (s *S3) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL returns the public address of an object key.
func (s *S3) URL(key string) string {
	return s.publicURL + "/" + key
}

func publicBase(cfg config.Config) string {
	switch {
	case cfg.StoragePublicURL != "":
		return cfg.StoragePublicURL
	case cfg.StorageEndpoint != "":
		return strings.TrimRight(cfg.StorageEndpoint, "/") + "/" + cfg.StorageBucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.StorageBucket, cfg.StorageRegion)
	}
}

// Key builds the {user_group}/{filename} object key, dropping any directory parts of the name.
func Key(userGroup, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	group := strings.Trim(path.Clean("/"+userGroup), "/")
	return group + "/" + name
}
