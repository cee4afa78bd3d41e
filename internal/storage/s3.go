// Package storage keeps chat attachments in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"wellness-chat/internal/config"
)

var ErrStorageDisabled = errors.New("attachment storage is not configured; set S3_* to enable uploads")

// S3Storage stores attachment objects and builds their public URLs.
type S3Storage struct {
	bucket   string
	baseURL  string
	client   *s3.Client
	log      zerolog.Logger
	disabled bool
}

func NewS3Storage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*S3Storage, error) {
	logger := log.With().Str("component", "s3-storage").Logger()
	storage := &S3Storage{
		bucket:  strings.TrimSpace(cfg.S3Bucket),
		baseURL: publicBaseURL(cfg),
		log:     logger,
	}

	if !cfg.StorageEnabled() {
		logger.Warn().Msg("S3_BUCKET or credentials are not set; attachments are disabled until configured")
		storage.disabled = true
		return storage, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	storage.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.S3Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return storage, nil
}

// publicBaseURL is where readers fetch objects from. The bucket must allow public reads
// under that prefix.
func publicBaseURL(cfg *config.Config) string {
	if base := strings.TrimSpace(cfg.S3PublicBaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	bucket := strings.TrimSpace(cfg.S3Bucket)
	if endpoint := strings.TrimRight(strings.TrimSpace(cfg.S3Endpoint), "/"); endpoint != "" {
		return endpoint + "/" + bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, cfg.S3Region)
}

func (s *S3Storage) Enabled() bool { return !s.disabled }

func (s *S3Storage) ensureEnabled() error {
	if s.disabled {
		return ErrStorageDisabled
	}
	return nil
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int64("size", size).Msg("object stored")
	return nil
}

func (s *S3Storage) PublicURL(key string) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("empty object key")
	}
	return s.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Health checks the bucket is reachable. A disabled store is healthy.
func (s *S3Storage) Health(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
