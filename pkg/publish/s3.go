package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/rs/zerolog"
)

// S3Config configures an S3 or S3-compatible object store
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// URLFormat renders object URLs from bucket and key, for example
	// "https://s3.amazonaws.com/%s/%s"
	URLFormat string
}

// S3Store publishes to S3 with public-read objects
type S3Store struct {
	client    *s3.S3
	urlFormat string
	logger    zerolog.Logger
}

// NewS3Store creates an S3 store
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	format := cfg.URLFormat
	if format == "" {
		format = "https://s3.amazonaws.com/%s/%s"
	}
	return &S3Store{
		client:    s3.New(sess),
		urlFormat: format,
		logger:    log.WithComponent("s3"),
	}, nil
}

// EnsureBucket creates the bucket, accepting one we already own
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.logger.Info().Str("bucket", bucket).Msg("Bucket created")
	return nil
}

// Put uploads a public-read object
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    aws.String(s3.ObjectCannedACLPublicRead),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	s.logger.Debug().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("Object uploaded")
	return nil
}

// URL renders the object's public address
func (s *S3Store) URL(bucket, key string) string {
	return fmt.Sprintf(s.urlFormat, bucket, strings.TrimPrefix(key, "/"))
}
