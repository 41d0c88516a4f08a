package backingstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3BackupStore implements internal/cache.BackupStore: the cold-storage
// mirror that Cache.RecordBackup uploads every not-yet-backed-up entry to.
// Grounded on micahg-cobblepod's internal/storage/s3.go (client-from-config
// construction + HeadBucket connectivity probe), trimmed to Put and Exists;
// Cache calls only Put.
type S3BackupStore struct {
	client *s3.Client
	bucket string
}

// NewS3BackupStore loads AWS credentials from AWS_ACCESS_KEY_ID/
// AWS_SECRET_ACCESS_KEY when both are set (the same explicit-credentials
// branch micahg-cobblepod's NewS3Storage takes for R2-style endpoints),
// falling back to the default chain (shared config file, instance role)
// otherwise, then verifies bucket access.
func NewS3BackupStore(ctx context.Context, bucket string) (*S3BackupStore, error) {
	var opts []func(*config.LoadOptions) error
	if ak, sk := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); ak != "" && sk != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access backup bucket %s: %w", bucket, err)
	}
	return &S3BackupStore{client: client, bucket: bucket}, nil
}

// Put uploads data under key, overwriting any existing object.
func (s *S3BackupStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is already backed up.
func (s *S3BackupStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check backup object %s: %w", key, err)
	}
	return true, nil
}
