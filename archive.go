package trailhead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// ArchiveStore receives exported snapshots for long-term archival. The
// remote API implementation covers the current spreadsheet-backed store;
// the S3 implementation covers the blob store the backend is migrating to.
type ArchiveStore interface {
	// Archive stores the snapshot and returns a reference usable to locate
	// the archived copy later.
	Archive(ctx context.Context, snap Snapshot) (string, error)
}

// RemoteArchiveStore archives snapshots through the remote API.
type RemoteArchiveStore struct {
	client *RemoteClient
}

// NewRemoteArchiveStore creates an archive store backed by the remote API.
func NewRemoteArchiveStore(client *RemoteClient) *RemoteArchiveStore {
	return &RemoteArchiveStore{client: client}
}

// Archive pushes the snapshot via the remote snapshot endpoint.
func (r *RemoteArchiveStore) Archive(ctx context.Context, snap Snapshot) (string, error) {
	result, err := r.client.CreateArchiveSnapshot(ctx, snap)
	if err != nil {
		return "", err
	}
	return result.ArchiveRef, nil
}

// S3ArchiveConfig configures the S3-compatible archive store.
type S3ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// S3ArchiveStore archives snapshots to S3-compatible blob storage as
// snappy-compressed JSON objects.
type S3ArchiveStore struct {
	client  *s3.Client
	config  S3ArchiveConfig
	retryer *Retryer
}

// NewS3ArchiveStore creates an S3-backed archive store.
func NewS3ArchiveStore(cfg S3ArchiveConfig) (*S3ArchiveStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3ArchiveStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}),
	}, nil
}

// Archive uploads the snapshot and returns its object key.
func (s *S3ArchiveStore) Archive(ctx context.Context, snap Snapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("serialize snapshot: %w", err)
	}
	blob := snappy.Encode(nil, payload)

	key := s.objectKey(snap)
	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(blob),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return "", result.LastErr
	}
	return key, nil
}

func (s *S3ArchiveStore) objectKey(snap Snapshot) string {
	return fmt.Sprintf("%ssnapshots/%s/%s.json.sz", s.config.Prefix,
		time.Now().UTC().Format("2006/01/02"), snap.ID)
}
