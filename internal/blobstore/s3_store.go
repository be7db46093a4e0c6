package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the subset of *s3.Client this store calls, narrowed for test
// substitution, matching the pattern internal/nosql.DynamoProvider uses
// for its own client interface.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is the production Store, backed by
// github.com/aws/aws-sdk-go-v2/service/s3.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store resolves credentials/region via config.LoadDefaultConfig,
// the same pattern internal/nosql.NewDynamoProvider uses.
func NewS3Store(ctx context.Context, bucket string, optFns ...func(*awsconfig.LoadOptions) error) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewS3StoreWithClient wraps an already-constructed client, primarily
// for tests that substitute a fake s3API.
func NewS3StoreWithClient(client s3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) putObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 GetObject %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object %s: %w", key, err)
	}
	return body, nil
}

func (s *S3Store) WriteLastCheckpoint(ctx context.Context, partition string, meta LastCheckpointMetadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal last checkpoint metadata: %w", err)
	}
	return s.putObject(ctx, LastCheckpointKey(partition), body)
}

func (s *S3Store) ReadLastCheckpoint(ctx context.Context, partition string) (*LastCheckpointMetadata, error) {
	body, err := s.getObject(ctx, LastCheckpointKey(partition))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var meta LastCheckpointMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal last checkpoint metadata: %w", err)
	}
	return &meta, nil
}

func (s *S3Store) WriteCheckpoint(ctx context.Context, partition string, id uint64, body []byte) error {
	return s.putObject(ctx, CheckpointKey(partition, id), body)
}

func (s *S3Store) ReadCheckpoint(ctx context.Context, partition string, id uint64) ([]byte, error) {
	body, err := s.getObject(ctx, CheckpointKey(partition, id))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("checkpoint %d: %w", id, errCheckpointNotFound)
	}
	return body, nil
}

var errCheckpointNotFound = errors.New("checkpoint not found")
