package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3Client is an in-memory s3API substitute for tests, narrowed the
// same way internal/nosql's fake dynamoAPI is.
type fakeS3Client struct {
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3Store_RoundTripsCheckpointAndPointer(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3StoreWithClient(client, "bucket")
	ctx := context.Background()

	if err := store.WriteCheckpoint(ctx, "shard-0", 3, []byte("checkpoint body")); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if err := store.WriteLastCheckpoint(ctx, "shard-0", LastCheckpointMetadata{CheckpointID: 3, LastProcessedJournalID: 99}); err != nil {
		t.Fatalf("WriteLastCheckpoint: %v", err)
	}

	body, err := store.ReadCheckpoint(ctx, "shard-0", 3)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if string(body) != "checkpoint body" {
		t.Fatalf("unexpected checkpoint body: %q", body)
	}

	meta, err := store.ReadLastCheckpoint(ctx, "shard-0")
	if err != nil {
		t.Fatalf("ReadLastCheckpoint: %v", err)
	}
	if meta == nil || meta.CheckpointID != 3 || meta.LastProcessedJournalID != 99 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestS3Store_ReadLastCheckpointMissingReturnsNilNil(t *testing.T) {
	store := NewS3StoreWithClient(newFakeS3Client(), "bucket")
	meta, err := store.ReadLastCheckpoint(context.Background(), "shard-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta != nil {
		t.Fatalf("expected nil metadata for missing pointer, got %+v", meta)
	}
}

func TestS3Store_ReadCheckpointMissingReturnsError(t *testing.T) {
	store := NewS3StoreWithClient(newFakeS3Client(), "bucket")
	_, err := store.ReadCheckpoint(context.Background(), "shard-0", 7)
	if err == nil {
		t.Fatal("expected an error for a missing checkpoint")
	}
}
