package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStore_RoundTripsCheckpointAndPointer(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if meta, err := store.ReadLastCheckpoint(ctx, "shard-0"); err != nil || meta != nil {
		t.Fatalf("expected no last checkpoint yet, got %+v, %v", meta, err)
	}

	body := []byte(`{"logs":[]}`)
	if err := store.WriteCheckpoint(ctx, "shard-0", 7, body); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	got, err := store.ReadCheckpoint(ctx, "shard-0", 7)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("expected %s, got %s", body, got)
	}

	meta := LastCheckpointMetadata{LastProcessedJournalID: 42, CheckpointID: 7}
	if err := store.WriteLastCheckpoint(ctx, "shard-0", meta); err != nil {
		t.Fatalf("WriteLastCheckpoint: %v", err)
	}
	read, err := store.ReadLastCheckpoint(ctx, "shard-0")
	if err != nil {
		t.Fatalf("ReadLastCheckpoint: %v", err)
	}
	if *read != meta {
		t.Fatalf("expected %+v, got %+v", meta, *read)
	}

	if _, err := store.ReadCheckpoint(ctx, "shard-0", 99); err == nil {
		t.Fatal("expected error reading a nonexistent checkpoint id")
	}
}

func TestLocalStore_PartitionsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	if err := store.WriteCheckpoint(ctx, "a", 1, []byte("a-body")); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := store.WriteCheckpoint(ctx, "b", 1, []byte("b-body")); err != nil {
		t.Fatalf("write b: %v", err)
	}

	got, err := store.ReadCheckpoint(ctx, "a", 1)
	if err != nil || string(got) != "a-body" {
		t.Fatalf("expected a-body, got %s, %v", got, err)
	}
	want := filepath.FromSlash(CheckpointKey("b", 1))
	if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
		t.Fatalf("expected partition b's blob on disk at %s: %v", want, err)
	}
}
