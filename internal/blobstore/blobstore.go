// Package blobstore implements spec.md §4.5 step 4's checkpoint blob
// persistence: a checkpoint cycle writes one immutable blob per cycle
// plus an atomically-updated pointer to the latest one, keyed under a
// partition (typically one partition per pbsnode shard/environment).
package blobstore

import (
	"context"
	"fmt"
)

// LastCheckpointMetadata is the pointer document spec.md §4.5 step 4
// writes atomically alongside each checkpoint blob.
type LastCheckpointMetadata struct {
	LastProcessedJournalID uint64 `json:"last_processed_journal_id"`
	CheckpointID           uint64 `json:"checkpoint_id"`
}

// Store is the checkpoint blob collaborator spec.md §4.5 names.
// Checkpoint ids are rendered zero-padded decimal, per spec.md §6.
type Store interface {
	WriteLastCheckpoint(ctx context.Context, partition string, meta LastCheckpointMetadata) error
	ReadLastCheckpoint(ctx context.Context, partition string) (*LastCheckpointMetadata, error)
	WriteCheckpoint(ctx context.Context, partition string, id uint64, body []byte) error
	ReadCheckpoint(ctx context.Context, partition string, id uint64) ([]byte, error)
}

// CheckpointKey renders the "<partition>/checkpoint_<zero-padded-id>"
// object name spec.md §4.5 step 4 names.
func CheckpointKey(partition string, id uint64) string {
	return fmt.Sprintf("%s/checkpoint_%020d", partition, id)
}

// LastCheckpointKey renders "<partition>/last_checkpoint".
func LastCheckpointKey(partition string) string {
	return partition + "/last_checkpoint"
}
