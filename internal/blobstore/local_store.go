package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore is a filesystem-backed Store. It is the default/test path:
// a checkpoint blob store for a single flat directory needs no driver,
// so this deliberately stays on stdlib os/path/filepath (see DESIGN.md).
type LocalStore struct {
	root string
}

// NewLocalStore roots all partitions under dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) writeFile(key string, body []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("rename %s into place: %w", key, err)
	}
	return nil
}

func (s *LocalStore) WriteLastCheckpoint(_ context.Context, partition string, meta LastCheckpointMetadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal last checkpoint metadata: %w", err)
	}
	return s.writeFile(LastCheckpointKey(partition), body)
}

func (s *LocalStore) ReadLastCheckpoint(_ context.Context, partition string) (*LastCheckpointMetadata, error) {
	body, err := os.ReadFile(s.path(LastCheckpointKey(partition)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last checkpoint: %w", err)
	}
	var meta LastCheckpointMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal last checkpoint metadata: %w", err)
	}
	return &meta, nil
}

func (s *LocalStore) WriteCheckpoint(_ context.Context, partition string, id uint64, body []byte) error {
	return s.writeFile(CheckpointKey(partition, id), body)
}

func (s *LocalStore) ReadCheckpoint(_ context.Context, partition string, id uint64) ([]byte, error) {
	body, err := os.ReadFile(s.path(CheckpointKey(partition, id)))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %d: %w", id, err)
	}
	return body, nil
}
