package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore persists snapshots as checkpoint_<fingerprint>.json files in a
// local directory. Writes go through a temp file and rename so a crash
// mid-write can never leave a truncated checkpoint behind.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed checkpoint store rooted at dir,
// creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(fingerprint string) string {
	return filepath.Join(f.dir, "checkpoint_"+fingerprint+".json")
}

// Save writes the snapshot atomically.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Fingerprint == "" {
		return fmt.Errorf("snapshot must carry a fingerprint")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap.UpdatedAt = time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.UpdatedAt
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		SnapshotErrors.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "checkpoint_*.tmp")
	if err != nil {
		SnapshotErrors.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		SnapshotErrors.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		SnapshotErrors.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(snap.Fingerprint)); err != nil {
		os.Remove(tmp.Name())
		SnapshotErrors.WithLabelValues("file", "save").Inc()
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	SnapshotWrites.WithLabelValues("file").Inc()
	return nil
}

// Load reads the snapshot for the fingerprint.
func (f *FileStore) Load(ctx context.Context, fingerprint string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		SnapshotErrors.WithLabelValues("file", "load").Inc()
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		SnapshotErrors.WithLabelValues("file", "load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	SnapshotLoads.WithLabelValues("file").Inc()
	return &snap, nil
}

// Delete removes the snapshot file.
func (f *FileStore) Delete(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(fingerprint)); err != nil && !os.IsNotExist(err) {
		SnapshotErrors.WithLabelValues("file", "delete").Inc()
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
