// Package checkpoint persists in-flight batch progress so an interrupted run
// can resume without resubmitting chunks that were already accepted. Two
// backends are provided: local JSON files for single-host use and Redis for
// deployments that already run one.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no checkpoint exists for the fingerprint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidSnapshot indicates the stored checkpoint is corrupted.
	ErrInvalidSnapshot = errors.New("invalid checkpoint snapshot")
)

// OrderRef records one accepted identifier and its service order id.
type OrderRef struct {
	Identifier string `json:"identifier"`
	OrderID    string `json:"order_id"`
}

// FailureRef records one permanently failed identifier with the unmodified
// service message and the number of attempts spent on its chunk.
type FailureRef struct {
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
}

// Snapshot is the durable progress record for one batch, keyed by the
// batch's content fingerprint. ChunkSize and TotalChunks pin the chunk
// geometry the snapshot was written under: ChunksDone indexes are only
// meaningful for that exact chunking.
type Snapshot struct {
	Fingerprint      string       `json:"fingerprint"`
	TotalIdentifiers int          `json:"total_identifiers"`
	ChunkSize        int          `json:"chunk_size"`
	TotalChunks      int          `json:"total_chunks"`
	ChunksDone       []int        `json:"chunks_done"`
	Successful       []OrderRef   `json:"successful"`
	Duplicates       []string     `json:"duplicates"`
	Failed           []FailureRef `json:"failed"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Done reports whether chunk index idx has already been processed.
func (s *Snapshot) Done(idx int) bool {
	for _, done := range s.ChunksDone {
		if done == idx {
			return true
		}
	}
	return false
}

// MatchesChunking reports whether the snapshot was written under the given
// chunk geometry. A snapshot from a different geometry must not be resumed:
// its chunk indexes would select the wrong identifiers.
func (s *Snapshot) MatchesChunking(chunkSize, totalChunks int) bool {
	return s.ChunkSize == chunkSize && s.TotalChunks == totalChunks
}

// Store persists batch snapshots keyed by fingerprint.
type Store interface {
	// Save writes the snapshot, replacing any previous one for the same
	// fingerprint.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the snapshot for the fingerprint, or ErrNotFound.
	Load(ctx context.Context, fingerprint string) (*Snapshot, error)

	// Delete removes the snapshot once the batch has fully completed.
	// Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, fingerprint string) error
}
