// Package storage defines the backend abstraction the repository writes
// through. Two interchangeable implementations exist: a directory tree
// (dirtree) and a SQLite database (sqlite). The orchestration layer never
// branches on which one is active.
package storage

import (
	"context"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// Kind distinguishes the two structurally identical chunked logs.
type Kind string

const (
	// KindHistory is the turn-by-turn narrative log.
	KindHistory Kind = "history"
	// KindStatusChange is the parallel status-change log.
	KindStatusChange Kind = "status_change"
)

// Kinds lists every chunked log kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindHistory, KindStatusChange}
}

// Valid reports whether k names a known log kind.
func (k Kind) Valid() bool {
	return k == KindHistory || k == KindStatusChange
}

// Backend is key-addressed storage for one save's snapshot, chunks, and
// images, scoped by an opaque save identifier.
//
// Read semantics are fail-soft: an absent or unparseable record reads as
// (nil, nil) and list operations omit it, so one corrupt chunk never takes
// down enumeration. The single deliberate exception is WriteLocalState,
// which must surface quota exhaustion with a capacity-coded error so
// callers can react instead of silently losing data.
//
// List operations return summaries only; they never load entry payloads.
type Backend interface {
	// ReadLocalState returns the save's snapshot, or nil when absent or
	// unreadable.
	ReadLocalState(ctx context.Context, saveID string) (*chronicle.RootSave, error)
	// WriteLocalState replaces the snapshot wholesale. A quota rejection
	// carries apperrors.CodeCapacity.
	WriteLocalState(ctx context.Context, saveID string, root *chronicle.RootSave) error

	PutChunk(ctx context.Context, saveID string, kind Kind, chunk chronicle.Chunk) error
	GetChunk(ctx context.Context, saveID string, kind Kind, chunkID string) (*chronicle.Chunk, error)
	ListChunks(ctx context.Context, saveID string, kind Kind) ([]chronicle.ChunkSummary, error)
	DeleteChunk(ctx context.Context, saveID string, kind Kind, chunkID string) error

	PutImage(ctx context.Context, saveID string, img chronicle.Image) error
	GetImage(ctx context.Context, saveID, imageID string) (*chronicle.Image, error)
	ListImages(ctx context.Context, saveID string) ([]chronicle.ImageSummary, error)
	DeleteImage(ctx context.Context, saveID, imageID string) error

	// DeleteSave removes the snapshot and every chunk and image for the save.
	DeleteSave(ctx context.Context, saveID string) error
}
