// Package dirtree implements the storage backend over a plain directory
// tree. Every record is one file, so a save can be inspected, backed up, or
// repaired with ordinary filesystem tools.
//
// Layout, per save:
//
//	save_<id>/localStorage/root_save.json
//	save_<id>/indexedDB/history/<chunkId>.json
//	save_<id>/indexedDB/status_change/<chunkId>.json
//	save_<id>/indexedDB/images/<imageId>.bin
//	save_<id>/indexedDB/images/<imageId>.mime
package dirtree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

const (
	localStateDir  = "localStorage"
	localStateFile = "root_save.json"
	indexedDir     = "indexedDB"
	imagesDir      = "images"

	chunkExt = ".json"
	imageExt = ".bin"
	mimeExt  = ".mime"
)

// Store is a directory-tree backend rooted at a user-granted path.
type Store struct {
	root string
}

// Open validates and prepares the root directory.
//
// A root the process cannot create or enter is a precondition failure, the
// same outcome as a user denying the directory grant.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "storage root is required")
	}

	cleanRoot := filepath.Clean(root)
	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePreconditionFailed, "storage root is not accessible", err)
	}
	if _, err := os.ReadDir(cleanRoot); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePreconditionFailed, "storage root is not readable", err)
	}

	return &Store{root: cleanRoot}, nil
}

// Root returns the directory this store operates under.
func (s *Store) Root() string {
	return s.root
}

func validSaveID(saveID string) error {
	if saveID == "" || strings.ContainsAny(saveID, `/\`) || strings.Contains(saveID, "..") {
		return apperrors.WithMetadata(apperrors.CodePreconditionFailed, "save id is not a valid path segment", map[string]string{"save_id": saveID})
	}
	return nil
}

func (s *Store) saveDir(saveID string) string {
	return filepath.Join(s.root, "save_"+saveID)
}

func (s *Store) localStatePath(saveID string) string {
	return filepath.Join(s.saveDir(saveID), localStateDir, localStateFile)
}

func (s *Store) chunkDir(saveID string, kind storage.Kind) string {
	return filepath.Join(s.saveDir(saveID), indexedDir, string(kind))
}

func (s *Store) imageDir(saveID string) string {
	return filepath.Join(s.saveDir(saveID), indexedDir, imagesDir)
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a half-written record behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadLocalState returns the snapshot, or nil when absent or malformed.
// Snapshots written by the sqlite backend or by the legacy bare format are
// accepted through the shared decoder.
func (s *Store) ReadLocalState(_ context.Context, saveID string) (*chronicle.RootSave, error) {
	if err := validSaveID(saveID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.localStatePath(saveID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read local state", err)
	}
	root, _, err := chronicle.DecodeRootSave(data, time.Now())
	if err != nil {
		return nil, nil
	}
	return root, nil
}

// WriteLocalState replaces the snapshot wholesale. A full disk surfaces as
// a capacity error so the caller can suggest an export.
func (s *Store) WriteLocalState(_ context.Context, saveID string, root *chronicle.RootSave) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	if root == nil {
		return apperrors.New(apperrors.CodePreconditionFailed, "root save is required")
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode local state", err)
	}
	if err := writeFileAtomic(s.localStatePath(saveID), data); err != nil {
		if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
			return apperrors.Wrap(apperrors.CodeCapacity, "local state store is full", err)
		}
		return apperrors.Wrap(apperrors.CodeInternal, "write local state", err)
	}
	return nil
}

// PutChunk writes one chunk as a single JSON file.
func (s *Store) PutChunk(_ context.Context, saveID string, kind storage.Kind, chunk chronicle.Chunk) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	if !kind.Valid() {
		return apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode chunk", err)
	}
	path := filepath.Join(s.chunkDir(saveID, kind), chunk.ID+chunkExt)
	if err := writeFileAtomic(path, data); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "write chunk", err)
	}
	return nil
}

// GetChunk returns one chunk, or nil when absent or malformed.
func (s *Store) GetChunk(_ context.Context, saveID string, kind storage.Kind, chunkID string) (*chronicle.Chunk, error) {
	if err := validSaveID(saveID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	data, err := os.ReadFile(filepath.Join(s.chunkDir(saveID, kind), chunkID+chunkExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read chunk", err)
	}
	var chunk chronicle.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, nil
	}
	chunk.ID = chunkID
	return &chunk, nil
}

// ListChunks enumerates chunk summaries without decoding entry payloads;
// only each file's range field is parsed. Malformed files are omitted.
func (s *Store) ListChunks(_ context.Context, saveID string, kind storage.Kind) ([]chronicle.ChunkSummary, error) {
	if err := validSaveID(saveID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	entries, err := os.ReadDir(s.chunkDir(saveID, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list chunks", err)
	}

	var summaries []chronicle.ChunkSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.chunkDir(saveID, kind), name))
		if err != nil {
			continue
		}
		r := gjson.GetBytes(data, "range")
		if !r.IsArray() || len(r.Array()) != 2 {
			continue
		}
		bounds := r.Array()
		summaries = append(summaries, chronicle.ChunkSummary{
			ID:    strings.TrimSuffix(name, chunkExt),
			Start: int(bounds[0].Int()),
			End:   int(bounds[1].Int()),
		})
	}
	return summaries, nil
}

// DeleteChunk removes one chunk file; deleting an absent chunk is a no-op.
func (s *Store) DeleteChunk(_ context.Context, saveID string, kind storage.Kind, chunkID string) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	if !kind.Valid() {
		return apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	err := os.Remove(filepath.Join(s.chunkDir(saveID, kind), chunkID+chunkExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CodeInternal, "delete chunk", err)
	}
	return nil
}

// PutImage stores the binary payload plus a mime sidecar file.
func (s *Store) PutImage(_ context.Context, saveID string, img chronicle.Image) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	dir := s.imageDir(saveID)
	if err := writeFileAtomic(filepath.Join(dir, img.ID+imageExt), img.Data); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "write image", err)
	}
	mime := img.Mime
	if mime == "" {
		mime = chronicle.DefaultImageMime
	}
	if err := writeFileAtomic(filepath.Join(dir, img.ID+mimeExt), []byte(mime)); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "write image mime", err)
	}
	return nil
}

// GetImage returns one image, or nil when absent. A missing or corrupt mime
// sidecar falls back to sniffing the payload itself.
func (s *Store) GetImage(_ context.Context, saveID, imageID string) (*chronicle.Image, error) {
	if err := validSaveID(saveID); err != nil {
		return nil, err
	}
	dir := s.imageDir(saveID)
	data, err := os.ReadFile(filepath.Join(dir, imageID+imageExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read image", err)
	}
	return &chronicle.Image{
		ID:   imageID,
		Mime: s.imageMime(saveID, imageID, data),
		Data: data,
	}, nil
}

func (s *Store) imageMime(saveID, imageID string, data []byte) string {
	raw, err := os.ReadFile(filepath.Join(s.imageDir(saveID), imageID+mimeExt))
	mime := strings.TrimSpace(string(raw))
	if err != nil || mime == "" || strings.ContainsAny(mime, "\n\r") {
		return http.DetectContentType(data)
	}
	return mime
}

// ListImages enumerates image summaries. Only the sidecar (or the payload's
// first bytes, when the sidecar is missing) is read per image.
func (s *Store) ListImages(_ context.Context, saveID string) ([]chronicle.ImageSummary, error) {
	if err := validSaveID(saveID); err != nil {
		return nil, err
	}
	dir := s.imageDir(saveID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list images", err)
	}

	var summaries []chronicle.ImageSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, imageExt) {
			continue
		}
		imageID := strings.TrimSuffix(name, imageExt)
		summaries = append(summaries, chronicle.ImageSummary{
			ID:   imageID,
			Mime: s.imageMimeLight(saveID, imageID),
		})
	}
	return summaries, nil
}

// imageMimeLight resolves a mime type reading at most the sidecar and the
// payload's sniffing prefix.
func (s *Store) imageMimeLight(saveID, imageID string) string {
	dir := s.imageDir(saveID)
	raw, err := os.ReadFile(filepath.Join(dir, imageID+mimeExt))
	mime := strings.TrimSpace(string(raw))
	if err == nil && mime != "" && !strings.ContainsAny(mime, "\n\r") {
		return mime
	}

	f, err := os.Open(filepath.Join(dir, imageID+imageExt))
	if err != nil {
		return chronicle.DefaultImageMime
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return chronicle.DefaultImageMime
	}
	return http.DetectContentType(head[:n])
}

// DeleteImage removes the payload and its sidecar; absent images are a no-op.
func (s *Store) DeleteImage(_ context.Context, saveID, imageID string) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	dir := s.imageDir(saveID)
	for _, path := range []string{
		filepath.Join(dir, imageID+imageExt),
		filepath.Join(dir, imageID+mimeExt),
	} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.Wrap(apperrors.CodeInternal, "delete image", err)
		}
	}
	return nil
}

// DeleteSave removes the save's whole subtree.
func (s *Store) DeleteSave(_ context.Context, saveID string) error {
	if err := validSaveID(saveID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.saveDir(saveID)); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("delete save %s", saveID), err)
	}
	return nil
}

var _ storage.Backend = (*Store)(nil)
