// Package archive moves whole saves in and out of zip archives.
//
// The layout mirrors the dirtree backend so an unpacked archive is readable
// by filesystem tools:
//
//	save_<id>/localStorage/root_save.json
//	save_<id>/indexedDB/history/<chunkId>.json
//	save_<id>/indexedDB/status_change/<chunkId>.json
//	save_<id>/indexedDB/images/<imageId>.bin
//	save_<id>/indexedDB/meta.json
//
// Image files are raw bytes; meta.json records each image's mime type so it
// survives the binary-only files.
package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

const (
	rootSavePath = "localStorage/root_save.json"
	metaPath     = "indexedDB/meta.json"
)

// meta survives export as indexedDB/meta.json.
type meta struct {
	HistoryChunks      []chronicle.ChunkSummary `json:"historyChunks"`
	StatusChangeChunks []chronicle.ChunkSummary `json:"statusChangeChunks"`
	Images             []chronicle.ImageSummary `json:"images"`
}

// chunkFile is the per-chunk archive payload. The chunk id is carried by the
// filename on export but never trusted on import; ids are re-derived from
// the embedded ranges.
type chunkFile struct {
	Range   [2]int            `json:"range"`
	Entries []json.RawMessage `json:"entries"`
}

// ImportOptions tunes archive import.
type ImportOptions struct {
	// Username is applied when the archived snapshot is a bare legacy game
	// state; versioned snapshots keep their recorded username.
	Username *string
}

// Export writes the save as a zip archive to w.
//
// A save without a snapshot cannot be exported; everything else degrades
// gracefully, skipping chunks or images that fail to read.
func Export(ctx context.Context, backend storage.Backend, saveID string, w io.Writer) error {
	root, err := backend.ReadLocalState(ctx, saveID)
	if err != nil {
		return fmt.Errorf("read local state: %w", err)
	}
	if root == nil {
		return apperrors.WithMetadata(apperrors.CodePreconditionFailed, "no snapshot to export", map[string]string{"save_id": saveID})
	}

	zw := zip.NewWriter(w)
	prefix := "save_" + saveID + "/"

	rootJSON, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("encode root save: %w", err)
	}
	if err := writeArchiveFile(zw, prefix+rootSavePath, rootJSON); err != nil {
		return err
	}

	var m meta
	for _, kind := range storage.Kinds() {
		summaries, err := exportChunks(ctx, backend, saveID, kind, zw, prefix)
		if err != nil {
			return err
		}
		switch kind {
		case storage.KindHistory:
			m.HistoryChunks = summaries
		case storage.KindStatusChange:
			m.StatusChangeChunks = summaries
		}
	}

	images, err := backend.ListImages(ctx, saveID)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, summary := range images {
		img, err := backend.GetImage(ctx, saveID, summary.ID)
		if err != nil {
			return fmt.Errorf("read image %s: %w", summary.ID, err)
		}
		if img == nil {
			continue
		}
		if err := writeArchiveFile(zw, prefix+"indexedDB/images/"+img.ID+".bin", img.Data); err != nil {
			return err
		}
		m.Images = append(m.Images, chronicle.ImageSummary{ID: img.ID, Mime: img.Mime})
	}

	metaJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := writeArchiveFile(zw, prefix+metaPath, metaJSON); err != nil {
		return err
	}

	return zw.Close()
}

func exportChunks(ctx context.Context, backend storage.Backend, saveID string, kind storage.Kind, zw *zip.Writer, prefix string) ([]chronicle.ChunkSummary, error) {
	summaries, err := backend.ListChunks(ctx, saveID, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s chunks: %w", kind, err)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Start < summaries[j].Start })

	var written []chronicle.ChunkSummary
	for _, summary := range summaries {
		chunk, err := backend.GetChunk(ctx, saveID, kind, summary.ID)
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", summary.ID, err)
		}
		if chunk == nil {
			continue
		}
		data, err := json.Marshal(chunkFile{Range: chunk.Range, Entries: chunk.Entries})
		if err != nil {
			return nil, fmt.Errorf("encode chunk %s: %w", summary.ID, err)
		}
		name := prefix + "indexedDB/" + string(kind) + "/" + chunk.ID + ".json"
		if err := writeArchiveFile(zw, name, data); err != nil {
			return nil, err
		}
		written = append(written, chunk.Summary())
	}
	return written, nil
}

func writeArchiveFile(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	return nil
}

// Import restores a save from a zip archive into backend under saveID,
// wiping any existing save first.
//
// The root snapshot is located by suffix so archives renamed or nested under
// an unknown folder still import. Missing or shape-mismatched snapshots fail
// fast; malformed chunk or image files are skipped.
func Import(ctx context.Context, backend storage.Backend, saveID string, r io.ReaderAt, size int64, opts ImportOptions) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePreconditionFailed, "archive is not a readable zip", err)
	}

	rootFile := findRootSave(zr)
	if rootFile == nil {
		return apperrors.New(apperrors.CodePreconditionFailed, "archive has no localStorage/root_save.json")
	}
	rootPrefix := strings.TrimSuffix(rootFile.Name, rootSavePath)

	data, err := readArchiveFile(rootFile)
	if err != nil {
		return fmt.Errorf("read archived snapshot: %w", err)
	}
	root, promoted, err := chronicle.DecodeRootSave(data, time.Now())
	if err != nil {
		return err
	}
	if promoted && opts.Username != nil {
		root.Username = opts.Username
	}

	if err := backend.DeleteSave(ctx, saveID); err != nil {
		return fmt.Errorf("wipe existing save: %w", err)
	}
	if err := backend.WriteLocalState(ctx, saveID, root); err != nil {
		return fmt.Errorf("write imported snapshot: %w", err)
	}

	for _, kind := range storage.Kinds() {
		if err := importChunks(ctx, backend, saveID, kind, zr, rootPrefix); err != nil {
			return err
		}
	}
	return importImages(ctx, backend, saveID, zr, rootPrefix)
}

func findRootSave(zr *zip.Reader) *zip.File {
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, rootSavePath) {
			return f
		}
	}
	return nil
}

func readArchiveFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// importChunks re-derives positional chunk ids from the embedded ranges:
// files are ordered by range start and renumbered, so the filenames in the
// archive carry no authority.
func importChunks(ctx context.Context, backend storage.Backend, saveID string, kind storage.Kind, zr *zip.Reader, rootPrefix string) error {
	dir := rootPrefix + "indexedDB/" + string(kind) + "/"

	var files []chunkFile
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, dir) || !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		if path.Dir(f.Name)+"/" != dir {
			continue
		}
		data, err := readArchiveFile(f)
		if err != nil {
			continue
		}
		var cf chunkFile
		if err := json.Unmarshal(data, &cf); err != nil {
			continue
		}
		files = append(files, cf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Range[0] < files[j].Range[0] })

	for i, cf := range files {
		chunk := chronicle.Chunk{
			ID:      chronicle.ChunkID(i),
			Range:   cf.Range,
			Entries: cf.Entries,
		}
		if err := backend.PutChunk(ctx, saveID, kind, chunk); err != nil {
			return fmt.Errorf("restore %s chunk %s: %w", kind, chunk.ID, err)
		}
	}
	return nil
}

func importImages(ctx context.Context, backend storage.Backend, saveID string, zr *zip.Reader, rootPrefix string) error {
	mimes := readMeta(zr, rootPrefix)

	dir := rootPrefix + "indexedDB/images/"
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, dir) || !strings.HasSuffix(f.Name, ".bin") {
			continue
		}
		data, err := readArchiveFile(f)
		if err != nil {
			continue
		}
		imageID := strings.TrimSuffix(path.Base(f.Name), ".bin")
		mime, ok := mimes[imageID]
		if !ok || mime == "" {
			mime = chronicle.DefaultImageMime
		}
		img := chronicle.Image{ID: imageID, Mime: mime, Data: data}
		if err := backend.PutImage(ctx, saveID, img); err != nil {
			return fmt.Errorf("restore image %s: %w", imageID, err)
		}
	}
	return nil
}

// readMeta returns image mime types from meta.json, or an empty map when the
// file is missing or malformed.
func readMeta(zr *zip.Reader, rootPrefix string) map[string]string {
	mimes := make(map[string]string)
	for _, f := range zr.File {
		if f.Name != rootPrefix+metaPath {
			continue
		}
		data, err := readArchiveFile(f)
		if err != nil {
			return mimes
		}
		var m meta
		if err := json.Unmarshal(data, &m); err != nil {
			return mimes
		}
		for _, img := range m.Images {
			mimes[img.ID] = img.Mime
		}
		return mimes
	}
	return mimes
}
