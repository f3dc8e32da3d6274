package dirtree

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage/storagetest"
	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t)
	})
}

func TestOpenRequiresRoot(t *testing.T) {
	_, err := Open("  ")
	if err == nil {
		t.Fatal("expected error for empty root")
	}
	if !apperrors.IsPrecondition(err) {
		t.Fatalf("expected precondition code, got %s", apperrors.CodeOf(err))
	}
}

func TestInvalidSaveIDRejected(t *testing.T) {
	store := openTestStore(t)

	for _, saveID := range []string{"", "../escape", `a/b`, `a\b`} {
		_, err := store.ReadLocalState(context.Background(), saveID)
		if !apperrors.IsPrecondition(err) {
			t.Fatalf("expected precondition error for %q, got %v", saveID, err)
		}
	}
}

func TestCorruptSnapshotReadsAsAbsent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(store.Root(), "save_x", "localStorage", "root_save.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	root, err := store.ReadLocalState(ctx, "x")
	if err != nil {
		t.Fatalf("read corrupt snapshot: %v", err)
	}
	if root != nil {
		t.Fatal("expected corrupt snapshot to read as absent")
	}
}

func TestCorruptChunkOmittedFromList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	good := chronicle.Chunk{
		ID:      chronicle.ChunkID(0),
		Range:   [2]int{0, 0},
		Entries: []json.RawMessage{json.RawMessage(`{"text":"ok"}`)},
	}
	if err := store.PutChunk(ctx, "x", storage.KindHistory, good); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	badPath := filepath.Join(store.Root(), "save_x", "indexedDB", "history", "chunk_0001.json")
	if err := os.WriteFile(badPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write corrupt chunk: %v", err)
	}

	summaries, err := store.ListChunks(ctx, "x", storage.KindHistory)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != good.ID {
		t.Fatalf("expected corrupt chunk omitted, got %+v", summaries)
	}

	chunk, err := store.GetChunk(ctx, "x", storage.KindHistory, "chunk_0001")
	if err != nil {
		t.Fatalf("get corrupt chunk: %v", err)
	}
	if chunk != nil {
		t.Fatal("expected corrupt chunk to read as absent")
	}
}

func TestImageMimeSidecarFallback(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	png := append([]byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 16)...)
	if err := store.PutImage(ctx, "x", chronicle.Image{ID: "h_0", Mime: "image/png", Data: png}); err != nil {
		t.Fatalf("put image: %v", err)
	}

	// Remove the sidecar so the payload gets sniffed.
	sidecar := filepath.Join(store.Root(), "save_x", "indexedDB", "images", "h_0.mime")
	if err := os.Remove(sidecar); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}

	img, err := store.GetImage(ctx, "x", "h_0")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img == nil || img.Mime != "image/png" {
		t.Fatalf("expected sniffed image/png, got %+v", img)
	}

	summaries, err := store.ListImages(ctx, "x")
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Mime != "image/png" {
		t.Fatalf("expected sniffed mime in summary, got %+v", summaries)
	}
}

func TestAcceptsSnapshotFromLegacyFormat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	legacy := []byte(`{"history":[{"text":"old"}],"settings":{"theme":"dark"}}`)
	path := filepath.Join(store.Root(), "save_x", "localStorage", "root_save.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, legacy, 0o644); err != nil {
		t.Fatalf("write legacy snapshot: %v", err)
	}

	root, err := store.ReadLocalState(ctx, "x")
	if err != nil {
		t.Fatalf("read legacy snapshot: %v", err)
	}
	if root == nil {
		t.Fatal("expected legacy snapshot to load")
	}
	if root.Version != chronicle.CurrentVersion || root.Username != nil {
		t.Fatalf("expected promoted wrapper, got %+v", root)
	}
	if len(root.GameState.History) != 1 {
		t.Fatalf("expected history preserved, got %d entries", len(root.GameState.History))
	}
}
