// Package storagetest exercises the backend contract shared by every
// storage implementation.
package storagetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
)

// Factory opens a fresh, empty backend for one test.
type Factory func(t *testing.T) storage.Backend

func testRoot(username string) *chronicle.RootSave {
	return &chronicle.RootSave{
		Version:  chronicle.CurrentVersion,
		Username: &username,
		SavedAt:  1700000000000,
		GameState: chronicle.GameState{
			History: []json.RawMessage{json.RawMessage(`{"text":"local"}`)},
			Extra: map[string]json.RawMessage{
				"settings": json.RawMessage(`{}`),
			},
		},
	}
}

func testChunk(position, start int, size int) chronicle.Chunk {
	entries := make([]json.RawMessage, size)
	for i := range entries {
		entries[i] = json.RawMessage(fmt.Sprintf(`{"text":"entry %d"}`, start+i))
	}
	return chronicle.Chunk{
		ID:      chronicle.ChunkID(position),
		Range:   [2]int{start, start + size - 1},
		Entries: entries,
	}
}

// Run executes the full backend contract against backends built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("LocalStateRoundTrip", func(t *testing.T) { testLocalStateRoundTrip(t, factory) })
	t.Run("LocalStateAbsent", func(t *testing.T) { testLocalStateAbsent(t, factory) })
	t.Run("ChunkLifecycle", func(t *testing.T) { testChunkLifecycle(t, factory) })
	t.Run("ChunkKindsAreIsolated", func(t *testing.T) { testChunkKindsAreIsolated(t, factory) })
	t.Run("ImageLifecycle", func(t *testing.T) { testImageLifecycle(t, factory) })
	t.Run("DeleteSaveRemovesEverything", func(t *testing.T) { testDeleteSave(t, factory) })
	t.Run("SavesAreIsolated", func(t *testing.T) { testSaveIsolation(t, factory) })
}

func testLocalStateRoundTrip(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	if err := backend.WriteLocalState(ctx, "save-a", testRoot("ash")); err != nil {
		t.Fatalf("write local state: %v", err)
	}

	got, err := backend.ReadLocalState(ctx, "save-a")
	if err != nil {
		t.Fatalf("read local state: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if got.Username == nil || *got.Username != "ash" {
		t.Fatalf("unexpected username: %v", got.Username)
	}
	if len(got.GameState.History) != 1 {
		t.Fatalf("expected 1 local entry, got %d", len(got.GameState.History))
	}

	// Overwrite wholesale.
	if err := backend.WriteLocalState(ctx, "save-a", testRoot("brook")); err != nil {
		t.Fatalf("overwrite local state: %v", err)
	}
	got, err = backend.ReadLocalState(ctx, "save-a")
	if err != nil {
		t.Fatalf("read after overwrite: %v", err)
	}
	if got.Username == nil || *got.Username != "brook" {
		t.Fatalf("expected overwritten username, got %v", got.Username)
	}
}

func testLocalStateAbsent(t *testing.T, factory Factory) {
	backend := factory(t)

	got, err := backend.ReadLocalState(context.Background(), "never-played")
	if err != nil {
		t.Fatalf("read absent state: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for absent snapshot")
	}
}

func testChunkLifecycle(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	first := testChunk(0, 0, 100)
	second := testChunk(1, 100, 100)
	for _, chunk := range []chronicle.Chunk{second, first} {
		if err := backend.PutChunk(ctx, "save-a", storage.KindHistory, chunk); err != nil {
			t.Fatalf("put chunk %s: %v", chunk.ID, err)
		}
	}

	summaries, err := backend.ListChunks(ctx, "save-a", storage.KindHistory)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	for _, summary := range summaries {
		if summary.ID == first.ID && (summary.Start != 0 || summary.End != 99) {
			t.Fatalf("unexpected summary range: %+v", summary)
		}
	}

	got, err := backend.GetChunk(ctx, "save-a", storage.KindHistory, first.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got == nil {
		t.Fatal("expected chunk")
	}
	if got.Range != first.Range || len(got.Entries) != 100 {
		t.Fatalf("unexpected chunk: range %v entries %d", got.Range, len(got.Entries))
	}
	if !bytes.Equal(got.Entries[5], first.Entries[5]) {
		t.Fatal("entry payload changed in storage")
	}

	missing, err := backend.GetChunk(ctx, "save-a", storage.KindHistory, "chunk_9999")
	if err != nil {
		t.Fatalf("get missing chunk: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing chunk")
	}

	if err := backend.DeleteChunk(ctx, "save-a", storage.KindHistory, first.ID); err != nil {
		t.Fatalf("delete chunk: %v", err)
	}
	if err := backend.DeleteChunk(ctx, "save-a", storage.KindHistory, first.ID); err != nil {
		t.Fatalf("delete chunk twice: %v", err)
	}
	summaries, err = backend.ListChunks(ctx, "save-a", storage.KindHistory)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != second.ID {
		t.Fatalf("expected only %s to remain, got %+v", second.ID, summaries)
	}
}

func testChunkKindsAreIsolated(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	if err := backend.PutChunk(ctx, "save-a", storage.KindHistory, testChunk(0, 0, 3)); err != nil {
		t.Fatalf("put history chunk: %v", err)
	}
	if err := backend.PutChunk(ctx, "save-a", storage.KindStatusChange, testChunk(0, 0, 2)); err != nil {
		t.Fatalf("put status chunk: %v", err)
	}

	history, err := backend.ListChunks(ctx, "save-a", storage.KindHistory)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	status, err := backend.ListChunks(ctx, "save-a", storage.KindStatusChange)
	if err != nil {
		t.Fatalf("list status: %v", err)
	}
	if len(history) != 1 || len(status) != 1 {
		t.Fatalf("expected 1 chunk per kind, got %d/%d", len(history), len(status))
	}
	if history[0].End != 2 || status[0].End != 1 {
		t.Fatalf("kinds bled into each other: %+v %+v", history, status)
	}
}

func testImageLifecycle(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	img := chronicle.Image{ID: "h_42", Mime: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47, 1, 2, 3}}
	if err := backend.PutImage(ctx, "save-a", img); err != nil {
		t.Fatalf("put image: %v", err)
	}

	got, err := backend.GetImage(ctx, "save-a", "h_42")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if got == nil {
		t.Fatal("expected image")
	}
	if got.Mime != "image/png" || !bytes.Equal(got.Data, img.Data) {
		t.Fatalf("image did not round trip: %s %v", got.Mime, got.Data)
	}

	summaries, err := backend.ListImages(ctx, "save-a")
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "h_42" || summaries[0].Mime != "image/png" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}

	missing, err := backend.GetImage(ctx, "save-a", "h_404")
	if err != nil {
		t.Fatalf("get missing image: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing image")
	}

	if err := backend.DeleteImage(ctx, "save-a", "h_42"); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	summaries, err = backend.ListImages(ctx, "save-a")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("expected no images, got %+v", summaries)
	}
}

func testDeleteSave(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	if err := backend.WriteLocalState(ctx, "save-a", testRoot("ash")); err != nil {
		t.Fatalf("write local state: %v", err)
	}
	if err := backend.PutChunk(ctx, "save-a", storage.KindHistory, testChunk(0, 0, 3)); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	if err := backend.PutImage(ctx, "save-a", chronicle.Image{ID: "h_0", Mime: "image/png", Data: []byte{1}}); err != nil {
		t.Fatalf("put image: %v", err)
	}

	if err := backend.DeleteSave(ctx, "save-a"); err != nil {
		t.Fatalf("delete save: %v", err)
	}

	root, err := backend.ReadLocalState(ctx, "save-a")
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if root != nil {
		t.Fatal("expected snapshot removed")
	}
	chunks, err := backend.ListChunks(ctx, "save-a", storage.KindHistory)
	if err != nil {
		t.Fatalf("list chunks after delete: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected chunks removed, got %+v", chunks)
	}
	images, err := backend.ListImages(ctx, "save-a")
	if err != nil {
		t.Fatalf("list images after delete: %v", err)
	}
	if len(images) != 0 {
		t.Fatalf("expected images removed, got %+v", images)
	}
}

func testSaveIsolation(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	if err := backend.PutChunk(ctx, "save-a", storage.KindHistory, testChunk(0, 0, 3)); err != nil {
		t.Fatalf("put chunk for save-a: %v", err)
	}
	if err := backend.DeleteSave(ctx, "save-b"); err != nil {
		t.Fatalf("delete unrelated save: %v", err)
	}

	chunks, err := backend.ListChunks(ctx, "save-a", storage.KindHistory)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected save-a untouched, got %+v", chunks)
	}
}
