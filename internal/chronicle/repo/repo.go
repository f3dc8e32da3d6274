// Package repo reconciles in-memory runtime state with persisted state.
//
// The repository orchestrates the serializer and a pluggable storage
// backend: load, commit, backward pagination, image URL resolution, archive
// export/import, and deletion. It owns two process-local caches — sorted
// chunk summaries per save, and resolved image handles — both rebuilt
// wholesale on structural changes (backend swap, delete, import) rather
// than patched incrementally.
//
// Commit is deliberately not transactional: the full desired state is
// computed first, then written as snapshot → chunk reconciliation → images.
// A crash mid-commit can leave a chunk that duplicates entries already
// folded into the new local window, or an undeleted stale chunk; the local
// window stays internally consistent and the next commit's reconciliation
// re-converges, so no repair pass exists. Callers serialize operations per
// save id; the repository adds no per-save locking.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/archive"
	"github.com/louisbranch/chroniclevault/internal/chronicle/serialize"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
)

const (
	tracerName = "github.com/louisbranch/chroniclevault/internal/chronicle/repo"

	// defaultHandleCapacity bounds live image handles; eviction releases
	// the evicted handle's resource.
	defaultHandleCapacity = 256
)

// RuntimeState is a fully reassembled save: every chunked entry followed by
// the local window, for both logs.
type RuntimeState struct {
	State chronicle.GameState

	// HistoryBaseIndex and StatusChangeBaseIndex count the entries that came
	// from chunks, i.e. the logical offsets where the local windows begin.
	HistoryBaseIndex      int
	StatusChangeBaseIndex int

	Version  int
	Username *string
	SavedAt  time.Time
}

// CommitOptions tunes one commit.
type CommitOptions struct {
	Username          *string
	ChunkSize         int
	LocalHistoryLimit int
	// SavedAt is the snapshot timestamp; zero means now.
	SavedAt time.Time
}

// Repository persists runtime state through a swappable storage backend.
type Repository struct {
	mu      sync.Mutex
	backend storage.Backend
	minter  HandleMinter
	tracer  trace.Tracer

	chunkCache map[string]map[storage.Kind][]chronicle.ChunkSummary
	handles    *lru.Cache[string, Handle]
}

// Option configures a Repository.
type Option func(*Repository)

// WithHandleMinter overrides the display-handle minter.
func WithHandleMinter(minter HandleMinter) Option {
	return func(r *Repository) {
		r.minter = minter
	}
}

// WithHandleCapacity overrides the image-handle cache capacity.
func WithHandleCapacity(capacity int) Option {
	return func(r *Repository) {
		cache, err := lru.NewWithEvict(capacity, evictHandle)
		if err == nil {
			r.handles = cache
		}
	}
}

func evictHandle(_ string, h Handle) {
	if h != nil {
		h.Release()
	}
}

// New creates a repository over backend.
func New(backend storage.Backend, opts ...Option) (*Repository, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	handles, err := lru.NewWithEvict(defaultHandleCapacity, evictHandle)
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}

	r := &Repository{
		backend:    backend,
		minter:     DataURLMinter{},
		tracer:     otel.Tracer(tracerName),
		chunkCache: make(map[string]map[storage.Kind][]chronicle.ChunkSummary),
		handles:    handles,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Repository) currentBackend() storage.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

func (r *Repository) span(ctx context.Context, name, saveID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chronicle.save_id", saveID),
	))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HasSave reports whether a local snapshot exists for the save.
func (r *Repository) HasSave(ctx context.Context, saveID string) (bool, error) {
	root, err := r.currentBackend().ReadLocalState(ctx, saveID)
	if err != nil {
		return false, err
	}
	return root != nil, nil
}

// HasIndexedData reports whether any chunk or image exists, independent of
// the snapshot. This distinguishes "never played" from "played, only chunks
// remain after a partial wipe".
func (r *Repository) HasIndexedData(ctx context.Context, saveID string) (bool, error) {
	backend := r.currentBackend()
	for _, kind := range storage.Kinds() {
		summaries, err := backend.ListChunks(ctx, saveID, kind)
		if err != nil {
			return false, err
		}
		if len(summaries) > 0 {
			return true, nil
		}
	}
	images, err := backend.ListImages(ctx, saveID)
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// LoadRuntimeState reassembles the full runtime state: all chunk entries in
// range order, then the snapshot's local window. Returns nil when no
// snapshot exists. The chunk-summary cache is refreshed as a side effect.
func (r *Repository) LoadRuntimeState(ctx context.Context, saveID string) (rs *RuntimeState, err error) {
	ctx, span := r.span(ctx, "chronicle.load", saveID)
	defer func() { finishSpan(span, err) }()

	backend := r.currentBackend()
	root, err := backend.ReadLocalState(ctx, saveID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}

	summaryCache := make(map[storage.Kind][]chronicle.ChunkSummary, 2)
	merged := root.GameState

	historyEntries, historySummaries, err := r.loadChunkEntries(ctx, backend, saveID, storage.KindHistory)
	if err != nil {
		return nil, err
	}
	summaryCache[storage.KindHistory] = historySummaries
	merged.History = append(historyEntries, root.GameState.History...)

	statusEntries, statusSummaries, err := r.loadChunkEntries(ctx, backend, saveID, storage.KindStatusChange)
	if err != nil {
		return nil, err
	}
	summaryCache[storage.KindStatusChange] = statusSummaries
	if root.GameState.StatusTrack != nil {
		track := *root.GameState.StatusTrack
		track.StatusChange = append(statusEntries, root.GameState.StatusTrack.StatusChange...)
		merged.StatusTrack = &track
	} else if len(statusEntries) > 0 {
		merged.StatusTrack = &chronicle.StatusTrack{StatusChange: statusEntries}
	}

	r.mu.Lock()
	r.chunkCache[saveID] = summaryCache
	r.mu.Unlock()

	return &RuntimeState{
		State:                 merged,
		HistoryBaseIndex:      len(historyEntries),
		StatusChangeBaseIndex: len(statusEntries),
		Version:               root.Version,
		Username:              root.Username,
		SavedAt:               time.UnixMilli(root.SavedAt).UTC(),
	}, nil
}

// loadChunkEntries reads every chunk of one kind, oldest first. Chunks that
// fail to read are skipped, matching the backend's fail-soft contract.
func (r *Repository) loadChunkEntries(ctx context.Context, backend storage.Backend, saveID string, kind storage.Kind) ([]json.RawMessage, []chronicle.ChunkSummary, error) {
	summaries, err := backend.ListChunks(ctx, saveID, kind)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Start < summaries[j].Start })

	var entries []json.RawMessage
	for _, summary := range summaries {
		chunk, err := backend.GetChunk(ctx, saveID, kind, summary.ID)
		if err != nil {
			return nil, nil, err
		}
		if chunk == nil {
			continue
		}
		entries = append(entries, chunk.Entries...)
	}
	return entries, summaries, nil
}

// CommitRuntimeState serializes state and writes it through the backend:
// snapshot first, then per-kind chunk reconciliation (stale deletes and new
// writes issued concurrently; target keys are disjoint), then any image not
// already present. Images are append-only: a commit never deletes or
// overwrites one.
func (r *Repository) CommitRuntimeState(ctx context.Context, saveID string, state chronicle.GameState, opts CommitOptions) (err error) {
	ctx, span := r.span(ctx, "chronicle.commit", saveID)
	defer func() { finishSpan(span, err) }()

	res, err := serialize.Run(state, serialize.Options{
		Username:          opts.Username,
		SavedAt:           opts.SavedAt,
		ChunkSize:         opts.ChunkSize,
		LocalHistoryLimit: opts.LocalHistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	span.SetAttributes(
		attribute.Int("chronicle.history_chunks", len(res.HistoryChunks)),
		attribute.Int("chronicle.images", len(res.Images)),
	)

	backend := r.currentBackend()
	if err := backend.WriteLocalState(ctx, saveID, &res.Local); err != nil {
		return err
	}

	newChunks := map[storage.Kind][]chronicle.Chunk{
		storage.KindHistory:      res.HistoryChunks,
		storage.KindStatusChange: res.StatusChangeChunks,
	}
	summaryCache := make(map[storage.Kind][]chronicle.ChunkSummary, 2)
	for _, kind := range storage.Kinds() {
		if err := r.reconcileChunks(ctx, backend, saveID, kind, newChunks[kind]); err != nil {
			return err
		}
		summaries := make([]chronicle.ChunkSummary, 0, len(newChunks[kind]))
		for _, chunk := range newChunks[kind] {
			summaries = append(summaries, chunk.Summary())
		}
		summaryCache[kind] = summaries
	}

	if err := r.writeMissingImages(ctx, backend, saveID, res.Images); err != nil {
		return err
	}

	r.mu.Lock()
	r.chunkCache[saveID] = summaryCache
	r.mu.Unlock()
	return nil
}

// reconcileChunks deletes every stored chunk whose id is absent from the
// desired set and writes every desired chunk. The existing listing is read
// before any write is issued; the deletes and writes themselves touch
// disjoint keys and run as one concurrent batch.
func (r *Repository) reconcileChunks(ctx context.Context, backend storage.Backend, saveID string, kind storage.Kind, desired []chronicle.Chunk) error {
	existing, err := backend.ListChunks(ctx, saveID, kind)
	if err != nil {
		return err
	}

	desiredIDs := make(map[string]struct{}, len(desired))
	for _, chunk := range desired {
		desiredIDs[chunk.ID] = struct{}{}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, summary := range existing {
		if _, ok := desiredIDs[summary.ID]; ok {
			continue
		}
		chunkID := summary.ID
		g.Go(func() error {
			return backend.DeleteChunk(ctx, saveID, kind, chunkID)
		})
	}
	for _, chunk := range desired {
		chunk := chunk
		g.Go(func() error {
			return backend.PutChunk(ctx, saveID, kind, chunk)
		})
	}
	return g.Wait()
}

// writeMissingImages writes every extracted image not already stored.
func (r *Repository) writeMissingImages(ctx context.Context, backend storage.Backend, saveID string, images []chronicle.Image) error {
	if len(images) == 0 {
		return nil
	}
	existing, err := backend.ListImages(ctx, saveID)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(existing))
	for _, summary := range existing {
		present[summary.ID] = struct{}{}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, img := range images {
		if _, ok := present[img.ID]; ok {
			continue
		}
		img := img
		g.Go(func() error {
			return backend.PutImage(ctx, saveID, img)
		})
	}
	return g.Wait()
}

// FetchHistoryBefore pages backward over chunked history only; the local
// window is the caller's to keep. It returns, in forward order, up to limit
// entries whose logical indices fall in [beforeIndex-limit, beforeIndex),
// restricted to chunk-resident indices. Non-positive arguments yield an
// empty result.
func (r *Repository) FetchHistoryBefore(ctx context.Context, saveID string, beforeIndex, limit int) (entries []json.RawMessage, err error) {
	if beforeIndex <= 0 || limit <= 0 {
		return nil, nil
	}

	ctx, span := r.span(ctx, "chronicle.fetch_history_before", saveID)
	span.SetAttributes(
		attribute.Int("chronicle.before_index", beforeIndex),
		attribute.Int("chronicle.limit", limit),
	)
	defer func() { finishSpan(span, err) }()

	backend := r.currentBackend()
	summaries, err := r.chunkSummaries(ctx, backend, saveID, storage.KindHistory)
	if err != nil {
		return nil, err
	}

	var collected []json.RawMessage
	for i := len(summaries) - 1; i >= 0 && len(collected) < limit; i-- {
		summary := summaries[i]
		if summary.Start >= beforeIndex {
			continue
		}
		chunk, err := backend.GetChunk(ctx, saveID, storage.KindHistory, summary.ID)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}

		chunkEntries := chunk.Entries
		// Trim the chunk that straddles beforeIndex to the entries strictly
		// before it.
		if summary.End >= beforeIndex {
			keep := beforeIndex - summary.Start
			if keep < 0 {
				keep = 0
			}
			if keep > len(chunkEntries) {
				keep = len(chunkEntries)
			}
			chunkEntries = chunkEntries[:keep]
		}

		need := limit - len(collected)
		if len(chunkEntries) > need {
			chunkEntries = chunkEntries[len(chunkEntries)-need:]
		}
		collected = append(append([]json.RawMessage{}, chunkEntries...), collected...)
	}
	return collected, nil
}

// chunkSummaries returns the cached sorted summaries for a save, listing
// from the backend on a cache miss.
func (r *Repository) chunkSummaries(ctx context.Context, backend storage.Backend, saveID string, kind storage.Kind) ([]chronicle.ChunkSummary, error) {
	r.mu.Lock()
	if kinds, ok := r.chunkCache[saveID]; ok {
		if summaries, ok := kinds[kind]; ok {
			r.mu.Unlock()
			return summaries, nil
		}
	}
	r.mu.Unlock()

	summaries, err := backend.ListChunks(ctx, saveID, kind)
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Start < summaries[j].Start })

	r.mu.Lock()
	if _, ok := r.chunkCache[saveID]; !ok {
		r.chunkCache[saveID] = make(map[storage.Kind][]chronicle.ChunkSummary, 2)
	}
	r.chunkCache[saveID][kind] = summaries
	r.mu.Unlock()
	return summaries, nil
}

// ResolveImageURL resolves the image extracted from the given history index
// into a display URL, minting and caching a handle on first use. Returns ""
// when no image exists for that index.
func (r *Repository) ResolveImageURL(ctx context.Context, saveID string, historyIndex int) (url string, err error) {
	ctx, span := r.span(ctx, "chronicle.resolve_image", saveID)
	defer func() { finishSpan(span, err) }()

	imageID := chronicle.ImageID(historyIndex)
	key := saveID + "::" + imageID
	if handle, ok := r.handles.Get(key); ok {
		return handle.URL(), nil
	}

	img, err := r.currentBackend().GetImage(ctx, saveID, imageID)
	if err != nil {
		return "", err
	}
	if img == nil {
		return "", nil
	}

	handle, err := r.minter.Mint(saveID, *img)
	if err != nil {
		return "", fmt.Errorf("mint image handle: %w", err)
	}
	r.handles.Add(key, handle)
	return handle.URL(), nil
}

// ExportZip writes the save as a zip archive to w.
func (r *Repository) ExportZip(ctx context.Context, saveID string, w io.Writer) (err error) {
	ctx, span := r.span(ctx, "chronicle.export", saveID)
	defer func() { finishSpan(span, err) }()

	return archive.Export(ctx, r.currentBackend(), saveID, w)
}

// ImportZip restores a save from a zip archive, wiping any existing save
// under saveID first. Both caches are purged for the save: whatever they
// held describes the pre-import world.
func (r *Repository) ImportZip(ctx context.Context, saveID string, src io.ReaderAt, size int64, opts archive.ImportOptions) (err error) {
	ctx, span := r.span(ctx, "chronicle.import", saveID)
	defer func() { finishSpan(span, err) }()

	if err := archive.Import(ctx, r.currentBackend(), saveID, src, size, opts); err != nil {
		return err
	}
	r.purgeSave(saveID)
	return nil
}

// DeleteSave removes every stored record for the save and purges both
// caches; image handles are purged by save-id prefix, not wholesale.
func (r *Repository) DeleteSave(ctx context.Context, saveID string) (err error) {
	ctx, span := r.span(ctx, "chronicle.delete", saveID)
	defer func() { finishSpan(span, err) }()

	if err := r.currentBackend().DeleteSave(ctx, saveID); err != nil {
		return err
	}
	r.purgeSave(saveID)
	return nil
}

// purgeSave drops cached summaries and releases cached handles for one save.
func (r *Repository) purgeSave(saveID string) {
	r.mu.Lock()
	delete(r.chunkCache, saveID)
	r.mu.Unlock()

	prefix := saveID + "::"
	for _, key := range r.handles.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.handles.Remove(key)
		}
	}
}

// SetBackend swaps the active backend and clears both caches
// unconditionally; cached data is backend-specific and must never leak
// across a swap.
func (r *Repository) SetBackend(backend storage.Backend) error {
	if backend == nil {
		return fmt.Errorf("storage backend is required")
	}
	r.mu.Lock()
	r.backend = backend
	r.chunkCache = make(map[string]map[storage.Kind][]chronicle.ChunkSummary)
	r.mu.Unlock()

	r.handles.Purge()
	return nil
}

// Close releases every cached image handle.
func (r *Repository) Close() error {
	r.handles.Purge()
	return nil
}
