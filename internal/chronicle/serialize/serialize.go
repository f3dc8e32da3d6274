// Package serialize splits a full runtime game state into a local snapshot,
// fixed-size overflow chunks, and extracted image payloads.
//
// Chunk ids are positional and regenerated on every run. The head log is
// append-only in normal play, so this only churns ids when the retention
// window shrinks; in exchange, commit-time reconciliation is a plain id set
// difference.
package serialize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
)

const (
	// DefaultChunkSize is the number of entries per overflow chunk.
	DefaultChunkSize = 100

	// unboundedLimit stands in for "keep everything local" when the settings
	// sentinel asks for an unbounded window.
	unboundedLimit = 1_000_000
)

// Options configures one serialization run.
type Options struct {
	// Username is recorded on the snapshot; nil means anonymous.
	Username *string
	// SavedAt is the snapshot timestamp; zero means now.
	SavedAt time.Time
	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int
	// LocalHistoryLimit overrides the settings-derived retention window when
	// positive. Zero or negative defers to the state's settings.
	LocalHistoryLimit int
}

// Result is the persisted decomposition of one game state.
type Result struct {
	Local              chronicle.RootSave
	HistoryChunks      []chronicle.Chunk
	StatusChangeChunks []chronicle.Chunk
	Images             []chronicle.Image

	// HistoryBaseIndex and StatusChangeBaseIndex count the entries that
	// moved into chunks, i.e. the logical offsets where the local windows
	// begin.
	HistoryBaseIndex      int
	StatusChangeBaseIndex int
}

// Run produces the snapshot, chunk sets, and images for state.
//
// Image extraction happens before windowing so image ids derive from the
// entry's position in the full log and stay stable across later commits.
// The input state is never mutated. Output is deterministic for identical
// inputs; empty logs produce zero chunks.
func Run(state chronicle.GameState, opts Options) (Result, error) {
	limit := resolveHistoryLimit(state, opts.LocalHistoryLimit)
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	savedAt := opts.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	cleaned, images, err := extractImages(state.History)
	if err != nil {
		return Result{}, err
	}

	historyHead, localHistory := window(cleaned, limit)
	historyChunks := buildChunks(historyHead, chunkSize)

	var statusEntries []json.RawMessage
	if state.StatusTrack != nil {
		statusEntries = state.StatusTrack.StatusChange
	}
	statusHead, localStatus := window(statusEntries, limit)
	statusChunks := buildChunks(statusHead, chunkSize)

	local := state
	local.History = localHistory
	if state.StatusTrack != nil {
		track := *state.StatusTrack
		track.StatusChange = localStatus
		local.StatusTrack = &track
	}

	return Result{
		Local: chronicle.RootSave{
			Version:   chronicle.CurrentVersion,
			Username:  opts.Username,
			SavedAt:   savedAt.UTC().UnixMilli(),
			GameState: local,
		},
		HistoryChunks:         historyChunks,
		StatusChangeChunks:    statusChunks,
		Images:                images,
		HistoryBaseIndex:      len(historyHead),
		StatusChangeBaseIndex: len(statusHead),
	}, nil
}

// resolveHistoryLimit applies the override, the settings value, and the
// unbounded sentinel, clamped to at least one entry.
func resolveHistoryLimit(state chronicle.GameState, override int) int {
	limit := override
	if limit <= 0 {
		limit = int(gjson.GetBytes(state.Extra["settings"], "local_history_limit").Int())
	}
	if limit <= 0 {
		limit = unboundedLimit
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// extractImages pulls inline data-URL payloads out of history entries,
// replacing each with the empty marker. Entries whose image field is absent,
// already a marker, or an unparseable data URL pass through untouched.
func extractImages(history []json.RawMessage) ([]json.RawMessage, []chronicle.Image, error) {
	cleaned := make([]json.RawMessage, len(history))
	var images []chronicle.Image
	for i, entry := range history {
		value := gjson.GetBytes(entry, "image")
		if !value.Exists() || value.Type != gjson.String {
			cleaned[i] = entry
			continue
		}
		mime, data, ok := chronicle.ParseDataURL(value.String())
		if !ok {
			cleaned[i] = entry
			continue
		}

		images = append(images, chronicle.Image{
			ID:   chronicle.ImageID(i),
			Mime: mime,
			Data: data,
		})
		stripped, err := sjson.SetBytes(append([]byte(nil), entry...), "image", "")
		if err != nil {
			return nil, nil, fmt.Errorf("strip image from entry %d: %w", i, err)
		}
		cleaned[i] = stripped
	}
	return cleaned, images, nil
}

// window splits entries into the chunkable head and the retained tail.
func window(entries []json.RawMessage, limit int) (head, local []json.RawMessage) {
	keep := limit
	if keep > len(entries) {
		keep = len(entries)
	}
	base := len(entries) - keep
	local = entries[base:]
	if local == nil {
		local = []json.RawMessage{}
	}
	return entries[:base], local
}

// buildChunks groups head into fixed-size chunks with contiguous inclusive
// ranges tiling [0, len(head)).
func buildChunks(head []json.RawMessage, chunkSize int) []chronicle.Chunk {
	var chunks []chronicle.Chunk
	for offset := 0; offset < len(head); offset += chunkSize {
		end := offset + chunkSize
		if end > len(head) {
			end = len(head)
		}
		chunks = append(chunks, chronicle.Chunk{
			ID:      chronicle.ChunkID(len(chunks)),
			Range:   [2]int{offset, end - 1},
			Entries: head[offset:end],
		})
	}
	return chunks
}
