// Package chronicle defines the persisted shapes of a narrative save:
// the root snapshot, range-addressed overflow chunks, and extracted images.
//
// The game state is opaque to this subsystem except for its two log fields
// (history and status-change). Every other field is carried through as raw
// JSON so the rest of the application can evolve its schema without touching
// persistence.
package chronicle

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the snapshot schema version written on every commit.
// Older snapshots without a version wrapper are promoted to version 1 on
// read (see DecodeRootSave).
const CurrentVersion = 1

// GameState is the runtime state of one playthrough. History and StatusTrack
// are the two log fields this subsystem windows and chunks; Extra carries
// every other top-level field untouched.
type GameState struct {
	History     []json.RawMessage
	StatusTrack *StatusTrack
	Extra       map[string]json.RawMessage
}

// StatusTrack holds the parallel status-change log plus its sibling fields.
type StatusTrack struct {
	StatusChange []json.RawMessage
	Extra        map[string]json.RawMessage
}

// RootSave is the single always-present record for a save: the most recent
// log entries inline plus all non-log state.
type RootSave struct {
	Version   int       `json:"version"`
	Username  *string   `json:"username"`
	SavedAt   int64     `json:"savedAt"` // UTC milliseconds
	GameState GameState `json:"gameState"`
}

// Chunk is an immutable batch of older log entries evicted from the local
// window. Range is inclusive, 0-based, and contiguous with neighbors.
type Chunk struct {
	ID      string            `json:"chunkId"`
	Range   [2]int            `json:"range"`
	Entries []json.RawMessage `json:"entries"`
}

// ChunkSummary is the lightweight listing shape: id and range, no entries.
type ChunkSummary struct {
	ID    string `json:"chunkId"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Summary returns the chunk's listing shape.
func (c Chunk) Summary() ChunkSummary {
	return ChunkSummary{ID: c.ID, Start: c.Range[0], End: c.Range[1]}
}

// Image is a binary payload extracted from a history entry.
type Image struct {
	ID   string
	Mime string
	Data []byte
}

// ImageSummary is the lightweight listing shape for images.
type ImageSummary struct {
	ID   string `json:"imageId"`
	Mime string `json:"mime"`
}

// ImageID derives the positional image identifier for a history index.
// The id is assigned once at extraction time and never recomputed, so an
// image stays addressable after its entry migrates into a chunk.
func ImageID(historyIndex int) string {
	return fmt.Sprintf("h_%d", historyIndex)
}

// ChunkID derives the positional chunk identifier for a sequence position.
// Ids are positional, not content-addressed: they are regenerated from
// scratch on every commit, which keeps reconciliation a plain id set
// difference at the cost of rewriting later chunks when the head shifts.
func ChunkID(position int) string {
	return fmt.Sprintf("chunk_%04d", position)
}

// MarshalJSON emits history, status_track, and all passthrough fields.
// Map-backed marshalling sorts keys, so output is deterministic for
// identical states.
func (g GameState) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(g.Extra)+2)
	for k, v := range g.Extra {
		fields[k] = v
	}

	history := g.History
	if history == nil {
		history = []json.RawMessage{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	fields["history"] = raw

	if g.StatusTrack != nil {
		raw, err := json.Marshal(g.StatusTrack)
		if err != nil {
			return nil, fmt.Errorf("marshal status track: %w", err)
		}
		fields["status_track"] = raw
	}

	return json.Marshal(fields)
}

// UnmarshalJSON splits the two log fields out and keeps the rest raw.
func (g *GameState) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("unmarshal game state: %w", err)
	}

	out := GameState{}
	if raw, ok := fields["history"]; ok {
		if err := json.Unmarshal(raw, &out.History); err != nil {
			return fmt.Errorf("unmarshal history: %w", err)
		}
		if out.History == nil {
			out.History = []json.RawMessage{}
		}
		delete(fields, "history")
	}
	if raw, ok := fields["status_track"]; ok {
		track := &StatusTrack{}
		if err := json.Unmarshal(raw, track); err != nil {
			return fmt.Errorf("unmarshal status track: %w", err)
		}
		out.StatusTrack = track
		delete(fields, "status_track")
	}
	if len(fields) > 0 {
		out.Extra = fields
	}

	*g = out
	return nil
}

// MarshalJSON emits status_change plus passthrough fields.
func (t StatusTrack) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(t.Extra)+1)
	for k, v := range t.Extra {
		fields[k] = v
	}
	if t.StatusChange != nil {
		raw, err := json.Marshal(t.StatusChange)
		if err != nil {
			return nil, fmt.Errorf("marshal status change: %w", err)
		}
		fields["status_change"] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON splits status_change out and keeps the rest raw.
func (t *StatusTrack) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("unmarshal status track: %w", err)
	}

	out := StatusTrack{}
	if raw, ok := fields["status_change"]; ok {
		if err := json.Unmarshal(raw, &out.StatusChange); err != nil {
			return fmt.Errorf("unmarshal status change: %w", err)
		}
		if out.StatusChange == nil {
			out.StatusChange = []json.RawMessage{}
		}
		delete(fields, "status_change")
	}
	if len(fields) > 0 {
		out.Extra = fields
	}

	*t = out
	return nil
}
