package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
)

func entryJSON(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"text":"entry %d"}`, i))
}

func stateWithHistory(n int) chronicle.GameState {
	entries := make([]json.RawMessage, n)
	for i := range entries {
		entries[i] = entryJSON(i)
	}
	return chronicle.GameState{
		History: entries,
		Extra: map[string]json.RawMessage{
			"settings": json.RawMessage(`{}`),
		},
	}
}

func TestRunScenario250Entries(t *testing.T) {
	state := stateWithHistory(250)

	res, err := Run(state, Options{ChunkSize: 100, LocalHistoryLimit: 50, SavedAt: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.HistoryChunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.HistoryChunks))
	}
	if res.HistoryChunks[0].Range != [2]int{0, 99} {
		t.Fatalf("unexpected first chunk range %v", res.HistoryChunks[0].Range)
	}
	if res.HistoryChunks[1].Range != [2]int{100, 199} {
		t.Fatalf("unexpected second chunk range %v", res.HistoryChunks[1].Range)
	}
	if res.HistoryBaseIndex != 200 {
		t.Fatalf("expected base index 200, got %d", res.HistoryBaseIndex)
	}
	if len(res.Local.GameState.History) != 50 {
		t.Fatalf("expected 50 local entries, got %d", len(res.Local.GameState.History))
	}
	if !bytes.Equal(res.Local.GameState.History[0], entryJSON(200)) {
		t.Fatalf("expected local window to start at entry 200, got %s", res.Local.GameState.History[0])
	}
}

func TestRunChunkTiling(t *testing.T) {
	for _, tc := range []struct {
		entries, chunkSize, limit, wantChunks int
	}{
		{0, 100, 50, 0},
		{50, 100, 50, 0},
		{51, 100, 50, 1},
		{250, 100, 50, 2},
		{351, 100, 50, 4},
		{10, 3, 1, 3},
	} {
		state := stateWithHistory(tc.entries)
		res, err := Run(state, Options{ChunkSize: tc.chunkSize, LocalHistoryLimit: tc.limit})
		if err != nil {
			t.Fatalf("run %d entries: %v", tc.entries, err)
		}
		if len(res.HistoryChunks) != tc.wantChunks {
			t.Fatalf("%d entries: expected %d chunks, got %d", tc.entries, tc.wantChunks, len(res.HistoryChunks))
		}

		next := 0
		for i, chunk := range res.HistoryChunks {
			if chunk.ID != chronicle.ChunkID(i) {
				t.Fatalf("expected positional id %s, got %s", chronicle.ChunkID(i), chunk.ID)
			}
			if chunk.Range[0] != next {
				t.Fatalf("expected chunk %d to start at %d, got %d", i, next, chunk.Range[0])
			}
			if got := chunk.Range[1] - chunk.Range[0] + 1; got != len(chunk.Entries) {
				t.Fatalf("chunk %d range covers %d entries but holds %d", i, got, len(chunk.Entries))
			}
			next = chunk.Range[1] + 1
		}
		if next != res.HistoryBaseIndex {
			t.Fatalf("chunks tile [0,%d) but base index is %d", next, res.HistoryBaseIndex)
		}
	}
}

func TestRunNoEntryDuplicatedOrLost(t *testing.T) {
	state := stateWithHistory(123)
	res, err := Run(state, Options{ChunkSize: 25, LocalHistoryLimit: 40})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var all []json.RawMessage
	for _, chunk := range res.HistoryChunks {
		all = append(all, chunk.Entries...)
	}
	all = append(all, res.Local.GameState.History...)

	if len(all) != 123 {
		t.Fatalf("expected 123 entries total, got %d", len(all))
	}
	for i, entry := range all {
		if !bytes.Equal(entry, entryJSON(i)) {
			t.Fatalf("entry %d out of order: %s", i, entry)
		}
	}
}

func TestRunExtractsImagesBeforeWindowing(t *testing.T) {
	state := stateWithHistory(10)
	payload := []byte("fake png bytes")
	inline, err := json.Marshal(map[string]string{
		"text":  "illustrated",
		"image": chronicle.EncodeDataURL("image/png", payload),
	})
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	state.History[2] = inline

	res, err := Run(state, Options{ChunkSize: 4, LocalHistoryLimit: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.Images) != 1 {
		t.Fatalf("expected 1 extracted image, got %d", len(res.Images))
	}
	img := res.Images[0]
	if img.ID != "h_2" {
		t.Fatalf("expected positional id h_2, got %s", img.ID)
	}
	if img.Mime != "image/png" || !bytes.Equal(img.Data, payload) {
		t.Fatalf("unexpected image payload: %s %q", img.Mime, img.Data)
	}

	// Entry 2 landed in the first chunk; its image field must be the marker.
	stripped := res.HistoryChunks[0].Entries[2]
	if got := gjson.GetBytes(stripped, "image").String(); got != "" {
		t.Fatalf("expected empty marker, got %q", got)
	}
	if got := gjson.GetBytes(stripped, "text").String(); got != "illustrated" {
		t.Fatalf("expected entry text preserved, got %q", got)
	}

	// Input state must not be mutated.
	if got := gjson.GetBytes(state.History[2], "image").String(); got == "" {
		t.Fatal("input entry was mutated")
	}
}

func TestRunLeavesNonInlineImageFieldsAlone(t *testing.T) {
	state := stateWithHistory(3)
	state.History[0] = json.RawMessage(`{"text":"a","image":""}`)
	state.History[1] = json.RawMessage(`{"text":"b","image":"https://cdn.example/b.png"}`)

	res, err := Run(state, Options{LocalHistoryLimit: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Images) != 0 {
		t.Fatalf("expected no extractions, got %d", len(res.Images))
	}
	if !bytes.Equal(res.Local.GameState.History[1], state.History[1]) {
		t.Fatal("expected non-inline entry to pass through unchanged")
	}
}

func TestRunStatusChangeSharesWindowing(t *testing.T) {
	state := stateWithHistory(5)
	status := make([]json.RawMessage, 7)
	for i := range status {
		status[i] = json.RawMessage(fmt.Sprintf(`{"hp":%d}`, i))
	}
	state.StatusTrack = &chronicle.StatusTrack{
		StatusChange: status,
		Extra:        map[string]json.RawMessage{"mood": json.RawMessage(`"grim"`)},
	}

	res, err := Run(state, Options{ChunkSize: 2, LocalHistoryLimit: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.StatusChangeBaseIndex != 4 {
		t.Fatalf("expected status base index 4, got %d", res.StatusChangeBaseIndex)
	}
	if len(res.StatusChangeChunks) != 2 {
		t.Fatalf("expected 2 status chunks, got %d", len(res.StatusChangeChunks))
	}
	if len(res.Local.GameState.StatusTrack.StatusChange) != 3 {
		t.Fatalf("expected 3 local status entries, got %d", len(res.Local.GameState.StatusTrack.StatusChange))
	}
	if _, ok := res.Local.GameState.StatusTrack.Extra["mood"]; !ok {
		t.Fatal("expected status track sibling field to pass through")
	}
	// Input track must keep its full log.
	if len(state.StatusTrack.StatusChange) != 7 {
		t.Fatal("input status track was mutated")
	}
}

func TestRunLimitFromSettings(t *testing.T) {
	state := stateWithHistory(30)
	state.Extra["settings"] = json.RawMessage(`{"local_history_limit":10}`)

	res, err := Run(state, Options{ChunkSize: 100})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Local.GameState.History) != 10 {
		t.Fatalf("expected settings limit of 10, got %d local entries", len(res.Local.GameState.History))
	}

	// The sentinel maps to an effectively unbounded window.
	state.Extra["settings"] = json.RawMessage(`{"local_history_limit":0}`)
	res, err = Run(state, Options{ChunkSize: 100})
	if err != nil {
		t.Fatalf("run with sentinel: %v", err)
	}
	if len(res.HistoryChunks) != 0 {
		t.Fatalf("expected no chunks for unbounded window, got %d", len(res.HistoryChunks))
	}
}

func TestRunDeterministicSnapshot(t *testing.T) {
	state := stateWithHistory(120)
	opts := Options{ChunkSize: 50, LocalHistoryLimit: 20, SavedAt: time.Unix(1700000000, 0)}

	first, err := Run(state, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(state, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	a, err := json.Marshal(first.Local)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	b, err := json.Marshal(second.Local)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected byte-identical snapshots")
	}
}
