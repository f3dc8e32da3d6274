package chronicle

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

// DecodeRootSave parses a stored snapshot in either recognized shape.
//
// A versioned RootSave is detected by its version and gameState keys. A bare
// legacy game state is detected by the presence of a history array and a
// settings object; it is promoted to a version-1 wrapper with a null
// username and now as the save time. promoted reports whether that fallback
// path ran, so import can apply a caller-supplied username only to legacy
// archives.
//
// Anything else is a malformed record.
func DecodeRootSave(data []byte, now time.Time) (root *RootSave, promoted bool, err error) {
	if !gjson.ValidBytes(data) {
		return nil, false, apperrors.New(apperrors.CodeMalformedRecord, "snapshot is not valid JSON")
	}

	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.Get("version").Exists() && parsed.Get("gameState").Exists():
		var save RootSave
		if err := json.Unmarshal(data, &save); err != nil {
			return nil, false, apperrors.Wrap(apperrors.CodeMalformedRecord, "decode root save", err)
		}
		return &save, false, nil

	case parsed.Get("history").Exists() && parsed.Get("settings").Exists():
		var state GameState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, false, apperrors.Wrap(apperrors.CodeMalformedRecord, "decode legacy game state", err)
		}
		return &RootSave{
			Version:   CurrentVersion,
			Username:  nil,
			SavedAt:   now.UTC().UnixMilli(),
			GameState: state,
		}, true, nil

	default:
		return nil, false, apperrors.New(apperrors.CodeMalformedRecord, "snapshot matches neither root save nor legacy game state")
	}
}
