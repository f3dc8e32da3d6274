package chronicle

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultImageMime is the fallback mime type when none is recorded.
const DefaultImageMime = "application/octet-stream"

// ParseDataURL decodes a base64 data URL into its mime type and payload.
// ok is false for anything that is not an inline data URL, including the
// empty extraction marker.
func ParseDataURL(value string) (mime string, data []byte, ok bool) {
	if !strings.HasPrefix(value, "data:") {
		return "", nil, false
	}
	rest := value[len("data:"):]
	sep := strings.Index(rest, ",")
	if sep < 0 {
		return "", nil, false
	}

	meta := rest[:sep]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = DefaultImageMime
	}

	data, err := base64.StdEncoding.DecodeString(rest[sep+1:])
	if err != nil {
		return "", nil, false
	}
	return mime, data, true
}

// EncodeDataURL builds a base64 data URL from a mime type and payload.
func EncodeDataURL(mime string, data []byte) string {
	if mime == "" {
		mime = DefaultImageMime
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}
