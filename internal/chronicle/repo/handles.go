package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
)

// Handle is a resolved display reference to a stored image. Handles own a
// resource until released; the repository releases them on cache eviction,
// save deletion, backend swap, and Close, so callers only release handles
// they mint themselves.
type Handle interface {
	URL() string
	Release()
}

// HandleMinter turns a stored image into a display handle.
type HandleMinter interface {
	Mint(saveID string, img chronicle.Image) (Handle, error)
}

// DataURLMinter mints self-contained data URLs. Release is a no-op, which
// makes it the safe default: no files or descriptors to leak.
type DataURLMinter struct{}

// Mint encodes the image as a base64 data URL.
func (DataURLMinter) Mint(_ string, img chronicle.Image) (Handle, error) {
	return dataHandle(chronicle.EncodeDataURL(img.Mime, img.Data)), nil
}

type dataHandle string

func (h dataHandle) URL() string { return string(h) }
func (h dataHandle) Release()    {}

// FileMinter materializes images as files under a private temp directory
// and hands out file:// URLs. Each handle's Release deletes its file;
// Close removes the whole directory.
type FileMinter struct {
	mu     sync.Mutex
	dir    string
	serial int
}

// NewFileMinter creates the minter's temp directory.
func NewFileMinter() (*FileMinter, error) {
	dir, err := os.MkdirTemp("", "chroniclevault-img-*")
	if err != nil {
		return nil, fmt.Errorf("create image temp dir: %w", err)
	}
	return &FileMinter{dir: dir}, nil
}

// Mint writes the image payload to a file and returns its file:// URL.
func (m *FileMinter) Mint(saveID string, img chronicle.Image) (Handle, error) {
	m.mu.Lock()
	m.serial++
	name := fmt.Sprintf("%s_%s_%d%s", sanitize(saveID), sanitize(img.ID), m.serial, extFor(img.Mime))
	m.mu.Unlock()

	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, img.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write image file: %w", err)
	}
	return &fileHandle{path: path}, nil
}

// Close removes the temp directory and every remaining image file.
func (m *FileMinter) Close() error {
	return os.RemoveAll(m.dir)
}

func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, value)
}

func extFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

type fileHandle struct {
	once sync.Once
	path string
}

func (h *fileHandle) URL() string {
	return "file://" + h.path
}

func (h *fileHandle) Release() {
	h.once.Do(func() {
		_ = os.Remove(h.path)
	})
}
