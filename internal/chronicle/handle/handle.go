// Package handle persists directory grants: named filesystem roots the user
// has pointed the tool at before, so a save root can be reopened without
// asking again.
package handle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
)

// Grant is one remembered root.
type Grant struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Store persists directory grants by name.
type Store interface {
	Remember(ctx context.Context, name, path string) error
	// Recall returns the remembered path, or a not-found-coded error.
	Recall(ctx context.Context, name string) (string, error)
	List(ctx context.Context) ([]Grant, error)
	Forget(ctx context.Context, name string) error
}

// FileStore keeps grants as a JSON object in a single file. Writes go
// through a temp file and rename. A missing file reads as an empty store.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path. Parent directories are
// created on first write, not here.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "grant store path is empty")
	}
	return &FileStore{path: path}, nil
}

// DefaultPath returns the per-user grants file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "chroniclevault", "grants.json"), nil
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grant store: %w", err)
	}
	grants := make(map[string]string)
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedRecord, "grant store is not valid JSON", err)
	}
	return grants, nil
}

func (s *FileStore) save(grants map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create grant store dir: %w", err)
	}
	data, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return fmt.Errorf("encode grant store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".grants-*")
	if err != nil {
		return fmt.Errorf("create temp grant store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp grant store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp grant store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace grant store: %w", err)
	}
	return nil
}

// Remember records path under name, replacing any previous grant.
func (s *FileStore) Remember(_ context.Context, name, path string) error {
	if name == "" {
		return apperrors.New(apperrors.CodePreconditionFailed, "grant name is empty")
	}
	grants, err := s.load()
	if err != nil {
		return err
	}
	grants[name] = path
	return s.save(grants)
}

// Recall returns the path remembered under name.
func (s *FileStore) Recall(_ context.Context, name string) (string, error) {
	grants, err := s.load()
	if err != nil {
		return "", err
	}
	path, ok := grants[name]
	if !ok {
		return "", apperrors.WithMetadata(apperrors.CodeNotFound, "no grant with that name", map[string]string{"name": name})
	}
	return path, nil
}

// List returns every grant sorted by name.
func (s *FileStore) List(_ context.Context) ([]Grant, error) {
	grants, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(grants))
	for name, path := range grants {
		out = append(out, Grant{Name: name, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Forget drops the grant under name. Forgetting an unknown name is a no-op.
func (s *FileStore) Forget(_ context.Context, name string) error {
	grants, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := grants[name]; !ok {
		return nil
	}
	delete(grants, name)
	return s.save(grants)
}

var _ Store = (*FileStore)(nil)
