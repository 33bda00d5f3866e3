package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skywatch/conductor/internal/storage"
)

// Store is a filesystem-backed storage.ObjectStore for local runs and tests.
// Bucket and key map to directories under the base directory.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// NewStore creates a filesystem store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) pathFor(url string) (string, error) {
	bucket, key, err := storage.ParseURL(url)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, bucket, filepath.FromSlash(key)), nil
}

// PutJSON writes v as indented JSON at the path derived from url.
func (s *Store) PutJSON(_ context.Context, url string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// GetJSON reads the object at url into v.
func (s *Store) GetJSON(_ context.Context, url string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.pathFor(url)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, url)
		}
		return fmt.Errorf("failed to read object: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode object %s: %w", url, err)
	}
	return nil
}

// List returns the URLs of all objects under the prefix URL.
func (s *Store) List(_ context.Context, prefixURL string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, key, err := storage.ParseURL(prefixURL)
	if err != nil {
		return nil, err
	}
	scheme := storage.Scheme(prefixURL)
	root := filepath.Join(s.baseDir, bucket)

	var urls []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		objKey := filepath.ToSlash(rel)
		if strings.HasPrefix(objKey, key) {
			urls = append(urls, storage.URLFor(scheme, bucket, objKey))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return urls, nil
}
