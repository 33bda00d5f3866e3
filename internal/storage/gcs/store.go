package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/skywatch/conductor/internal/storage"
)

// Store is a GCS-backed storage.ObjectStore for catalog artifacts.
type Store struct {
	client *gstorage.Client
}

// NewStore creates a GCS store. It assumes the client is authenticated
// (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context) (*Store, error) {
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client}, nil
}

// PutJSON marshals v and writes it at url, overwriting any existing object.
func (s *Store) PutJSON(ctx context.Context, url string, v any) error {
	bucket, key, err := storage.ParseURL(url)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object %s: %w", url, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", url, err)
	}
	return nil
}

// GetJSON reads the object at url into v.
func (s *Store) GetJSON(ctx context.Context, url string, v any) error {
	bucket, key, err := storage.ParseURL(url)
	if err != nil {
		return err
	}

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, url)
		}
		return fmt.Errorf("failed to read object %s: %w", url, err)
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode object %s: %w", url, err)
	}
	return nil
}

// List returns the URLs of objects under the prefix URL.
func (s *Store) List(ctx context.Context, prefixURL string) ([]string, error) {
	bucket, key, err := storage.ParseURL(prefixURL)
	if err != nil {
		return nil, err
	}
	scheme := storage.Scheme(prefixURL)

	it := s.client.Bucket(bucket).Objects(ctx, &gstorage.Query{Prefix: key})
	var urls []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		urls = append(urls, storage.URLFor(scheme, bucket, attrs.Name))
	}
	return urls, nil
}
