// Package storage defines the object store used for catalog artifacts.
// Objects are addressed by full URLs of the form scheme://bucket/key so the
// orchestrator can hand workers locations they can resolve with their own
// credentials.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound indicates the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore reads and writes JSON artifacts by URL.
type ObjectStore interface {
	// PutJSON marshals v and writes it at url, overwriting any existing
	// object. Writes keyed by work item identity are overwrite-idempotent.
	PutJSON(ctx context.Context, url string, v any) error

	// GetJSON reads the object at url into v. Returns ErrObjectNotFound if
	// the object does not exist.
	GetJSON(ctx context.Context, url string, v any) error

	// List returns the URLs of objects under the given prefix URL.
	List(ctx context.Context, prefixURL string) ([]string, error)
}

// ParseURL splits scheme://bucket/key into its bucket and key.
func ParseURL(url string) (bucket, key string, err error) {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return "", "", fmt.Errorf("object URL %q has no scheme", url)
	}
	rest := url[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("object URL %q has no key", url)
	}
	return rest[:slash], rest[slash+1:], nil
}

// Scheme returns the scheme of an object URL, defaulting to s3.
func Scheme(url string) string {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return "s3"
	}
	return url[:idx]
}

// URLFor builds an object URL from its parts.
func URLFor(scheme, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, bucket, strings.TrimPrefix(key, "/"))
}
