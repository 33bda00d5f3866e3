// Package catalog models the STAC catalogs the orchestrator exchanges with
// service workers through the object store, and builds the aggregated batch
// catalogs consumed by aggregating steps.
package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/skywatch/conductor/internal/storage"
)

// StacVersion is the STAC version stamped on generated catalogs.
const StacVersion = "1.0.0"

// Link relations used in catalogs.
const (
	RelItem = "item"
	RelNext = "next"
	RelPrev = "prev"
	RelRoot = "root"
)

// Catalog is the JSON catalog document stored per work item output.
type Catalog struct {
	StacVersion string `json:"stac_version"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Links       []Link `json:"links"`
}

// Link is a catalog link. Item links point at granule items; prev/next
// links chain sibling catalogs of a paginated document.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// ItemLinks returns the catalog's item links.
func (c *Catalog) ItemLinks() []Link {
	var items []Link
	for _, l := range c.Links {
		if l.Rel == RelItem {
			items = append(items, l)
		}
	}
	return items
}

// nextHref returns the href of the catalog's next link, or "".
func (c *Catalog) nextHref() string {
	for _, l := range c.Links {
		if l.Rel == RelNext {
			return l.Href
		}
	}
	return ""
}

// Resolve makes href absolute against the catalog located at baseURL.
// Hrefs that already carry a scheme are returned unchanged.
func Resolve(baseURL, href string) string {
	if strings.Contains(href, "://") {
		return href
	}
	dir := path.Dir(strings.TrimSuffix(baseURL, "/"))
	return dir + "/" + path.Clean(strings.TrimPrefix(href, "./"))
}

// ReadItemLinks walks the catalog at url, following next links, and returns
// every item link with hrefs resolved to absolute URLs. A next link that
// points back at a catalog already visited is treated as a terminator, not
// followed, so circular catalogs cannot recurse.
func ReadItemLinks(ctx context.Context, store storage.ObjectStore, url string) ([]Link, error) {
	visited := make(map[string]bool)
	var items []Link

	current := url
	for current != "" && !visited[current] {
		visited[current] = true

		var cat Catalog
		if err := store.GetJSON(ctx, current, &cat); err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", current, err)
		}

		for _, l := range cat.ItemLinks() {
			l.Href = Resolve(current, l.Href)
			items = append(items, l)
		}

		next := cat.nextHref()
		if next == "" {
			break
		}
		current = Resolve(current, next)
	}

	return items, nil
}
