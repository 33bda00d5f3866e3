package catalog

import (
	"context"
	"fmt"

	"github.com/skywatch/conductor/internal/storage"
)

// Locator derives the object-store layout of catalog artifacts for a job.
// Per-item outputs live under <bucket>/<jobID>/<itemID>/outputs/; the inputs
// of an aggregating item live under <bucket>/<jobID>/aggregate-<itemID>/outputs/.
type Locator struct {
	Scheme string
	Bucket string
}

// ItemOutputCatalog is the single-output catalog URL for a work item.
func (l Locator) ItemOutputCatalog(jobID string, itemID int64) string {
	return storage.URLFor(l.Scheme, l.Bucket, fmt.Sprintf("%s/%d/outputs/catalog.json", jobID, itemID))
}

// BatchCatalog is the URL of page n of an aggregating item's input catalog.
func (l Locator) BatchCatalog(jobID string, itemID int64, page int) string {
	return storage.URLFor(l.Scheme, l.Bucket, fmt.Sprintf("%s/aggregate-%d/outputs/catalog%d.json", jobID, itemID, page))
}

// BatchIndex is the URL of the document listing an aggregating item's
// catalog pages, written when the batch spans more than one page.
func (l Locator) BatchIndex(jobID string, itemID int64) string {
	return storage.URLFor(l.Scheme, l.Bucket, fmt.Sprintf("%s/aggregate-%d/outputs/batch-catalogs.json", jobID, itemID))
}

// WriteBatchCatalogs writes the paginated input catalog for an aggregating
// work item and returns the URL of its first page. Pages of up to
// maxPageSize items are chained with prev/next links; when more than one
// page is written, a batch index document listing all pages is written too.
// Writes are keyed by the item's identity, so retries overwrite to
// identical content.
func WriteBatchCatalogs(ctx context.Context, store storage.ObjectStore, loc Locator, jobID string, itemID int64, items []Link, maxPageSize int) (string, error) {
	if maxPageSize <= 0 {
		maxPageSize = len(items)
	}
	pageCount := (len(items) + maxPageSize - 1) / maxPageSize
	if pageCount == 0 {
		pageCount = 1
	}

	var pageURLs []string
	for page := 0; page < pageCount; page++ {
		start := page * maxPageSize
		end := min(start+maxPageSize, len(items))

		links := make([]Link, 0, end-start+2)
		if page > 0 {
			links = append(links, Link{Rel: RelPrev, Href: fmt.Sprintf("./catalog%d.json", page-1)})
		}
		links = append(links, items[start:end]...)
		if page < pageCount-1 {
			links = append(links, Link{Rel: RelNext, Href: fmt.Sprintf("./catalog%d.json", page+1)})
		}

		cat := Catalog{
			StacVersion: StacVersion,
			ID:          fmt.Sprintf("%s-batch-%d-%d", jobID, itemID, page),
			Description: fmt.Sprintf("aggregated input catalog %d of %d for job %s", page+1, pageCount, jobID),
			Links:       links,
		}

		url := loc.BatchCatalog(jobID, itemID, page)
		if err := store.PutJSON(ctx, url, &cat); err != nil {
			return "", fmt.Errorf("failed to write batch catalog: %w", err)
		}
		pageURLs = append(pageURLs, url)
	}

	if pageCount > 1 {
		index := struct {
			Catalogs []string `json:"catalogs"`
		}{Catalogs: pageURLs}
		if err := store.PutJSON(ctx, loc.BatchIndex(jobID, itemID), &index); err != nil {
			return "", fmt.Errorf("failed to write batch index: %w", err)
		}
	}

	return pageURLs[0], nil
}
