// Package postgres implements the orchestration store on PostgreSQL. Row
// locks via SELECT ... FOR UPDATE serialize transitions within a job, and
// SKIP LOCKED lets concurrent schedulers pop ready items without blocking
// each other.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/domain"
)

// Store provides the PostgreSQL implementation of work.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time verification that Store implements the store contract.
var _ work.Store = (*Store)(nil)

// NewStore creates a new PostgreSQL store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// finalizeTx handles transaction cleanup for normal error/success cases.
// Rolls back on error, commits on success.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		slog.ErrorContext(ctx, "transaction failed, rolling back", "error", *err)
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
	} else {
		*err = tx.Commit(ctx)
		if *err != nil {
			slog.ErrorContext(ctx, "transaction commit failed", "error", *err)
		}
	}
}

// Atomic executes a callback function within a database transaction.
// Commits if the callback returns nil, rolls back if it returns an error or
// panics.
func (s *Store) Atomic(ctx context.Context, fn func(tx work.Tx) error) (err error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back", "panic", p)
			if rbErr := pgtx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"panic", p, "rollback_error", rbErr)
			}
			panic(p)
		}
		finalizeTx(ctx, pgtx, &err)
	}()

	err = fn(&Tx{tx: pgtx})
	return
}

// JobIDsForWorkItems resolves work item IDs to their job IDs.
func (s *Store) JobIDsForWorkItems(ctx context.Context, itemIDs []int64) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id FROM work_items WHERE id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query work item jobs: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]string, len(itemIDs))
	for rows.Next() {
		var itemID int64
		var jobID string
		if err := rows.Scan(&itemID, &jobID); err != nil {
			return nil, fmt.Errorf("failed to scan work item job: %w", err)
		}
		result[itemID] = jobID
	}
	return result, rows.Err()
}

// FindExpiredRunningItems returns running items older than the adaptive
// per-(job, service) threshold: twice the 90th percentile of successful
// durations for the pair, never below floor.
func (s *Store) FindExpiredRunningItems(ctx context.Context, floor time.Duration) ([]work.ExpiredItem, error) {
	rows, err := s.pool.Query(ctx, `
		WITH durations AS (
			SELECT job_id, service_id,
			       percentile_cont(0.9) WITHIN GROUP (ORDER BY duration_ms) AS p90_ms
			FROM work_items
			WHERE status = 'successful' AND duration_ms > 0
			GROUP BY job_id, service_id
		)
		SELECT w.id, w.job_id, w.service_id,
		       (EXTRACT(EPOCH FROM (now() - w.started_at)) * 1000)::bigint AS age_ms,
		       GREATEST($1::bigint, COALESCE((2 * d.p90_ms)::bigint, 0)) AS threshold_ms
		FROM work_items w
		LEFT JOIN durations d
		       ON d.job_id = w.job_id AND d.service_id = w.service_id
		WHERE w.status = 'running'
		  AND w.started_at IS NOT NULL
		  AND (EXTRACT(EPOCH FROM (now() - w.started_at)) * 1000)::bigint
		      > GREATEST($1::bigint, COALESCE((2 * d.p90_ms)::bigint, 0))
		ORDER BY w.id`,
		floor.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired work items: %w", err)
	}
	defer rows.Close()

	var expired []work.ExpiredItem
	for rows.Next() {
		var item work.ExpiredItem
		var ageMs, thresholdMs int64
		if err := rows.Scan(&item.WorkItemID, &item.JobID, &item.ServiceID, &ageMs, &thresholdMs); err != nil {
			return nil, fmt.Errorf("failed to scan expired work item: %w", err)
		}
		item.Age = time.Duration(ageMs) * time.Millisecond
		item.Threshold = time.Duration(thresholdMs) * time.Millisecond
		expired = append(expired, item)
	}
	return expired, rows.Err()
}

// GetJob loads a job without locking it.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, jobID), jobID)
}

// ListJobLinks returns a job's result links in insertion order.
func (s *Store) ListJobLinks(ctx context.Context, jobID string) ([]*domain.JobLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, href, type, title, rel, temporal, bbox
		 FROM job_links WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job links: %w", err)
	}
	defer rows.Close()

	var links []*domain.JobLink
	for rows.Next() {
		var link domain.JobLink
		if err := rows.Scan(&link.ID, &link.JobID, &link.Href, &link.Type,
			&link.Title, &link.Rel, &link.Temporal, &link.BBox); err != nil {
			return nil, fmt.Errorf("failed to scan job link: %w", err)
		}
		links = append(links, &link)
	}
	return links, rows.Err()
}

// ListJobErrors returns a job's errors in insertion order.
func (s *Store) ListJobErrors(ctx context.Context, jobID string) ([]*domain.JobError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, url, message
		 FROM job_errors WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job errors: %w", err)
	}
	defer rows.Close()

	var jobErrors []*domain.JobError
	for rows.Next() {
		var jobError domain.JobError
		if err := rows.Scan(&jobError.ID, &jobError.JobID, &jobError.URL, &jobError.Message); err != nil {
			return nil, fmt.Errorf("failed to scan job error: %w", err)
		}
		jobErrors = append(jobErrors, &jobError)
	}
	return jobErrors, rows.Err()
}
