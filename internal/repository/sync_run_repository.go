package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealsync/internal/model"
)

const defaultRunLimit = 20

type SyncRunRepository struct {
	DB *pgxpool.Pool
}

// Save inserts run, assigning an id when it has none.
func (r *SyncRunRepository) Save(ctx context.Context, run *model.SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_runs
		(id, deal_id, deleted, added, missing_skus, failed_skus, failed_deletes, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.DealID, run.Deleted, run.Added,
		nonNil(run.MissingSKUs), nonNil(run.FailedSKUs), nonNil(run.FailedDeletes),
		run.Err, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("save sync run for deal %d: %w", run.DealID, err)
	}
	return nil
}

// ListByDeal returns the most recent runs for dealID, newest first.
func (r *SyncRunRepository) ListByDeal(ctx context.Context, dealID, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, deal_id, deleted, added, missing_skus, failed_skus, failed_deletes, error, started_at, finished_at
		FROM sync_runs
		WHERE deal_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, dealID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []model.SyncRun{}
	for rows.Next() {
		var run model.SyncRun
		if err := rows.Scan(&run.ID, &run.DealID, &run.Deleted, &run.Added,
			&run.MissingSKUs, &run.FailedSKUs, &run.FailedDeletes,
			&run.Err, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
