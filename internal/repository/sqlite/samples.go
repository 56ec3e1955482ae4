package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inferwatch/internal/domain"
)

// InsertSamples appends probe samples to the endpoint's history
func (r *Repository) InsertSamples(ctx context.Context, samples []domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (endpoint_id, created_at, prompt, response, length, gibberish_ratio, word_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.EndpointID, s.CreatedAt.Unix(), s.Prompt, s.Response,
			s.Metrics.Length, s.Metrics.GibberishRatio, s.Metrics.WordCount); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

// LatestSampleBefore returns the endpoint's most recent sample created
// strictly before the given time, or nil when none qualifies. Drift
// detection uses this to find a baseline old enough to compare against.
func (r *Repository) LatestSampleBefore(ctx context.Context, endpointID int64, before time.Time) (*domain.Sample, error) {
	var (
		s         domain.Sample
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, endpoint_id, created_at, prompt, response, length, gibberish_ratio, word_count
		FROM samples
		WHERE endpoint_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT 1
	`, endpointID, before.Unix()).Scan(&s.ID, &s.EndpointID, &createdAt, &s.Prompt, &s.Response,
		&s.Metrics.Length, &s.Metrics.GibberishRatio, &s.Metrics.WordCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample: %w", err)
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}

// PruneSamples deletes old samples, keeping the newest keepPerEndpoint rows
// per endpoint. At least the most recent sample is always retained.
// Returns the number of rows removed.
func (r *Repository) PruneSamples(ctx context.Context, keepPerEndpoint int) (int64, error) {
	if keepPerEndpoint < 1 {
		keepPerEndpoint = 1
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM samples WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY endpoint_id ORDER BY created_at DESC, id DESC
				) AS rn
				FROM samples
			) WHERE rn <= ?
		)
	`, keepPerEndpoint)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}
