package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inferwatch/internal/domain"
)

// StartRun opens a new run marker for a batch operation. The marker stays
// open until EndRun; a marker found open on the next startup means the run
// was interrupted.
func (r *Repository) StartRun(ctx context.Context, kind string) (*domain.RunMarker, error) {
	marker := &domain.RunMarker{
		ID:        uuid.New().String(),
		Kind:      kind,
		StartedAt: time.Now(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_markers (id, kind, started_at) VALUES (?, ?, ?)
	`, marker.ID, marker.Kind, marker.StartedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("start run marker: %w", err)
	}
	return marker, nil
}

// EndRun closes a run marker at the given time
func (r *Repository) EndRun(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_markers SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("end run marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run marker: no open marker %s", id)
	}
	return nil
}

// OpenRuns returns markers with a start but no end timestamp
func (r *Repository) OpenRuns(ctx context.Context) ([]domain.RunMarker, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, started_at, ended_at FROM run_markers
		WHERE ended_at IS NULL ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list open run markers: %w", err)
	}
	defer rows.Close()

	var markers []domain.RunMarker
	for rows.Next() {
		var (
			m         domain.RunMarker
			startedAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Kind, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run marker: %w", err)
		}
		m.StartedAt = time.Unix(startedAt, 0)
		m.EndedAt = nullTime(endedAt)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}
