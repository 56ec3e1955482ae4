package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inferwatch/internal/domain"
)

// ErrConsistency is returned when a transition would leave an endpoint's
// status and its trust link in disagreement. The transaction is rolled back
// and the endpoint keeps its last known-good state.
var ErrConsistency = errors.New("status and trust link disagree")

// ErrNotFound is returned when a transition targets a missing endpoint
var ErrNotFound = errors.New("endpoint not found")

// MarkVerified sets the endpoint verified, inserts its trust link and
// replaces its capability set, all in one transaction. Honeypot and inactive
// reasons are cleared: a verified endpoint carries no stale accusations.
func (r *Repository) MarkVerified(ctx context.Context, id int64, caps []domain.Capability) error {
	return r.transition(ctx, id, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE endpoints
			SET status = ?, honeypot_reason = NULL, inactive_reason = NULL,
			    last_checked_at = ?, verified_at = ?
			WHERE id = ?
		`, string(domain.StatusVerified), now, now, id)
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trust_links (endpoint_id, verified_at) VALUES (?, ?)
			ON CONFLICT(endpoint_id) DO UPDATE SET verified_at = excluded.verified_at
		`, id, now); err != nil {
			return fmt.Errorf("upsert trust link: %w", err)
		}

		// Capabilities are replaced wholesale on each verification
		if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE endpoint_id = ?`, id); err != nil {
			return fmt.Errorf("clear capabilities: %w", err)
		}
		for _, c := range caps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capabilities (endpoint_id, name, parameter_size, quantization, size_bytes)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(endpoint_id, name) DO UPDATE SET
					parameter_size = excluded.parameter_size,
					quantization = excluded.quantization,
					size_bytes = excluded.size_bytes
			`, id, c.Name, c.ParameterSize, c.Quantization, c.SizeBytes); err != nil {
				return fmt.Errorf("insert capability %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// MarkFailed sets the endpoint failed and removes any trust link
func (r *Repository) MarkFailed(ctx context.Context, id int64) error {
	return r.transition(ctx, id, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE endpoints SET status = ?, last_checked_at = ? WHERE id = ?
		`, string(domain.StatusFailed), now, id)
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return removeTrustLink(ctx, tx, id)
	})
}

// MarkHoneypot sets the endpoint honeypot with the given reason and removes
// any trust link, regardless of prior state. Safe to call on endpoints
// verified in earlier runs (delayed detection).
func (r *Repository) MarkHoneypot(ctx context.Context, id int64, reason string) error {
	return r.transition(ctx, id, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE endpoints
			SET status = ?, honeypot_reason = ?, last_checked_at = ?
			WHERE id = ?
		`, string(domain.StatusHoneypot), reason, now, id)
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return removeTrustLink(ctx, tx, id)
	})
}

// MarkInactive sets the endpoint inactive with the given reason and removes
// any trust link, regardless of prior state. An endpoint that stops
// responding loses trust, it is not merely skipped.
func (r *Repository) MarkInactive(ctx context.Context, id int64, reason string) error {
	return r.transition(ctx, id, func(tx *sql.Tx, now int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE endpoints
			SET status = ?, inactive_reason = ?, last_checked_at = ?
			WHERE id = ?
		`, string(domain.StatusInactive), reason, now, id)
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return removeTrustLink(ctx, tx, id)
	})
}

// transition wraps fn in a transaction and verifies the status/link
// invariant before committing. A violation rolls back the whole transition.
func (r *Repository) transition(ctx context.Context, id int64, fn func(tx *sql.Tx, now int64) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx, time.Now().Unix()); err != nil {
		return err
	}

	if err := checkInvariant(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// checkInvariant asserts, inside the transaction, that the endpoint has a
// trust link iff it is verified, and at most one.
func checkInvariant(ctx context.Context, tx *sql.Tx, id int64) error {
	var status string
	var links int
	err := tx.QueryRowContext(ctx, `
		SELECT e.status, COUNT(t.id)
		FROM endpoints e LEFT JOIN trust_links t ON e.id = t.endpoint_id
		WHERE e.id = ?
		GROUP BY e.id
	`, id).Scan(&status, &links)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check invariant: %w", err)
	}

	verified := domain.Status(status) == domain.StatusVerified
	if verified != (links == 1) {
		return fmt.Errorf("endpoint %d: status=%s links=%d: %w", id, status, links, ErrConsistency)
	}
	return nil
}

// removeTrustLink deletes the endpoint's trust link if present
func removeTrustLink(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM trust_links WHERE endpoint_id = ?`, id); err != nil {
		return fmt.Errorf("remove trust link: %w", err)
	}
	return nil
}

// GetTrustLink returns the endpoint's trust link, or nil when absent
func (r *Repository) GetTrustLink(ctx context.Context, endpointID int64) (*domain.TrustLink, error) {
	var link domain.TrustLink
	var verifiedAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT endpoint_id, verified_at FROM trust_links WHERE endpoint_id = ?
	`, endpointID).Scan(&link.EndpointID, &verifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust link: %w", err)
	}
	link.VerifiedAt = time.Unix(verifiedAt, 0)
	return &link, nil
}

// ListTrustLinks returns every trust link
func (r *Repository) ListTrustLinks(ctx context.Context) ([]domain.TrustLink, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT endpoint_id, verified_at FROM trust_links ORDER BY endpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("list trust links: %w", err)
	}
	defer rows.Close()

	var links []domain.TrustLink
	for rows.Next() {
		var link domain.TrustLink
		var verifiedAt int64
		if err := rows.Scan(&link.EndpointID, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan trust link: %w", err)
		}
		link.VerifiedAt = time.Unix(verifiedAt, 0)
		links = append(links, link)
	}
	return links, rows.Err()
}
