package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"inferwatch/internal/domain"
)

const endpointColumns = `id, address, port, status, honeypot_reason, inactive_reason, last_checked_at, verified_at, created_at`

// scanEndpoint reads one endpoint row
func scanEndpoint(row interface{ Scan(...any) error }) (*domain.Endpoint, error) {
	var (
		ep               domain.Endpoint
		status           string
		honeypotReason   sql.NullString
		inactiveReason   sql.NullString
		lastChecked      sql.NullInt64
		verifiedAt       sql.NullInt64
		createdAt        int64
	)
	if err := row.Scan(&ep.ID, &ep.Address, &ep.Port, &status, &honeypotReason, &inactiveReason, &lastChecked, &verifiedAt, &createdAt); err != nil {
		return nil, err
	}
	ep.Status = domain.Status(status)
	ep.HoneypotReason = honeypotReason.String
	ep.InactiveReason = inactiveReason.String
	ep.LastCheckedAt = nullTime(lastChecked)
	ep.VerifiedAt = nullTime(verifiedAt)
	ep.CreatedAt = time.Unix(createdAt, 0)
	return &ep, nil
}

// UpsertEndpoint records a candidate address, creating it as unverified if
// new, and returns the stored row either way. (address, port) is unique.
func (r *Repository) UpsertEndpoint(ctx context.Context, address string, port int) (*domain.Endpoint, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoints (address, port, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address, port) DO NOTHING
	`, address, port, string(domain.StatusUnverified), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("upsert endpoint %s:%d: %w", address, port, err)
	}
	return r.GetEndpointByAddr(ctx, address, port)
}

// GetEndpoint retrieves an endpoint by id, or nil when absent
func (r *Repository) GetEndpoint(ctx context.Context, id int64) (*domain.Endpoint, error) {
	ep, err := scanEndpoint(r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %d: %w", id, err)
	}
	return ep, nil
}

// GetEndpointByAddr retrieves an endpoint by (address, port), or nil
func (r *Repository) GetEndpointByAddr(ctx context.Context, address string, port int) (*domain.Endpoint, error) {
	ep, err := scanEndpoint(r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE address = ? AND port = ?`, address, port))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %s:%d: %w", address, port, err)
	}
	return ep, nil
}

// ListEndpointsByStatus returns endpoints in any of the given statuses,
// oldest-checked first so stale endpoints are revisited before fresh ones.
// No statuses means all endpoints.
func (r *Repository) ListEndpointsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY last_checked_at ASC NULLS FIRST, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

// ListEndpointsForRecheck returns verified endpoints whose last check is
// older than checkedBefore (or never checked), oldest first.
func (r *Repository) ListEndpointsForRecheck(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.Endpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+endpointColumns+` FROM endpoints
		WHERE status = ? AND (last_checked_at IS NULL OR last_checked_at < ?)
		ORDER BY last_checked_at ASC NULLS FIRST
		LIMIT ?
	`, string(domain.StatusVerified), checkedBefore.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list endpoints for recheck: %w", err)
	}
	defer rows.Close()

	var endpoints []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

// PurgeEndpoint removes an endpoint and all its dependent rows. Children are
// deleted explicitly rather than by FK cascade, so the purge also clears rows
// left behind by databases written before foreign keys were enforced.
func (r *Repository) PurgeEndpoint(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge endpoint %d: %w", id, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"capabilities", "samples", "trust_links"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE endpoint_id = ?`, id); err != nil {
			return fmt.Errorf("purge %s for endpoint %d: %w", table, id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge endpoint %d: %w", id, err)
	}
	return tx.Commit()
}

// CountByStatus recomputes aggregate counts from the endpoints table.
// Counts are never cached: recomputation is the fix for counter drift under
// concurrent writers.
func (r *Repository) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	var counts domain.StatusCounts
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM endpoints GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("count endpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan count: %w", err)
		}
		switch domain.Status(status) {
		case domain.StatusUnverified:
			counts.Unverified = n
		case domain.StatusVerified:
			counts.Verified = n
		case domain.StatusFailed:
			counts.Failed = n
		case domain.StatusHoneypot:
			counts.Honeypot = n
		case domain.StatusInactive:
			counts.Inactive = n
		}
	}
	return counts, rows.Err()
}

// ListCapabilities returns the declared models for an endpoint
func (r *Repository) ListCapabilities(ctx context.Context, endpointID int64) ([]domain.Capability, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, endpoint_id, name, parameter_size, quantization, size_bytes
		FROM capabilities WHERE endpoint_id = ? ORDER BY name
	`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	var caps []domain.Capability
	for rows.Next() {
		var c domain.Capability
		var paramSize, quant sql.NullString
		var sizeBytes sql.NullInt64
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.Name, &paramSize, &quant, &sizeBytes); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		c.ParameterSize = paramSize.String
		c.Quantization = quant.String
		c.SizeBytes = sizeBytes.Int64
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
