package sqlite

import (
	"context"
	"fmt"
	"time"

	"inferwatch/internal/domain"
)

// ListServers reads the legacy `servers` view: trusted endpoints in the
// shape older readers expect. Downstream consumers read this projection only
// and never inspect endpoint status directly.
func (r *Repository) ListServers(ctx context.Context) ([]domain.TrustedServer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, port, first_seen, verified_at FROM servers ORDER BY address, port
	`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []domain.TrustedServer
	for rows.Next() {
		var (
			s          domain.TrustedServer
			firstSeen  int64
			verifiedAt int64
		)
		if err := rows.Scan(&s.ID, &s.Address, &s.Port, &firstSeen, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		s.FirstSeen = time.Unix(firstSeen, 0)
		s.VerifiedAt = time.Unix(verifiedAt, 0)
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// InsertServer dispatches a legacy "insert into servers" write: the caller
// asserts the endpoint is trusted, so it is upserted and marked verified
// through the same transition logic every writer uses. A trigger could do
// this inside the database, but then the invariant logic would be invisible
// to the rest of the code.
func (r *Repository) InsertServer(ctx context.Context, address string, port int) (*domain.TrustedServer, error) {
	ep, err := r.UpsertEndpoint(ctx, address, port)
	if err != nil {
		return nil, err
	}
	if err := r.MarkVerified(ctx, ep.ID, nil); err != nil {
		return nil, err
	}
	link, err := r.GetTrustLink(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	return &domain.TrustedServer{
		ID:         ep.ID,
		Address:    ep.Address,
		Port:       ep.Port,
		FirstSeen:  ep.CreatedAt,
		VerifiedAt: link.VerifiedAt,
	}, nil
}

// UpdateServer dispatches a legacy address change. Identity moves, trust
// stays: the endpoint keeps its status and link. Uniqueness of
// (address, port) is enforced by the base table's constraint.
func (r *Repository) UpdateServer(ctx context.Context, id int64, address string, port int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoints SET address = ?, port = ? WHERE id = ?
	`, address, port, id)
	if err != nil {
		return fmt.Errorf("update server %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteServer dispatches a legacy "delete from servers" write: the caller
// revokes trust, which maps to the failed transition, removing the link and
// de-verifying the endpoint in one unit. The endpoint row itself survives;
// only operator purge deletes endpoints.
func (r *Repository) DeleteServer(ctx context.Context, id int64) error {
	return r.MarkFailed(ctx, id)
}
