// Package service coordinates batch verification runs: startup repair,
// candidate ingestion, and the scan lifecycle around the worker pool.
package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"inferwatch/internal/domain"
	"inferwatch/internal/repository"
)

// RecoveryReport summarizes what startup repair found and fixed. Findings
// are repair input, not errors: a dirty database after a crash is the
// expected case this service exists for.
type RecoveryReport struct {
	ClosedMarkers  int
	LinksInserted  int
	LinksRemoved   int
	ForcedUnverify int
	Counts         domain.StatusCounts
}

// Clean reports whether recovery found nothing to repair
func (r RecoveryReport) Clean() bool {
	return r.ClosedMarkers == 0 && r.LinksInserted == 0 && r.LinksRemoved == 0 && r.ForcedUnverify == 0
}

// RecoveryService repairs state left behind by interrupted runs. It must run
// at batch boundaries only, with no verification workers active.
type RecoveryService struct {
	store repository.Store
}

// NewRecoveryService returns a recovery service over the given store
func NewRecoveryService(store repository.Store) *RecoveryService {
	return &RecoveryService{store: store}
}

// Run performs the full repair sequence: close stale run markers, reconcile
// trust links against endpoint status in both directions, and recompute the
// aggregate counts from the endpoints table. Running it twice in a row is
// harmless; the second pass finds nothing.
func (s *RecoveryService) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	closed, err := s.closeStaleMarkers(ctx)
	if err != nil {
		return report, err
	}
	report.ClosedMarkers = closed

	if err := s.reconcileLinks(ctx, &report); err != nil {
		return report, err
	}

	counts, err := s.recomputeCounts(ctx)
	if err != nil {
		return report, err
	}
	report.Counts = counts

	if report.Clean() {
		log.Printf("recovery: state clean, nothing to repair")
	} else {
		log.Printf("recovery: closed %d markers, inserted %d links, removed %d links, forced %d unverifications",
			report.ClosedMarkers, report.LinksInserted, report.LinksRemoved, report.ForcedUnverify)
	}
	return report, nil
}

// closeStaleMarkers ends every run marker left open by an interrupted run
func (s *RecoveryService) closeStaleMarkers(ctx context.Context) (int, error) {
	open, err := s.store.OpenRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open run markers: %w", err)
	}
	now := time.Now()
	for _, m := range open {
		log.Printf("recovery: closing interrupted %s run %s started %s", m.Kind, m.ID, m.StartedAt.Format(time.RFC3339))
		if err := s.store.EndRun(ctx, m.ID, now); err != nil {
			return 0, fmt.Errorf("close run marker %s: %w", m.ID, err)
		}
	}
	return len(open), nil
}

// reconcileLinks restores the rule that a trust link exists exactly for
// verified endpoints. Both repair directions go through the same transition
// operations workers use, so the invariant check guards recovery too.
func (s *RecoveryService) reconcileLinks(ctx context.Context, report *RecoveryReport) error {
	links, err := s.store.ListTrustLinks(ctx)
	if err != nil {
		return fmt.Errorf("list trust links: %w", err)
	}
	linked := make(map[int64]bool, len(links))
	for _, l := range links {
		linked[l.EndpointID] = true
	}

	// Verified endpoints missing a link: re-assert verification, keeping the
	// capability set already on record.
	verified, err := s.store.ListEndpointsByStatus(ctx, domain.StatusVerified)
	if err != nil {
		return fmt.Errorf("list verified endpoints: %w", err)
	}
	for _, ep := range verified {
		if linked[ep.ID] {
			continue
		}
		caps, err := s.store.ListCapabilities(ctx, ep.ID)
		if err != nil {
			return fmt.Errorf("list capabilities for %s: %w", ep.Addr(), err)
		}
		log.Printf("recovery: %s verified but unlinked, restoring trust link", ep.Addr())
		if err := s.store.MarkVerified(ctx, ep.ID, caps); err != nil {
			return fmt.Errorf("restore trust link for %s: %w", ep.Addr(), err)
		}
		report.LinksInserted++
	}

	// Linked endpoints that are not verified: re-assert their recorded
	// status, which removes the lingering link. Honeypot and inactive keep
	// their original reasons.
	for _, l := range links {
		ep, err := s.store.GetEndpoint(ctx, l.EndpointID)
		if err != nil {
			return fmt.Errorf("load linked endpoint %d: %w", l.EndpointID, err)
		}
		if ep == nil {
			// Link without an endpoint row: left by a database written
			// before foreign keys were enforced. Purge clears it.
			log.Printf("recovery: trust link for missing endpoint %d, removing", l.EndpointID)
			if err := s.store.PurgeEndpoint(ctx, l.EndpointID); err != nil {
				return fmt.Errorf("remove orphaned trust link %d: %w", l.EndpointID, err)
			}
			report.LinksRemoved++
			continue
		}
		if ep.Status == domain.StatusVerified {
			continue
		}
		log.Printf("recovery: %s is %s but still linked, revoking trust", ep.Addr(), ep.Status)
		switch ep.Status {
		case domain.StatusHoneypot:
			err = s.store.MarkHoneypot(ctx, ep.ID, ep.HoneypotReason)
			report.ForcedUnverify++
		case domain.StatusInactive:
			err = s.store.MarkInactive(ctx, ep.ID, ep.InactiveReason)
			report.ForcedUnverify++
		default:
			err = s.store.MarkFailed(ctx, ep.ID)
		}
		if err != nil {
			return fmt.Errorf("revoke trust for %s: %w", ep.Addr(), err)
		}
		report.LinksRemoved++
	}
	return nil
}

// recomputeCounts derives the aggregate counters from the endpoints table
// and stores them in metadata. Counts are never incremented in place, so a
// crash can skew them at most until the next recovery pass.
func (s *RecoveryService) recomputeCounts(ctx context.Context) (domain.StatusCounts, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return counts, fmt.Errorf("recompute status counts: %w", err)
	}
	pairs := map[string]int{
		"count_unverified": counts.Unverified,
		"count_verified":   counts.Verified,
		"count_failed":     counts.Failed,
		"count_honeypot":   counts.Honeypot,
		"count_inactive":   counts.Inactive,
	}
	for key, n := range pairs {
		if err := s.store.SetMetadata(ctx, key, strconv.Itoa(n)); err != nil {
			return counts, fmt.Errorf("store %s: %w", key, err)
		}
	}
	return counts, nil
}
