package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"inferwatch/internal/domain"
	"inferwatch/internal/repository"
	"inferwatch/internal/verify"
)

// Metadata keys stamped around each scan run
const (
	MetaLastScanStart = "last_scan_start"
	MetaLastScanEnd   = "last_scan_end"
)

// ScanOptions controls which endpoints one batch selects
type ScanOptions struct {
	// Limit caps the batch size. Zero means no cap.
	Limit int
	// Recheck selects previously verified endpoints instead of candidates
	Recheck bool
	// MinAge filters rechecks to endpoints not checked within this window
	MinAge time.Duration
	// ForceRecheck ignores MinAge and rechecks every verified endpoint
	ForceRecheck bool
}

// ScanService runs one verification batch end to end: repair, marker, pool,
// marker, repair. Recovery brackets the batch so workers always start from
// consistent state and leave consistent state behind.
type ScanService struct {
	store    repository.Store
	pool     *verify.Pool
	recovery *RecoveryService
}

// NewScanService wires a scan service
func NewScanService(store repository.Store, pool *verify.Pool, recovery *RecoveryService) *ScanService {
	return &ScanService{store: store, pool: pool, recovery: recovery}
}

// Run executes one batch and returns its summary
func (s *ScanService) Run(ctx context.Context, opts ScanOptions) (verify.Summary, error) {
	var summary verify.Summary

	if _, err := s.recovery.Run(ctx); err != nil {
		return summary, fmt.Errorf("pre-scan recovery: %w", err)
	}

	endpoints, err := s.selectBatch(ctx, opts)
	if err != nil {
		return summary, err
	}
	if len(endpoints) == 0 {
		log.Printf("scan: no endpoints to check")
		return summary, nil
	}
	log.Printf("scan: checking %d endpoints", len(endpoints))

	marker, err := s.store.StartRun(ctx, "scan")
	if err != nil {
		return summary, fmt.Errorf("start run marker: %w", err)
	}
	if err := s.store.SetMetadata(ctx, MetaLastScanStart, marker.StartedAt.Format(time.RFC3339)); err != nil {
		return summary, fmt.Errorf("stamp scan start: %w", err)
	}

	summary, err = s.pool.Run(ctx, endpoints)
	if err != nil {
		return summary, err
	}

	ended := time.Now()
	if err := s.store.EndRun(ctx, marker.ID, ended); err != nil {
		return summary, fmt.Errorf("end run marker: %w", err)
	}
	if err := s.store.SetMetadata(ctx, MetaLastScanEnd, ended.Format(time.RFC3339)); err != nil {
		return summary, fmt.Errorf("stamp scan end: %w", err)
	}

	if _, err := s.recovery.Run(ctx); err != nil {
		return summary, fmt.Errorf("post-scan recovery: %w", err)
	}
	return summary, nil
}

// selectBatch picks the endpoints this run will check, oldest-checked first
func (s *ScanService) selectBatch(ctx context.Context, opts ScanOptions) ([]domain.Endpoint, error) {
	if opts.Recheck {
		cutoff := time.Now()
		if !opts.ForceRecheck && opts.MinAge > 0 {
			cutoff = cutoff.Add(-opts.MinAge)
		}
		endpoints, err := s.store.ListEndpointsForRecheck(ctx, cutoff, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("select recheck batch: %w", err)
		}
		return endpoints, nil
	}

	endpoints, err := s.store.ListEndpointsByStatus(ctx, domain.StatusUnverified, domain.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("select scan batch: %w", err)
	}
	if opts.Limit > 0 && len(endpoints) > opts.Limit {
		endpoints = endpoints[:opts.Limit]
	}
	return endpoints, nil
}

// PruneSamples enforces the sample retention policy under its own run
// marker. Keeps the newest keep samples per endpoint, never dropping the
// last one.
func (s *ScanService) PruneSamples(ctx context.Context, keep int) (int64, error) {
	marker, err := s.store.StartRun(ctx, "prune")
	if err != nil {
		return 0, fmt.Errorf("start run marker: %w", err)
	}
	pruned, err := s.store.PruneSamples(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	if err := s.store.EndRun(ctx, marker.ID, time.Now()); err != nil {
		return pruned, fmt.Errorf("end run marker: %w", err)
	}
	log.Printf("prune: removed %d samples, keeping newest %d per endpoint", pruned, keep)
	return pruned, nil
}
