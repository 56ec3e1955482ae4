// Package repository defines the data access contracts for endpoint trust
// state. Implementations must guarantee that an endpoint's status flags and
// its trust link projection never disagree, even across crashed runs.
package repository

import (
	"context"
	"time"

	"inferwatch/internal/domain"
)

// Store is the persistence interface for endpoint trust state
type Store interface {
	// Endpoint lifecycle
	UpsertEndpoint(ctx context.Context, address string, port int) (*domain.Endpoint, error)
	GetEndpoint(ctx context.Context, id int64) (*domain.Endpoint, error)
	GetEndpointByAddr(ctx context.Context, address string, port int) (*domain.Endpoint, error)
	ListEndpointsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Endpoint, error)
	ListEndpointsForRecheck(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.Endpoint, error)
	PurgeEndpoint(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)

	// Transition operations: the only writes allowed to touch status or
	// trust links. Each executes as one atomic transaction.
	MarkVerified(ctx context.Context, id int64, caps []domain.Capability) error
	MarkFailed(ctx context.Context, id int64) error
	MarkHoneypot(ctx context.Context, id int64, reason string) error
	MarkInactive(ctx context.Context, id int64, reason string) error

	// Trust projection reads
	GetTrustLink(ctx context.Context, endpointID int64) (*domain.TrustLink, error)
	ListTrustLinks(ctx context.Context) ([]domain.TrustLink, error)

	// Capabilities
	ListCapabilities(ctx context.Context, endpointID int64) ([]domain.Capability, error)

	// Sample history
	InsertSamples(ctx context.Context, samples []domain.Sample) error
	LatestSampleBefore(ctx context.Context, endpointID int64, before time.Time) (*domain.Sample, error)
	PruneSamples(ctx context.Context, keepPerEndpoint int) (int64, error)

	// Run markers and metadata
	StartRun(ctx context.Context, kind string) (*domain.RunMarker, error)
	EndRun(ctx context.Context, id string, at time.Time) error
	OpenRuns(ctx context.Context) ([]domain.RunMarker, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	Close() error
}
