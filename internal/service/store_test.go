package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferwatch/internal/domain"
)

// fakeStore is an in-memory Store used to stage states, including the
// inconsistent ones recovery exists to repair, which the real repository
// refuses to produce.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	eps     map[int64]*domain.Endpoint
	caps    map[int64][]domain.Capability
	links   map[int64]domain.TrustLink
	samples map[int64][]domain.Sample
	markers map[string]*domain.RunMarker
	meta    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		eps:     make(map[int64]*domain.Endpoint),
		caps:    make(map[int64][]domain.Capability),
		links:   make(map[int64]domain.TrustLink),
		samples: make(map[int64][]domain.Sample),
		markers: make(map[string]*domain.RunMarker),
		meta:    make(map[string]string),
	}
}

// addEndpoint stages an endpoint in an arbitrary state, bypassing transitions
func (f *fakeStore) addEndpoint(address string, port int, status domain.Status, linked bool) *domain.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ep := &domain.Endpoint{
		ID:        f.nextID,
		Address:   address,
		Port:      port,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if status == domain.StatusHoneypot {
		ep.HoneypotReason = "staged honeypot"
	}
	if status == domain.StatusInactive {
		ep.InactiveReason = "staged inactive"
	}
	f.eps[ep.ID] = ep
	if linked {
		f.links[ep.ID] = domain.TrustLink{EndpointID: ep.ID, VerifiedAt: time.Now()}
	}
	return ep
}

func (f *fakeStore) UpsertEndpoint(ctx context.Context, address string, port int) (*domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ep := range f.eps {
		if ep.Address == address && ep.Port == port {
			cp := *ep
			return &cp, nil
		}
	}
	f.nextID++
	ep := &domain.Endpoint{
		ID:        f.nextID,
		Address:   address,
		Port:      port,
		Status:    domain.StatusUnverified,
		CreatedAt: time.Now(),
	}
	f.eps[ep.ID] = ep
	cp := *ep
	return &cp, nil
}

func (f *fakeStore) GetEndpoint(ctx context.Context, id int64) (*domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.eps[id]
	if !ok {
		return nil, nil
	}
	cp := *ep
	return &cp, nil
}

func (f *fakeStore) GetEndpointByAddr(ctx context.Context, address string, port int) (*domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ep := range f.eps {
		if ep.Address == address && ep.Port == port {
			cp := *ep
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListEndpointsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Endpoint
	for _, ep := range f.eps {
		if len(statuses) == 0 {
			out = append(out, *ep)
			continue
		}
		for _, s := range statuses {
			if ep.Status == s {
				out = append(out, *ep)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListEndpointsForRecheck(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Endpoint
	for _, ep := range f.eps {
		if ep.Status != domain.StatusVerified {
			continue
		}
		if ep.LastCheckedAt == nil || ep.LastCheckedAt.Before(checkedBefore) {
			out = append(out, *ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) PurgeEndpoint(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.eps, id)
	delete(f.caps, id)
	delete(f.links, id)
	delete(f.samples, id)
	return nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c domain.StatusCounts
	for _, ep := range f.eps {
		switch ep.Status {
		case domain.StatusUnverified:
			c.Unverified++
		case domain.StatusVerified:
			c.Verified++
		case domain.StatusFailed:
			c.Failed++
		case domain.StatusHoneypot:
			c.Honeypot++
		case domain.StatusInactive:
			c.Inactive++
		}
	}
	return c, nil
}

func (f *fakeStore) MarkVerified(ctx context.Context, id int64, caps []domain.Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.eps[id]
	if !ok {
		return fmt.Errorf("endpoint %d not found", id)
	}
	now := time.Now()
	ep.Status = domain.StatusVerified
	ep.HoneypotReason = ""
	ep.InactiveReason = ""
	ep.LastCheckedAt = &now
	ep.VerifiedAt = &now
	f.links[id] = domain.TrustLink{EndpointID: id, VerifiedAt: now}
	f.caps[id] = append([]domain.Capability(nil), caps...)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id int64) error {
	return f.deVerify(id, domain.StatusFailed, "")
}

func (f *fakeStore) MarkHoneypot(ctx context.Context, id int64, reason string) error {
	return f.deVerify(id, domain.StatusHoneypot, reason)
}

func (f *fakeStore) MarkInactive(ctx context.Context, id int64, reason string) error {
	return f.deVerify(id, domain.StatusInactive, reason)
}

func (f *fakeStore) deVerify(id int64, status domain.Status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.eps[id]
	if !ok {
		return fmt.Errorf("endpoint %d not found", id)
	}
	now := time.Now()
	ep.Status = status
	ep.LastCheckedAt = &now
	switch status {
	case domain.StatusHoneypot:
		ep.HoneypotReason = reason
	case domain.StatusInactive:
		ep.InactiveReason = reason
	}
	delete(f.links, id)
	return nil
}

func (f *fakeStore) GetTrustLink(ctx context.Context, endpointID int64) (*domain.TrustLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[endpointID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (f *fakeStore) ListTrustLinks(ctx context.Context) ([]domain.TrustLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TrustLink
	for _, link := range f.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

func (f *fakeStore) ListCapabilities(ctx context.Context, endpointID int64) ([]domain.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Capability(nil), f.caps[endpointID]...), nil
}

func (f *fakeStore) InsertSamples(ctx context.Context, samples []domain.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range samples {
		f.samples[s.EndpointID] = append(f.samples[s.EndpointID], s)
	}
	return nil
}

func (f *fakeStore) LatestSampleBefore(ctx context.Context, endpointID int64, before time.Time) (*domain.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Sample
	for i := range f.samples[endpointID] {
		s := f.samples[endpointID][i]
		if !s.CreatedAt.Before(before) {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = &s
		}
	}
	return latest, nil
}

func (f *fakeStore) PruneSamples(ctx context.Context, keepPerEndpoint int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if keepPerEndpoint < 1 {
		keepPerEndpoint = 1
	}
	var pruned int64
	for id, list := range f.samples {
		if len(list) <= keepPerEndpoint {
			continue
		}
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		pruned += int64(len(list) - keepPerEndpoint)
		f.samples[id] = list[:keepPerEndpoint]
	}
	return pruned, nil
}

func (f *fakeStore) StartRun(ctx context.Context, kind string) (*domain.RunMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &domain.RunMarker{ID: uuid.New().String(), Kind: kind, StartedAt: time.Now()}
	f.markers[m.ID] = m
	return m, nil
}

func (f *fakeStore) EndRun(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[id]
	if !ok || m.EndedAt != nil {
		return fmt.Errorf("no open marker %s", id)
	}
	m.EndedAt = &at
	return nil
}

func (f *fakeStore) OpenRuns(ctx context.Context) ([]domain.RunMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RunMarker
	for _, m := range f.markers {
		if m.EndedAt == nil {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (f *fakeStore) SetMetadata(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[key] = value
	return nil
}

func (f *fakeStore) GetMetadata(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[key], nil
}

func (f *fakeStore) Close() error { return nil }
