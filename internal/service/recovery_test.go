package service

import (
	"context"
	"testing"
	"time"

	"inferwatch/internal/domain"
)

func TestRecoveryClosesOpenMarkers(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	if _, err := store.StartRun(ctx, "scan"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := store.StartRun(ctx, "prune"); err != nil {
		t.Fatalf("start run: %v", err)
	}

	report, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.ClosedMarkers != 2 {
		t.Fatalf("ClosedMarkers = %d, want 2", report.ClosedMarkers)
	}

	open, err := store.OpenRuns(ctx)
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("got %d open markers after recovery, want 0", len(open))
	}
	for _, m := range store.markers {
		if m.EndedAt == nil {
			t.Fatalf("marker %s still open", m.ID)
		}
	}
}

func TestRecoveryRestoresMissingLink(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	ep := store.addEndpoint("10.0.0.1", 11434, domain.StatusVerified, false)
	store.caps[ep.ID] = []domain.Capability{{EndpointID: ep.ID, Name: "llama2:7b", ParameterSize: "7B"}}

	report, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.LinksInserted != 1 {
		t.Fatalf("LinksInserted = %d, want 1", report.LinksInserted)
	}

	link, err := store.GetTrustLink(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get trust link: %v", err)
	}
	if link == nil {
		t.Fatal("verified endpoint still has no trust link")
	}

	caps, err := store.ListCapabilities(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "llama2:7b" {
		t.Fatalf("capabilities not preserved across repair: %+v", caps)
	}
}

func TestRecoveryRevokesLingeringLinks(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	honeypot := store.addEndpoint("10.0.0.1", 11434, domain.StatusHoneypot, true)
	inactive := store.addEndpoint("10.0.0.2", 11434, domain.StatusInactive, true)
	failed := store.addEndpoint("10.0.0.3", 11434, domain.StatusFailed, true)
	unverified := store.addEndpoint("10.0.0.4", 11434, domain.StatusUnverified, true)

	report, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.LinksRemoved != 4 {
		t.Fatalf("LinksRemoved = %d, want 4", report.LinksRemoved)
	}
	if report.ForcedUnverify != 2 {
		t.Fatalf("ForcedUnverify = %d, want 2", report.ForcedUnverify)
	}

	links, err := store.ListTrustLinks(ctx)
	if err != nil {
		t.Fatalf("list trust links: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("got %d trust links after recovery, want 0", len(links))
	}

	checks := []struct {
		name string
		id   int64
		want domain.Status
	}{
		{"honeypot keeps status", honeypot.ID, domain.StatusHoneypot},
		{"inactive keeps status", inactive.ID, domain.StatusInactive},
		{"failed keeps status", failed.ID, domain.StatusFailed},
		{"unverified settles as failed", unverified.ID, domain.StatusFailed},
	}
	for _, c := range checks {
		ep, err := store.GetEndpoint(ctx, c.id)
		if err != nil {
			t.Fatalf("%s: get endpoint: %v", c.name, err)
		}
		if ep.Status != c.want {
			t.Errorf("%s: status = %s, want %s", c.name, ep.Status, c.want)
		}
	}

	ep, _ := store.GetEndpoint(ctx, honeypot.ID)
	if ep.HoneypotReason != "staged honeypot" {
		t.Errorf("honeypot reason lost during repair: %q", ep.HoneypotReason)
	}
	ep, _ = store.GetEndpoint(ctx, inactive.ID)
	if ep.InactiveReason != "staged inactive" {
		t.Errorf("inactive reason lost during repair: %q", ep.InactiveReason)
	}
}

func TestRecoveryRemovesOrphanedLink(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	kept := store.addEndpoint("10.0.0.1", 11434, domain.StatusVerified, true)
	// A link whose endpoint row is gone, as left behind by databases written
	// before foreign keys were enforced
	store.links[99] = domain.TrustLink{EndpointID: 99, VerifiedAt: time.Now()}

	report, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.LinksRemoved != 1 {
		t.Fatalf("LinksRemoved = %d, want 1", report.LinksRemoved)
	}

	links, err := store.ListTrustLinks(ctx)
	if err != nil {
		t.Fatalf("list trust links: %v", err)
	}
	if len(links) != 1 || links[0].EndpointID != kept.ID {
		t.Fatalf("links after recovery = %+v, want only endpoint %d", links, kept.ID)
	}

	second, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Clean() {
		t.Fatalf("second run found work after orphan removal: %+v", second)
	}
}

func TestRecoveryRecomputesCounts(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	store.addEndpoint("10.0.0.1", 11434, domain.StatusUnverified, false)
	store.addEndpoint("10.0.0.2", 11434, domain.StatusUnverified, false)
	store.addEndpoint("10.0.0.3", 11434, domain.StatusVerified, true)
	store.addEndpoint("10.0.0.4", 11434, domain.StatusHoneypot, false)

	report, err := NewRecoveryService(store).Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.Counts.Unverified != 2 || report.Counts.Verified != 1 || report.Counts.Honeypot != 1 {
		t.Fatalf("counts = %+v, want 2 unverified, 1 verified, 1 honeypot", report.Counts)
	}

	for key, want := range map[string]string{
		"count_unverified": "2",
		"count_verified":   "1",
		"count_failed":     "0",
		"count_honeypot":   "1",
		"count_inactive":   "0",
	} {
		got, err := store.GetMetadata(ctx, key)
		if err != nil {
			t.Fatalf("get metadata %s: %v", key, err)
		}
		if got != want {
			t.Errorf("metadata %s = %q, want %q", key, got, want)
		}
	}
}

func TestRecoveryIdempotent(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	// One of each problem: an interrupted run, a verified endpoint without
	// its link, and a honeypot still holding one.
	if _, err := store.StartRun(ctx, "scan"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	store.addEndpoint("10.0.0.1", 11434, domain.StatusVerified, false)
	store.addEndpoint("10.0.0.2", 11434, domain.StatusHoneypot, true)

	svc := NewRecoveryService(store)

	first, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Clean() {
		t.Fatal("first run reported clean state on a dirty store")
	}
	if first.ClosedMarkers != 1 || first.LinksInserted != 1 || first.LinksRemoved != 1 {
		t.Fatalf("first run = %+v, want 1 closed, 1 inserted, 1 removed", first)
	}

	second, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Clean() {
		t.Fatalf("second run found work on a repaired store: %+v", second)
	}
	if second.Counts != first.Counts {
		t.Fatalf("counts changed between runs: %+v then %+v", first.Counts, second.Counts)
	}
}
