package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"inferwatch/internal/classify"
	"inferwatch/internal/domain"
	"inferwatch/internal/probe"
	"inferwatch/internal/verify"
)

const scanTestTags = `{"models":[{"name":"llama2:7b","size":3825819519,"details":{"parameter_size":"7B","quantization_level":"Q4_0"}}]}`

// newScanFixture starts a well-behaved fake inference server and wires the
// full verification stack over a fake store seeded with that server.
func newScanFixture(t *testing.T, response string) (*ScanService, *fakeStore, *domain.Endpoint) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, scanTestTags)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":%q}`, response)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split server addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	store := newFakeStore()
	ep := store.addEndpoint(host, port, domain.StatusUnverified, false)

	sampler := probe.NewSampler(probe.NewClient(), probe.DefaultTimeoutPolicy(), []string{"Say hello in one short sentence"}, 50)
	classifier := classify.NewClassifier(0.5)
	drift := classify.NewDetector(24 * time.Hour)
	verifier := verify.NewVerifier(store, sampler, classifier, drift, false)
	pool := verify.NewPool(verifier, 2, 2)
	scan := NewScanService(store, pool, NewRecoveryService(store))
	return scan, store, ep
}

func TestScanRunVerifiesCleanEndpoint(t *testing.T) {
	scan, store, ep := newScanFixture(t, "Hello! I am a language model and happy to help you today.")
	ctx := context.Background()

	summary, err := scan.Run(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if summary.Verified != 1 {
		t.Fatalf("summary = %+v, want 1 verified", summary)
	}

	got, err := store.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Status != domain.StatusVerified {
		t.Fatalf("status = %s, want verified", got.Status)
	}
	link, err := store.GetTrustLink(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get trust link: %v", err)
	}
	if link == nil {
		t.Fatal("verified endpoint has no trust link")
	}
	caps, err := store.ListCapabilities(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "llama2:7b" {
		t.Fatalf("capabilities = %+v, want llama2:7b", caps)
	}

	// Run lifecycle: the scan marker is closed and both stamps recorded
	open, err := store.OpenRuns(ctx)
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("got %d open markers after scan, want 0", len(open))
	}
	for _, key := range []string{MetaLastScanStart, MetaLastScanEnd} {
		stamp, err := store.GetMetadata(ctx, key)
		if err != nil {
			t.Fatalf("get metadata %s: %v", key, err)
		}
		if _, err := time.Parse(time.RFC3339, stamp); err != nil {
			t.Errorf("metadata %s = %q, not RFC3339: %v", key, stamp, err)
		}
	}
}

func TestScanRunFlagsHoneypot(t *testing.T) {
	scan, store, ep := newScanFixture(t, "Using model: llama2. Processing your request now.")
	ctx := context.Background()

	summary, err := scan.Run(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if summary.Honeypot != 1 {
		t.Fatalf("summary = %+v, want 1 honeypot", summary)
	}

	got, err := store.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Status != domain.StatusHoneypot {
		t.Fatalf("status = %s, want honeypot", got.Status)
	}
	if got.HoneypotReason == "" {
		t.Error("honeypot accusation recorded without a reason")
	}
	if link, _ := store.GetTrustLink(ctx, ep.ID); link != nil {
		t.Error("honeypot endpoint holds a trust link")
	}
}

func TestScanRunEmptyBatch(t *testing.T) {
	store := newFakeStore()
	// Only a verified endpoint: the default batch selects unverified and
	// failed, so there is nothing to do.
	store.addEndpoint("10.0.0.1", 11434, domain.StatusVerified, true)

	scan := NewScanService(store, nil, NewRecoveryService(store))
	summary, err := scan.Run(context.Background(), ScanOptions{})
	if err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if summary.Processed() != 0 {
		t.Fatalf("summary = %+v, want nothing processed", summary)
	}
	if len(store.markers) != 0 {
		t.Fatalf("empty batch created %d run markers, want 0", len(store.markers))
	}
}

func TestScanSelectBatch(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	store.addEndpoint("10.0.0.1", 11434, domain.StatusUnverified, false)
	store.addEndpoint("10.0.0.2", 11434, domain.StatusFailed, false)
	verified := store.addEndpoint("10.0.0.3", 11434, domain.StatusVerified, true)
	store.addEndpoint("10.0.0.4", 11434, domain.StatusHoneypot, false)

	scan := NewScanService(store, nil, NewRecoveryService(store))

	t.Run("default picks candidates", func(t *testing.T) {
		batch, err := scan.selectBatch(ctx, ScanOptions{})
		if err != nil {
			t.Fatalf("select batch: %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("got %d endpoints, want 2", len(batch))
		}
		for _, ep := range batch {
			if ep.Status != domain.StatusUnverified && ep.Status != domain.StatusFailed {
				t.Errorf("batch includes %s endpoint %s", ep.Status, ep.Addr())
			}
		}
	})

	t.Run("limit caps the batch", func(t *testing.T) {
		batch, err := scan.selectBatch(ctx, ScanOptions{Limit: 1})
		if err != nil {
			t.Fatalf("select batch: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("got %d endpoints, want 1", len(batch))
		}
	})

	t.Run("recheck picks verified", func(t *testing.T) {
		batch, err := scan.selectBatch(ctx, ScanOptions{Recheck: true, ForceRecheck: true})
		if err != nil {
			t.Fatalf("select batch: %v", err)
		}
		if len(batch) != 1 || batch[0].ID != verified.ID {
			t.Fatalf("recheck batch = %+v, want only the verified endpoint", batch)
		}
	})

	t.Run("recheck honors min age", func(t *testing.T) {
		now := time.Now()
		store.mu.Lock()
		store.eps[verified.ID].LastCheckedAt = &now
		store.mu.Unlock()

		batch, err := scan.selectBatch(ctx, ScanOptions{Recheck: true, MinAge: time.Hour})
		if err != nil {
			t.Fatalf("select batch: %v", err)
		}
		if len(batch) != 0 {
			t.Fatalf("freshly checked endpoint selected for recheck: %+v", batch)
		}

		batch, err = scan.selectBatch(ctx, ScanOptions{Recheck: true, ForceRecheck: true, MinAge: time.Hour})
		if err != nil {
			t.Fatalf("select batch: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("force recheck skipped the verified endpoint")
		}
	})
}

func TestPruneSamplesRunsUnderMarker(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	ep := store.addEndpoint("10.0.0.1", 11434, domain.StatusVerified, true)

	now := time.Now()
	var samples []domain.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, domain.NewSample(ep.ID, "prompt", fmt.Sprintf("response %d", i), now.Add(time.Duration(i)*time.Minute)))
	}
	if err := store.InsertSamples(ctx, samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	scan := NewScanService(store, nil, NewRecoveryService(store))
	pruned, err := scan.PruneSamples(ctx, 2)
	if err != nil {
		t.Fatalf("prune samples: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned = %d, want 3", pruned)
	}

	open, err := store.OpenRuns(ctx)
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	if len(open) != 0 {
		t.Fatal("prune left its run marker open")
	}
	found := false
	for _, m := range store.markers {
		if m.Kind == "prune" {
			found = true
		}
	}
	if !found {
		t.Fatal("prune ran without a run marker")
	}
}
