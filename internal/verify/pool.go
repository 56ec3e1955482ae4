package verify

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"inferwatch/internal/domain"
)

const (
	DefaultWorkers    = 10
	DefaultMaxRetries = 3
)

// Summary aggregates the decisions of one verification batch
type Summary struct {
	Verified int
	Honeypot int
	Failed   int
	Inactive int
	Retried  int
	Errors   int
}

// Processed returns how many endpoints reached a final decision
func (s Summary) Processed() int {
	return s.Verified + s.Honeypot + s.Failed + s.Inactive
}

// Pool fans endpoint verifications out over a fixed set of workers. Transport
// failures requeue the endpoint up to the retry cap before it settles.
type Pool struct {
	verifier   *Verifier
	workers    int
	maxRetries int
}

// NewPool builds a worker pool. Non-positive workers or maxRetries fall back
// to the defaults.
func NewPool(verifier *Verifier, workers, maxRetries int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Pool{verifier: verifier, workers: workers, maxRetries: maxRetries}
}

type task struct {
	ep      domain.Endpoint
	attempt int
}

// Run verifies the given endpoints concurrently and returns the batch
// summary. Context cancellation stops the pool from dequeuing further work;
// in-flight verifications finish under their own probe timeouts. One
// endpoint's failure never aborts the batch; errors are counted and logged.
func (p *Pool) Run(ctx context.Context, endpoints []domain.Endpoint) (Summary, error) {
	if len(endpoints) == 0 {
		return Summary{}, nil
	}

	// Buffer covers every task plus all possible requeues so workers can
	// requeue without blocking each other.
	tasks := make(chan task, len(endpoints)*p.maxRetries)
	var pending sync.WaitGroup
	pending.Add(len(endpoints))
	for _, ep := range endpoints {
		tasks <- task{ep: ep, attempt: 1}
	}
	go func() {
		pending.Wait()
		close(tasks)
	}()

	var (
		mu      sync.Mutex
		summary Summary
	)

	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				p.handle(ctx, t, tasks, &pending, &mu, &summary)
			}
			return nil
		})
	}

	err := g.Wait()
	log.Printf("verify: batch done: %d verified, %d honeypot, %d failed, %d inactive (%d retries, %d errors)",
		summary.Verified, summary.Honeypot, summary.Failed, summary.Inactive, summary.Retried, summary.Errors)
	return summary, err
}

func (p *Pool) handle(ctx context.Context, t task, tasks chan<- task, pending *sync.WaitGroup, mu *sync.Mutex, summary *Summary) {
	defer pending.Done()

	// A cancelled batch drains remaining tasks without probing
	if ctx.Err() != nil {
		log.Printf("verify: skipping %s, batch deadline reached", t.ep.Addr())
		return
	}

	out, err := p.verifier.Verify(ctx, t.ep, t.attempt >= p.maxRetries)
	if err != nil {
		log.Printf("verify: error on %s: %v", t.ep.Addr(), err)
		mu.Lock()
		summary.Errors++
		mu.Unlock()
		return
	}

	if out.Decision == DecisionRetry {
		log.Printf("verify: retrying %s (attempt %d/%d): %s", t.ep.Addr(), t.attempt, p.maxRetries, out.Reason)
		mu.Lock()
		summary.Retried++
		mu.Unlock()
		pending.Add(1)
		tasks <- task{ep: t.ep, attempt: t.attempt + 1}
		return
	}

	mu.Lock()
	switch out.Decision {
	case DecisionVerified:
		summary.Verified++
	case DecisionHoneypot:
		summary.Honeypot++
	case DecisionFailed:
		summary.Failed++
	case DecisionInactive:
		summary.Inactive++
	}
	mu.Unlock()
}
