package probe

import (
	"context"
	"log"
	"time"

	"inferwatch/internal/domain"
)

// DefaultPrompts are the probe prompts sent to each candidate. Two
// independently-worded prompts reliably diverge for genuine models but not
// for endpoints that emit canned or randomized junk regardless of input.
var DefaultPrompts = []string{
	"Say hello in one short sentence",
	"What is your name?",
	"Tell me about yourself",
}

// Sampler captures raw response samples for a set of probe prompts,
// computing the per-request timeout from the endpoint's declared model size.
type Sampler struct {
	client  *Client
	policy  TimeoutPolicy
	prompts []string
	tokens  int
}

// NewSampler builds a sampler. Empty prompts fall back to DefaultPrompts,
// non-positive maxTokens to DefaultMaxTokens.
func NewSampler(client *Client, policy TimeoutPolicy, prompts []string, maxTokens int) *Sampler {
	if len(prompts) == 0 {
		prompts = DefaultPrompts
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Sampler{
		client:  client,
		policy:  policy,
		prompts: prompts,
		tokens:  maxTokens,
	}
}

// ProbeCount returns how many prompts one collection issues
func (s *Sampler) ProbeCount() int {
	return len(s.prompts)
}

// Capabilities lists the endpoint's declared models under the minimum
// timeout; the listing itself involves no generation work.
func (s *Sampler) Capabilities(ctx context.Context, ep *domain.Endpoint) ([]domain.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Min)
	defer cancel()
	return s.client.ListCapabilities(ctx, ep.Addr())
}

// Collect issues every probe prompt against the endpoint's model and returns
// one sample per successful generation. A transport failure on any prompt
// aborts the collection: a genuine server that answered /api/tags must also
// answer generation.
func (s *Sampler) Collect(ctx context.Context, ep *domain.Endpoint, model domain.Capability) ([]domain.Sample, error) {
	samples := make([]domain.Sample, 0, len(s.prompts))
	sizeB := model.ParamSizeB()

	for i, prompt := range s.prompts {
		timeout := s.policy.Compute(sizeB, len(prompt), s.tokens)
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		text, err := s.client.Generate(reqCtx, ep.Addr(), model.Name, prompt, s.tokens)
		cancel()
		if err != nil {
			return nil, err
		}

		samples = append(samples, domain.NewSample(ep.ID, prompt, text, time.Now()))

		// Brief pause so a burst of probes does not overload the endpoint
		if i < len(s.prompts)-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}

	log.Printf("probe: collected %d samples from %s (model=%s, size=%.1fB)",
		len(samples), ep.Addr(), model.Name, sizeB)
	return samples, nil
}
