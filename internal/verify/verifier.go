// Package verify runs the full trust check for discovered endpoints: probe,
// sample, classify, drift-compare, and apply the resulting status transition.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"inferwatch/internal/classify"
	"inferwatch/internal/domain"
	"inferwatch/internal/probe"
	"inferwatch/internal/repository"
)

// Decision is the outcome of one endpoint verification
type Decision string

const (
	DecisionVerified Decision = "verified"
	DecisionHoneypot Decision = "honeypot"
	DecisionFailed   Decision = "failed"
	DecisionInactive Decision = "inactive"
	// DecisionRetry means a transport failure occurred and the caller may
	// try again; no state was written.
	DecisionRetry Decision = "retry"
)

// Outcome reports what happened to one endpoint
type Outcome struct {
	Endpoint domain.Endpoint
	Decision Decision
	Reason   string
}

// Verifier checks a single endpoint end to end. It is safe for concurrent
// use; all mutable state lives in the store.
type Verifier struct {
	store      repository.Store
	sampler    *probe.Sampler
	classifier *classify.Classifier
	drift      *classify.Detector
	dryRun     bool
}

// NewVerifier wires the verification pipeline. With dryRun set, every
// decision is computed and logged but nothing is written.
func NewVerifier(store repository.Store, sampler *probe.Sampler, classifier *classify.Classifier, drift *classify.Detector, dryRun bool) *Verifier {
	return &Verifier{
		store:      store,
		sampler:    sampler,
		classifier: classifier,
		drift:      drift,
		dryRun:     dryRun,
	}
}

// Verify runs the check sequence for one endpoint. Transport failures on the
// non-final attempt return DecisionRetry without touching the store so the
// caller can requeue; on the final attempt they settle as failed, or inactive
// when the endpoint had been verified before.
func (v *Verifier) Verify(ctx context.Context, ep domain.Endpoint, finalAttempt bool) (Outcome, error) {
	caps, err := v.sampler.Capabilities(ctx, &ep)
	if err != nil {
		return v.transportFailure(ctx, ep, finalAttempt, fmt.Sprintf("capability probe: %v", err))
	}

	model := caps[0]
	samples, err := v.sampler.Collect(ctx, &ep, model)
	if err != nil {
		if isTransport(err) {
			return v.transportFailure(ctx, ep, finalAttempt, fmt.Sprintf("sample collection: %v", err))
		}
		return Outcome{}, err
	}

	verdict := v.classifier.Classify(samples)
	if verdict.Honeypot {
		return v.settle(ctx, ep, DecisionHoneypot, verdict.Reason, nil, samples)
	}

	// Clean verdict. For previously verified endpoints, compare against the
	// stored baseline before renewing trust.
	if ep.Status == domain.StatusVerified {
		outcome, fresh, settled, err := v.checkDrift(ctx, ep, model, samples)
		if settled || err != nil {
			return outcome, err
		}
		// A drift re-check ran clean: its sample set is the authoritative
		// record for this verification.
		if fresh != nil {
			samples = fresh
		}
	}

	return v.settle(ctx, ep, DecisionVerified, "", caps, samples)
}

// checkDrift compares the newest sample against the endpoint's baseline. On
// significant change it collects a fresh sample set and re-classifies with
// that set as authoritative; a flagged re-check settles the endpoint as a
// honeypot, a clean one returns the fresh set for the caller to persist.
// Returns settled=false when verification should proceed normally.
func (v *Verifier) checkDrift(ctx context.Context, ep domain.Endpoint, model domain.Capability, samples []domain.Sample) (Outcome, []domain.Sample, bool, error) {
	cutoff := time.Now().Add(-v.drift.MinAge())
	baseline, err := v.store.LatestSampleBefore(ctx, ep.ID, cutoff)
	if err != nil {
		return Outcome{}, nil, true, fmt.Errorf("load baseline sample for %s: %w", ep.Addr(), err)
	}
	if baseline == nil {
		return Outcome{}, nil, false, nil
	}

	result := v.drift.Compare(*baseline, samples[len(samples)-1])
	if !result.Changed {
		return Outcome{}, nil, false, nil
	}

	log.Printf("verify: drift detected for %s: %s", ep.Addr(), result.Description)

	fresh, err := v.sampler.Collect(ctx, &ep, model)
	if err != nil {
		if isTransport(err) {
			out, ferr := v.transportFailure(ctx, ep, true, fmt.Sprintf("drift re-check: %v", err))
			return out, nil, true, ferr
		}
		return Outcome{}, nil, true, err
	}

	verdict := v.classifier.Classify(fresh)
	if verdict.Honeypot {
		out, serr := v.settle(ctx, ep, DecisionHoneypot, "behavior change: "+result.Description, nil, fresh)
		return out, nil, true, serr
	}
	return Outcome{}, fresh, false, nil
}

// transportFailure routes an unreachable or non-conforming endpoint. The
// distinction matters for previously verified endpoints: those go inactive
// with the failure reason recorded rather than plain failed, so operators
// can tell a lapsed trusted server from one that never qualified.
func (v *Verifier) transportFailure(ctx context.Context, ep domain.Endpoint, finalAttempt bool, reason string) (Outcome, error) {
	if !finalAttempt {
		return Outcome{Endpoint: ep, Decision: DecisionRetry, Reason: reason}, nil
	}
	if ep.Status == domain.StatusVerified {
		return v.settle(ctx, ep, DecisionInactive, reason, nil, nil)
	}
	return v.settle(ctx, ep, DecisionFailed, reason, nil, nil)
}

// settle persists samples and applies the status transition for a decided
// endpoint, unless running dry.
func (v *Verifier) settle(ctx context.Context, ep domain.Endpoint, d Decision, reason string, caps []domain.Capability, samples []domain.Sample) (Outcome, error) {
	out := Outcome{Endpoint: ep, Decision: d, Reason: reason}
	if v.dryRun {
		log.Printf("verify: dry-run %s -> %s (%s)", ep.Addr(), d, reason)
		return out, nil
	}

	if len(samples) > 0 {
		if err := v.store.InsertSamples(ctx, samples); err != nil {
			return out, fmt.Errorf("store samples for %s: %w", ep.Addr(), err)
		}
	}

	var err error
	switch d {
	case DecisionVerified:
		err = v.store.MarkVerified(ctx, ep.ID, caps)
	case DecisionHoneypot:
		err = v.store.MarkHoneypot(ctx, ep.ID, reason)
	case DecisionFailed:
		err = v.store.MarkFailed(ctx, ep.ID)
	case DecisionInactive:
		err = v.store.MarkInactive(ctx, ep.ID, reason)
	}
	if err != nil {
		return out, fmt.Errorf("transition %s to %s: %w", ep.Addr(), d, err)
	}

	log.Printf("verify: %s -> %s (%s)", ep.Addr(), d, reason)
	return out, nil
}

func isTransport(err error) bool {
	var te *probe.TransportError
	return errors.As(err, &te)
}
