package probe

import (
	"time"
)

// Timeout policy defaults. Large models legitimately take minutes to answer;
// a fixed timeout either starves them or wastes budget on small models.
const (
	DefaultBaseTimeout = 180 * time.Second
	DefaultMinTimeout  = 60 * time.Second
	DefaultMaxTimeout  = 1500 * time.Second
)

// TimeoutPolicy computes per-request timeouts scaled by declared model size,
// prompt length and requested generation budget.
type TimeoutPolicy struct {
	Base time.Duration
	Min  time.Duration
	Max  time.Duration
}

// DefaultTimeoutPolicy returns the standard bounds
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base: DefaultBaseTimeout,
		Min:  DefaultMinTimeout,
		Max:  DefaultMaxTimeout,
	}
}

// Compute returns the timeout for one generation request.
// paramSizeB is the declared parameter count in billions (0 when unknown).
func (p TimeoutPolicy) Compute(paramSizeB float64, promptLen, maxTokens int) time.Duration {
	modelFactor := modelFactor(paramSizeB)
	promptFactor := 1.0 + float64(promptLen)/1000
	tokenFactor := 1.0
	if maxTokens > 1000 {
		tokenFactor = float64(maxTokens) / 1000
	}

	timeout := time.Duration(float64(p.Base) * modelFactor * promptFactor * tokenFactor)
	if timeout < p.Min {
		return p.Min
	}
	if timeout > p.Max {
		return p.Max
	}
	return timeout
}

// modelFactor tiers the multiplier by declared parameter-size class
func modelFactor(sizeB float64) float64 {
	switch {
	case sizeB >= 50:
		return 6.0
	case sizeB >= 13 && sizeB < 15:
		return 2.4
	case sizeB >= 7 && sizeB < 9:
		return 1.7
	case sizeB > 0:
		return 1.0 + sizeB/10
	default:
		return 1.0
	}
}
