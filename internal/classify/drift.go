package classify

import (
	"fmt"
	"strings"
	"time"

	"inferwatch/internal/domain"
)

// DefaultMinSampleAge is how old a stored sample must be before it is used
// as a drift baseline. Back-to-back runs should not compare an endpoint
// against itself minutes apart.
const DefaultMinSampleAge = 24 * time.Hour

// DriftResult describes whether an endpoint's behavior changed significantly
// between two verifications.
type DriftResult struct {
	Changed     bool
	Description string
}

// Detector compares a new sample against the endpoint's prior stored sample
// to catch endpoints that verified clean once and turned deceptive later.
type Detector struct {
	minAge time.Duration
}

// NewDetector returns a drift detector. A non-positive minAge falls back to
// DefaultMinSampleAge.
func NewDetector(minAge time.Duration) *Detector {
	if minAge <= 0 {
		minAge = DefaultMinSampleAge
	}
	return &Detector{minAge: minAge}
}

// MinAge returns the minimum baseline sample age
func (d *Detector) MinAge() time.Duration {
	return d.minAge
}

// Compare evaluates the newest sample against a previous one. Significant
// change is declared when any of these holds:
//   - gibberish ratio exceeds 0.3 and grew by more than 50% relative
//   - response length shrank below half or more than doubled
//   - word-set similarity (Jaccard) fell below 0.3
func (d *Detector) Compare(prev, cur domain.Sample) DriftResult {
	var changes []string

	prevRatio := prev.Metrics.GibberishRatio
	curRatio := cur.Metrics.GibberishRatio
	if curRatio > 0.3 && curRatio > prevRatio*1.5 {
		changes = append(changes, fmt.Sprintf("gibberish ratio increased (%.2f to %.2f)", prevRatio, curRatio))
	}

	if prev.Metrics.Length > 0 {
		lengthRatio := float64(cur.Metrics.Length) / float64(prev.Metrics.Length)
		if lengthRatio < 0.5 || lengthRatio > 2 {
			changes = append(changes, fmt.Sprintf("response length changed by %.2fx", lengthRatio))
		}
	}

	if sim := TextSimilarity(prev.Response, cur.Response); sim < 0.3 {
		changes = append(changes, fmt.Sprintf("response content significantly different (similarity %.2f)", sim))
	}

	if len(changes) == 0 {
		return DriftResult{Description: "no significant behavior change"}
	}
	return DriftResult{
		Changed:     true,
		Description: strings.Join(changes, ", "),
	}
}

// TextSimilarity computes Jaccard similarity over lowercased word sets.
// Two empty texts are identical (1.0).
func TextSimilarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}
