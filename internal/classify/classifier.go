// Package classify scores probe responses for deception indicators and
// detects behavioral drift between verifications.
package classify

import (
	"fmt"
	"log"
	"regexp"
	"strings"

	"inferwatch/internal/domain"
)

// DefaultMajorityThreshold is the flagged-sample fraction at which an
// endpoint is judged a honeypot. Half of the probes must flag: a single
// false positive never condemns an endpoint on its own.
const DefaultMajorityThreshold = 0.5

// honeypotIndicators are substrings that should never appear in a genuine
// generation response: self-identification, scanner tooling echoes, API
// debugging output, known trap software, and bare log level tokens.
var honeypotIndicators = []string{
	"honeypot",
	"this is a trap",

	"using model:",
	"sending prompt to",
	"loading model:",
	"loaded model:",
	"retrieving from",

	"curl",
	"wget",
	"ollama",
	"request:",
	"response:",
	"api/generate",

	"cowrie",

	"model_id:",
	"endpoint_id:",

	"[info]", "[debug]", "[error]", "[warning]",
	"info:", "debug:", "error:", "warning:",
}

// timestampPatterns match structured-log leakage in a response
var timestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`), // ISO-8601
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),                      // MM/DD/YYYY
	regexp.MustCompile(`\d{2}:\d{2}:\d{2}\.\d+`),                 // HH:MM:SS.mmm
}

// sensitivePatterns match credential and infrastructure leakage
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:api[_-]?key|token|secret|access[_-]?key)[=:]\s*[\w\-]{10,}`),
	regexp.MustCompile(`(?i)postgres(?:ql)?://\w+:[^@]+@[\w\-.]+(?::\d+)?/\w+`),
	regexp.MustCompile(`(?i)(?:mysql|mongodb|redis)://`),
	regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)connecting to \d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+`),
	regexp.MustCompile(`/(?:home|var|etc|root)/\w+/`),
	regexp.MustCompile(`(?i)(?:ENV|ENVIRONMENT|API_KEY|SECRET)=`),
}

// Verdict is the endpoint-level classification result
type Verdict struct {
	Honeypot bool
	Flagged  int
	Total    int
	Reason   string
}

// Classifier scores sample sets for honeypot behavior. The zero value is not
// usable; construct with NewClassifier.
type Classifier struct {
	threshold float64
}

// NewClassifier returns a classifier with the given majority threshold.
// Values outside (0, 1] fall back to DefaultMajorityThreshold.
func NewClassifier(threshold float64) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMajorityThreshold
	}
	return &Classifier{threshold: threshold}
}

// Classify scores each sample and returns the majority-vote verdict.
// It never fails: a scoring panic on one sample is logged and that sample
// is treated as not flagged, so an internal error can only make the verdict
// more lenient, never condemn an endpoint.
func (c *Classifier) Classify(samples []domain.Sample) Verdict {
	v := Verdict{Total: len(samples)}
	if v.Total == 0 {
		v.Reason = "no samples"
		return v
	}

	var reasons []string
	for i := range samples {
		flagged, reason := c.scoreSample(samples[i].Response)
		if flagged {
			v.Flagged++
			reasons = append(reasons, reason)
		}
	}

	ratio := float64(v.Flagged) / float64(v.Total)
	if ratio >= c.threshold {
		v.Honeypot = true
		v.Reason = fmt.Sprintf("response appears to be from a honeypot (%d/%d prompts triggered detection: %s)",
			v.Flagged, v.Total, strings.Join(dedupe(reasons), "; "))
	} else {
		v.Reason = fmt.Sprintf("%d/%d prompts flagged, below threshold", v.Flagged, v.Total)
	}
	return v
}

// scoreSample applies every signal to one response. Recovers from panics in
// signal code so a malformed response cannot abort the whole verification.
func (c *Classifier) scoreSample(text string) (flagged bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("classify: scoring panic recovered, sample treated as clean: %v", r)
			flagged = false
			reason = ""
		}
	}()

	if strings.TrimSpace(text) == "" {
		return true, "empty response"
	}

	lower := strings.ToLower(text)
	for _, indicator := range honeypotIndicators {
		if strings.Contains(lower, indicator) {
			return true, fmt.Sprintf("indicator %q", indicator)
		}
	}

	for _, re := range timestampPatterns {
		if re.MatchString(text) {
			return true, "log timestamp in response"
		}
	}

	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return true, "sensitive data in response"
		}
	}

	// Gibberish prefix hiding plausible text in the second half
	if len(text) > 100 {
		half := len(text) / 2
		if highGibberishRatio(text[:half]) && !highGibberishRatio(text[half:]) {
			return true, "gibberish followed by normal text"
		}
	}

	words := strings.Fields(text)
	if len(words) < 3 {
		// Too short to analyze shape-wise
		return false, ""
	}

	metrics := domain.ComputeMetrics(text)
	if metrics.GibberishRatio > 0.3 {
		return true, fmt.Sprintf("high gibberish ratio %.2f", metrics.GibberishRatio)
	}

	if mixed := mixedContentSections(text); mixed > 0 {
		return true, fmt.Sprintf("%d sections mixing gibberish and normal words", mixed)
	}

	return false, ""
}

// highGibberishRatio reports whether more than 30% of the words in text are
// gibberish-shaped. Texts under 3 words are never considered gibberish.
func highGibberishRatio(text string) bool {
	words := strings.Fields(text)
	if len(words) < 3 {
		return false
	}
	gibberish := 0
	for _, w := range words {
		if domain.IsGibberishWord(w) {
			gibberish++
		}
	}
	return float64(gibberish)/float64(len(words)) > 0.3
}

var sectionSplit = regexp.MustCompile(`[.!?\n]+`)

// mixedContentSections splits text into sentence-like sections and counts
// those that interleave gibberish-shaped and normal words. Returns a non-zero
// count only when the pattern is widespread enough to flag: at least two such
// sections, or more than a quarter of all sections.
func mixedContentSections(text string) int {
	sections := sectionSplit.Split(text, -1)
	mixed := 0
	total := 0
	for _, section := range sections {
		section = strings.TrimSpace(section)
		if len(section) < 10 {
			continue
		}
		total++
		words := strings.Fields(section)
		gibberish := 0
		for _, w := range words {
			if sectionGibberishWord(w) {
				gibberish++
			}
		}
		if gibberish > 0 && gibberish < len(words) {
			mixed++
		}
	}
	if mixed >= 2 {
		return mixed
	}
	if total > 0 && float64(mixed)/float64(total) > 0.25 {
		return mixed
	}
	return 0
}

// sectionGibberishWord uses the stricter word shapes for section analysis:
// vowel-free letter runs and digit/letter interleaving, but not punctuation
// density, which legitimate mid-sentence tokens trip too easily.
func sectionGibberishWord(word string) bool {
	runes := []rune(word)
	if len(runes) > 7 && !domain.HasVowels(word) {
		letters := true
		for _, r := range runes {
			if r < 'A' || (r > 'Z' && r < 'a') || r > 'z' {
				letters = false
				break
			}
		}
		if letters {
			return true
		}
	}
	if len(runes) > 8 {
		digits, letters := 0, 0
		for _, r := range runes {
			switch {
			case r >= '0' && r <= '9':
				digits++
			case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
				letters++
			}
		}
		if digits > 1 && letters > 1 {
			return true
		}
	}
	return false
}

// dedupe removes duplicate reason strings, keeping first occurrence order
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
