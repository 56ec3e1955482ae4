package domain

import (
	"strings"
	"time"
	"unicode"
)

// MaxSampleResponse caps how much of a response is persisted per sample
const MaxSampleResponse = 1000

// Sample is one probe/response pair captured during verification.
// Samples are append-only; drift detection compares the newest sample
// against the most recent stored one.
type Sample struct {
	ID         int64     `json:"id"`
	EndpointID int64     `json:"endpoint_id"`
	CreatedAt  time.Time `json:"created_at"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Metrics    SampleMetrics
}

// SampleMetrics are the derived measurements persisted with each sample
type SampleMetrics struct {
	Length         int     `json:"length"`
	GibberishRatio float64 `json:"gibberish_ratio"`
	WordCount      int     `json:"word_count"`
}

// NewSample builds a sample for a probe response, computing metrics over the
// full text and truncating the stored response to MaxSampleResponse.
func NewSample(endpointID int64, prompt, response string, at time.Time) Sample {
	stored := response
	if len(stored) > MaxSampleResponse {
		stored = stored[:MaxSampleResponse]
	}
	return Sample{
		EndpointID: endpointID,
		CreatedAt:  at,
		Prompt:     prompt,
		Response:   stored,
		Metrics:    ComputeMetrics(response),
	}
}

// ComputeMetrics derives length, word count and gibberish ratio for text
func ComputeMetrics(text string) SampleMetrics {
	words := strings.Fields(text)
	m := SampleMetrics{
		Length:    len(text),
		WordCount: len(words),
	}
	if len(words) == 0 {
		return m
	}
	gibberish := 0
	for _, w := range words {
		if IsGibberishWord(w) {
			gibberish++
		}
	}
	m.GibberishRatio = float64(gibberish) / float64(len(words))
	return m
}

// IsGibberishWord reports whether a word is shape-anomalous: long with a high
// non-letter density, long and alphabetic but vowel-free, or long with
// interleaved digits and letters.
func IsGibberishWord(word string) bool {
	runes := []rune(word)
	n := len(runes)

	if n > 4 {
		nonAlpha := 0
		for _, r := range runes {
			if !unicode.IsLetter(r) {
				nonAlpha++
			}
		}
		if float64(nonAlpha) > float64(n)*0.3 {
			return true
		}
	}
	if n > 7 && allLetters(runes) && !HasVowels(word) {
		return true
	}
	if n > 8 {
		digits, letters := 0, 0
		for _, r := range runes {
			switch {
			case unicode.IsDigit(r):
				digits++
			case unicode.IsLetter(r):
				letters++
			}
		}
		if digits > 1 && letters > 1 {
			return true
		}
	}
	return false
}

// HasVowels reports whether word contains at least one vowel.
// Real words almost always do; random consonant runs do not.
func HasVowels(word string) bool {
	return strings.ContainsAny(strings.ToLower(word), "aeiou")
}

func allLetters(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(runes) > 0
}
