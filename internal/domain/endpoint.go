package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents an endpoint's verification state
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
	StatusHoneypot   Status = "honeypot"
	StatusInactive   Status = "inactive"
)

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusUnverified, StatusVerified, StatusFailed, StatusHoneypot, StatusInactive:
		return true
	}
	return false
}

// Endpoint is a candidate inference server identified by (address, port)
type Endpoint struct {
	ID             int64      `json:"id"`
	Address        string     `json:"address"`
	Port           int        `json:"port"`
	Status         Status     `json:"status"`
	HoneypotReason string     `json:"honeypot_reason,omitempty"`
	InactiveReason string     `json:"inactive_reason,omitempty"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Addr returns the endpoint's address:port form
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Capability is a model an endpoint declares via its tags listing.
// The set is replaced wholesale on each successful verification.
type Capability struct {
	ID            int64  `json:"id"`
	EndpointID    int64  `json:"endpoint_id"`
	Name          string `json:"name"`
	ParameterSize string `json:"parameter_size,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
}

// ParamSizeB extracts the declared parameter count in billions from either
// the parameter size field ("7.2B") or the model name ("deepseek-r1:70b").
// Returns 0 when no size can be determined.
func (c *Capability) ParamSizeB() float64 {
	if n := parseParamSize(c.ParameterSize); n > 0 {
		return n
	}
	return parseParamSize(c.Name)
}

// parseParamSize finds the first "<number>b" token in s (case-insensitive)
func parseParamSize(s string) float64 {
	lower := strings.ToLower(s)
	for i := 0; i < len(lower); i++ {
		if lower[i] != 'b' {
			continue
		}
		// Walk back over the numeric run preceding the 'b'
		j := i
		for j > 0 && (isDigit(lower[j-1]) || lower[j-1] == '.') {
			j--
		}
		if j == i {
			continue
		}
		// Reject when the 'b' starts a longer word ("billion", "7bit")
		if i+1 < len(lower) && isAlnum(lower[i+1]) {
			continue
		}
		if n, err := strconv.ParseFloat(lower[j:i], 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z')
}

// TrustLink is the derived projection asserting "this endpoint is currently
// trusted". It exists iff the owning endpoint's status is verified, and it is
// the only trust signal downstream readers may consume.
type TrustLink struct {
	EndpointID int64     `json:"endpoint_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// TrustedServer is a row of the legacy servers view: a trusted endpoint in
// the shape downstream consumers read.
type TrustedServer struct {
	ID         int64     `json:"id" yaml:"id"`
	Address    string    `json:"address" yaml:"address"`
	Port       int       `json:"port" yaml:"port"`
	FirstSeen  time.Time `json:"first_seen" yaml:"first_seen"`
	VerifiedAt time.Time `json:"verified_at" yaml:"verified_at"`
}

// Addr returns the server's address:port form
func (s *TrustedServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// RunMarker records one batch operation. A marker with no end time after a
// process restart indicates the run was interrupted.
type RunMarker struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"` // "scan" or "prune"
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StatusCounts holds aggregate endpoint counts recomputed from the endpoints
// table. Never cached or incremented in place.
type StatusCounts struct {
	Unverified int `json:"unverified"`
	Verified   int `json:"verified"`
	Failed     int `json:"failed"`
	Honeypot   int `json:"honeypot"`
	Inactive   int `json:"inactive"`
}

// Total returns the sum across all statuses
func (c StatusCounts) Total() int {
	return c.Unverified + c.Verified + c.Failed + c.Honeypot + c.Inactive
}
