// Package probe speaks the inference server wire protocol: a capability
// listing at /api/tags and a generation endpoint at /api/generate. It is the
// only package that talks to candidate endpoints.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"inferwatch/internal/domain"
)

// DefaultMaxTokens caps the generation budget for probe prompts. Probes need
// only a short answer; honeypot shape shows up in the first sentence.
const DefaultMaxTokens = 50

// TransportError is any failure to obtain a well-formed response from an
// endpoint: connection errors, timeouts, non-2xx statuses and malformed or
// empty bodies. Transport errors are retryable up to the pool's cap.
type TransportError struct {
	Op      string // "tags" or "generate"
	Status  int    // HTTP status when the request completed, 0 otherwise
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: connection timeout", e.Op)
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client issues probe requests against candidate endpoints
type Client struct {
	http   *http.Client
	scheme string
}

// NewClient returns a probe client. Per-request deadlines come from the
// caller's context, so the underlying http.Client carries no timeout itself.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				DisableKeepAlives:   false,
			},
		},
		scheme: "http",
	}
}

// tagsResponse mirrors the /api/tags wire format
type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

// ListCapabilities fetches the endpoint's declared models. A non-2xx status,
// malformed body, or empty model list is a transport failure.
func (c *Client) ListCapabilities(ctx context.Context, addr string) ([]domain.Capability, error) {
	url := fmt.Sprintf("%s://%s/api/tags", c.scheme, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "tags", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "tags", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Op: "tags", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var tags tagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tags); err != nil {
		return nil, &TransportError{Op: "tags", Err: fmt.Errorf("malformed body: %w", err)}
	}
	if len(tags.Models) == 0 {
		return nil, &TransportError{Op: "tags", Err: errors.New("no models available")}
	}

	caps := make([]domain.Capability, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == "" {
			continue
		}
		caps = append(caps, domain.Capability{
			Name:          m.Name,
			ParameterSize: m.Details.ParameterSize,
			Quantization:  m.Details.QuantizationLevel,
			SizeBytes:     m.Size,
		})
	}
	if len(caps) == 0 {
		return nil, &TransportError{Op: "tags", Err: errors.New("invalid model data")}
	}
	return caps, nil
}

// generateRequest mirrors the /api/generate wire format
type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends one probe prompt and returns the raw response text.
// An absent or empty response field is a transport failure.
func (c *Client) Generate(ctx context.Context, addr, model, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(generateRequest{
		Model:     model,
		Prompt:    prompt,
		Stream:    false,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", &TransportError{Op: "generate", Err: err}
	}

	url := fmt.Sprintf("%s://%s/api/generate", c.scheme, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "generate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "generate", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &TransportError{Op: "generate", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var gen generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gen); err != nil {
		return "", &TransportError{Op: "generate", Err: fmt.Errorf("malformed body: %w", err)}
	}
	if gen.Response == "" {
		return "", &TransportError{Op: "generate", Err: errors.New("empty response")}
	}
	return gen.Response, nil
}

// isTimeout reports whether err is a deadline or timeout failure
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
