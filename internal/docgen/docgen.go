// Package docgen is the client for the external report service that renders
// the obituary document for a reference.
package docgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNoDocument reports that the report service has no document for the
// reference.
var ErrNoDocument = errors.New("no document for reference")

type Generator interface {
	Generate(ctx context.Context, reference string) ([]byte, error)
}

type HTTPGeneratorConfig struct {
	BaseURL string
	Timeout time.Duration
}

type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGenerator(cfg HTTPGeneratorConfig) *HTTPGenerator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, reference string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/reports/obituary/%s", g.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document for %q: %w", reference, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%q: %w", reference, ErrNoDocument)
	default:
		return nil, fmt.Errorf("report service returned status %d for %q", resp.StatusCode, reference)
	}
}
