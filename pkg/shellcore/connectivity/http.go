package connectivity

import (
	"context"
	"net/http"
	"time"
)

// HTTPProber reports online when a HEAD request to URL gets any response.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber creates a prober for url with a short timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Client:  http.DefaultClient,
		Timeout: 3 * time.Second,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
