package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
)

// HTTPSource asks the owning business service for an aggregate:
// GET {base}/internal/aggregates?tenant_id=&period=&metric=
type HTTPSource struct {
	bases   map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

type HTTPConfig struct {
	// BaseURLs maps a domain to its service base URL.
	BaseURLs map[string]string
	Timeout  time.Duration
	// RPS caps direct queries against business services; 0 disables the cap.
	RPS   float64
	Burst int
}

func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}
	bases := make(map[string]string, len(cfg.BaseURLs))
	for d, u := range cfg.BaseURLs {
		bases[d] = strings.TrimRight(u, "/")
	}
	return &HTTPSource{
		bases:   bases,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

type aggregateResponse struct {
	Value float64 `json:"value"`
}

func (s *HTTPSource) AggregateQuery(ctx context.Context, tenantID, domain, period, metric string) (float64, error) {
	base, ok := s.bases[domain]
	if !ok {
		return 0, analytics.Wrap("aggregate query", domain, analytics.ErrUnknownDomain)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("period", period)
	q.Set("metric", metric)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/internal/aggregates?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("aggregate query %s/%s: %w", domain, metric, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, nil
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("aggregate query %s/%s: status %d", domain, metric, resp.StatusCode)
	}
	var out aggregateResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("aggregate query %s/%s: decode: %w", domain, metric, err)
	}
	return out.Value, nil
}
