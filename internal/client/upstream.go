// Package client provides the outbound HTTP client used to fetch relay targets.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"streamrelay/internal/config"
	"streamrelay/internal/metrics"
	"streamrelay/internal/model"
)

// UpstreamClient fetches relay targets from arbitrary origins.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// redirect following. There is no overall request timeout: a live stream body
// may legitimately stay open for hours. The metrics parameter is optional;
// pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
		// Relay upstream bytes exactly as sent; never negotiate gzip on the client's behalf.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch issues a GET for target with the given headers, following redirects,
// and returns the final response. The caller is responsible for closing the
// response body. ctx controls the whole exchange including the body: when the
// inbound client disconnects, the upstream transfer is canceled too.
func (c *UpstreamClient) Fetch(ctx context.Context, kind model.MediaKind, target string, header http.Header) (*model.RelayResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"host", req.URL.Host,
		"path", req.URL.Path,
		"kind", kind,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(string(kind)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(string(kind)).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
		Kind:       kind,
	}, nil
}
