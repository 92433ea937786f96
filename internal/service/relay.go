// Package service implements the core relay logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"streamrelay/internal/client"
	"streamrelay/internal/model"
)

// Request validation failures. Both are client errors and map to 400.
var (
	ErrMissingURL = errors.New("missing url parameter")
	ErrInvalidURL = errors.New("invalid url format")
)

// UpstreamError wraps any failure that occurred after validation: building
// the outbound request or fetching the target.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Outbound identity presented to origins. Many CDNs reject requests that do
// not look like they come from a desktop browser on the origin's own site.
const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	acceptAny        = "*/*"
	acceptLanguage   = "en-US,en;q=0.9"
)

// forwardedRequestHeaders are the only inbound headers passed upstream.
// Range enables seeking; the conditional pair enables revalidation.
var forwardedRequestHeaders = []string{
	"Range",
	"If-Modified-Since",
	"If-None-Match",
}

// hopByHopHeaders describe a single connection and are not relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response overrides applied to every relayed response.
const (
	exposeHeaders  = "Content-Length, Content-Range, Content-Type"
	segmentCache   = "public, max-age=604800"
	playlistCache  = "public, max-age=30"
	wildcardOrigin = "*"
)

// RelayService validates relay targets and fetches them on the client's behalf.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
	}
}

// Forward fetches rr.Target and returns the upstream response with CORS and
// cache headers applied. The caller is responsible for closing the response body.
//
// Errors are ErrMissingURL, ErrInvalidURL (possibly wrapped) or *UpstreamError.
// Every call results in exactly one upstream fetch; nothing is cached here.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	target, err := ParseTarget(rr.Target)
	if err != nil {
		return nil, err
	}

	kind := ClassifyTarget(rr.Target)
	header := buildRequestHeaders(target, rr.Header)

	s.logger.Debug("relaying",
		"method", rr.Method,
		"host", target.Host,
		"kind", kind,
		"range", header.Get("Range"),
	)

	resp, err := s.client.Fetch(rr.Ctx, kind, target.String(), header)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	resp.Header = assembleResponseHeaders(resp.Header, kind)
	return resp, nil
}

// ParseTarget validates the raw url query value. It must be an absolute URL
// with either an authority or an opaque part: "not a url" and "http://" are
// rejected, "ftp://host/x" is accepted and left to fail at fetch time.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() || (u.Host == "" && u.Opaque == "") {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidURL, raw)
	}
	return u, nil
}

// ClassifyTarget decides the media kind by substring match on the whole
// target string, query included. "x.ts.mp4" and "a.m3u8?seg=1.ts" both
// classify as segments.
func ClassifyTarget(raw string) model.MediaKind {
	switch {
	case strings.Contains(raw, ".ts"):
		return model.MediaSegment
	case strings.Contains(raw, ".m3u8"):
		return model.MediaPlaylist
	default:
		return model.MediaOther
	}
}

// targetOrigin serializes the scheme and authority of u the way browsers send
// them in Origin: lowercase host, default port omitted.
func targetOrigin(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	return u.Scheme + "://" + host
}

func buildRequestHeaders(target *url.URL, inbound http.Header) http.Header {
	origin := targetOrigin(target)

	dst := make(http.Header)
	dst.Set("User-Agent", browserUserAgent)
	dst.Set("Accept", acceptAny)
	dst.Set("Accept-Language", acceptLanguage)
	dst.Set("Referer", origin)
	dst.Set("Origin", origin)
	dst.Set("Connection", "keep-alive")

	for _, key := range forwardedRequestHeaders {
		if v := inbound.Get(key); v != "" {
			dst.Set(key, v)
		}
	}
	return dst
}

// assembleResponseHeaders copies the upstream headers, then applies the
// forced CORS overrides and the kind's cache policy. Upstream Cache-Control
// survives only for MediaOther.
func assembleResponseHeaders(src http.Header, kind model.MediaKind) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}

	dst.Set("Access-Control-Allow-Origin", wildcardOrigin)
	dst.Set("Access-Control-Expose-Headers", exposeHeaders)

	switch kind {
	case model.MediaSegment:
		dst.Set("Cache-Control", segmentCache)
	case model.MediaPlaylist:
		dst.Set("Cache-Control", playlistCache)
	}
	return dst
}
