// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest is an inbound request as seen by the relay service.
// Target is the raw value of the url query parameter.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	Target string
	Header http.Header
}

// RelayResponse is the upstream response to be streamed back to the client.
// Header already carries the CORS and cache overrides.
type RelayResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
	Kind       MediaKind
}

// MediaKind classifies a target URL for cache policy and metrics.
type MediaKind string

const (
	MediaSegment  MediaKind = "segment"
	MediaPlaylist MediaKind = "playlist"
	MediaOther    MediaKind = "other"
)

// ContextKeyMediaKind is the echo.Context key under which the relay handler
// records the MediaKind of the current request for logging.
const ContextKeyMediaKind = "media_kind"
