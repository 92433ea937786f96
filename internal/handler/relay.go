package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"streamrelay/internal/model"
	"streamrelay/internal/service"
)

// Response bodies for the classified failures.
const (
	msgMissingURL  = "Missing url parameter"
	msgInvalidURL  = "Invalid URL format"
	msgProxyPrefix = "Proxy error: "
)

// streamChunkSize bounds how much of the upstream body is held before it is
// written and flushed to the client.
const streamChunkSize = 32 * 1024

// credentialPattern matches query values that commonly carry signed-URL or
// token credentials in media URLs embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)([?&](?:token|key|api_?key|auth|sig|signature|policy|x-amz-signature|x-amz-credential)=)[^&\s"]+`)

// RelayHandler serves the url-parameter relay endpoint.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle fetches the target named by the url query parameter and streams the
// upstream response back with permissive CORS headers. Preflight requests
// never reach it; the CORS middleware answers them.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()
	target := c.QueryParam("url")

	resp, err := h.service.Forward(&model.RelayRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: target,
		Header: req.Header,
	})
	if err != nil {
		return h.mapError(c, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Set(model.ContextKeyMediaKind, resp.Kind)

	// Replace rather than append so the assembled CORS values win over
	// anything set earlier in the chain.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	// net/http always writes the canonical reason phrase; a custom upstream
	// status text cannot be mirrored.
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	// Once headers are out there is no way to report a failure except by
	// truncating the body, so stream errors are only logged.
	if _, err := stream(c.Response(), resp.Body); err != nil {
		h.logStreamError(req, target, err)
	}
	return nil
}

// stream copies body to w chunk by chunk, flushing after every write so live
// playlists and segments reach the player as soon as the origin sends them.
func stream(w *echo.Response, body io.Reader) (int64, error) {
	buf := make([]byte, streamChunkSize)
	var written int64
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, target string, err error) error {
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")

	switch {
	case errors.Is(err, service.ErrMissingURL):
		return c.String(http.StatusBadRequest, msgMissingURL)
	case errors.Is(err, service.ErrInvalidURL):
		h.logger.Debug("rejected target", "target", redact(target), "err", err)
		return c.String(http.StatusBadRequest, msgInvalidURL)
	}

	h.logger.Error("relay error",
		"err", redact(err.Error()),
		"target", redact(target),
	)
	return c.String(http.StatusInternalServerError, msgProxyPrefix+err.Error())
}

func (h *RelayHandler) logStreamError(req *http.Request, target string, err error) {
	// Client went away mid-stream: expected for players that seek or stop.
	if req.Context().Err() != nil {
		h.logger.Debug("client disconnected during stream", "target", redact(target))
		return
	}
	h.logger.Warn("streaming response body",
		"err", redact(err.Error()),
		"target", redact(target),
	)
}

// redact masks credential-like query values in s.
func redact(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
