package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"streamrelay/internal/client"
	"streamrelay/internal/config"
	"streamrelay/internal/metrics"
	"streamrelay/internal/middleware"
	"streamrelay/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds: 5,
			IdleConnections:    10,
			MaxRedirects:       10,
		},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestRelayHandler(cfg *config.Config) *RelayHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	return NewRelayHandler(service.NewRelayService(uc, logger), logger)
}

// newTestEcho builds the full routing stack the way main does.
func newTestEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.Pre(middleware.CORS())
	RegisterRoutes(e, cfg, metrics.New(), newTestRelayHandler(cfg), NewHealthHandler(cfg, "test"))
	return e
}

func relayPath(target string) string {
	return "/?url=" + url.QueryEscape(target)
}

func serve(e *echo.Echo, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRelayHandler_MissingURL(t *testing.T) {
	h := newTestRelayHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec.Body.String() != "Missing url parameter" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "Missing url parameter")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestRelayHandler_InvalidURL(t *testing.T) {
	tests := []string{"not a url", "/relative/video.ts", "http://"}

	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			h := newTestRelayHandler(testConfig())

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, relayPath(target), http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if rec.Body.String() != "Invalid URL format" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "Invalid URL format")
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
			}
		})
	}
}

func TestRelayHandler_Segment(t *testing.T) {
	var gotRange, gotUA, gotOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		gotOrigin = r.Header.Get("Origin")
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Access-Control-Allow-Origin", "https://only-me.example.com")
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer upstream.Close()

	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/video.ts"), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "segment-bytes" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "segment-bytes")
	}
	if gotRange != "" {
		t.Errorf("upstream Range = %q, want none", gotRange)
	}
	if !strings.HasPrefix(gotUA, "Mozilla/5.0") {
		t.Errorf("upstream User-Agent = %q, want browser UA", gotUA)
	}
	if gotOrigin != upstream.URL {
		t.Errorf("upstream Origin = %q, want %q", gotOrigin, upstream.URL)
	}

	want := map[string]string{
		"Cache-Control":                 "public, max-age=604800",
		"Content-Type":                  "video/mp2t",
		"Access-Control-Expose-Headers": "Content-Length, Content-Range, Content-Type",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := rec.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %v, want [*]", got)
	}
}

func TestRelayHandler_Playlist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\nseg1.ts\n"))
	}))
	defer upstream.Close()

	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/playlist.m3u8"), nil)

	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=30" {
		t.Errorf("Cache-Control = %q, want %q", got, "public, max-age=30")
	}
	// Playlist contents pass through untouched; relative URIs are not rewritten.
	if rec.Body.String() != "#EXTM3U\n#EXT-X-VERSION:3\nseg1.ts\n" {
		t.Errorf("body = %q, want playlist unchanged", rec.Body.String())
	}
}

func TestRelayHandler_OtherKeepsUpstreamCacheControl(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "max-age=5")
		_, _ = w.Write([]byte("{}"))
	}))
	defer upstream.Close()

	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/key.json"), nil)

	if got := rec.Header().Get("Cache-Control"); got != "max-age=5" {
		t.Errorf("Cache-Control = %q, want upstream value %q", got, "max-age=5")
	}
}

func TestRelayHandler_ForwardsRangeAndConditionals(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Range", "bytes 0-1023/4096")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer upstream.Close()

	inbound := http.Header{
		"Range":             {"bytes=0-1023"},
		"If-None-Match":     {`"v1"`},
		"If-Modified-Since": {"Mon, 01 Jan 2025 00:00:00 GMT"},
		"Cookie":            {"secret=1"},
	}
	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/video.ts"), inbound)

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	if rec.Body.Len() != 1024 {
		t.Errorf("body length = %d, want 1024", rec.Body.Len())
	}
	if v := rec.Header().Get("Content-Range"); v != "bytes 0-1023/4096" {
		t.Errorf("Content-Range = %q, want %q", v, "bytes 0-1023/4096")
	}
	if v := got.Get("Range"); v != "bytes=0-1023" {
		t.Errorf("upstream Range = %q, want %q", v, "bytes=0-1023")
	}
	if v := got.Get("If-None-Match"); v != `"v1"` {
		t.Errorf("upstream If-None-Match = %q, want %q", v, `"v1"`)
	}
	if v := got.Get("If-Modified-Since"); v != "Mon, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("upstream If-Modified-Since = %q", v)
	}
	if v := got.Get("Cookie"); v != "" {
		t.Errorf("upstream Cookie = %q, want not forwarded", v)
	}
}

func TestRelayHandler_MirrorsUpstreamStatus(t *testing.T) {
	tests := []int{http.StatusNotFound, http.StatusForbidden, http.StatusNotModified, http.StatusServiceUnavailable}

	for _, code := range tests {
		t.Run(http.StatusText(code), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			defer upstream.Close()

			rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/seg.ts"), nil)

			if rec.Code != code {
				t.Errorf("status = %d, want %d", rec.Code, code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
			}
		})
	}
}

func TestRelayHandler_Head(t *testing.T) {
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer upstream.Close()

	rec := serve(newTestEcho(testConfig()), http.MethodHead, relayPath(upstream.URL+"/video.ts"), nil)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("upstream method = %q, want GET", gotMethod)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty for HEAD", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=604800" {
		t.Errorf("Cache-Control = %q, want %q", got, "public, max-age=604800")
	}
}

func TestRelayHandler_UpstreamUnreachable(t *testing.T) {
	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath("http://127.0.0.1:1/video.ts"), nil)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Body.String(), "Proxy error: ") {
		t.Errorf("body = %q, want prefix %q", rec.Body.String(), "Proxy error: ")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestRelayHandler_UnsupportedScheme(t *testing.T) {
	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath("ftp://example.com/video.ts"), nil)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Body.String(), "Proxy error: ") {
		t.Errorf("body = %q, want prefix %q", rec.Body.String(), "Proxy error: ")
	}
}

func TestRelayHandler_EachRequestFetchesUpstream(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("#EXTM3U"))
	}))
	defer upstream.Close()

	e := newTestEcho(testConfig())
	for i := 0; i < 2; i++ {
		rec := serve(e, http.MethodGet, relayPath(upstream.URL+"/live.m3u8"), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	}

	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2", got)
	}
}

func TestRelayHandler_StreamsBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("second"))
	}))
	defer upstream.Close()

	relay := httptest.NewServer(newTestEcho(testConfig()))
	defer relay.Close()
	// Unblock the upstream before the servers shut down, even on failure.
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	resp, err := http.Get(relay.URL + relayPath(upstream.URL+"/live.ts"))
	if err != nil {
		t.Fatalf("GET relay: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	first := make(chan string, 1)
	go func() {
		buf := make([]byte, len("first"))
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			first <- "error: " + err.Error()
			return
		}
		first <- string(buf)
	}()

	select {
	case got := <-first:
		if got != "first" {
			t.Fatalf("first chunk = %q, want %q", got, "first")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk not relayed while upstream was still sending")
	}

	close(release)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "second" {
		t.Errorf("rest = %q, want %q", string(rest), "second")
	}
}

func TestRelayHandler_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, relayPath(upstream.URL+"/video.ts"), http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "token in query",
			in:   `Get "https://cdn.example.com/live.m3u8?token=abc123&x=1": EOF`,
			want: `Get "https://cdn.example.com/live.m3u8?token=[REDACTED]&x=1": EOF`,
		},
		{
			name: "signed url",
			in:   "https://cdn.example.com/a.ts?Policy=p&Signature=s&Key-Pair-Id=k",
			want: "https://cdn.example.com/a.ts?Policy=[REDACTED]&Signature=[REDACTED]&Key-Pair-Id=k",
		},
		{
			name: "no credentials unchanged",
			in:   "https://cdn.example.com/a.ts?seq=5",
			want: "https://cdn.example.com/a.ts?seq=5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact(tt.in); got != tt.want {
				t.Errorf("redact() = %q, want %q", got, tt.want)
			}
		})
	}
}

func ExampleRelayHandler_Handle() {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U"))
	}))
	defer upstream.Close()

	rec := serve(newTestEcho(testConfig()), http.MethodGet, relayPath(upstream.URL+"/index.m3u8"), nil)
	fmt.Println(rec.Code, rec.Header().Get("Cache-Control"), rec.Body.String())
	// Output: 200 public, max-age=30 #EXTM3U
}
