package resolver

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Hook is the in-process installation of the resolver: an http.RoundTripper
// that intercepts requests matching a registered source and forwards
// everything else to the wrapped transport, per spec §4.E's "global
// request function hook" and §9's install/remove pairing requirement.
type Hook struct {
	resolver *Resolver
	logger   zerolog.Logger
	next     http.RoundTripper

	mu          sync.Mutex
	installed   bool
	prevDefault http.RoundTripper
}

// NewHook returns a Hook wrapping resolver. It does not install itself;
// call Install to mutate http.DefaultTransport, or use RoundTrip directly
// against a specific *http.Client's Transport field.
func NewHook(logger zerolog.Logger, resolver *Resolver) *Hook {
	return &Hook{resolver: resolver, logger: logger.With().Str("component", "resolver.hook").Logger(), next: http.DefaultTransport}
}

// RoundTrip implements http.RoundTripper.
func (h *Hook) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.resolver.Resolve(req.Context(), req.URL.Path, req.Header.Get("Range"))
	if err != nil {
		return nil, fmt.Errorf("resolver hook: %w", err)
	}

	if resp.Status == http.StatusNotFound {
		// Not one of our sources (or no matching file under one, local-
		// backed): forward unchanged, per §4.E "forwards non-matching
		// calls to the original".
		return h.next.RoundTrip(req)
	}

	return h.toHTTPResponse(req, resp), nil
}

func (h *Hook) toHTTPResponse(req *http.Request, resp *Response) *http.Response {
	header := make(http.Header)

	if resp.AcceptRanges {
		header.Set("Accept-Ranges", "bytes")
	}

	if resp.ContentRange != "" {
		header.Set("Content-Range", resp.ContentRange)
	}

	var body = http.NoBody

	if resp.Body != nil {
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err == nil {
			body = &readCloserNopBuffer{Reader: bytes.NewReader(buf.Bytes())}
		}

		header.Set("Content-Type", "application/octet-stream")
		header.Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
	}

	return &http.Response{
		StatusCode: resp.Status,
		Status:     http.StatusText(resp.Status),
		Header:     header,
		Body:       body,
		Request:    req,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
	}
}

// readCloserNopBuffer adapts a *bytes.Reader to io.ReadCloser.
type readCloserNopBuffer struct{ *bytes.Reader }

func (readCloserNopBuffer) Close() error { return nil }

// Install replaces http.DefaultTransport with this hook. It is idempotent:
// nested calls from the same Hook are a no-op, matching spec §9's
// "nested installs from the same resolver are idempotent".
func (h *Hook) Install() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.installed {
		return
	}

	h.prevDefault = http.DefaultTransport
	h.next = http.DefaultTransport
	http.DefaultTransport = h
	h.installed = true
}

// Remove restores the transport that was active before Install, pairing
// with Install per spec §9's global-state lifecycle requirement.
func (h *Hook) Remove() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.installed {
		return
	}

	http.DefaultTransport = h.prevDefault
	h.installed = false
}
