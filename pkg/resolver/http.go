package resolver

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
)

// Server is the HTTP installation of the resolver, standing in for the
// spec's in-browser service worker: every request is offered to the
// matcher and dispatch logic in dispatch.go.
type Server struct {
	resolver *Resolver
	logger   zerolog.Logger
	router   *chi.Mux
}

// NewServer returns an http.Handler wrapping resolver.
func NewServer(logger zerolog.Logger, resolver *Resolver) *Server {
	s := &Server{resolver: resolver, logger: logger.With().Str("component", "resolver.server").Logger()}
	s.router = s.buildRouter()

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("shardcast-resolver"))
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/*", s.handleRead)
	router.Post("/_control/complete", s.handleComplete)
	router.Post("/_control/clear-cache", s.handleClearCache)
	router.Get("/_control/status", s.handleStatus)

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Int("bytes", ww.BytesWritten()).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	resp, err := s.resolver.Resolve(r.Context(), r.URL.Path, r.Header.Get("Range"))
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("resolve failed")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.AcceptRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if resp.ContentRange != "" {
		w.Header().Set("Content-Range", resp.ContentRange)
	}

	if resp.Status == http.StatusOK || resp.Status == http.StatusPartialContent {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	w.WriteHeader(resp.Status)

	if resp.Body != nil {
		io.Copy(w, resp.Body) //nolint:errcheck // best-effort; client disconnect is not actionable here
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("source")

	if rs := s.resolver.bySourcePrefix(prefix); rs != nil {
		rs.tracker.Complete()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.ClearCache(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("clear-cache failed")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.resolver.Status()

	writeJSON(w, status)
}
