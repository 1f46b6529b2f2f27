// Package api serves stream objects over HTTP: creation, single and
// batch reads for the loader, and children queries.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultMaxBodyBytes = 64 << 20

type Server struct {
	router       chi.Router
	repo         Repository
	log          logrus.FieldLogger
	auth         AuthFunc
	registry     *prometheus.Registry
	metrics      *httpMetrics
	maxBodyBytes int64
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithRegistry records request metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// BearerToken accepts requests carrying "Authorization: Bearer <token>".
func BearerToken(token string) AuthFunc {
	return func(r *http.Request) error {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != token {
			return errors.New("missing or invalid bearer token")
		}
		return nil
	}
}

func defaultAuth(*http.Request) error {
	return nil
}

func New(repo Repository, opts ...Option) *Server {
	s := &Server{
		repo:         repo,
		log:          logrus.New(),
		auth:         defaultAuth,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry != nil {
		s.metrics = newHTTPMetrics(s.registry)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/objects/{streamId}", s.handleCreate)
		r.Get("/objects/{streamId}/{objectId}/single", s.handleGetSingle)
		r.Get("/objects/{streamId}/{objectId}", s.handleGetWithChildren)
		r.Post("/api/getobjects/{streamId}", s.handleGetObjects)
		r.Post("/api/objects/{streamId}/{objectId}/children", s.handleChildren)
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)

		allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
		if allowedHeaders == "" {
			allowedHeaders = "Content-Type, Accept, Authorization"
		}
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth(r); err != nil {
			s.log.WithError(err).Warn("Authentication failed")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusOf maps repository and query errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, closure.ErrInvalidOperator),
		errors.Is(err, closure.ErrInvalidVerb),
		errors.Is(err, closure.ErrInvalidDirection),
		errors.Is(err, closure.ErrInvalidField),
		errors.Is(err, closure.ErrInvalidCursor),
		errors.Is(err, objects.ErrNoStreamID),
		errors.Is(err, model.ErrInvalidClosure),
		errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, objects.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}
