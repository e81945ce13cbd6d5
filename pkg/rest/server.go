// Package rest exposes the management API over HTTP.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/httputil"
	"github.com/meridianhq/meridian/pkg/lifecycle"
	"github.com/meridianhq/meridian/pkg/membership"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/search"
)

// Searcher answers portal search queries against the local index.
type Searcher interface {
	Search(ctx context.Context, query string, kinds ...search.SourceKind) []*search.Document
}

// Server is the management HTTP server.
type Server struct {
	cfg      config.ServerConfig
	apis     *lifecycle.Service
	members  *membership.Service
	searcher Searcher
	logger   *observability.Logger
	metrics  *observability.Metrics

	router *mux.Router
	http   *http.Server
}

// NewServer wires the handlers and middleware. searcher may be nil; the
// search endpoint then answers 404.
func NewServer(
	cfg config.ServerConfig,
	apis *lifecycle.Service,
	members *membership.Service,
	searcher Searcher,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		apis:     apis,
		members:  members,
		searcher: searcher,
		logger:   logger,
		metrics:  metrics,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()

	handler := httputil.Chain(s.router,
		httputil.RequestID(),
		httputil.Recovery(logger),
		httputil.Logging(logger),
		httputil.Metrics(metrics, routePattern),
	)
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      otelhttp.NewHandler(handler, "meridian.http"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r := s.router.PathPrefix("/management").Subrouter()

	r.HandleFunc("/apis", s.handleCreateApi).Methods(http.MethodPost)
	r.HandleFunc("/apis", s.handleListApis).Methods(http.MethodGet)
	r.HandleFunc("/apis/import", s.handleImportApi).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}", s.handleGetApi).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}", s.handleUpdateApi).Methods(http.MethodPut)
	r.HandleFunc("/apis/{id}", s.handleDeleteApi).Methods(http.MethodDelete)

	r.HandleFunc("/apis/{id}/start", s.handleStartApi).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}/stop", s.handleStopApi).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}/deploy", s.handleDeployApi).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}/rollback", s.handleRollbackApi).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}/state", s.handleApiState).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}/events", s.handleApiEvents).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}/export", s.handleExportApi).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}/picture", s.handleApiPicture).Methods(http.MethodGet)

	r.HandleFunc("/apis/{id}/members", s.handleListMembers).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}/members", s.handleAddMember).Methods(http.MethodPost)
	r.HandleFunc("/apis/{id}/members/{username}", s.handleGetMember).Methods(http.MethodGet)
	r.HandleFunc("/apis/{id}/members/{username}", s.handleDeleteMember).Methods(http.MethodDelete)

	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
}

// Start runs the server until ctx is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("http server shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// routePattern collapses parameterized paths so metrics do not explode on
// api ids.
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
