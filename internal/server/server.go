// Package server is the origin side of an upload: it issues single-object
// write grants for an S3-compatible bucket and records transfers the client
// confirms.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gostones/fundupload/internal/config"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/types"
)

const shutdownTimeout = 10 * time.Second

// Server serves the grant and confirm endpoints.
type Server struct {
	addr    string
	secret  []byte
	expiry  time.Duration
	method  string
	store   ObjectStore
	reg     *registry
	metrics *metrics
	prom    *prometheus.Registry
	router  *mux.Router
	log     zerolog.Logger

	now   func() time.Time
	newID func() string
}

// New wires a server over store.
func New(cfg config.Server, store ObjectStore, log zerolog.Logger) (*Server, error) {
	reg, err := newRegistry(cfg.Registry.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	s := &Server{
		addr:   cfg.HTTP.Addr,
		secret: []byte(cfg.HTTP.JWTSecret),
		expiry: cfg.Storage.GrantExpiry,
		method: strings.ToLower(cfg.Storage.TransferMethod),
		store:  store,
		reg:    reg,
		prom:   prometheus.NewRegistry(),
		log:    logging.Component(log, "server"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	s.metrics = newMetrics(s.prom, func() float64 { return float64(s.reg.len()) })
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/uploads").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/grant", s.handleGrant).Methods(http.MethodPost)
	api.HandleFunc("/confirm", s.handleConfirm).Methods(http.MethodPost)

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("stopped")
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, &types.ErrorResponse{Code: code, Message: message})
}
