// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package api exposes the orchestrator over HTTP.
//
//	POST   /v1/queries              submit a ResearchQuery
//	GET    /v1/queries/{id}         query status
//	DELETE /v1/queries/{id}         cancel
//	GET    /v1/queries/{id}/report  report (JSON, or Markdown with ?format=markdown)
//	GET    /v1/queries/{id}/events  newline-delimited JSON progress events
//	GET    /health
//	GET    /metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/orchestrator"
	"github.com/pdiddy/research-crew/pkg/types"
)

// maxBodyBytes caps a submitted query document.
const maxBodyBytes = 1 << 20

// Engine is the orchestrator as the HTTP layer uses it.
type Engine interface {
	Submit(ctx context.Context, q types.ResearchQuery) (string, error)
	Status(queryID string) (orchestrator.Status, error)
	Cancel(queryID string) error
	Report(ctx context.Context, queryID string) (types.Report, error)
	Subscribe(queryID string) (<-chan orchestrator.Event, func(), error)
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	origins  []string
	logger   *log.Logger
}

// New returns a Server. gatherer backs /metrics; nil omits the route.
// An empty origins list allows any origin.
func New(engine Engine, gatherer prometheus.Gatherer, origins []string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{engine: engine, gatherer: gatherer, origins: origins, logger: logger}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/queries", s.submit).Methods(http.MethodPost)
	v1.HandleFunc("/queries/{id}", s.status).Methods(http.MethodGet)
	v1.HandleFunc("/queries/{id}", s.cancel).Methods(http.MethodDelete)
	v1.HandleFunc("/queries/{id}/report", s.report).Methods(http.MethodGet)
	v1.HandleFunc("/queries/{id}/events", s.events).Methods(http.MethodGet)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

type submitResponse struct {
	QueryID string `json:"query_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var q types.ResearchQuery
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", faults.ErrMalformedQuery, err))
		return
	}

	id, err := s.engine.Submit(r.Context(), q)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Printf("[API] submitted query %s: %q", id, q.Topic)
	w.Header().Set("Location", "/v1/queries/"+id)
	s.writeJSON(w, http.StatusAccepted, submitResponse{QueryID: id})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	st, err := s.engine.Status(id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, rep.Markdown()); err != nil {
			s.logger.Printf("[API] writing report: %v", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// events streams progress events until the query settles or the client
// goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe, err := s.engine.Subscribe(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrMalformedQuery):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownQuery):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrQueryFinished), errors.Is(err, orchestrator.ErrNoReport):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrReportNotReady):
		return http.StatusAccepted
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("[API] failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Printf("[API] %v", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
