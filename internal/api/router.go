// Package api exposes the coordinator over HTTP: event ingestion for omegas
// that do not use the stream, callback registration, read-only saga views and
// the operational endpoints.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ronanzhan/servicecomb-saga/internal/callback"
	"github.com/ronanzhan/servicecomb-saga/internal/ingest"
	"github.com/ronanzhan/servicecomb-saga/internal/metrics"
	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/health"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
	"github.com/ronanzhan/servicecomb-saga/pkg/response"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/tracing"
)

const maxBodyBytes int64 = 1 << 20

// Deps are the collaborators the router serves from.
type Deps struct {
	Ingestor *ingest.Ingestor
	Events   saga.EventRepository
	Commands saga.CommandRepository
	Registry callback.Registry
	Health   *health.Health
	Metrics  *metrics.Metrics
	Logger   *logger.Logger

	// InternalToken guards /v1; MetricsToken guards /metrics when set.
	InternalToken string
	MetricsToken  string
}

type handler struct {
	ingestor *ingest.Ingestor
	events   saga.EventRepository
	commands saga.CommandRepository
	registry callback.Registry
	log      *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("api")
	h := &handler{
		ingestor: d.Ingestor,
		events:   d.Events,
		commands: d.Commands,
		registry: d.Registry,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(response.RequestIDMiddleware)
	r.Use(response.Recovery(log))
	r.Use(tracing.HTTPMiddleware)
	r.Use(limitBody(maxBodyBytes))

	if d.Health != nil {
		r.Get("/live", d.Health.LiveHandler())
		r.Get("/ready", d.Health.ReadyHandler())
		r.Get("/health", d.Health.HealthHandler())
	}
	if d.Metrics != nil {
		r.Handle("/metrics", requireMetricsToken(d.MetricsToken, d.Metrics.Handler()))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireInternalToken(d.InternalToken))

		r.Post("/events", h.postEvent)
		r.Get("/sagas/{sagaID}/events", h.listEvents)
		r.Get("/sagas/{sagaID}/commands", h.listCommands)
		r.Post("/omegas", h.registerOmega)
		r.Delete("/omegas/{service}/{instance}", h.deregisterOmega)
	})

	return r
}

func limitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Internal-Token") != token {
				response.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireMetricsToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, token) {
			response.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token
}
