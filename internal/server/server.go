// Package server implements BleepStore's ambient operator HTTP surface:
// /health, /metrics, /admin/gc, and /admin/extents/{id}. This is
// intentionally not the bucket/blob/queue REST API — that surface, along
// with SigV4/SAS auth and XML/JSON (de)serialization, is named in spec.md
// §1 as an external collaborator out of scope for the core.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/bleepstore/internal/core"
	"github.com/bleepstore/bleepstore/internal/coreerrors"
	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
)

// Server is the ambient ops HTTP server, grounded on the teacher's
// chi+huma+promhttp wiring (internal/server/server.go) but trimmed to the
// operator subset.
type Server struct {
	store      *core.Store
	router     chi.Router
	api        huma.API
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// GCSweepBody is the JSON body returned by the operator GC sweep endpoint.
type GCSweepBody struct {
	Triggered bool `json:"triggered" doc:"Always true once the call returns; it does not report whether a sweep already in progress made this call a no-op"`
}

// GCSweepOutput is the Huma output struct for the operator GC sweep endpoint.
type GCSweepOutput struct {
	Body GCSweepBody
}

// ExtentInfoInput is the path parameter for the operator extent lookup
// endpoint.
type ExtentInfoInput struct {
	ID string `path:"id" doc:"Extent id"`
}

// ExtentInfoBody is the JSON body returned by the operator extent lookup
// endpoint.
type ExtentInfoBody struct {
	ID            string `json:"id"`
	DestinationID string `json:"destinationId"`
	Size          int64  `json:"size"`
	LastModifyMs  int64  `json:"lastModifyMs"`
}

// ExtentInfoOutput is the Huma output struct for the operator extent lookup
// endpoint.
type ExtentInfoOutput struct {
	Body ExtentInfoBody
}

// New creates a new Server wired against store.
func New(store *core.Store) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepStore Core Ops API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		store:  store,
		router: router,
		api:    api,
	}
	s.registerRoutes()
	return s
}

// registerRoutes configures /health, /metrics, /admin/gc, and
// /admin/extents/{id}.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the BleepStore core.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	huma.Register(s.api, huma.Operation{
		OperationID: "trigger-gc-sweep",
		Method:      http.MethodPost,
		Path:        "/admin/gc",
		Summary:     "Trigger an out-of-band GC sweep",
		Description: "Runs one extent garbage collection sweep synchronously, bypassing the timer. A sweep already in progress causes this call to be a no-op (spec.md §4.F).",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct{}) (*GCSweepOutput, error) {
		s.store.SweepNow(ctx)
		return &GCSweepOutput{Body: GCSweepBody{Triggered: true}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-extent-info",
		Method:      http.MethodGet,
		Path:        "/admin/extents/{id}",
		Summary:     "Look up an extent's catalog record",
		Description: "Returns the destination, size, and last-modify time recorded for an extent id, for operator inspection.",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ExtentInfoInput) (*ExtentInfoOutput, error) {
		rec, err := s.store.Catalog.Get(input.ID)
		if err != nil {
			se := errors.FromCoreError(err)
			return nil, huma.NewError(se.HTTPStatus, se.Message)
		}
		if rec == nil {
			se := errors.FromCoreError(coreerrors.New(coreerrors.KindExtentNotFound, "server.getExtentInfo", nil))
			return nil, huma.NewError(se.HTTPStatus, se.Message)
		}
		return &ExtentInfoOutput{Body: ExtentInfoBody{
			ID:            rec.ID,
			DestinationID: rec.DestinationID,
			Size:          rec.Size,
			LastModifyMs:  rec.LastModifyMs,
		}}, nil
	})
}

// ListenAndServe starts the HTTP server on addr, instrumented with the
// same metrics middleware pattern as the teacher's server.
func (s *Server) ListenAndServe(addr string) error {
	handler := metricsMiddleware(s.router)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// metricsMiddleware records RED metrics for every request on the ops
// surface, grounded on the teacher's metricsMiddleware.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()
		status := statusBucket(rw.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
