package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns the ops router with the request logging and counting
// middleware installed. Metrics are served separately by MetricsHandler.
func New() *Server {
	m := mux.NewRouter()
	m.Use(Logging, Metrics(observability.APIRequests))
	return &Server{Mux: m}
}

// MetricsHandler serves the default Prometheus registry on /metrics for the
// dedicated metrics listener.
func MetricsHandler() http.Handler {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return m
}
