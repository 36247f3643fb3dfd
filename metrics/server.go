// Package metrics serves process and protocol metrics in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
)

// MetricsServer exposes /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server. prefix is informational and recorded as the
// service label of the build info gauge.
func New(prefix, addr string) (*MetricsServer, error) {
	metrics.GetOrCreateCounter(`fedrelay_build_info{service="` + prefix + `"}`).Set(1)

	r := chi.NewRouter()
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
