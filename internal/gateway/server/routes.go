package server

import (
	"net/http"

	"github.com/Open-EO/openeo-udf/internal/gateway/handler"
	"github.com/Open-EO/openeo-udf/internal/gateway/middleware"
	"github.com/Open-EO/openeo-udf/internal/metrics"
)

func NewMux(svc *handler.Service, m *metrics.Metrics, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// RPC Handlers
	svc.Mount(mux)

	// Streams
	mux.HandleFunc("/ws/execute", svc.HandleExecuteWS)

	// Operational
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	// Middleware
	return middleware.RequestLog(middleware.CORS(allowedOrigins, mux))
}
