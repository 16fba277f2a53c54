package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/stdiobridge/internal/config"
	"github.com/gaspardpetit/stdiobridge/internal/metrics"
	"github.com/gaspardpetit/stdiobridge/internal/notify"
)

// Bridge is the subset of the subprocess channel the HTTP layer relies on.
type Bridge interface {
	Call(ctx context.Context, rawID json.RawMessage, payload []byte) (json.RawMessage, error)
	Pending() int
	Running() bool
	PID() int
}

// New constructs the HTTP handler for the bridge.
func New(br Bridge, events *notify.Broadcaster, cfg config.BridgeConfig) http.Handler {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	r := chi.NewRouter()
	for _, mw := range MiddlewareChain() {
		r.Use(mw)
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Post("/rpc", rpcHandler(br, cfg.MaxMessageBytes))
		r.Get("/status", statusHandler(br, events))
	})
	r.Group(func(r chi.Router) {
		r.Use(WebsocketAuth(cfg.AuthToken))
		r.Get("/events", events.WSHandler())
	})

	return r
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"kind": kind, "detail": detail},
	})
}
