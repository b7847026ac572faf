package metrics

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

var indexPage = template.Must(template.New("index").Parse(
	`<html><body><h1>{{.Service}} metrics</h1><ul>
<li><a href="/metrics">/metrics</a></li>
{{if .Ready}}<li><a href="/ready">/ready</a></li>
{{end}}</ul></body></html>
`))

// NewMux returns the scrape mux. A non-nil ready handler is mounted at
// /ready so probes can reach the service's readiness on the metrics port.
func NewMux(service string, ready http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	if ready != nil {
		mux.Handle("GET /ready", ready)
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexPage.Execute(w, struct {
			Service string
			Ready   bool
		}{service, ready != nil}); err != nil {
			slog.Error("failed to render metrics index", "error", err)
		}
	})
	return mux
}

// StartServer serves NewMux on port in the background.
func StartServer(port int, service string, ready http.Handler) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMux(service, ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr, "service", service)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}
