package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// NewMux serves /metrics and, when health is non-nil, /healthz. Callers
// mount further routes on the returned mux.
func NewMux(m *Metrics, health http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	if health != nil {
		mux.Handle("GET /healthz", health)
	}
	return mux
}

// StartServer listens on addr and serves h in the background. Bind errors
// are returned; the returned function shuts the server down.
func StartServer(addr string, h http.Handler) (net.Addr, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ln.Addr(), server.Shutdown, nil
}
