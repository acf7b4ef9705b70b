package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// prometheusServer serves the Prometheus text exposition format over
// net/http. It implements the Server interface declared alongside Collector.
type prometheusServer struct {
	addr   string
	path   string
	server *http.Server
}

// NewPrometheusServer builds a Server that exposes metrics registered
// against the default Prometheus registry at path on addr.
func NewPrometheusServer(addr, path string) Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &prometheusServer{
		addr:   addr,
		path:   path,
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start listens and serves until ctx is cancelled or the listener fails.
func (s *prometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *prometheusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
