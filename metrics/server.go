package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the node is healthy. A nil error means healthy.
type HealthFunc func(ctx context.Context) error

// Server exposes /metrics and /healthz for a simulation node.
type Server struct {
	server  *http.Server
	errChan chan error
}

// NewServer creates a metrics server on the specified address.
// Example address: ":9090" or "localhost:9090". A nil health func always reports healthy.
func NewServer(addr string, health HealthFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errChan: make(chan error, 1),
	}
}

// Start starts the server in a goroutine.
// Returns immediately. Check Err() to detect startup failures.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errChan <- err:
			default:
			}
		}
	}()
}

// Err returns any error that occurred during server startup or operation.
// This is non-blocking and returns nil if no error has occurred.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
