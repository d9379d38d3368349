package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// StatusFunc reports the node status served on /health.
type StatusFunc func() network.NetworkStatus

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer creates a metrics server on addr. A nil gatherer serves
// the default registry. /health answers 200 with the node status while it
// is running and 503 otherwise.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, status StatusFunc, logger *zap.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		st := status()
		w.Header().Set("Content-Type", "application/json")
		if !st.IsRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// StartAsync binds the listener and serves in a goroutine.
func (s *MetricsServer) StartAsync() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = lis

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Metrics server started", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before StartAsync.
func (s *MetricsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
