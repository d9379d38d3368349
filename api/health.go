// Package api provides the operator-facing servers of a Moccasin node: a
// gRPC health endpoint and an HTTP endpoint for Prometheus metrics.
package api

import (
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// Version is the current version of the Moccasin Engine.
const Version = "0.1.0"

// HealthService is the service name whose status follows the network node.
const HealthService = "moccasin.network"

// EventSource delivers facade events. *network.NetworkService implements it.
type EventSource interface {
	SubscribeEvents(ch chan<- network.Event) event.Subscription
}

// HealthServer serves grpc.health.v1 and reports HealthService as SERVING
// between the node's online and offline events.
type HealthServer struct {
	health     *health.Server
	grpcServer *grpc.Server
	listener   net.Listener
	logger     *zap.Logger

	sub  event.Subscription
	done chan struct{}

	running bool
	mu      sync.Mutex
}

// NewHealthServer creates a health server. Status starts as NOT_SERVING.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		health: hs,
		logger: logger,
	}
}

// StartAsync listens on address and serves in the background.
func (s *HealthServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("health server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.running = true

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Warn("Health server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Health server started", zap.String("address", lis.Addr().String()))
	return nil
}

// Watch follows src: online sets SERVING, offline sets NOT_SERVING.
func (s *HealthServer) Watch(src EventSource) {
	events := make(chan network.Event, 64)

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return
	}
	s.sub = src.SubscribeEvents(events)
	s.done = make(chan struct{})
	sub, done := s.sub, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev := <-events:
				switch ev.Type {
				case network.EventOnline:
					s.SetServing(true)
				case network.EventOffline:
					s.SetServing(false)
				}
			case <-sub.Err():
				return
			}
		}
	}()
}

// SetServing sets the status of HealthService.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

// Addr returns the listening address, or nil before StartAsync.
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.sub = nil
	running := s.running
	s.running = false
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		<-done
	}

	s.health.Shutdown()
	if running && s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
