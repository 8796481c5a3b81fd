package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/redbco/redb-cdc/pkg/health"
)

// servers owns the HTTP and gRPC listeners of the engine.
type servers struct {
	engine *Engine

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
}

func newServers(e *Engine) *servers {
	s := &servers{engine: e}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	if e.metrics != nil {
		router.Handle("/metrics", e.metrics.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", e.cfg.Service.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.healthServer = grpchealth.NewServer()
	s.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)

	return s
}

func (s *servers) start() error {
	httpListener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to open http listener: %w", err)
	}
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.engine.cfg.Service.GRPCPort))
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("failed to open grpc listener: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.engine.logger.Errorf("HTTP server: %v", err)
		}
	}()
	go func() {
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			s.engine.logger.Errorf("gRPC server: %v", err)
		}
	}()

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

func (s *servers) stop(ctx context.Context) {
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.engine.logger.Warnf("HTTP shutdown: %v", err)
	}
	s.grpcServer.GracefulStop()
}

// setServing updates the per-component gRPC health status.
func (s *servers) setServing(component string, serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(component, status)
}

// healthzResponse is the aggregate health document.
type healthzResponse struct {
	OverallStatus   string  `json:"overallStatus"`
	UnhealthyStream string  `json:"unhealthyStream,omitempty"`
	LastError       string  `json:"lastError,omitempty"`
	LagSeconds      float64 `json:"lagSeconds"`
}

func (s *servers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	e := s.engine

	resp := healthzResponse{OverallStatus: string(e.checker.GetOverallStatus())}
	if unhealthy := e.checker.FirstUnhealthy(); unhealthy != nil {
		resp.UnhealthyStream = unhealthy.Name
		resp.LastError = unhealthy.Message
	}

	var maxLag float64
	for _, source := range e.dispatcher.Sources() {
		if status, err := e.dispatcher.StreamHealth(source); err == nil && status.LagSeconds > maxLag {
			maxLag = status.LagSeconds
		}
	}
	resp.LagSeconds = maxLag

	code := http.StatusOK
	if resp.OverallStatus == string(health.StatusUnhealthy) {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *servers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsRunning() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
