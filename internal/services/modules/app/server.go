// Package server wires the modules runtime and gRPC lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/palettehq/palette/internal/platform/config"
	modulesapi "github.com/palettehq/palette/internal/services/modules/api/modules"
	"github.com/palettehq/palette/internal/services/modules/engine"
	"github.com/palettehq/palette/internal/services/modules/grant"
	modsqlite "github.com/palettehq/palette/internal/services/modules/storage/sqlite"
	"github.com/palettehq/palette/internal/services/ratelimit"
	ratestorage "github.com/palettehq/palette/internal/services/ratelimit/storage"
	ratesqlite "github.com/palettehq/palette/internal/services/ratelimit/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type serverEnv struct {
	DBPath          string `env:"PALETTE_MODULES_DB_PATH"`
	RateLimitDBPath string `env:"PALETTE_RATELIMIT_DB_PATH"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "modules.db")
	}
	if strings.TrimSpace(cfg.RateLimitDBPath) == "" {
		cfg.RateLimitDBPath = filepath.Join("data", "ratelimit.db")
	}
	return cfg
}

// defaultEndpointConfigs seeds the rate limiter for endpoints without a
// persisted config row.
func defaultEndpointConfigs() []ratestorage.EndpointConfig {
	return []ratestorage.EndpointConfig{
		{
			Endpoint:            modulesapi.EndpointGetProjection,
			Enabled:             true,
			MaxRequestsPerActor: 120,
			MaxRequestsPerIP:    240,
			Window:              time.Minute,
		},
		{
			Endpoint:            modulesapi.EndpointToggleModule,
			Enabled:             true,
			MaxRequestsPerActor: 30,
			MaxRequestsPerIP:    60,
			Window:              time.Minute,
		},
		{
			Endpoint:            modulesapi.EndpointListAudit,
			Enabled:             true,
			MaxRequestsPerActor: 60,
			MaxRequestsPerIP:    120,
			Window:              time.Minute,
		},
	}
}

// Server hosts the modules service runtime: storage, engine, rate limiter,
// and the gRPC health endpoint.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *modsqlite.Store
	rateStore  *ratesqlite.Store
	service    *modulesapi.Service
}

// New creates a configured modules server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured modules server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	grants, err := grant.LoadConfigFromEnv(nil)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	env := loadServerEnv()
	store, err := openModulesStore(env.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	rateStore, err := openRateLimitStore(env.RateLimitDBPath)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	activation := engine.New(store, store, store)
	limiter := ratelimit.New(rateStore, rateStore, rateStore, defaultEndpointConfigs())
	service := modulesapi.NewService(activation, store, limiter, grants)

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("modules", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		rateStore:  rateStore,
		service:    service,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Service exposes the module operations to in-process shells.
func (s *Server) Service() *modulesapi.Service {
	if s == nil {
		return nil
	}
	return s.service
}

// Run creates and serves a modules server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("modules server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases modules server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.rateStore != nil {
		if err := s.rateStore.Close(); err != nil {
			log.Printf("close ratelimit store: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close modules store: %v", err)
		}
	}
}

func openModulesStore(path string) (*modsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := modsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open modules sqlite store: %w", err)
	}
	return store, nil
}

func openRateLimitStore(path string) (*ratesqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := ratesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ratelimit sqlite store: %w", err)
	}
	return store, nil
}
