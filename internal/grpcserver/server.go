// Package grpcserver hosts the gRPC side of the daemon: the standard health service plus
// interceptors that translate engine errors into gRPC status codes.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service entry reported next to the overall server status.
const ServiceName = "mtaa.Ledger"

// Server wraps a grpc.Server with a health service.
type Server struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds the gRPC server with error mapping and call logging installed.
func New(logger *zap.Logger, options ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptors := grpc.ChainUnaryInterceptor(loggingInterceptor(logger), ErrorInterceptor)
	server := grpc.NewServer(append([]grpc.ServerOption{interceptors}, options...)...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	return &Server{server: server, health: healthServer, logger: logger}
}

// Serve marks the server SERVING and blocks until ctx is cancelled or the listener fails.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("gRPC server shutting down")
		server.health.Shutdown()
		server.server.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	case err := <-errCh:
		server.health.Shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// ErrorInterceptor converts handler errors that are not already gRPC statuses.
func ErrorInterceptor(ctx context.Context, request any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	response, err := handler(ctx, request)
	if err != nil {
		return nil, MapError(err)
	}
	return response, nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(started)),
		}
		if err != nil {
			logger.Warn("gRPC call failed", append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))...)
			return response, err
		}
		logger.Debug("gRPC call", fields...)
		return response, nil
	}
}

// MapError maps an engine error kind onto a gRPC status code.
func MapError(source error) error {
	if source == nil {
		return nil
	}
	if _, ok := status.FromError(source); ok {
		return source
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	switch ledger.KindOf(source) {
	case ledger.KindValidation:
		return status.Error(codes.InvalidArgument, source.Error())
	case ledger.KindNotFound:
		return status.Error(codes.NotFound, source.Error())
	case ledger.KindStateConflict:
		return status.Error(codes.FailedPrecondition, source.Error())
	case ledger.KindTransientDependency:
		return status.Error(codes.Unavailable, source.Error())
	case ledger.KindInvariantViolation:
		return status.Error(codes.DataLoss, source.Error())
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
