package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"dwarfendepths/movecore/internal/logging"
)

// TokenMetadataKey carries the operator token on incoming calls.
const TokenMetadataKey = "x-movecore-admin-token"

// ServerOptions returns the interceptors guarding the world service. An empty
// token leaves the service open, which suits loopback-only listeners.
func ServerOptions(token string, logger *logging.Logger) []grpc.ServerOption {
	if logger == nil {
		logger = logging.L()
	}
	token = strings.TrimSpace(token)
	if token == "" {
		logger.Warn("gRPC world service running without authentication")
		return nil
	}
	logger.Info("gRPC token authentication enabled")
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(newTokenUnaryInterceptor(token)),
		grpc.ChainStreamInterceptor(newTokenStreamInterceptor(token)),
	}
}

func newTokenUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkToken(ctx, token); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func newTokenStreamInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkToken(ss.Context(), token); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkToken(ctx context.Context, token string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractToken(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing token")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func extractToken(md metadata.MD) string {
	for _, value := range md.Get(TokenMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

// WithToken attaches the operator token to an outgoing call context.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, token)
}
