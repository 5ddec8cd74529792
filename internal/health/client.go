// Package health is a gRPC client for the grpc.health.v1 service exposed by
// the API server.
package health

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"idsync.org/internal/audit"
)

// RequestIDMetadataKey carries the caller's request id to the server.
const RequestIDMetadataKey = "x-request-id"

// Client wraps a health service connection.
type Client struct {
	conn *grpc.ClientConn
	svc  healthpb.HealthClient
}

// Dial creates a client for target. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, svc: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check returns the serving status of service; "" asks about the server as a whole.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.svc.Check(outgoingWithRequestID(ctx), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// Serving reports whether the server answers SERVING.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	st, err := c.Check(ctx, "")
	if err != nil {
		return false, err
	}
	return st == healthpb.HealthCheckResponse_SERVING, nil
}

func outgoingWithRequestID(ctx context.Context) context.Context {
	rid := audit.RequestIDFromContext(ctx)
	if rid == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, rid)
}

// RequestIDFromIncoming returns the request id sent by Client, if any.
func RequestIDFromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(RequestIDMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}
