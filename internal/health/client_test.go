package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"idsync.org/internal/audit"
)

type stubHealth struct {
	healthpb.UnimplementedHealthServer
	status    healthpb.HealthCheckResponse_ServingStatus
	requestID chan string
}

func (s *stubHealth) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.requestID <- RequestIDFromIncoming(ctx)
	return &healthpb.HealthCheckResponse{Status: s.status}, nil
}

func dialStub(t *testing.T, stub *stubHealth) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, stub)
	go func() { _ = srv.Serve(lis) }()

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		srv.Stop()
	})
	return c
}

func TestServingPropagatesRequestID(t *testing.T) {
	stub := &stubHealth{status: healthpb.HealthCheckResponse_SERVING, requestID: make(chan string, 1)}
	c := dialStub(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.Serving(audit.WithRequestID(ctx, "req-42"))
	if err != nil {
		t.Fatalf("Serving: %v", err)
	}
	if !ok {
		t.Fatal("expected SERVING")
	}
	if got := <-stub.requestID; got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
}

func TestNotServing(t *testing.T) {
	stub := &stubHealth{status: healthpb.HealthCheckResponse_NOT_SERVING, requestID: make(chan string, 1)}
	c := dialStub(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.Serving(ctx)
	if err != nil {
		t.Fatalf("Serving: %v", err)
	}
	if ok {
		t.Fatal("expected NOT_SERVING")
	}
	if got := <-stub.requestID; got != "" {
		t.Fatalf("unexpected request id %q", got)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
}
