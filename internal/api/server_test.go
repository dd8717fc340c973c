package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/correlation"
)

type echoServer struct {
	UnimplementedTelemetryServer
}

func (echoServer) RecordEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	corr, _ := correlation.Get(ctx)
	return EncodeStruct(map[string]any{
		"id":          "evt-1",
		"echo":        in.Fields["event_name"].GetStringValue(),
		"correlation": corr,
	})
}

func startServer(t *testing.T, srv TelemetryServer) (*Server, *grpc.ClientConn) {
	t.Helper()
	server, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, srv)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = server.Start() }()

	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server, conn
}

func TestServerRoutesStructRequests(t *testing.T) {
	_, conn := startServer(t, echoServer{})
	client := NewTelemetryClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp struct {
		ID   string `json:"id"`
		Echo string `json:"echo"`
	}
	if err := client.Invoke(ctx, MethodRecordEvent, map[string]any{"event_name": "tool.started"}, &resp); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.ID != "evt-1" || resp.Echo != "tool.started" {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, err := client.Call(ctx, MethodFlush, nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected unimplemented, got %v", err)
	}
}

func TestServerHealthService(t *testing.T) {
	server, conn := startServer(t, echoServer{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: TelemetryServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving, got %v", resp.GetStatus())
	}

	server.SetServing(false)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: TelemetryServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected not serving, got %v", resp.GetStatus())
	}
}

func TestServiceDescListsEveryMethod(t *testing.T) {
	if len(TelemetryServiceDesc.Methods) != 18 {
		t.Fatalf("expected 18 methods, got %d", len(TelemetryServiceDesc.Methods))
	}
	seen := map[string]bool{}
	for _, m := range TelemetryServiceDesc.Methods {
		if seen[m.MethodName] {
			t.Fatalf("duplicate method %s", m.MethodName)
		}
		seen[m.MethodName] = true
	}
	if FullMethod(MethodExport) != "/mirador.telemetry.v1.Telemetry/Export" {
		t.Fatalf("unexpected full method %s", FullMethod(MethodExport))
	}
}

func TestCorrelationHeaderBindsContext(t *testing.T) {
	_, conn := startServer(t, echoServer{})
	client := NewTelemetryClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, CorrelationHeader, "corr-42")

	var header metadata.MD
	var resp struct {
		Correlation string `json:"correlation"`
	}
	if err := client.Invoke(ctx, MethodRecordEvent, map[string]any{"event_name": "x"}, &resp, grpc.Header(&header)); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Correlation != "corr-42" {
		t.Fatalf("expected correlation corr-42, got %q", resp.Correlation)
	}
	if got := header.Get(CorrelationHeader); len(got) != 1 || got[0] != "corr-42" {
		t.Fatalf("expected echoed header, got %v", got)
	}
}
