package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// TelemetryServiceName is the fully qualified gRPC service name.
const TelemetryServiceName = "mirador.telemetry.v1.Telemetry"

// Method names of the Telemetry service.
const (
	MethodRecordEvent               = "RecordEvent"
	MethodRecordMetric              = "RecordMetric"
	MethodRecordHealthCheck         = "RecordHealthCheck"
	MethodRecordPerformanceSnapshot = "RecordPerformanceSnapshot"
	MethodUpdateCorrelationChain    = "UpdateCorrelationChain"
	MethodFlush                     = "Flush"
	MethodBufferStatus              = "BufferStatus"
	MethodQueryEvents               = "QueryEvents"
	MethodEventsByCorrelation       = "EventsByCorrelation"
	MethodEventStatistics           = "EventStatistics"
	MethodQueryMetrics              = "QueryMetrics"
	MethodMetricAggregation         = "MetricAggregation"
	MethodMetricTimeSeries          = "MetricTimeSeries"
	MethodHealthStatus              = "HealthStatus"
	MethodPerformanceAnalysis       = "PerformanceAnalysis"
	MethodCorrelationChainAnalysis  = "CorrelationChainAnalysis"
	MethodSystemHealth              = "SystemHealth"
	MethodExport                    = "Export"
)

// TelemetryServer is the server API of the Telemetry service. Requests and
// responses are google.protobuf.Struct documents.
type TelemetryServer interface {
	RecordEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordMetric(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordHealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordPerformanceSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateCorrelationChain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BufferStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EventsByCorrelation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EventStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MetricAggregation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MetricTimeSeries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PerformanceAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CorrelationChainAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SystemHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(TelemetryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var telemetryMethods = []struct {
	name string
	call unaryMethod
}{
	{MethodRecordEvent, TelemetryServer.RecordEvent},
	{MethodRecordMetric, TelemetryServer.RecordMetric},
	{MethodRecordHealthCheck, TelemetryServer.RecordHealthCheck},
	{MethodRecordPerformanceSnapshot, TelemetryServer.RecordPerformanceSnapshot},
	{MethodUpdateCorrelationChain, TelemetryServer.UpdateCorrelationChain},
	{MethodFlush, TelemetryServer.Flush},
	{MethodBufferStatus, TelemetryServer.BufferStatus},
	{MethodQueryEvents, TelemetryServer.QueryEvents},
	{MethodEventsByCorrelation, TelemetryServer.EventsByCorrelation},
	{MethodEventStatistics, TelemetryServer.EventStatistics},
	{MethodQueryMetrics, TelemetryServer.QueryMetrics},
	{MethodMetricAggregation, TelemetryServer.MetricAggregation},
	{MethodMetricTimeSeries, TelemetryServer.MetricTimeSeries},
	{MethodHealthStatus, TelemetryServer.HealthStatus},
	{MethodPerformanceAnalysis, TelemetryServer.PerformanceAnalysis},
	{MethodCorrelationChainAnalysis, TelemetryServer.CorrelationChainAnalysis},
	{MethodSystemHealth, TelemetryServer.SystemHealth},
	{MethodExport, TelemetryServer.Export},
}

// TelemetryServiceDesc describes the Telemetry service for grpc.Server.
var TelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(telemetryMethods))
	for _, m := range telemetryMethods {
		descs = append(descs, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	return descs
}

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	fullMethod := FullMethod(name)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TelemetryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TelemetryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FullMethod returns the "/service/method" path of a Telemetry method.
func FullMethod(method string) string {
	return "/" + TelemetryServiceName + "/" + method
}

// RegisterTelemetryServer attaches srv to the registrar.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&TelemetryServiceDesc, srv)
}

// UnimplementedTelemetryServer answers every method with codes.Unimplemented.
type UnimplementedTelemetryServer struct{}

func unimplemented(method string) error {
	return status.Error(codes.Unimplemented, fmt.Sprintf("method %s not implemented", method))
}

func (UnimplementedTelemetryServer) RecordEvent(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordEvent)
}
func (UnimplementedTelemetryServer) RecordMetric(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordMetric)
}
func (UnimplementedTelemetryServer) RecordHealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordHealthCheck)
}
func (UnimplementedTelemetryServer) RecordPerformanceSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordPerformanceSnapshot)
}
func (UnimplementedTelemetryServer) UpdateCorrelationChain(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodUpdateCorrelationChain)
}
func (UnimplementedTelemetryServer) Flush(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodFlush)
}
func (UnimplementedTelemetryServer) BufferStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodBufferStatus)
}
func (UnimplementedTelemetryServer) QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodQueryEvents)
}
func (UnimplementedTelemetryServer) EventsByCorrelation(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEventsByCorrelation)
}
func (UnimplementedTelemetryServer) EventStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodEventStatistics)
}
func (UnimplementedTelemetryServer) QueryMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodQueryMetrics)
}
func (UnimplementedTelemetryServer) MetricAggregation(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodMetricAggregation)
}
func (UnimplementedTelemetryServer) MetricTimeSeries(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodMetricTimeSeries)
}
func (UnimplementedTelemetryServer) HealthStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodHealthStatus)
}
func (UnimplementedTelemetryServer) PerformanceAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodPerformanceAnalysis)
}
func (UnimplementedTelemetryServer) CorrelationChainAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCorrelationChainAnalysis)
}
func (UnimplementedTelemetryServer) SystemHealth(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodSystemHealth)
}
func (UnimplementedTelemetryServer) Export(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodExport)
}

// TelemetryClient calls the Telemetry service over a client connection.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient wraps cc.
func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

// Call invokes method with a raw Struct request.
func (c *TelemetryClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke encodes req, calls method and decodes the reply into resp. Either
// may be nil.
func (c *TelemetryClient) Invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	var in *structpb.Struct
	if req != nil {
		var err error
		if in, err = EncodeStruct(req); err != nil {
			return err
		}
	}
	out, err := c.Call(ctx, method, in, opts...)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return DecodeStruct(out, resp)
}
