package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/trustgate/internal/releasecert"
	"github.com/xela07ax/trustgate/internal/shredder"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ReleaseGateServiceName = "trustgate.v1.ReleaseGate"
	DecideMethod           = "/" + ReleaseGateServiceName + "/Decide"
)

// ReleaseGateServer: gRPC-поверхность гейта. Сообщения: google.protobuf.Struct
// с той же JSON-формой, что и у HTTP.
type ReleaseGateServer interface {
	Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var ReleaseGateServiceDesc = grpc.ServiceDesc{
	ServiceName: ReleaseGateServiceName,
	HandlerType: (*ReleaseGateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: decideHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustgate/v1/release_gate.proto",
}

func RegisterReleaseGateServer(s grpc.ServiceRegistrar, srv ReleaseGateServer) {
	s.RegisterService(&ReleaseGateServiceDesc, srv)
}

func decideHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReleaseGateServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecideMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReleaseGateServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGateServer struct {
	releaser *Releaser
	logger   *zap.Logger
}

func NewGRPCGateServer(r *Releaser, logger *zap.Logger) *GRPCGateServer {
	return &GRPCGateServer{releaser: r, logger: logger.Named("grpc")}
}

func (s *GRPCGateServer) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> JSON -> запрос (тот же путь, что и у HTTP)
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var req ReleaseRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if req.WorkspaceID == "" {
		return nil, status.Error(codes.InvalidArgument, "workspaceId is required")
	}

	// 2. Единый пайплайн решения
	out, err := s.releaser.Decide(ctx, req)
	if errors.Is(err, shredder.ErrDataShredded) {
		return nil, status.Error(codes.PermissionDenied, shredder.ErrDataShredded.Error())
	}
	if err != nil {
		s.logger.Error("release decision failed", zap.String("trace_id", TraceID(ctx)), zap.Error(err))
		return nil, status.Error(codes.Internal, "release decision failed")
	}

	// 3. Сертификат уходит в заголовках, как в HTTP
	if out.Certificate != nil {
		_ = grpc.SetHeader(ctx, metadata.Pairs(
			strings.ToLower(releasecert.HeaderCert), out.Certificate.Token,
			strings.ToLower(releasecert.HeaderChain), out.ChainSummary,
		))
	}

	// 4. Ответ обратно в Struct
	body, err := json.Marshal(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	m["status"] = out.Status
	resp, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// UnaryTraceInterceptor переносит x-trace-id из метаданных в контекст (или создает новый).
func UnaryTraceInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		traceID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			// В gRPC заголовки в нижнем регистре
			if v := md.Get(strings.ToLower(HeaderTraceID)); len(v) > 0 {
				traceID = v[0]
			}
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(HeaderTraceID), traceID))
		return handler(WithTraceID(ctx, traceID), req)
	}
}
