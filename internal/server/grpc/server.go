// Package grpcserver exposes the operator console gRPC API.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/memsync/internal/convert"
	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/service"
	"github.com/and161185/memsync/internal/settings"
	"github.com/and161185/memsync/internal/sweep"
)

// ServiceName is the fully qualified operations service name.
const ServiceName = "memsync.ops.v1.Operations"

// OperationsServer is the server API of the operations service.
type OperationsServer interface {
	RunSweep(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	ListFailures(ctx context.Context, in *wrapperspb.Int32Value) (*structpb.Struct, error)
	RetryFailure(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	GetAccount(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	ReloadSettings(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// Operations is the part of the event service exposed to operators.
type Operations interface {
	RetryFailure(ctx context.Context, id uuid.UUID) (*service.Outcome, error)
	ListFailures(ctx context.Context, limit int) ([]model.SyncFailure, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

// Sweeper runs one renewal sweep.
type Sweeper interface {
	Run(ctx context.Context) (*sweep.Report, error)
}

// SettingsReloader drops cached mapping tables and loads them again.
type SettingsReloader interface {
	Invalidate()
	Current(ctx context.Context) (*settings.Settings, error)
}

// ReferenceData drops cached CRM funds and levels.
type ReferenceData interface {
	InvalidateReferenceData()
}

// Server wires services into gRPC handlers.
type Server struct {
	ops      Operations
	sweeper  Sweeper
	settings SettingsReloader
	refs     ReferenceData
	log      *zap.Logger
}

var _ OperationsServer = (*Server)(nil)

// New constructs the operations server. refs may be nil.
func New(ops Operations, sw Sweeper, st SettingsReloader, refs ReferenceData, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ops: ops, sweeper: sw, settings: st, refs: refs, log: log.With(zap.String("component", "ops"))}
}

// Register attaches the operations service to gs.
func Register(gs grpc.ServiceRegistrar, srv OperationsServer) {
	gs.RegisterService(&serviceDesc, srv)
}

// RunSweep runs the renewal sweep now.
func (s *Server) RunSweep(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.audit(ctx, "run sweep")
	rep, err := s.sweeper.Run(ctx)
	if err != nil {
		if errors.Is(err, sweep.ErrRunning) {
			return nil, status.Error(codes.FailedPrecondition, "sweep already running")
		}
		return nil, status.Errorf(codes.Internal, "sweep: %v", err)
	}
	return structOrInternal(convert.ToStruct(rep))
}

// ListFailures returns open sync failures.
func (s *Server) ListFailures(ctx context.Context, in *wrapperspb.Int32Value) (*structpb.Struct, error) {
	fs, err := s.ops.ListFailures(ctx, int(in.GetValue()))
	if err != nil {
		return nil, toStatus("list failures", err)
	}
	return structOrInternal(convert.ToProtoFailures(fs))
}

// RetryFailure re-runs the failed step of a recorded failure.
func (s *Server) RetryFailure(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := convert.FromProtoID(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	s.audit(ctx, "retry failure", zap.String("failure", id.String()))
	out, err := s.ops.RetryFailure(ctx, id)
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return structOrInternal(convert.ToStruct(out))
}

// GetAccount returns the local view of an account.
func (s *Server) GetAccount(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := convert.FromProtoID(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	a, err := s.ops.GetAccount(ctx, id)
	if err != nil {
		return nil, toStatus("get account", err)
	}
	return structOrInternal(convert.ToProtoAccount(a))
}

// ReloadSettings drops the settings and CRM reference caches and reports
// the reloaded mapping tables.
func (s *Server) ReloadSettings(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.audit(ctx, "reload settings")
	s.settings.Invalidate()
	if s.refs != nil {
		s.refs.InvalidateReferenceData()
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load settings: %v", err)
	}
	return structpb.NewStruct(map[string]any{
		"levels":        len(cfg.Levels),
		"funds":         len(cfg.Funds),
		"products":      len(cfg.Products),
		"slot_products": len(cfg.SlotProducts),
		"notifications": len(cfg.Notifications),
	})
}

func (s *Server) audit(ctx context.Context, action string, fields ...zap.Field) {
	op, _ := OperatorFromCtx(ctx)
	s.log.Info(action, append(fields, zap.String("operator", op))...)
}

func structOrInternal(st *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return st, nil
}

func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

// --- service descriptor ---

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperationsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunSweep", Handler: unary("RunSweep", newEmpty, OperationsServer.RunSweep)},
		{MethodName: "ListFailures", Handler: unary("ListFailures", newInt32, OperationsServer.ListFailures)},
		{MethodName: "RetryFailure", Handler: unary("RetryFailure", newString, OperationsServer.RetryFailure)},
		{MethodName: "GetAccount", Handler: unary("GetAccount", newString, OperationsServer.GetAccount)},
		{MethodName: "ReloadSettings", Handler: unary("ReloadSettings", newEmpty, OperationsServer.ReloadSettings)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memsync/ops/v1/operations.proto",
}

func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newInt32() *wrapperspb.Int32Value   { return &wrapperspb.Int32Value{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// unary adapts a typed method to a grpc.MethodHandler.
func unary[T proto.Message](method string, newReq func() T, call func(OperationsServer, context.Context, T) (*structpb.Struct, error)) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperationsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OperationsServer), ctx, req.(T))
		}
		return interceptor(ctx, in, info, handler)
	}
}
