// Package grpcapi exposes a small session control plane over gRPC. Messages
// are google.protobuf.Struct values so no generated code is needed.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/identity"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentrelay.v1.SessionControl"

const (
	methodGetStatus    = "/" + ServiceName + "/GetStatus"
	methodClearSession = "/" + ServiceName + "/ClearSession"
	methodSetModel     = "/" + ServiceName + "/SetModel"
)

// Sessions is the part of the session manager the control plane drives.
type Sessions interface {
	GetStatus(ctx context.Context, userID string) (domain.Snapshot, error)
	ClearSession(ctx context.Context, userID string) error
	SetModel(ctx context.Context, userID, model string) (domain.Model, error)
}

// SessionControlServer is the service implementation contract.
type SessionControlServer interface {
	GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ClearSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetModel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements SessionControlServer on top of Sessions.
type Server struct {
	sessions Sessions
	allow    *identity.AllowList
}

// NewServer returns a control plane bound to sessions. allow may be nil.
func NewServer(sessions Sessions, allow *identity.AllowList) *Server {
	return &Server{sessions: sessions, allow: allow}
}

// GetStatus returns the session snapshot of {"user_id"}.
func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userID(in)
	if err != nil {
		return nil, err
	}
	snap, err := s.sessions.GetStatus(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snap)
}

// ClearSession clears the session of {"user_id"}.
func (s *Server) ClearSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userID(in)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.ClearSession(ctx, userID); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"status": "cleared"})
}

// SetModel applies {"user_id", "model"}.
func (s *Server) SetModel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userID(in)
	if err != nil {
		return nil, err
	}
	mdl, err := s.sessions.SetModel(ctx, userID, in.GetFields()["model"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"model": string(mdl)})
}

func (s *Server) userID(in *structpb.Struct) (string, error) {
	id := in.GetFields()["user_id"].GetStringValue()
	if !identity.ValidID(id) {
		return "", status.Error(codes.InvalidArgument, "invalid user_id")
	}
	if !s.allow.Allowed(id) {
		return "", status.Error(codes.PermissionDenied, "operator not allowed")
	}
	return id, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrInvalidIdentifier), errors.Is(err, domain.ErrUnknownModel):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrBusy):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func unaryHandler(method string, call func(SessionControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the SessionControl service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unaryHandler(methodGetStatus, SessionControlServer.GetStatus)},
		{MethodName: "ClearSession", Handler: unaryHandler(methodClearSession, SessionControlServer.ClearSession)},
		{MethodName: "SetModel", Handler: unaryHandler(methodSetModel, SessionControlServer.SetModel)},
	},
	Metadata: "agentrelay/v1/session_control.proto",
}

// NewGRPCServer builds a grpc.Server serving the control plane and the
// standard health service.
func NewGRPCServer(srv SessionControlServer, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	gs.RegisterService(&ServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{"method", info.FullMethod, "duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			logger.Warn("gRPC call failed", append(attrs, "code", status.Code(err).String(), "error", err)...)
		} else {
			logger.Debug("gRPC call", attrs...)
		}
		return resp, err
	}
}

// Client calls the control plane over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetStatus fetches the session snapshot for userID.
func (c *Client) GetStatus(ctx context.Context, userID string) (domain.Snapshot, error) {
	out, err := c.call(ctx, methodGetStatus, map[string]any{"user_id": userID})
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	b, err := out.MarshalJSON()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}

// ClearSession clears the session for userID.
func (c *Client) ClearSession(ctx context.Context, userID string) error {
	_, err := c.call(ctx, methodClearSession, map[string]any{"user_id": userID})
	return err
}

// SetModel selects model for userID.
func (c *Client) SetModel(ctx context.Context, userID, model string) (domain.Model, error) {
	out, err := c.call(ctx, methodSetModel, map[string]any{"user_id": userID, "model": model})
	if err != nil {
		return "", err
	}
	return domain.Model(out.GetFields()["model"].GetStringValue()), nil
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
