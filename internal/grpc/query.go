package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"semaphore/qrattendance/internal/attendance"
)

const (
	SessionQueryServiceName = "qrattendance.v1.SessionQueryService"

	GetSessionStatusMethod    = "/" + SessionQueryServiceName + "/GetSessionStatus"
	ListPresentStudentsMethod = "/" + SessionQueryServiceName + "/ListPresentStudents"
)

// SessionQueryServiceServer answers read-only session questions for other
// services. Requests carry the session id; replies are JSON-shaped structs.
type SessionQueryServiceServer interface {
	GetSessionStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListPresentStudents(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var SessionQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionQueryServiceName,
	HandlerType: (*SessionQueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSessionStatus", Handler: getSessionStatusHandler},
		{MethodName: "ListPresentStudents", Handler: listPresentStudentsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qrattendance/v1/session_query.proto",
}

func RegisterSessionQueryServiceServer(s grpc.ServiceRegistrar, srv SessionQueryServiceServer) {
	s.RegisterService(&SessionQueryServiceDesc, srv)
}

func getSessionStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionQueryServiceServer).GetSessionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSessionStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionQueryServiceServer).GetSessionStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listPresentStudentsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionQueryServiceServer).ListPresentStudents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListPresentStudentsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionQueryServiceServer).ListPresentStudents(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type SessionQueryServer struct {
	manager *attendance.Manager
	logger  *zap.Logger
}

func NewSessionQueryServer(manager *attendance.Manager, logger *zap.Logger) *SessionQueryServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionQueryServer{manager: manager, logger: logger}
}

func (s *SessionQueryServer) GetSessionStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id required")
	}
	session, err := s.manager.Session(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	classIDs := make([]interface{}, 0, len(session.ClassIDs))
	for _, id := range session.ClassIDs {
		classIDs = append(classIDs, id)
	}
	resp, err := structpb.NewStruct(map[string]interface{}{
		"id":        session.ID,
		"courseId":  session.CourseID,
		"teacherId": session.TeacherID,
		"classIds":  classIDs,
		"startTime": session.StartTime.UnixMilli(),
		"endTime":   session.EndTime.UnixMilli(),
		"active":    session.Active,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return resp, nil
}

func (s *SessionQueryServer) ListPresentStudents(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id required")
	}
	roster, err := s.manager.Roster(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	students := make([]interface{}, 0, len(roster))
	for _, entry := range roster {
		if !entry.Present {
			continue
		}
		students = append(students, map[string]interface{}{
			"id":        entry.Student.ID,
			"firstName": entry.Student.FirstName,
			"lastName":  entry.Student.LastName,
			"mis":       entry.Student.MIS,
		})
	}
	resp, err := structpb.NewStruct(map[string]interface{}{
		"sessionId": req.GetValue(),
		"students":  students,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return resp, nil
}

func (s *SessionQueryServer) toStatus(err error) error {
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		return status.Error(codes.NotFound, "session not found")
	case errors.Is(err, attendance.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		s.logger.Error("session query failed", zap.Error(err))
		return status.Error(codes.Internal, "session lookup failed")
	}
}
