package clients

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	attendancegrpc "semaphore/qrattendance/internal/grpc"
)

// SessionQuery calls the session query service with the shared service token
// attached to every request.
type SessionQuery struct {
	conn  *grpc.ClientConn
	token string
}

func New(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*SessionQuery, error) {
	if serviceToken == "" {
		return nil, errors.New("service auth token required")
	}
	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewFromConn(conn, serviceToken), nil
}

func NewFromConn(conn *grpc.ClientConn, serviceToken string) *SessionQuery {
	return &SessionQuery{conn: conn, token: serviceToken}
}

func (c *SessionQuery) Close() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.Close()
}

func (c *SessionQuery) GetSessionStatus(ctx context.Context, sessionID string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(c.withToken(ctx), attendancegrpc.GetSessionStatusMethod, wrapperspb.String(sessionID), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionQuery) ListPresentStudents(ctx context.Context, sessionID string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(c.withToken(ctx), attendancegrpc.ListPresentStudentsMethod, wrapperspb.String(sessionID), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionQuery) withToken(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, attendancegrpc.ServiceTokenHeader, c.token)
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
