package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/vietddude/remedy/internal/core/domain"
)

// GRPCHealth queries the standard gRPC health service of a deployment.
type GRPCHealth struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
	timeout time.Duration
}

// DialGRPCHealth connects to target. TLS is used for https:// targets and
// port 443.
func DialGRPCHealth(target, service string, timeout time.Duration) (*GRPCHealth, error) {
	var opts []grpc.DialOption
	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	g := NewGRPCHealth(conn, service, timeout)
	g.conn = conn
	return g, nil
}

// NewGRPCHealth uses an existing connection. Close does not close it.
func NewGRPCHealth(conn grpc.ClientConnInterface, service string, timeout time.Duration) *GRPCHealth {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCHealth{
		client:  healthpb.NewHealthClient(conn),
		service: service,
		timeout: timeout,
	}
}

// Check maps SERVING to SUCCESS and NOT_SERVING to FAILURE. Anything else
// is still rolling out and reported as PENDING.
func (g *GRPCHealth) Check(ctx context.Context) (domain.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Check(ctx, &healthpb.HealthCheckRequest{Service: g.service})
	now := time.Now().UTC()
	if err != nil {
		st := status.Convert(err)
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
			return domain.Status{}, fmt.Errorf("health check: %w", err)
		case codes.NotFound:
			// Service not registered yet.
			return domain.Status{Kind: domain.StatusPending, CheckedAt: now}, nil
		}
		return domain.Status{Kind: domain.StatusFailure, Payload: renderStatus(st.Proto()), CheckedAt: now}, nil
	}

	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return domain.Status{Kind: domain.StatusSuccess, CheckedAt: now}, nil
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return domain.Status{
			Kind:      domain.StatusFailure,
			Payload:   fmt.Sprintf("[transport] service %q is not serving", g.service),
			CheckedAt: now,
		}, nil
	default:
		return domain.Status{Kind: domain.StatusPending, CheckedAt: now}, nil
	}
}

// renderStatus formats an RPC status as a single-line failure detail.
func renderStatus(p *spb.Status) string {
	b, err := protojson.Marshal(p)
	if err != nil {
		return fmt.Sprintf("grpc %s: %s", codes.Code(p.GetCode()), p.GetMessage())
	}
	return fmt.Sprintf("grpc %s: %s", codes.Code(p.GetCode()), b)
}

// Close releases a connection opened by DialGRPCHealth.
func (g *GRPCHealth) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}
