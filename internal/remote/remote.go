// Package remote invokes aggregate business logic hosted in another process
// over gRPC. Books travel as canonical JSON frames under a registered codec,
// so a remote handler needs no generated bindings: it imports this package,
// implements Logic, and registers itself on a plain gRPC server.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	gogrpc "google.golang.org/grpc"
	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/encoding"
	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
	platformgrpc "github.com/louisbranch/chronicle/internal/platform/grpc"
)

// ServiceName is the fully-qualified gRPC service for remote business logic.
const ServiceName = "chronicle.business.v1.BusinessLogic"

const (
	handleMethod = "/" + ServiceName + "/Handle"
	codecName    = "chronicle-json"
)

func init() {
	grpcencoding.RegisterCodec(jsonCodec{})
}

// jsonCodec frames request and response messages as canonical JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return encoding.Canonical(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type handleRequest struct {
	Prior   book.EventBook   `json:"prior"`
	Command book.CommandBook `json:"command"`
}

type handleResponse struct {
	Events []book.EventPage `json:"events"`
}

// Logic is the server-side contract a remote business-logic process
// implements. It mirrors the coordinator's dispatch signature: prior history
// in, event pages out, business rejections as domain errors.
type Logic interface {
	Handle(ctx context.Context, prior book.EventBook, cb book.CommandBook) ([]book.EventPage, error)
}

// Client calls a remote business-logic process. It satisfies the
// coordinator's BusinessLogic contract.
type Client struct {
	conn  *gogrpc.ClientConn
	owned bool
}

// Dial connects to a remote business-logic endpoint, waiting for its health
// check to serve, and returns a client owning the connection.
func Dial(ctx context.Context, addr string, dialTimeout time.Duration) (*Client, error) {
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, dialTimeout, log.Printf,
		platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient wraps an existing connection. Close becomes a no-op; the caller
// keeps ownership.
func NewClient(conn *gogrpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Handle dispatches one command book to the remote process. Domain errors
// round-trip through the status details, so rejection codes and metadata
// survive the hop.
func (c *Client) Handle(ctx context.Context, prior book.EventBook, cb book.CommandBook) ([]book.EventPage, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("remote business logic is not connected")
	}
	req := handleRequest{Prior: prior, Command: cb}
	var resp handleResponse
	err := c.conn.Invoke(ctx, handleMethod, &req, &resp, gogrpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, apperrors.FromGRPCStatus(err)
	}
	return resp.Events, nil
}

// Close releases the connection when the client owns it.
func (c *Client) Close() error {
	if c == nil || c.conn == nil || !c.owned {
		return nil
	}
	return c.conn.Close()
}

// RegisterServer exposes a Logic implementation on a gRPC server under
// ServiceName.
func RegisterServer(s gogrpc.ServiceRegistrar, logic Logic) {
	s.RegisterService(&serviceDesc, logic)
}

var serviceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Logic)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
	},
	Streams: []gogrpc.StreamDesc{},
}

func handleHandler(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
	in := new(handleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	invoke := func(ctx context.Context, req any) (any, error) {
		r := req.(*handleRequest)
		events, err := srv.(Logic).Handle(ctx, r.Prior, r.Command)
		if err != nil {
			return nil, toStatus(err)
		}
		return &handleResponse{Events: events}, nil
	}
	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: handleMethod}
	return interceptor(ctx, in, info, invoke)
}

func toStatus(err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.ToGRPCStatus()
	}
	return err
}
