package snapshot

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beammon.snapshot.v1.SnapshotService"

const subscribeMethod = "/" + ServiceName + "/Subscribe"

// SnapshotServer is the server API for the snapshot service. Subscribe
// streams one BytesValue per closed window, each holding an encoded frame.
type SnapshotServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "beammon/snapshot/v1/snapshot.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SnapshotServer).Subscribe(m, stream)
}

// RegisterService registers the snapshot service for p on s.
func RegisterService(s grpc.ServiceRegistrar, p *Publisher) {
	s.RegisterService(&serviceDesc, &grpcService{p: p})
}

type grpcService struct {
	p *Publisher
}

func (g *grpcService) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, frames, done, err := g.p.Subscribe("grpc")
	if errors.Is(err, ErrTooManyClients) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer g.p.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case pkt := <-frames:
			if err := stream.SendMsg(wrapperspb.Bytes(pkt.Payload)); err != nil {
				return err
			}
		}
	}
}

// Client subscribes to a remote snapshot service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the service at addr. The connection is
// established lazily on the first Subscribe.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("snapshot: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Subscribe opens a frame stream. Cancel ctx to end it.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Subscription is an open frame stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Recv blocks until the next frame arrives. It returns io.EOF when the
// server ends the stream.
func (s *Subscription) Recv() (*Frame, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return Decode(m.GetValue())
}
