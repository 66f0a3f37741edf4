package visualiser

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/lidar/network"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

// The MapStream service uses well-known protobuf types only:
//
//	service MapStream {
//	  rpc StreamMap(google.protobuf.Empty) returns (stream google.protobuf.BytesValue);
//	}
//
// Each BytesValue carries one map encoded with network.EncodeCloud.
const (
	mapStreamServiceName = "mapaccum.v1.MapStream"
	streamMapMethod      = "/" + mapStreamServiceName + "/StreamMap"
)

// MapStreamServer is the server API for the MapStream service.
type MapStreamServer interface {
	StreamMap(*emptypb.Empty, grpc.ServerStream) error
}

var mapStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: mapStreamServiceName,
	HandlerType: (*MapStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamMap",
			Handler:       streamMapHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mapaccum/v1/map_stream.proto",
}

func streamMapHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MapStreamServer).StreamMap(in, stream)
}

// RegisterMapStreamServer registers srv on s.
func RegisterMapStreamServer(s grpc.ServiceRegistrar, srv MapStreamServer) {
	s.RegisterService(&mapStreamServiceDesc, srv)
}

// Ensure Server implements the gRPC interface.
var _ MapStreamServer = (*Server)(nil)

// Server implements MapStream on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// StreamMap sends every published map until the client goes away or the
// publisher stops.
func (s *Server) StreamMap(_ *emptypb.Empty, stream grpc.ServerStream) error {
	client, err := s.publisher.addClient()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case frame := <-client.frameCh:
			if err := stream.SendMsg(wrapperspb.Bytes(frame.Payload)); err != nil {
				monitoring.Warnf("[visualiser] send to %s failed: %v", client.id, err)
				return err
			}
		}
	}
}

// MapStreamClient receives maps from a MapStream server.
type MapStreamClient struct {
	stream grpc.ClientStream
}

// DialStream opens a StreamMap call on conn.
func DialStream(ctx context.Context, conn grpc.ClientConnInterface, opts ...grpc.CallOption) (*MapStreamClient, error) {
	stream, err := conn.NewStream(ctx, &mapStreamServiceDesc.Streams[0], streamMapMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &MapStreamClient{stream: stream}, nil
}

// Recv blocks for the next map. It returns io.EOF when the server ends
// the stream.
func (c *MapStreamClient) Recv() (l4perception.PointCloud, error) {
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return l4perception.PointCloud{}, err
	}
	cloud, err := network.DecodeCloud(msg.GetValue())
	if err != nil {
		return l4perception.PointCloud{}, fmt.Errorf("bad map frame: %w", err)
	}
	return cloud, nil
}

// IsTooManyClients reports whether err is the server refusing a stream
// past its client limit.
func IsTooManyClients(err error) bool {
	if errors.Is(err, ErrTooManyClients) {
		return true
	}
	return status.Code(err) == codes.ResourceExhausted
}
