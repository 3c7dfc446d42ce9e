package gossip

import (
	"context"

	"overlay/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	serviceName     = "overlay.gossip.v1.Gossip"
	methodAnnounce  = "/" + serviceName + "/Announce"
	methodHeartbeat = "/" + serviceName + "/Heartbeat"
)

// Envelope carries one announcement between gossip nodes.
type Envelope struct {
	Topic        string                `json:"topic"`
	SenderID     types.PeerID          `json:"sender_id"`
	Announcement types.FogAnnouncement `json:"announcement"`
	// Hops is 0 from the origin and 1 after one relay.
	Hops int `json:"hops"`
}

// GossipServer is the server side of the gossip service.
type GossipServer interface {
	Announce(ctx context.Context, env *Envelope) (*emptypb.Empty, error)
	Heartbeat(ctx context.Context, req *emptypb.Empty) (*timestamppb.Timestamp, error)
}

// RegisterGossipServer registers srv on s.
func RegisterGossipServer(s grpc.ServiceRegistrar, srv GossipServer) {
	s.RegisterService(&gossipServiceDesc, srv)
}

func announceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAnnounce}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GossipServer).Announce(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHeartbeat}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GossipServer).Heartbeat(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GossipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: announceHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overlay/gossip.proto",
}
