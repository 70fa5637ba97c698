package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the operations service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RunSweep(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RunSweep", &emptypb.Empty{}, opts...)
}

func (c *Client) ListFailures(ctx context.Context, limit int32, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListFailures", wrapperspb.Int32(limit), opts...)
}

func (c *Client) RetryFailure(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RetryFailure", wrapperspb.String(id), opts...)
}

func (c *Client) GetAccount(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetAccount", wrapperspb.String(id), opts...)
}

func (c *Client) ReloadSettings(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ReloadSettings", &emptypb.Empty{}, opts...)
}
