package rpc

import (
	"context"
	"net"
	"net/rpc"
)

// DialContext connects to an RPC server at the address.
func DialContext(ctx context.Context, addr string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return rpc.NewClientWithCodec(NewClientCodec(conn)), nil
}
