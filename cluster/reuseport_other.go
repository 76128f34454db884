//go:build !linux

package cluster

import (
	"context"
	"net"
)

// Listen binds addr without port sharing; only one worker can hold the
// address on this platform.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr)
}
