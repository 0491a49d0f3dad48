// Package tunnel connects to an SSH gateway and opens upstream TCP
// connections through it, for bridges whose upstream is only reachable
// from the gateway's network.
package tunnel

import (
	"context"
	"fmt"
	"net"
)

// Tunnel is a gateway connection through which upstream connections
// are opened.  Manager keeps one alive; SSHTunnel is the implementation.
type Tunnel interface {
	fmt.Stringer // user@host:port of the gateway, for logs


	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel.
	Close() error

	// IsAlive reports whether the gateway connection is still up.
	IsAlive() bool

	// Keepalive round-trips a request to the gateway.  An error means
	// the connection is no longer usable.
	Keepalive() error
}

var _ Tunnel = (*SSHTunnel)(nil)
