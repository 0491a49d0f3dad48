// Package transport opens the outbound (upstream) leg of each pair:
// either a plain TCP connection or a channel through an SSH gateway.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections to the upstream.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	// Failures are returned as *errors.NetworkError with Op "dial".
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
